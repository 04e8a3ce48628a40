package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cachewarden/cachewarden/types"
)

const upsertSessionSQL = `
INSERT INTO prefill_sessions (
    session_id, created_by_session_id, service, container_id, container_name,
    status, steam_username, is_authenticated, is_prefilling,
    created_at_utc, expires_at_utc, ended_at_utc, termination_reason, terminated_by
) VALUES (
    :session_id, :created_by_session_id, :service, :container_id, :container_name,
    :status, :steam_username, :is_authenticated, :is_prefilling,
    :created_at_utc, :expires_at_utc, :ended_at_utc, :termination_reason, :terminated_by
)
ON CONFLICT(session_id) DO UPDATE SET
    container_id       = excluded.container_id,
    container_name     = excluded.container_name,
    status             = excluded.status,
    steam_username     = excluded.steam_username,
    is_authenticated   = excluded.is_authenticated,
    is_prefilling      = excluded.is_prefilling,
    expires_at_utc     = excluded.expires_at_utc,
    ended_at_utc       = excluded.ended_at_utc,
    termination_reason = excluded.termination_reason,
    terminated_by      = excluded.terminated_by`

// SavePrefillSession upserts the full session row.
func (s *Store) SavePrefillSession(ctx context.Context, session *types.PrefillSession) error {
	if _, err := s.db.NamedExecContext(ctx, upsertSessionSQL, session); err != nil {
		return fmt.Errorf("failed to save prefill session %s: %w", session.SessionID, err)
	}
	return nil
}

// GetPrefillSession returns the session row, or (nil, nil) when absent.
func (s *Store) GetPrefillSession(ctx context.Context, sessionID string) (*types.PrefillSession, error) {
	var row types.PrefillSession
	err := s.db.GetContext(ctx, &row, `SELECT * FROM prefill_sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query prefill session %s: %w", sessionID, err)
	}
	return &row, nil
}

// PrefillSessionsByStatus returns session rows in the given status,
// oldest first.
func (s *Store) PrefillSessionsByStatus(ctx context.Context, status types.SessionStatus) ([]types.PrefillSession, error) {
	var rows []types.PrefillSession
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM prefill_sessions WHERE status = ? ORDER BY created_at_utc`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query prefill sessions: %w", err)
	}
	return rows, nil
}

// TerminatePrefillSession marks the session row terminated with the given
// reason and actor.
func (s *Store) TerminatePrefillSession(ctx context.Context, sessionID, reason, terminatedBy string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE prefill_sessions
SET status = ?, is_authenticated = 0, is_prefilling = 0,
    ended_at_utc = ?, termination_reason = ?, terminated_by = ?
WHERE session_id = ?`, types.SessionTerminated, endedAt.UTC(), reason, terminatedBy, sessionID)
	if err != nil {
		return fmt.Errorf("failed to terminate prefill session %s: %w", sessionID, err)
	}
	return nil
}

// SetPrefillSessionStatus updates only the lifecycle status. Orphan
// reconciliation moves rows Active -> Orphaned -> Cleaned with it.
func (s *Store) SetPrefillSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE prefill_sessions SET status = ? WHERE session_id = ?`, status, sessionID); err != nil {
		return fmt.Errorf("failed to update prefill session %s status: %w", sessionID, err)
	}
	return nil
}

// StartHistoryEntry inserts an InProgress history entry. Any stale
// InProgress entry for the same (session, app) pair is marked Cancelled
// first, so at most one stays open.
func (s *Store) StartHistoryEntry(ctx context.Context, entry *types.PrefillHistoryEntry) (int64, error) {
	var id int64
	err := s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
UPDATE prefill_history
SET status = ?, completed_at_utc = ?
WHERE session_id = ? AND app_id = ? AND status = ?`,
			types.HistoryCancelled, now, entry.SessionID, entry.AppID, types.HistoryInProgress)
		if err != nil {
			return fmt.Errorf("failed to supersede stale history entries: %w", err)
		}

		res, err := tx.NamedExecContext(ctx, `
INSERT INTO prefill_history (
    session_id, app_id, app_name, started_at_utc, completed_at_utc,
    status, bytes_downloaded, total_bytes, error_message
) VALUES (
    :session_id, :app_id, :app_name, :started_at_utc, :completed_at_utc,
    :status, :bytes_downloaded, :total_bytes, :error_message
)`, entry)
		if err != nil {
			return fmt.Errorf("failed to insert history entry: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CompleteHistoryEntry finalizes one history entry.
func (s *Store) CompleteHistoryEntry(ctx context.Context, id int64, status types.HistoryStatus, bytesDownloaded, totalBytes int64, errMsg *string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE prefill_history
SET status = ?, bytes_downloaded = ?, total_bytes = ?, error_message = ?, completed_at_utc = ?
WHERE id = ?`, status, bytesDownloaded, totalBytes, errMsg, completedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete history entry %d: %w", id, err)
	}
	return nil
}

// CompleteOpenHistoryEntries moves every InProgress entry of the session
// to the given terminal status. Used at session termination.
func (s *Store) CompleteOpenHistoryEntries(ctx context.Context, sessionID string, status types.HistoryStatus, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE prefill_history
SET status = ?, completed_at_utc = ?
WHERE session_id = ? AND status = ?`, status, completedAt.UTC(), sessionID, types.HistoryInProgress)
	if err != nil {
		return fmt.Errorf("failed to close open history entries for %s: %w", sessionID, err)
	}
	return nil
}

// SessionHistory returns history entries for the session, newest first.
func (s *Store) SessionHistory(ctx context.Context, sessionID string, limit int) ([]types.PrefillHistoryEntry, error) {
	var rows []types.PrefillHistoryEntry
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM prefill_history
WHERE session_id = ?
ORDER BY started_at_utc DESC, id DESC
LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", sessionID, err)
	}
	return rows, nil
}

// BanSteamUser records a ban for the normalized username. Existing active
// bans for the same username are lifted first, so at most one stays
// active.
func (s *Store) BanSteamUser(ctx context.Context, username string, reason *string, expiresAt *time.Time) error {
	normalized := types.NormalizeUsername(username)
	if normalized == "" {
		return fmt.Errorf("store: ban username is required")
	}
	now := time.Now().UTC()
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE banned_steam_users SET is_lifted = 1, lifted_at_utc = ? WHERE username = ? AND is_lifted = 0`,
			now, normalized)
		if err != nil {
			return fmt.Errorf("failed to lift prior bans for %q: %w", normalized, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO banned_steam_users (username, reason, banned_at_utc, expires_at_utc, is_lifted)
VALUES (?, ?, ?, ?, 0)`, normalized, reason, now, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert ban for %q: %w", normalized, err)
		}
		return nil
	})
}

// LiftBan lifts every active ban for the normalized username.
func (s *Store) LiftBan(ctx context.Context, username string) error {
	normalized := types.NormalizeUsername(username)
	_, err := s.db.ExecContext(ctx, `
UPDATE banned_steam_users SET is_lifted = 1, lifted_at_utc = ? WHERE username = ? AND is_lifted = 0`,
		time.Now().UTC(), normalized)
	if err != nil {
		return fmt.Errorf("failed to lift ban for %q: %w", normalized, err)
	}
	return nil
}

// ActiveBan returns the ban blocking the username at the given instant,
// or (nil, nil). Expiry is evaluated in Go so clock handling stays in one
// place.
func (s *Store) ActiveBan(ctx context.Context, username string, now time.Time) (*types.BannedSteamUser, error) {
	normalized := types.NormalizeUsername(username)
	var rows []types.BannedSteamUser
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM banned_steam_users WHERE username = ? AND is_lifted = 0 ORDER BY banned_at_utc DESC, id DESC`,
		normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to query bans for %q: %w", normalized, err)
	}
	for i := range rows {
		if rows[i].IsActive(now) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// ListBans returns every ban row, newest first.
func (s *Store) ListBans(ctx context.Context) ([]types.BannedSteamUser, error) {
	var rows []types.BannedSteamUser
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM banned_steam_users ORDER BY banned_at_utc DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bans: %w", err)
	}
	return rows, nil
}
