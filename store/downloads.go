package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cachewarden/cachewarden/types"
)

// DownloadBackfill is one downloads-row update produced by the depot
// mapping service.
type DownloadBackfill struct {
	DownloadID   int64
	GameAppID    uint32
	GameName     string
	GameImageURL *string
}

// UnmappedSteamDownloads returns steam download rows with a depot id but
// no game attribution yet, newest first.
func (s *Store) UnmappedSteamDownloads(ctx context.Context, since time.Time, limit int) ([]types.Download, error) {
	var rows []types.Download
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM downloads
WHERE service = 'steam'
  AND depot_id IS NOT NULL
  AND game_app_id IS NULL
  AND start_time_utc >= ?
ORDER BY start_time_utc DESC
LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unmapped downloads: %w", err)
	}
	return rows, nil
}

// OwnerMappingsForDepots returns the owner mapping per depot id for every
// depot that has one.
func (s *Store) OwnerMappingsForDepots(ctx context.Context, depotIDs []uint32) (map[uint32]types.SteamDepotMapping, error) {
	out := make(map[uint32]types.SteamDepotMapping)
	if len(depotIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
SELECT * FROM steam_depot_mappings WHERE depot_id IN (?) AND is_owner = 1`, depotIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build mapping query: %w", err)
	}

	var rows []types.SteamDepotMapping
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query depot mappings: %w", err)
	}
	for _, row := range rows {
		if _, seen := out[row.DepotID]; !seen {
			out[row.DepotID] = row
		}
	}
	return out, nil
}

const upsertDepotMappingSQL = `
INSERT INTO steam_depot_mappings (
    depot_id, app_id, app_name, depot_name, is_owner, source, discovered_at
) VALUES (
    :depot_id, :app_id, :app_name, :depot_name, :is_owner, :source, :discovered_at
)
ON CONFLICT(depot_id, app_id) DO UPDATE SET
    app_name   = COALESCE(excluded.app_name, app_name),
    depot_name = COALESCE(excluded.depot_name, depot_name),
    is_owner   = excluded.is_owner,
    source     = excluded.source`

// SaveDepotMappings upserts mapping rows outside any backfill run.
func (s *Store) SaveDepotMappings(ctx context.Context, mappings []types.SteamDepotMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		return saveDepotMappingsTx(ctx, tx, mappings)
	})
}

func saveDepotMappingsTx(ctx context.Context, tx *sqlx.Tx, mappings []types.SteamDepotMapping) error {
	for _, m := range mappings {
		if _, err := tx.NamedExecContext(ctx, upsertDepotMappingSQL, m); err != nil {
			return fmt.Errorf("failed to upsert depot mapping %d/%d: %w", m.DepotID, m.AppID, err)
		}
	}
	return nil
}

// ApplyDepotBackfill persists newly discovered mappings and attaches game
// attribution to download rows in a single transaction.
func (s *Store) ApplyDepotBackfill(ctx context.Context, mappings []types.SteamDepotMapping, updates []DownloadBackfill) error {
	if len(mappings) == 0 && len(updates) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := saveDepotMappingsTx(ctx, tx, mappings); err != nil {
			return err
		}
		for _, u := range updates {
			_, err := tx.ExecContext(ctx, `
UPDATE downloads
SET game_app_id = ?, game_name = ?, game_image_url = ?, last_updated_utc = ?
WHERE id = ?`, u.GameAppID, u.GameName, u.GameImageURL, now, u.DownloadID)
			if err != nil {
				return fmt.Errorf("failed to backfill download %d: %w", u.DownloadID, err)
			}
		}
		return nil
	})
}

// RecordCachedDepots upserts (depot, manifest) pairs reported as fully
// cached by a prefill run.
func (s *Store) RecordCachedDepots(ctx context.Context, depots []types.CachedDepot) error {
	if len(depots) == 0 {
		return nil
	}
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, d := range depots {
			_, err := tx.NamedExecContext(ctx, `
INSERT INTO cached_depots (
    app_id, depot_id, manifest_id, total_bytes, recorded_at
) VALUES (
    :app_id, :depot_id, :manifest_id, :total_bytes, :recorded_at
)
ON CONFLICT(app_id, depot_id) DO UPDATE SET
    manifest_id = excluded.manifest_id,
    total_bytes = excluded.total_bytes,
    recorded_at = excluded.recorded_at`, d)
			if err != nil {
				return fmt.Errorf("failed to record cached depot %d/%d: %w", d.AppID, d.DepotID, err)
			}
		}
		return nil
	})
}

// CachedDepots returns cached depot rows, optionally filtered to the
// given app ids.
func (s *Store) CachedDepots(ctx context.Context, appIDs ...uint32) ([]types.CachedDepot, error) {
	var rows []types.CachedDepot
	if len(appIDs) == 0 {
		if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM cached_depots ORDER BY app_id, depot_id`); err != nil {
			return nil, fmt.Errorf("failed to query cached depots: %w", err)
		}
		return rows, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM cached_depots WHERE app_id IN (?) ORDER BY app_id, depot_id`, appIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build cached depot query: %w", err)
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query cached depots: %w", err)
	}
	return rows, nil
}
