package prefill

import (
	"context"
	"encoding/json"

	"github.com/cachewarden/cachewarden/prefill/daemon"
	"github.com/cachewarden/cachewarden/types"
)

// daemonQuery sends one command on the session's daemon connection and
// returns the raw response data. Callers that know the shape decode it;
// callers that proxy it pass it through untouched.
func (m *Manager) daemonQuery(ctx context.Context, sessionID, command string, params map[string]any) (json.RawMessage, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	client := s.client
	m.mu.Unlock()

	resp, err := client.Send(ctx, command, params, daemon.DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, types.NewError(types.KindWorkerFailed, "%s failed: %s", command, resp.ErrorMessage())
	}
	return resp.Data, nil
}

// OwnedGames returns the authenticated account's library as the daemon
// reports it.
func (m *Manager) OwnedGames(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return m.daemonQuery(ctx, sessionID, daemon.CmdGetOwnedGames, nil)
}

// SetSelectedApps replaces the set of apps the next prefill run targets.
func (m *Manager) SetSelectedApps(ctx context.Context, sessionID string, appIDs []uint32) error {
	_, err := m.daemonQuery(ctx, sessionID, daemon.CmdSetSelectedApps, map[string]any{"appIds": appIDs})
	return err
}

// SelectedAppsStatus reports the daemon's current app selection.
func (m *Manager) SelectedAppsStatus(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return m.daemonQuery(ctx, sessionID, daemon.CmdGetSelectedAppsStatus, nil)
}

// CheckCacheStatus asks the daemon which of the given apps are already
// fully cached.
func (m *Manager) CheckCacheStatus(ctx context.Context, sessionID string, appIDs []uint32) (json.RawMessage, error) {
	var params map[string]any
	if len(appIDs) > 0 {
		params = map[string]any{"appIds": appIDs}
	}
	return m.daemonQuery(ctx, sessionID, daemon.CmdCheckCacheStatus, params)
}

// CacheInfo reports the daemon's own manifest cache statistics.
func (m *Manager) CacheInfo(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return m.daemonQuery(ctx, sessionID, daemon.CmdGetCacheInfo, nil)
}

// ClearDaemonCache drops the daemon's local manifest cache.
func (m *Manager) ClearDaemonCache(ctx context.Context, sessionID string) error {
	_, err := m.daemonQuery(ctx, sessionID, daemon.CmdClearCache, nil)
	return err
}
