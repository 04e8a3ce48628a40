package prefill

import (
	"context"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/prefill/daemon"
	"github.com/cachewarden/cachewarden/types"
)

// RunEvent is the PrefillStateChanged payload.
type RunEvent struct {
	SessionID             string `json:"session_id"`
	State                 string `json:"state"`
	Result                string `json:"result,omitempty"`
	TotalBytesTransferred int64  `json:"total_bytes_transferred"`
}

// ProgressNotice is the PrefillProgress payload.
type ProgressNotice struct {
	SessionID string                `json:"session_id"`
	Progress  types.PrefillProgress `json:"progress"`
}

// HistoryNotice is the PrefillHistoryUpdated payload.
type HistoryNotice struct {
	SessionID string              `json:"session_id"`
	AppID     uint32              `json:"app_id"`
	AppName   string              `json:"app_name,omitempty"`
	Status    types.HistoryStatus `json:"status"`
}

// StartPrefill asks the session's daemon to begin a download run. The
// session must be authenticated and idle. Unless Force is set, the
// manifests already recorded as cached ride along so the daemon can
// skip unchanged depots.
func (m *Manager) StartPrefill(ctx context.Context, sessionID string, opts types.PrefillRunOptions) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if s.AuthState != types.AuthAuthenticated {
		m.mu.Unlock()
		return types.NewError(types.KindAuthFailed, "session %s is not authenticated", sessionID)
	}
	if s.IsPrefilling {
		m.mu.Unlock()
		return types.NewError(types.KindAlreadyInProgress, "a prefill run is already active for session %s", sessionID)
	}
	client := s.client
	m.mu.Unlock()

	params := map[string]any{
		"all":               opts.All,
		"recent":            opts.Recent,
		"recentlyPurchased": opts.RecentlyPurchased,
		"force":             opts.Force,
	}
	if opts.Top > 0 {
		params["top"] = opts.Top
	}
	if len(opts.OperatingSystems) > 0 {
		params["operatingSystems"] = opts.OperatingSystems
	}
	if opts.MaxConcurrency > 0 {
		params["maxConcurrency"] = opts.MaxConcurrency
	}
	if !opts.Force {
		if manifests := m.cachedManifests(ctx); len(manifests) > 0 {
			params["cachedManifests"] = manifests
		}
	}

	resp, err := client.Send(ctx, daemon.CmdPrefill, params, daemon.DefaultRequestTimeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return types.NewError(types.KindWorkerFailed, "prefill start rejected: %s", resp.ErrorMessage())
	}

	m.mu.Lock()
	s.IsPrefilling = true
	s.run = &runState{}
	row := s.row(types.SessionActive)
	m.mu.Unlock()

	if err := m.config.Store.SavePrefillSession(ctx, row); err != nil {
		m.logger.Warn("failed to persist session row", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
	}
	m.notify(types.EventPrefillStateChanged, RunEvent{SessionID: sessionID, State: "starting"})
	m.logger.Info("prefill run started", map[string]any{"session": sessionID})
	return nil
}

// cachedManifests collects the depot manifests already known to sit in
// the cache. A lookup failure degrades to an empty hint.
func (m *Manager) cachedManifests(ctx context.Context) []map[string]any {
	depots, err := m.config.Store.CachedDepots(ctx)
	if err != nil {
		m.logger.Warn("cached depot lookup failed", map[string]any{"error": err.Error()})
		return nil
	}
	manifests := make([]map[string]any, 0, len(depots))
	for _, d := range depots {
		manifests = append(manifests, map[string]any{
			"appId":      d.AppID,
			"depotId":    d.DepotID,
			"manifestId": d.ManifestID,
		})
	}
	return manifests
}

// CancelPrefill asks the daemon to stop the active run. The run ends
// when the daemon pushes its terminal progress event, not here.
func (m *Manager) CancelPrefill(ctx context.Context, sessionID string) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	prefilling := s.IsPrefilling
	client := s.client
	m.mu.Unlock()
	if !prefilling {
		return types.NewError(types.KindNotFound, "no prefill run active for session %s", sessionID)
	}

	resp, err := client.Send(ctx, daemon.CmdCancelPrefill, nil, daemon.DefaultRequestTimeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return types.NewError(types.KindWorkerFailed, "cancel-prefill rejected: %s", resp.ErrorMessage())
	}
	m.logger.Info("prefill cancel requested", map[string]any{"session": sessionID})
	return nil
}

// History returns the session's recorded prefill history, newest first.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]types.PrefillHistoryEntry, error) {
	return m.config.Store.SessionHistory(ctx, sessionID, limit)
}

// onProgress tracks a run through the daemon's progress pushes: it opens
// a history entry per app, finalizes it on app transition or completion,
// and closes the run on a terminal state. Progress events arrive on the
// client's read goroutine, so this is the only writer of run state.
func (m *Manager) onProgress(sessionID string) func(types.PrefillProgress) {
	return func(ev types.PrefillProgress) {
		ctx := context.Background()
		now := time.Now().UTC()

		m.mu.Lock()
		s := m.sessions[sessionID]
		if s == nil {
			m.mu.Unlock()
			return
		}
		if s.run == nil {
			// Runs kicked off daemon-side still get tracked.
			s.run = &runState{}
			s.IsPrefilling = true
		}
		run := s.run
		appChanged := ev.CurrentAppID != 0 && ev.CurrentAppID != run.appID
		prevStatus := appStatus(run)
		m.mu.Unlock()

		if appChanged {
			m.finishApp(ctx, sessionID, run, prevStatus, nil, now)
			m.openApp(ctx, s, run, ev, now)
		}

		m.mu.Lock()
		if ev.BytesDownloaded > 0 {
			run.appBytes = ev.BytesDownloaded
		}
		if ev.TotalBytes > 0 {
			run.appTotal = ev.TotalBytes
		}
		run.lastState = ev.State
		progress := ev
		s.lastProgress = &progress
		s.pulse()
		m.mu.Unlock()

		if strings.EqualFold(ev.State, "app_completed") {
			status := resultStatus(ev.Result)
			var errMsg *string
			if status == types.HistoryFailed && ev.Result != "" {
				msg := ev.Result
				errMsg = &msg
			}
			m.finishApp(ctx, sessionID, run, status, errMsg, now)
			m.recordDepots(ctx, ev, now)
		}

		if types.IsTerminalPrefillState(ev.State) {
			m.finishRun(ctx, s, run, ev, now)
		}

		m.notify(types.EventPrefillProgress, ProgressNotice{SessionID: sessionID, Progress: ev})
	}
}

// openApp starts a history entry for the app the daemon switched to.
func (m *Manager) openApp(ctx context.Context, s *Session, run *runState, ev types.PrefillProgress, now time.Time) {
	entry := &types.PrefillHistoryEntry{
		SessionID: s.ID,
		AppID:     ev.CurrentAppID,
		StartedAt: now,
		Status:    types.HistoryInProgress,
	}
	if ev.CurrentAppName != "" {
		name := ev.CurrentAppName
		entry.AppName = &name
	}
	id, err := m.config.Store.StartHistoryEntry(ctx, entry)
	if err != nil {
		m.logger.Warn("failed to open history entry", map[string]any{
			"session": s.ID, "app": ev.CurrentAppID, "error": err.Error(),
		})
		id = 0
	}

	m.mu.Lock()
	run.historyID = id
	run.appID = ev.CurrentAppID
	run.appName = ev.CurrentAppName
	run.appBytes = 0
	run.appTotal = 0
	m.mu.Unlock()

	m.notify(types.EventPrefillHistoryUpdated, HistoryNotice{
		SessionID: s.ID,
		AppID:     ev.CurrentAppID,
		AppName:   ev.CurrentAppName,
		Status:    types.HistoryInProgress,
	})
}

// finishApp closes the open history entry, if any, and folds its bytes
// into the run total.
func (m *Manager) finishApp(ctx context.Context, sessionID string, run *runState, status types.HistoryStatus, errMsg *string, now time.Time) {
	m.mu.Lock()
	id := run.historyID
	bytes, total := run.appBytes, run.appTotal
	appID, appName := run.appID, run.appName
	if id != 0 {
		run.finalizedBytes += bytes
		run.historyID = 0
		run.appBytes = 0
		run.appTotal = 0
	}
	m.mu.Unlock()
	if id == 0 {
		return
	}

	if err := m.config.Store.CompleteHistoryEntry(ctx, id, status, bytes, total, errMsg, now); err != nil {
		m.logger.Warn("failed to complete history entry", map[string]any{
			"session": sessionID, "app": appID, "error": err.Error(),
		})
	}
	m.notify(types.EventPrefillHistoryUpdated, HistoryNotice{
		SessionID: sessionID,
		AppID:     appID,
		AppName:   appName,
		Status:    status,
	})
}

// finishRun closes the run on a terminal daemon state.
func (m *Manager) finishRun(ctx context.Context, s *Session, run *runState, ev types.PrefillProgress, now time.Time) {
	m.mu.Lock()
	openStatus := appStatus(run)
	m.mu.Unlock()

	var status types.HistoryStatus
	switch strings.ToLower(ev.State) {
	case "completed":
		status = openStatus
	case "cancelled":
		status = types.HistoryCancelled
	default:
		status = types.HistoryFailed
	}
	var errMsg *string
	if status == types.HistoryFailed {
		msg := ev.Result
		if msg == "" {
			msg = ev.State
		}
		errMsg = &msg
	}
	m.finishApp(ctx, s.ID, run, status, errMsg, now)

	m.mu.Lock()
	s.IsPrefilling = false
	total := run.totalBytes()
	row := s.row(types.SessionActive)
	s.pulse()
	m.mu.Unlock()

	if err := m.config.Store.SavePrefillSession(ctx, row); err != nil {
		m.logger.Warn("failed to persist session row", map[string]any{
			"session": s.ID, "error": err.Error(),
		})
	}
	m.notify(types.EventPrefillStateChanged, RunEvent{
		SessionID:             s.ID,
		State:                 strings.ToLower(ev.State),
		Result:                ev.Result,
		TotalBytesTransferred: total,
	})
	m.logger.Info("prefill run finished", map[string]any{
		"session": s.ID,
		"state":   strings.ToLower(ev.State),
		"bytes":   total,
	})
}

// recordDepots stores the manifests the daemon reported for a finished
// app so later runs can skip them.
func (m *Manager) recordDepots(ctx context.Context, ev types.PrefillProgress, now time.Time) {
	if ev.CurrentAppID == 0 || len(ev.Depots) == 0 {
		return
	}
	depots := make([]types.CachedDepot, 0, len(ev.Depots))
	for _, d := range ev.Depots {
		depots = append(depots, types.CachedDepot{
			AppID:      ev.CurrentAppID,
			DepotID:    d.DepotID,
			ManifestID: d.ManifestID,
			TotalBytes: d.TotalBytes,
			RecordedAt: now,
		})
	}
	if err := m.config.Store.RecordCachedDepots(ctx, depots); err != nil {
		m.logger.Warn("failed to record cached depots", map[string]any{
			"app": ev.CurrentAppID, "error": err.Error(),
		})
	}
}

// appStatus maps a finished app with no reported result: zero bytes
// means everything was already cached.
func appStatus(run *runState) types.HistoryStatus {
	if run.appBytes == 0 {
		return types.HistoryCached
	}
	return types.HistoryCompleted
}

// resultStatus maps the daemon's per-app result string to a history
// status.
func resultStatus(result string) types.HistoryStatus {
	switch result {
	case "AlreadyUpToDate", "Skipped", "NoDepotsToDownload":
		return types.HistoryCached
	case "Failed":
		return types.HistoryFailed
	}
	return types.HistoryCompleted
}
