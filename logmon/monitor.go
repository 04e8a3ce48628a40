// Package logmon watches each datasource's access log and feeds new lines
// to the log-processor helper.
//
// The monitor ticks about once a second. A tick is skipped while the
// pause gate is closed (a removal is rewriting the logs), while a manual
// processing or removal operation is active, and for any datasource still
// inside its permission-error backoff window. Line positions persist in
// the state store, so a restart resumes where ingestion left off; on a
// fresh install each log starts at end-of-file instead of replaying
// history.
package logmon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/iox"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/state"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// ProcessEntityKey single-flights manual log processing process-wide.
const ProcessEntityKey = "log-processing"

// PositionsKey is the state store key holding per-datasource line
// positions.
const PositionsKey = "logPositions"

// ProcessedFlagKey marks that log ingestion has run at least once. While
// absent, unseen logs start at end-of-file.
const ProcessedFlagKey = "logs-ever-processed"

// DefaultGrowthThreshold is how many bytes a log must grow between ticks
// before the monitor dispatches the processor.
const DefaultGrowthThreshold = 10 * 1024

const (
	defaultInterval  = time.Second
	lineCountRetries = 5
	maxPermBackoff   = 60 * time.Second
)

// Config configures the Monitor.
type Config struct {
	// Registry supplies the datasources.
	Registry *datasource.Registry
	// Tracker is consulted for concurrent manual runs and registers
	// manual processing operations.
	Tracker *tracker.Tracker
	// Bus receives LogProcessing* events for manual runs.
	Bus *bus.Bus
	// State persists line positions and the first-run flag.
	State *state.Store
	// Workers spawns the log-processor helper.
	Workers *worker.Supervisor
	// Paths resolves the helper binary.
	Paths *paths.Resolver
	// Gate halts ticks while other subsystems mutate the logs.
	Gate *PauseGate
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
	// Interval is the tick cadence. Zero means one second.
	Interval time.Duration
	// GrowthThreshold is the minimum byte growth that triggers a
	// dispatch. Zero means DefaultGrowthThreshold.
	GrowthThreshold int64
}

// sourceState is the per-datasource tick bookkeeping. Owned by the tick
// goroutine.
type sourceState struct {
	lastSize    int64
	absent      bool
	permErrors  int
	nextAttempt time.Time
	lastErrLog  time.Time
}

// Monitor tails access logs and dispatches the log-processor helper.
type Monitor struct {
	config Config
	logger *log.Logger

	// sources is touched only by the Run/tick goroutine.
	sources map[string]*sourceState

	mu        sync.Mutex
	positions map[string]int64
	fresh     bool
}

// NewMonitor validates dependencies, loads persisted positions and builds
// the monitor.
func NewMonitor(config Config) (*Monitor, error) {
	if config.Registry == nil || config.Tracker == nil || config.Bus == nil ||
		config.State == nil || config.Workers == nil || config.Paths == nil || config.Gate == nil {
		return nil, types.NewError(types.KindConfig, "logmon: missing required dependencies")
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.GrowthThreshold <= 0 {
		config.GrowthThreshold = DefaultGrowthThreshold
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("logmon")
	}

	m := &Monitor{
		config:    config,
		logger:    logger,
		sources:   make(map[string]*sourceState),
		positions: make(map[string]int64),
	}

	flag, err := config.State.Get(ProcessedFlagKey)
	if err != nil {
		return nil, err
	}
	m.fresh = flag == nil

	rec, err := config.State.Get(PositionsKey)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Data != nil {
		if err := decodeData(rec.Data["positions"], &m.positions); err != nil {
			logger.Warn("failed to decode stored log positions", map[string]any{"error": err.Error()})
			m.positions = make(map[string]int64)
		}
	}
	return m, nil
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("log monitor started", map[string]any{
		"interval_ms":      m.config.Interval.Milliseconds(),
		"growth_threshold": m.config.GrowthThreshold,
	})
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("log monitor stopped", nil)
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if m.config.Gate.IsPaused() || m.busy() {
		return
	}
	for _, ds := range m.config.Registry.Datasources() {
		if ctx.Err() != nil {
			return
		}
		m.checkSource(ctx, ds)
	}
}

// busy reports whether a manual processing run or any removal is active;
// those flows own the log files while they run.
func (m *Monitor) busy() bool {
	active := m.config.Tracker.GetActiveOperations(
		types.OpTypeLogProcessing,
		types.OpTypeGameRemoval,
		types.OpTypeServiceRemoval,
		types.OpTypeCorruptionRemoval,
	)
	for _, op := range active {
		if !op.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (m *Monitor) checkSource(ctx context.Context, ds datasource.Datasource) {
	st, ok := m.sources[ds.Name]
	if !ok {
		st = &sourceState{}
		m.sources[ds.Name] = st
	}
	now := time.Now()
	if now.Before(st.nextAttempt) {
		return
	}

	info, err := os.Stat(ds.LogPath)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if !st.absent {
				m.logger.Info("log file absent", map[string]any{"datasource": ds.Name, "path": ds.LogPath})
				st.absent = true
			}
		case errors.Is(err, fs.ErrPermission):
			m.notePermissionError(st, ds.Name, err)
		default:
			m.logger.Warn("failed to stat log file", map[string]any{"datasource": ds.Name, "error": err.Error()})
		}
		return
	}
	if st.absent {
		st.absent = false
		m.logger.Info("log file appeared", map[string]any{"datasource": ds.Name, "path": ds.LogPath})
	}

	// In the permission-error state, re-check readability every attempt
	// rather than waiting for the file to grow; a restored file should
	// clear the backoff even when idle.
	if st.permErrors > 0 {
		f, err := os.Open(ds.LogPath)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				m.notePermissionError(st, ds.Name, err)
			} else {
				m.logger.Warn("failed to open log file", map[string]any{"datasource": ds.Name, "error": err.Error()})
			}
			return
		}
		f.Close()
		m.logger.Info("log file permissions restored", map[string]any{"datasource": ds.Name})
		st.permErrors = 0
		st.nextAttempt = time.Time{}
	}

	size := info.Size()
	if size < st.lastSize {
		// Rotated or truncated; re-baseline and let the position clamp
		// handle the rest.
		st.lastSize = 0
	}
	if size-st.lastSize < m.config.GrowthThreshold {
		return
	}

	count, err := countLines(ds.LogPath)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			m.notePermissionError(st, ds.Name, err)
		} else {
			m.logger.Warn("failed to count log lines", map[string]any{"datasource": ds.Name, "error": err.Error()})
		}
		return
	}
	start := m.startPosition(ds.Name, count)
	if start >= count {
		m.setPosition(ds.Name, count)
		st.lastSize = size
		return
	}

	if err := m.dispatch(ctx, "", ds, start, true); err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("log processor run failed", map[string]any{"datasource": ds.Name, "error": err.Error()})
		}
		return
	}
	st.lastSize = size
	m.setPosition(ds.Name, count)
	m.config.Metrics.IncLogRunTriggered()
	m.config.Metrics.AddLogLinesDispatched(count - start)
}

func (m *Monitor) notePermissionError(st *sourceState, name string, err error) {
	st.permErrors++
	backoff := permissionBackoff(st.permErrors)
	st.nextAttempt = time.Now().Add(backoff)
	st.lastErrLog = time.Now()
	m.logger.Warn("log file permission denied", map[string]any{
		"datasource":  name,
		"consecutive": st.permErrors,
		"retry_in":    backoff.String(),
		"error":       err.Error(),
	})
}

// permissionBackoff returns min(2^(n-1), 60) seconds for the nth
// consecutive permission error.
func permissionBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 7 {
		return maxPermBackoff
	}
	d := time.Duration(1<<(n-1)) * time.Second
	if d > maxPermBackoff {
		d = maxPermBackoff
	}
	return d
}

// startPosition returns min(stored, count) for the datasource. A
// datasource seen for the first time starts at end-of-file on fresh
// installs and at zero otherwise.
func (m *Monitor) startPosition(name string, count int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[name]
	if !ok {
		if m.fresh {
			pos = count
		}
		m.positions[name] = pos
		m.persistPositionsLocked()
		m.markProcessedLocked()
	}
	if pos > count {
		pos = count
	}
	return pos
}

func (m *Monitor) setPosition(name string, pos int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[name] = pos
	m.persistPositionsLocked()
	m.markProcessedLocked()
}

func (m *Monitor) persistPositionsLocked() {
	err := m.config.State.Save(state.Record{
		Key:  PositionsKey,
		Data: map[string]any{"positions": m.positions},
	})
	if err != nil {
		m.logger.Warn("failed to save log positions", map[string]any{"error": err.Error()})
	}
}

func (m *Monitor) markProcessedLocked() {
	if !m.fresh {
		return
	}
	m.fresh = false
	if err := m.config.State.Save(state.Record{Key: ProcessedFlagKey}); err != nil {
		m.logger.Warn("failed to save first-run flag", map[string]any{"error": err.Error()})
	}
}

// dispatch runs the log-processor helper for one datasource and waits for
// it. opID attaches the worker to a manual operation; silent ticks pass
// an empty id.
func (m *Monitor) dispatch(ctx context.Context, opID string, ds datasource.Datasource, start int64, silent bool) error {
	binary := m.config.Paths.HelperPath(paths.LogProcessorBinary)
	if err := m.config.Workers.ValidateBinaryExists(binary, paths.LogProcessorBinary); err != nil {
		return err
	}

	args := []string{ds.LogPath, strconv.FormatInt(start, 10)}
	if silent {
		args = append(args, "--silent")
	}
	args = append(args, "--datasource", ds.Name)

	handle, err := m.config.Workers.Spawn(ctx, worker.StartInfo{Binary: binary, Args: args})
	if err != nil {
		return err
	}
	if opID != "" {
		m.config.Tracker.AttachWorker(opID, handle)
		defer m.config.Tracker.DetachWorker(opID)
	}

	waitCh := make(chan *worker.ExecResult, 1)
	go func() {
		result, waitErr := handle.Wait()
		if waitErr != nil {
			waitCh <- &worker.ExecResult{ExitCode: -1, Stderr: []byte(waitErr.Error())}
			return
		}
		waitCh <- result
	}()

	var execResult *worker.ExecResult
	select {
	case <-ctx.Done():
		_ = handle.KillTree()
		execResult = <-waitCh
	case execResult = <-waitCh:
	}

	if ctx.Err() != nil || execResult.ExitCode == worker.KilledExitCode {
		return types.NewError(types.KindCancelled, "log-processor killed after cancellation")
	}
	if execResult.ExitCode != 0 {
		return types.NewError(types.KindWorkerFailed,
			"log-processor exited with code %d for %q: %s",
			execResult.ExitCode, ds.Name, bytes.TrimSpace(execResult.Stderr))
	}
	return nil
}

// ReopenLogs clamps stored positions to the current line counts after an
// external mutation rewrote the log files. Removal flows call this once
// their helpers finish.
func (m *Monitor) ReopenLogs(ctx context.Context) error {
	for _, ds := range m.config.Registry.Datasources() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		count, err := countLines(ds.LogPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				count = 0
			} else {
				m.logger.Warn("failed to recount log after mutation", map[string]any{
					"datasource": ds.Name,
					"error":      err.Error(),
				})
				continue
			}
		}
		m.mu.Lock()
		if pos, ok := m.positions[ds.Name]; ok && pos > count {
			m.positions[ds.Name] = count
			m.persistPositionsLocked()
		}
		m.mu.Unlock()
	}
	return nil
}

// countLines counts newline characters in the file, retrying transient
// read errors with exponential backoff. Permission and missing-file
// errors are terminal, not transient.
func countLines(path string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < lineCountRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<(attempt-1)) * 50 * time.Millisecond)
		}
		n, err := countLinesOnce(path)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func countLinesOnce(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer iox.DiscardClose(f)

	var count int64
	buf := make([]byte, 256*1024)
	for {
		n, err := f.Read(buf)
		count += int64(bytes.Count(buf[:n], []byte{'\n'}))
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// decodeData converts a state record Data value back into its typed form
// via a JSON round trip.
func decodeData(value any, out any) error {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Started is the LogProcessingStarted payload.
type Started struct {
	OperationID string   `json:"operation_id"`
	Datasources []string `json:"datasources"`
}

// Progress is the LogProcessingProgress payload.
type Progress struct {
	OperationID     string  `json:"operation_id"`
	PercentComplete float64 `json:"percent_complete"`
	Message         string  `json:"message"`
	Datasource      string  `json:"datasource"`
}

// Result is the LogProcessingComplete payload.
type Result struct {
	OperationID     string  `json:"operation_id"`
	Success         bool    `json:"success"`
	Cancelled       bool    `json:"cancelled"`
	Error           string  `json:"error,omitempty"`
	DatasourcesRun  int     `json:"datasources_run"`
	LinesDispatched int64   `json:"lines_dispatched"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ProcessNow runs the log processor over every datasource as a tracked
// operation, regardless of growth thresholds. Returns the operation id.
func (m *Monitor) ProcessNow() (string, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	op, err := m.config.Tracker.Register(types.OpTypeLogProcessing, "Log processing", cancel, map[string]any{
		types.EntityKeyMetadata: ProcessEntityKey,
	})
	if err != nil {
		cancel()
		return "", err
	}

	targets := m.config.Registry.Datasources()
	names := make([]string, len(targets))
	for i, ds := range targets {
		names[i] = ds.Name
	}
	m.config.Bus.NotifyAll(types.EventLogProcessingStarted, Started{
		OperationID: op.ID,
		Datasources: names,
	})

	go m.runProcess(runCtx, op.ID, targets)
	return op.ID, nil
}

func (m *Monitor) runProcess(ctx context.Context, opID string, targets []datasource.Datasource) {
	startedAt := time.Now()
	result := Result{OperationID: opID}

	for i, ds := range targets {
		if ctx.Err() != nil {
			m.finishProcess(opID, result, startedAt, true, "")
			return
		}
		percent := 100 * float64(i) / float64(len(targets))
		message := fmt.Sprintf("Processing logs for %s", ds.Name)
		m.config.Tracker.UpdateProgress(opID, percent, message)
		m.config.Bus.NotifyAll(types.EventLogProcessingProgress, Progress{
			OperationID:     opID,
			PercentComplete: percent,
			Message:         message,
			Datasource:      ds.Name,
		})

		count, err := countLines(ds.LogPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			m.finishProcess(opID, result, startedAt, false, err.Error())
			return
		}

		start := m.startPosition(ds.Name, count)
		if start >= count {
			m.setPosition(ds.Name, count)
			continue
		}

		if err := m.dispatch(ctx, opID, ds, start, false); err != nil {
			if ctx.Err() != nil || types.IsCancelled(err) {
				m.finishProcess(opID, result, startedAt, true, "")
				return
			}
			m.finishProcess(opID, result, startedAt, false, err.Error())
			return
		}
		m.setPosition(ds.Name, count)
		result.DatasourcesRun++
		result.LinesDispatched += count - start
		m.config.Metrics.IncLogRunTriggered()
		m.config.Metrics.AddLogLinesDispatched(count - start)
	}

	result.Success = true
	m.finishProcess(opID, result, startedAt, false, "")
}

func (m *Monitor) finishProcess(opID string, result Result, startedAt time.Time, cancelled bool, errMsg string) {
	result.DurationSeconds = time.Since(startedAt).Seconds()
	switch {
	case cancelled:
		result.Cancelled = true
		m.config.Tracker.CompleteCancelled(opID, "Log processing cancelled")
	case errMsg != "":
		result.Error = errMsg
		m.config.Tracker.Complete(opID, false, errMsg)
	default:
		m.config.Tracker.Complete(opID, true, "")
	}
	m.config.Bus.NotifyAll(types.EventLogProcessingComplete, result)
}
