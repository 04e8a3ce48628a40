// Package clearing orchestrates cache clearing across datasources by
// driving the cache-cleaner helper, one datasource at a time, with
// progress aggregation and crash-recoverable state checkpoints.
package clearing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/state"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// EntityKey is the tracker entity key shared by all clear operations, so
// at most one runs process-wide.
const EntityKey = "cache-clear"

// Delete modes accepted by the cache-cleaner helper.
const (
	DeleteModePreserve = "preserve"
	DeleteModeFull     = "full"
	DeleteModeRsync    = "rsync"
)

// stateSaveInterval is how many cleared buckets pass between state
// checkpoints.
const stateSaveInterval = 10

// Config configures the Service.
type Config struct {
	// Registry supplies the datasources.
	Registry *datasource.Registry
	// Tracker registers and finalizes the operation.
	Tracker *tracker.Tracker
	// Bus receives CacheClearing* events.
	Bus *bus.Bus
	// State checkpoints progress for crash recovery.
	State *state.Store
	// Workers spawns the cache-cleaner helper.
	Workers *worker.Supervisor
	// Paths resolves helper and progress file locations.
	Paths *paths.Resolver
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
	// DefaultDeleteMode applies when a request has none. Empty means
	// preserve.
	DefaultDeleteMode string
	// Probe overrides the writability check. Nil uses
	// paths.IsDirectoryWritable.
	Probe func(path string) bool
	// LookPath overrides rsync discovery. Nil uses exec.LookPath.
	LookPath func(file string) (string, error)
}

// Service runs cache clear operations.
type Service struct {
	config  Config
	logger  *log.Logger
	startMu sync.Mutex
}

// NewService validates dependencies and builds the service.
func NewService(config Config) (*Service, error) {
	if config.Registry == nil || config.Tracker == nil || config.Bus == nil ||
		config.State == nil || config.Workers == nil || config.Paths == nil {
		return nil, types.NewError(types.KindConfig, "clearing: missing required dependencies")
	}
	if config.DefaultDeleteMode == "" {
		config.DefaultDeleteMode = DeleteModePreserve
	}
	if config.Probe == nil {
		config.Probe = paths.IsDirectoryWritable
	}
	if config.LookPath == nil {
		config.LookPath = exec.LookPath
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("clearing")
	}
	return &Service{config: config, logger: logger}, nil
}

// Request selects what to clear.
type Request struct {
	// Datasource clears a single datasource by name; empty clears all.
	Datasource string
	// DeleteMode is preserve, full or rsync; empty uses the configured
	// default.
	DeleteMode string
}

// Started is the CacheClearingStarted payload.
type Started struct {
	OperationID string   `json:"operation_id"`
	DeleteMode  string   `json:"delete_mode"`
	Datasources []string `json:"datasources"`
}

// Progress is the CacheClearingProgress payload.
type Progress struct {
	OperationID          string  `json:"operation_id"`
	PercentComplete      float64 `json:"percent_complete"`
	Message              string  `json:"message"`
	DirectoriesProcessed uint64  `json:"directories_processed"`
	TotalDirectories     uint64  `json:"total_directories"`
	FilesDeleted         uint64  `json:"files_deleted"`
	BytesDeleted         uint64  `json:"bytes_deleted"`
	ActiveDatasource     string  `json:"active_datasource"`
}

// Result is the CacheClearingComplete payload.
type Result struct {
	OperationID          string  `json:"operation_id"`
	Success              bool    `json:"success"`
	Cancelled            bool    `json:"cancelled"`
	Error                string  `json:"error,omitempty"`
	Warning              string  `json:"warning,omitempty"`
	DirectoriesProcessed uint64  `json:"directories_processed"`
	FilesDeleted         uint64  `json:"files_deleted"`
	BytesDeleted         uint64  `json:"bytes_deleted"`
	DatasourcesCleared   int     `json:"datasources_cleared"`
	DurationSeconds      float64 `json:"duration_seconds"`
}

// Start validates the request, registers the operation, and runs the
// clear in the background. It returns the operation id.
func (s *Service) Start(req Request) (string, error) {
	mode := req.DeleteMode
	if mode == "" {
		mode = s.config.DefaultDeleteMode
	}
	if err := s.validateDeleteMode(mode); err != nil {
		return "", err
	}

	targets, err := s.selectTargets(req.Datasource)
	if err != nil {
		return "", err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	op, err := s.config.Tracker.Register(types.OpTypeCacheClearing, "Cache clearing", cancel, map[string]any{
		types.EntityKeyMetadata: EntityKey,
		"delete_mode":           mode,
	})
	if err != nil {
		cancel()
		return "", err
	}

	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	s.config.Bus.NotifyAll(types.EventCacheClearingStarted, Started{
		OperationID: op.ID,
		DeleteMode:  mode,
		Datasources: names,
	})

	go s.run(runCtx, op.ID, targets, mode)
	return op.ID, nil
}

func (s *Service) validateDeleteMode(mode string) error {
	switch mode {
	case DeleteModePreserve, DeleteModeFull:
		return nil
	case DeleteModeRsync:
		if runtime.GOOS == "windows" {
			return types.NewError(types.KindConfig, "delete mode rsync is not supported on this platform")
		}
		if _, err := s.config.LookPath("rsync"); err != nil {
			return types.NewError(types.KindConfig, "delete mode rsync requires the rsync tool on PATH")
		}
		return nil
	default:
		return types.NewError(types.KindConfig, "unknown delete mode %q", mode)
	}
}

func (s *Service) selectTargets(name string) ([]datasource.Datasource, error) {
	if name == "" {
		return s.config.Registry.Datasources(), nil
	}
	ds, ok := s.config.Registry.Get(name)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "datasource %q not found", name)
	}
	return []datasource.Datasource{ds}, nil
}

// clearTarget is one datasource admitted past the writability gate, with
// its bucket count.
type clearTarget struct {
	ds      datasource.Datasource
	buckets uint64
}

func (s *Service) run(ctx context.Context, opID string, candidates []datasource.Datasource, mode string) {
	startedAt := time.Now()
	stateKey := state.OperationKey(types.OpTypeCacheClearing, opID)

	targets, warning, gateErr := s.gateTargets(candidates)
	if gateErr != nil {
		s.finish(opID, stateKey, Result{
			OperationID: opID,
			Error:       gateErr.Error(),
			Warning:     warning,
		}, startedAt)
		return
	}
	if warning != "" {
		s.logger.Warn("skipping read-only datasources", map[string]any{
			"operation_id": opID,
			"warning":      warning,
		})
	}

	var totalBuckets uint64
	for _, t := range targets {
		totalBuckets += t.buckets
	}

	s.saveState(stateKey, opID, types.StatusRunning, 0, totalBuckets)

	agg := Result{OperationID: opID, Warning: warning}
	var lastSaved uint64

	for _, target := range targets {
		if ctx.Err() != nil {
			s.finishCancelled(opID, stateKey, agg, startedAt)
			return
		}

		dsDirs, dsFiles, dsBytes, err := s.clearDatasource(ctx, opID, target, mode, &agg, totalBuckets, &lastSaved, stateKey)
		if err != nil {
			if ctx.Err() != nil || types.IsCancelled(err) {
				s.finishCancelled(opID, stateKey, agg, startedAt)
				return
			}
			agg.Error = err.Error()
			s.finish(opID, stateKey, agg, startedAt)
			return
		}

		agg.DirectoriesProcessed += dsDirs
		agg.FilesDeleted += dsFiles
		agg.BytesDeleted += dsBytes
		agg.DatasourcesCleared++
	}

	agg.Success = true
	s.config.Metrics.AddBytesDeleted(int64(agg.BytesDeleted))
	s.config.Metrics.AddFilesDeleted(int64(agg.FilesDeleted))
	s.finish(opID, stateKey, agg, startedAt)
}

// gateTargets drops datasources that are missing on disk or read-only.
// When everything that exists is read-only, the error names the reason.
func (s *Service) gateTargets(candidates []datasource.Datasource) ([]clearTarget, string, error) {
	var targets []clearTarget
	var skipped []string
	for _, ds := range candidates {
		if _, err := os.Stat(ds.CachePath); err != nil {
			skipped = append(skipped, ds.Name)
			continue
		}
		if !s.config.Probe(ds.CachePath) {
			skipped = append(skipped, ds.Name)
			continue
		}
		buckets, err := countBuckets(ds.CachePath)
		if err != nil {
			skipped = append(skipped, ds.Name)
			continue
		}
		targets = append(targets, clearTarget{ds: ds, buckets: buckets})
	}

	var warning string
	if len(skipped) > 0 {
		warning = fmt.Sprintf("skipped read-only or missing datasources: %s", strings.Join(skipped, ", "))
	}
	if len(targets) == 0 {
		return nil, warning, fmt.Errorf("no writable cache directories: all configured datasources are read-only or missing")
	}
	return targets, warning, nil
}

// clearDatasource runs the cache-cleaner helper for one datasource and
// polls its progress file until exit. Returns the datasource's final
// (directories, files, bytes) totals.
func (s *Service) clearDatasource(ctx context.Context, opID string, target clearTarget, mode string, agg *Result, totalBuckets uint64, lastSaved *uint64, stateKey string) (uint64, uint64, uint64, error) {
	binary := s.config.Paths.HelperPath(paths.CacheCleanerBinary)
	if err := s.config.Workers.ValidateBinaryExists(binary, paths.CacheCleanerBinary); err != nil {
		return 0, 0, 0, err
	}

	progressPath := s.config.Paths.ProgressFile(fmt.Sprintf("%s_%s", opID, target.ds.Name))
	defer s.config.Workers.DeleteTemporaryFile(progressPath)

	handle, err := s.config.Workers.Spawn(ctx, worker.StartInfo{
		Binary: binary,
		Args:   []string{target.ds.CachePath, progressPath, mode},
	})
	if err != nil {
		return 0, 0, 0, err
	}
	s.config.Tracker.AttachWorker(opID, handle)
	defer s.config.Tracker.DetachWorker(opID)

	waitCh := make(chan *worker.ExecResult, 1)
	go func() {
		result, waitErr := handle.Wait()
		if waitErr != nil {
			waitCh <- &worker.ExecResult{ExitCode: -1, Stderr: []byte(waitErr.Error())}
			return
		}
		waitCh <- result
	}()

	ticker := time.NewTicker(s.config.Workers.PollInterval())
	defer ticker.Stop()

	var result *worker.ExecResult
poll:
	for {
		select {
		case <-ctx.Done():
			_ = handle.KillTree()
			result = <-waitCh
			break poll
		case result = <-waitCh:
			break poll
		case <-ticker.C:
			if progress := worker.ReadProgressFile[types.CacheClearProgress](s.config.Workers, progressPath); progress != nil {
				s.publishProgress(opID, target.ds.Name, agg, progress, totalBuckets)
				done := agg.DirectoriesProcessed + uint64(progress.DirectoriesProcessed)
				if done-*lastSaved >= stateSaveInterval {
					*lastSaved = done
					s.saveState(stateKey, opID, types.StatusRunning, done, totalBuckets)
				}
			}
		}
	}

	if ctx.Err() != nil || result.ExitCode == worker.KilledExitCode {
		return 0, 0, 0, types.NewError(types.KindCancelled, "cache-cleaner killed after cancellation")
	}
	if result.ExitCode != 0 {
		return 0, 0, 0, types.NewError(types.KindWorkerFailed,
			"cache-cleaner exited with code %d for %q: %s",
			result.ExitCode, target.ds.Name, stderrTail(result.Stderr))
	}

	// Final snapshot carries this datasource's totals.
	if final := worker.ReadProgressFile[types.CacheClearProgress](s.config.Workers, progressPath); final != nil {
		return uint64(final.DirectoriesProcessed), final.FilesDeleted, final.BytesDeleted, nil
	}
	s.logger.Warn("cache-cleaner produced no final progress", map[string]any{
		"operation_id": opID,
		"datasource":   target.ds.Name,
	})
	return target.buckets, 0, 0, nil
}

func (s *Service) publishProgress(opID, activeDS string, agg *Result, snapshot *types.CacheClearProgress, totalBuckets uint64) {
	done := agg.DirectoriesProcessed + uint64(snapshot.DirectoriesProcessed)
	percent := 100.0
	if totalBuckets > 0 {
		percent = float64(done) / float64(totalBuckets) * 100
	}
	message := snapshot.Message
	if message == "" {
		message = fmt.Sprintf("Clearing %s", activeDS)
	}

	s.config.Tracker.UpdateProgress(opID, percent, message)
	s.config.Bus.NotifyAll(types.EventCacheClearingProgress, Progress{
		OperationID:          opID,
		PercentComplete:      percent,
		Message:              message,
		DirectoriesProcessed: done,
		TotalDirectories:     totalBuckets,
		FilesDeleted:         agg.FilesDeleted + snapshot.FilesDeleted,
		BytesDeleted:         agg.BytesDeleted + snapshot.BytesDeleted,
		ActiveDatasource:     activeDS,
	})
}

func (s *Service) finish(opID, stateKey string, result Result, startedAt time.Time) {
	result.DurationSeconds = time.Since(startedAt).Seconds()
	if result.Success {
		s.config.Tracker.Complete(opID, true, "")
	} else {
		s.config.Tracker.Complete(opID, false, result.Error)
	}
	_ = s.config.State.Remove(stateKey)
	s.config.Bus.NotifyAll(types.EventCacheClearingComplete, result)
}

func (s *Service) finishCancelled(opID, stateKey string, result Result, startedAt time.Time) {
	result.Cancelled = true
	result.DurationSeconds = time.Since(startedAt).Seconds()
	s.config.Tracker.CompleteCancelled(opID, "Cache clearing cancelled")
	_ = s.config.State.Remove(stateKey)
	s.config.Bus.NotifyAll(types.EventCacheClearingComplete, result)
}

func (s *Service) saveState(key, opID string, status types.OperationStatus, done, total uint64) {
	err := s.config.State.Save(state.Record{
		Key:    key,
		Type:   types.OpTypeCacheClearing,
		Status: status,
		Data: map[string]any{
			"operation_id":          opID,
			"directories_processed": done,
			"total_directories":     total,
		},
	})
	if err != nil {
		s.logger.Warn("failed to checkpoint clearing state", map[string]any{
			"operation_id": opID,
			"error":        err.Error(),
		})
	}
}

// countBuckets counts the two-hex-character bucket directories directly
// under the cache root.
func countBuckets(cachePath string) (uint64, error) {
	entries, err := os.ReadDir(cachePath)
	if err != nil {
		return 0, err
	}
	var count uint64
	for _, entry := range entries {
		if entry.IsDir() && isBucketName(entry.Name()) {
			count++
		}
	}
	return count, nil
}

func isBucketName(name string) bool {
	if len(name) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func stderrTail(stderr []byte) string {
	const max = 512
	text := strings.TrimSpace(string(stderr))
	if len(text) <= max {
		return text
	}
	return "..." + text[len(text)-max:]
}
