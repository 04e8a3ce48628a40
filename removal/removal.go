// Package removal orchestrates targeted cache removal: a single game by
// app id, or a whole service, across datasources.
//
// Removal helpers mutate both the cache tree and the access log, so the
// live log monitor is paused for the duration and the upstream proxy is
// asked to reopen its log files afterwards. At most one removal runs per
// target, enforced by the tracker entity key.
package removal

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// Pauser suspends the live log monitor around log mutation.
type Pauser interface {
	Pause()
	Resume()
}

// CountCache invalidates cached per-service log counts after a removal
// changes them.
type CountCache interface {
	Invalidate()
}

// LogReopener signals the upstream proxy to reopen its log files after
// the removal helper rewrote them.
type LogReopener interface {
	ReopenLogs(ctx context.Context) error
}

// Config configures the Service.
type Config struct {
	// Registry supplies the datasources.
	Registry *datasource.Registry
	// Tracker registers and finalizes operations.
	Tracker *tracker.Tracker
	// Bus receives removal events.
	Bus *bus.Bus
	// Store provides the database path for helpers and the detection rows
	// to delete afterwards.
	Store *store.Store
	// Workers spawns the remover helpers.
	Workers *worker.Supervisor
	// Paths resolves helper and progress file locations.
	Paths *paths.Resolver
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
	// Monitor is the optional log monitor pause gate.
	Monitor Pauser
	// Counts is the optional service-count cache to invalidate.
	Counts CountCache
	// Reopener is the optional proxy log-reopen signal.
	Reopener LogReopener
	// Probe overrides the writability check. Nil uses
	// paths.IsDirectoryWritable.
	Probe func(path string) bool
}

// Service runs game and service removal operations.
type Service struct {
	config Config
	logger *log.Logger
}

// NewService validates dependencies and builds the service.
func NewService(config Config) (*Service, error) {
	if config.Registry == nil || config.Tracker == nil || config.Bus == nil ||
		config.Store == nil || config.Workers == nil || config.Paths == nil {
		return nil, types.NewError(types.KindConfig, "removal: missing required dependencies")
	}
	if config.Probe == nil {
		config.Probe = paths.IsDirectoryWritable
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("removal")
	}
	return &Service{config: config, logger: logger}, nil
}

// Started is the GameRemovalStarted / ServiceRemovalStarted payload.
type Started struct {
	OperationID string   `json:"operation_id"`
	Target      string   `json:"target"`
	Datasources []string `json:"datasources"`
}

// Progress is the GameRemovalProgress / ServiceRemovalProgress payload.
type Progress struct {
	OperationID     string  `json:"operation_id"`
	PercentComplete float64 `json:"percent_complete"`
	Message         string  `json:"message"`
	Datasource      string  `json:"datasource"`
	FilesProcessed  int64   `json:"files_processed"`
	TotalFiles      int64   `json:"total_files"`
}

// Result is the GameRemovalComplete / ServiceRemovalComplete payload.
type Result struct {
	OperationID            string   `json:"operation_id"`
	Success                bool     `json:"success"`
	Cancelled              bool     `json:"cancelled"`
	Error                  string   `json:"error,omitempty"`
	Warning                string   `json:"warning,omitempty"`
	Target                 string   `json:"target"`
	CacheFilesDeleted      int64    `json:"cache_files_deleted"`
	TotalBytesFreed        uint64   `json:"total_bytes_freed"`
	EmptyDirsRemoved       int64    `json:"empty_dirs_removed"`
	LogEntriesRemoved      uint64   `json:"log_entries_removed"`
	DatabaseEntriesDeleted int64    `json:"database_entries_deleted"`
	DepotIDs               []uint32 `json:"depot_ids"`
	DatasourcesRun         int      `json:"datasources_run"`
	DurationSeconds        float64  `json:"duration_seconds"`
}

// job carries everything that differs between a game and a service
// removal through the shared run loop.
type job struct {
	opType         types.OperationType
	opName         string
	entityKey      string
	binaryName     string
	target         string
	needsLogAccess bool
	parseStderr    bool
	appID          uint32
	serviceName    string

	startedEvent  string
	progressEvent string
	completeEvent string
}

// RemoveGame registers a game removal for appID across every writable
// datasource and runs it in the background. Returns the operation id.
func (s *Service) RemoveGame(appID uint32) (string, error) {
	if appID == 0 {
		return "", types.NewError(types.KindConfig, "game app id is required")
	}
	target := fmt.Sprintf("%d", appID)
	return s.start(job{
		opType:        types.OpTypeGameRemoval,
		opName:        fmt.Sprintf("Game removal (%s)", target),
		entityKey:     target,
		binaryName:    paths.GameRemoverBinary,
		target:        target,
		appID:         appID,
		startedEvent:  types.EventGameRemovalStarted,
		progressEvent: types.EventGameRemovalProgress,
		completeEvent: types.EventGameRemovalComplete,
	})
}

// RemoveService registers a service removal for serviceName across every
// datasource with writable cache and logs. Returns the operation id.
func (s *Service) RemoveService(serviceName string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(serviceName))
	if normalized == "" {
		return "", types.NewError(types.KindConfig, "service name is required")
	}
	return s.start(job{
		opType:         types.OpTypeServiceRemoval,
		opName:         fmt.Sprintf("Service removal (%s)", normalized),
		entityKey:      normalized,
		binaryName:     paths.ServiceRemoverBinary,
		target:         normalized,
		needsLogAccess: true,
		parseStderr:    true,
		serviceName:    normalized,
		startedEvent:   types.EventServiceRemovalStarted,
		progressEvent:  types.EventServiceRemovalProgress,
		completeEvent:  types.EventServiceRemovalComplete,
	})
}

func (s *Service) start(j job) (string, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	op, err := s.config.Tracker.Register(j.opType, j.opName, cancel, map[string]any{
		types.EntityKeyMetadata: j.entityKey,
		"target":                j.target,
	})
	if err != nil {
		cancel()
		return "", err
	}

	candidates := s.config.Registry.Datasources()
	names := make([]string, len(candidates))
	for i, ds := range candidates {
		names[i] = ds.Name
	}
	s.config.Bus.NotifyAll(j.startedEvent, Started{
		OperationID: op.ID,
		Target:      j.target,
		Datasources: names,
	})

	go s.run(runCtx, op.ID, j, candidates)
	return op.ID, nil
}

func (s *Service) run(ctx context.Context, opID string, j job, candidates []datasource.Datasource) {
	startedAt := time.Now()
	result := Result{OperationID: opID, Target: j.target}

	targets, warning := s.gateTargets(opID, j, candidates)
	result.Warning = warning
	if len(targets) == 0 {
		err := types.NewError(types.KindPermissionDenied,
			"no writable datasources for removal of %q", j.target)
		s.finish(opID, j, result, startedAt, false, err.Error())
		return
	}

	cancelled, err := s.removeAll(ctx, opID, j, targets, &result)
	if cancelled {
		s.finish(opID, j, result, startedAt, true, "")
		return
	}
	if err != nil {
		s.finish(opID, j, result, startedAt, false, err.Error())
		return
	}

	if err := s.forgetTarget(j); err != nil {
		s.logger.Warn("failed to drop detection row after removal", map[string]any{
			"operation_id": opID,
			"target":       j.target,
			"error":        err.Error(),
		})
	}
	if s.config.Counts != nil {
		s.config.Counts.Invalidate()
	}
	if s.config.Reopener != nil {
		reopenCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.config.Reopener.ReopenLogs(reopenCtx); err != nil {
			s.logger.Warn("log reopen signal failed", map[string]any{
				"operation_id": opID,
				"error":        err.Error(),
			})
		}
		cancel()
	}

	s.config.Metrics.AddFilesDeleted(result.CacheFilesDeleted)
	s.config.Metrics.AddBytesDeleted(int64(result.TotalBytesFreed))

	result.Success = true
	s.finish(opID, j, result, startedAt, false, "")
}

// removeAll runs the remover helper across the admitted datasources and
// accumulates the aggregate into result. The log monitor stays paused for
// the whole loop: the helpers rewrite the access log in place.
func (s *Service) removeAll(ctx context.Context, opID string, j job, targets []datasource.Datasource, result *Result) (cancelled bool, err error) {
	if s.config.Monitor != nil {
		s.config.Monitor.Pause()
		defer s.config.Monitor.Resume()
	}

	depots := make(map[uint32]struct{})
	for i, ds := range targets {
		if ctx.Err() != nil {
			return true, nil
		}

		output, stats, err := s.removeFromDatasource(ctx, opID, j, ds, i, len(targets))
		if err != nil {
			if ctx.Err() != nil || types.IsCancelled(err) {
				return true, nil
			}
			return false, err
		}

		if output != nil {
			result.CacheFilesDeleted += output.CacheFilesDeleted
			result.TotalBytesFreed += output.TotalBytesFreed
			result.EmptyDirsRemoved += output.EmptyDirsRemoved
			result.LogEntriesRemoved += output.LogEntriesRemoved
			for _, depot := range output.DepotIDs {
				depots[depot] = struct{}{}
			}
		} else if stats != nil {
			result.CacheFilesDeleted += stats.CacheFilesDeleted
			result.TotalBytesFreed += stats.BytesFreed
			result.LogEntriesRemoved += stats.LogEntriesRemoved
		}
		if stats != nil {
			result.DatabaseEntriesDeleted += stats.DatabaseEntriesDeleted
		}
		result.DatasourcesRun++
	}

	for depot := range depots {
		result.DepotIDs = append(result.DepotIDs, depot)
	}
	sort.Slice(result.DepotIDs, func(i, k int) bool { return result.DepotIDs[i] < result.DepotIDs[k] })
	return false, nil
}

// gateTargets admits datasources whose cache directory (and, for service
// removal, log directory) is writable. Skips are logged, never fatal on
// their own.
func (s *Service) gateTargets(opID string, j job, candidates []datasource.Datasource) ([]datasource.Datasource, string) {
	var targets []datasource.Datasource
	var skipped []string
	for _, ds := range candidates {
		if !s.config.Probe(ds.CachePath) {
			s.logger.Warn("skipping datasource: cache not writable", map[string]any{
				"operation_id": opID,
				"datasource":   ds.Name,
			})
			skipped = append(skipped, ds.Name)
			continue
		}
		if j.needsLogAccess && !s.config.Probe(filepath.Dir(ds.LogPath)) {
			s.logger.Warn("skipping datasource: logs not writable", map[string]any{
				"operation_id": opID,
				"datasource":   ds.Name,
			})
			skipped = append(skipped, ds.Name)
			continue
		}
		targets = append(targets, ds)
	}

	var warning string
	if len(skipped) > 0 {
		warning = fmt.Sprintf("skipped read-only datasources: %s", strings.Join(skipped, ", "))
	}
	return targets, warning
}

// removeFromDatasource runs the remover helper for one datasource and
// polls its progress file until exit. Returns the helper's output JSON
// and, for service removals, the statistics parsed off stderr.
func (s *Service) removeFromDatasource(ctx context.Context, opID string, j job, ds datasource.Datasource, index, total int) (*types.RemovalOutput, *StderrStats, error) {
	binary := s.config.Paths.HelperPath(j.binaryName)
	if err := s.config.Workers.ValidateBinaryExists(binary, j.binaryName); err != nil {
		return nil, nil, err
	}

	progressPath := s.config.Paths.ProgressFile(fmt.Sprintf("%s_%s", opID, ds.Name))
	outputPath := s.config.Paths.OutputFile(fmt.Sprintf("%s_%s", opID, ds.Name))
	defer s.config.Workers.DeleteTemporaryFile(progressPath)
	defer s.config.Workers.DeleteTemporaryFile(outputPath)

	handle, err := s.config.Workers.Spawn(ctx, worker.StartInfo{
		Binary: binary,
		Args: []string{
			s.config.Store.Path(), filepath.Dir(ds.LogPath), ds.CachePath,
			j.target, outputPath, progressPath,
		},
	})
	if err != nil {
		return nil, nil, err
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

	span := 100.0 / float64(total)
	base := span * float64(index)

	var execResult *worker.ExecResult
poll:
	for {
		select {
		case <-ctx.Done():
			_ = handle.KillTree()
			execResult = <-waitCh
			break poll
		case execResult = <-waitCh:
			break poll
		case <-ticker.C:
			snapshot := worker.ReadProgressFile[types.WorkerProgress](s.config.Workers, progressPath)
			if snapshot == nil {
				continue
			}
			overall := base + snapshot.PercentComplete*span/100
			message := snapshot.Message
			if message == "" {
				message = fmt.Sprintf("Removing %s from %s", j.target, ds.Name)
			}
			s.config.Tracker.UpdateProgress(opID, overall, message)
			s.config.Bus.NotifyAll(j.progressEvent, Progress{
				OperationID:     opID,
				PercentComplete: overall,
				Message:         message,
				Datasource:      ds.Name,
				FilesProcessed:  snapshot.FilesProcessed,
				TotalFiles:      snapshot.TotalFiles,
			})
		}
	}

	if ctx.Err() != nil || execResult.ExitCode == worker.KilledExitCode {
		return nil, nil, types.NewError(types.KindCancelled, "%s killed after cancellation", j.binaryName)
	}
	if execResult.ExitCode != 0 {
		return nil, nil, types.NewError(types.KindWorkerFailed,
			"%s exited with code %d for %q: %s",
			j.binaryName, execResult.ExitCode, ds.Name, stderrTail(execResult.Stderr))
	}

	var stats *StderrStats
	if j.parseStderr {
		stats = ParseStderrStats(string(execResult.Stderr))
	}

	output, err := worker.ReadOutputFile[types.RemovalOutput](outputPath)
	if err != nil {
		// The service remover's stderr statistics cover for a missing
		// output file; a game remover without output is a real failure.
		if stats != nil {
			s.logger.Warn("remover produced no output file, using stderr statistics", map[string]any{
				"operation_id": opID,
				"datasource":   ds.Name,
			})
			return nil, stats, nil
		}
		return nil, nil, types.WrapError(types.KindProtocol, err,
			"%s produced no output for %q", j.binaryName, ds.Name)
	}
	return output, stats, nil
}

// forgetTarget drops the cached detection row for the removed target.
func (s *Service) forgetTarget(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if j.opType == types.OpTypeGameRemoval {
		return s.config.Store.DeleteGameDetection(ctx, j.appID)
	}
	return s.config.Store.DeleteServiceDetection(ctx, j.serviceName)
}

func (s *Service) finish(opID string, j job, result Result, startedAt time.Time, cancelled bool, errMsg string) {
	result.DurationSeconds = time.Since(startedAt).Seconds()
	switch {
	case cancelled:
		result.Cancelled = true
		s.config.Tracker.CompleteCancelled(opID, fmt.Sprintf("Removal of %q cancelled", j.target))
	case errMsg != "":
		result.Error = errMsg
		s.config.Tracker.Complete(opID, false, errMsg)
	default:
		s.config.Tracker.Complete(opID, true, "")
	}
	s.config.Bus.NotifyAll(j.completeEvent, result)
}

func stderrTail(stderr []byte) string {
	const max = 512
	text := strings.TrimSpace(string(stderr))
	if len(text) <= max {
		return text
	}
	return "..." + text[len(text)-max:]
}
