// Package corruption orchestrates cache corruption scans and corrupted
// chunk removal by driving the corruption-manager helper across
// datasources.
//
// Scan results are per-service corrupted chunk counts, unioned across
// datasources and persisted wholesale. Services removed by a user inside
// the last five minutes are filtered from published results, so a manual
// removal is not contradicted by a scan that was already in flight.
package corruption

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/iox"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// DetectEntityKey single-flights corruption scans process-wide.
const DetectEntityKey = "corruption-detect"

// RemovalEntityKey single-flights chunk removal process-wide.
const RemovalEntityKey = "corruption-removal"

// RemovalGracePeriod is how long a removed service stays filtered out of
// published scan results.
const RemovalGracePeriod = 5 * time.Minute

// progressPercentStep is the minimum percent change that forwards a
// progress event when the message has not changed.
const progressPercentStep = 5.0

// Config configures the Service.
type Config struct {
	// Registry supplies the datasources.
	Registry *datasource.Registry
	// Tracker registers and finalizes operations.
	Tracker *tracker.Tracker
	// Bus receives CorruptionDetection* events.
	Bus *bus.Bus
	// Store persists scan results.
	Store *store.Store
	// Workers spawns the corruption-manager helper.
	Workers *worker.Supervisor
	// Paths resolves helper and progress file locations.
	Paths *paths.Resolver
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
	// Timezone is passed through to the helper. Empty means UTC.
	Timezone string
	// Threshold is the miss count past which a chunk counts as corrupted.
	Threshold int
	// SkipCacheCheck passes --no-cache-check to the helper.
	SkipCacheCheck bool
	// RemoveFile overrides chunk file removal in the removal flow. Nil
	// uses iox.RemoveIfExists.
	RemoveFile func(path string) error
}

// Service runs corruption scans and removals.
type Service struct {
	config Config
	logger *log.Logger

	// recentlyRemoved holds service names filtered from published scan
	// results, each entry expiring after RemovalGracePeriod.
	recentlyRemoved *gocache.Cache
}

// NewService validates dependencies and builds the service.
func NewService(config Config) (*Service, error) {
	if config.Registry == nil || config.Tracker == nil || config.Bus == nil ||
		config.Store == nil || config.Workers == nil || config.Paths == nil {
		return nil, types.NewError(types.KindConfig, "corruption: missing required dependencies")
	}
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}
	if config.Threshold <= 0 {
		config.Threshold = 3
	}
	if config.RemoveFile == nil {
		config.RemoveFile = iox.RemoveIfExists
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("corruption")
	}
	return &Service{
		config:          config,
		logger:          logger,
		recentlyRemoved: gocache.New(RemovalGracePeriod, time.Minute),
	}, nil
}

// Started is the CorruptionDetectionStarted payload.
type Started struct {
	OperationID string   `json:"operation_id"`
	Datasources []string `json:"datasources"`
}

// Progress is the CorruptionDetectionProgress payload.
type Progress struct {
	OperationID     string  `json:"operation_id"`
	PercentComplete float64 `json:"percent_complete"`
	Message         string  `json:"message"`
	Datasource      string  `json:"datasource"`
	FilesProcessed  int64   `json:"files_processed"`
	TotalFiles      int64   `json:"total_files"`
}

// Result is the CorruptionDetectionComplete payload.
type Result struct {
	OperationID     string           `json:"operation_id"`
	Success         bool             `json:"success"`
	Cancelled       bool             `json:"cancelled"`
	Error           string           `json:"error,omitempty"`
	ServiceCounts   map[string]int64 `json:"service_counts"`
	TotalCorrupted  int64            `json:"total_corrupted"`
	DatasourcesRun  int              `json:"datasources_run"`
	DurationSeconds float64          `json:"duration_seconds"`
}

// StartDetection registers a scan operation over every enabled datasource
// (or one, by name) and runs it in the background. Returns the operation
// id.
func (s *Service) StartDetection(datasourceName string) (string, error) {
	targets, err := s.selectTargets(datasourceName)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	op, err := s.config.Tracker.Register(types.OpTypeCorruptionDetection, "Corruption detection", cancel, map[string]any{
		types.EntityKeyMetadata: DetectEntityKey,
	})
	if err != nil {
		cancel()
		return "", err
	}

	names := make([]string, len(targets))
	for i, ds := range targets {
		names[i] = ds.Name
	}
	s.config.Bus.NotifyAll(types.EventCorruptionDetectionStarted, Started{
		OperationID: op.ID,
		Datasources: names,
	})

	go s.runDetection(runCtx, op.ID, targets)
	return op.ID, nil
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

func (s *Service) runDetection(ctx context.Context, opID string, targets []datasource.Datasource) {
	startedAt := time.Now()
	counts := make(map[string]int64)
	result := Result{OperationID: opID, ServiceCounts: counts}

	for i, ds := range targets {
		if ctx.Err() != nil {
			s.finishDetection(opID, result, startedAt, true, "")
			return
		}

		summary, err := s.scanDatasource(ctx, opID, ds, i, len(targets))
		if err != nil {
			if ctx.Err() != nil || types.IsCancelled(err) {
				s.finishDetection(opID, result, startedAt, true, "")
				return
			}
			s.finishDetection(opID, result, startedAt, false, err.Error())
			return
		}

		for service, count := range summary.ServiceCounts {
			counts[strings.ToLower(service)] += count
		}
		result.DatasourcesRun++
	}

	// The grace filter applies to everything published or persisted:
	// a service the user just removed must not reappear from a scan
	// that overlapped the removal.
	for service := range counts {
		if s.InRemovalGracePeriod(service) {
			delete(counts, service)
		}
	}
	for _, count := range counts {
		result.TotalCorrupted += count
	}

	if err := s.persist(counts); err != nil {
		s.finishDetection(opID, result, startedAt, false, err.Error())
		return
	}

	result.Success = true
	s.finishDetection(opID, result, startedAt, false, "")
}

// scanDatasource runs `corruption-manager summary` for one datasource and
// parses the final summary from stdout.
func (s *Service) scanDatasource(ctx context.Context, opID string, ds datasource.Datasource, index, total int) (*types.CorruptionSummary, error) {
	binary := s.config.Paths.HelperPath(paths.CorruptionManagerBinary)
	if err := s.config.Workers.ValidateBinaryExists(binary, paths.CorruptionManagerBinary); err != nil {
		return nil, err
	}

	progressPath := s.config.Paths.ProgressFile(fmt.Sprintf("%s_%s", opID, ds.Name))
	defer s.config.Workers.DeleteTemporaryFile(progressPath)

	args := []string{
		"summary", logDir(ds.LogPath), ds.CachePath, progressPath,
		s.config.Timezone, fmt.Sprintf("%d", s.config.Threshold),
	}
	if s.config.SkipCacheCheck {
		args = append(args, "--no-cache-check")
	}

	handle, err := s.config.Workers.Spawn(ctx, worker.StartInfo{Binary: binary, Args: args})
	if err != nil {
		return nil, err
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

	// Base and span apportion this datasource's slice of the overall
	// percent range.
	span := 100.0 / float64(total)
	base := span * float64(index)

	var lastMessage string
	lastPercent := -progressPercentStep

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
			if snapshot.Message == lastMessage && snapshot.PercentComplete-lastPercent < progressPercentStep {
				continue
			}
			lastMessage = snapshot.Message
			lastPercent = snapshot.PercentComplete

			s.config.Tracker.UpdateProgress(opID, overall, snapshot.Message)
			s.config.Bus.NotifyAll(types.EventCorruptionDetectionProgress, Progress{
				OperationID:     opID,
				PercentComplete: overall,
				Message:         snapshot.Message,
				Datasource:      ds.Name,
				FilesProcessed:  snapshot.FilesProcessed,
				TotalFiles:      snapshot.TotalFiles,
			})
		}
	}

	if ctx.Err() != nil || execResult.ExitCode == worker.KilledExitCode {
		return nil, types.NewError(types.KindCancelled, "corruption-manager killed after cancellation")
	}
	if execResult.ExitCode != 0 {
		return nil, types.NewError(types.KindWorkerFailed,
			"corruption-manager exited with code %d for %q: %s",
			execResult.ExitCode, ds.Name, stderrTail(execResult.Stderr))
	}

	var summary types.CorruptionSummary
	if err := json.Unmarshal(execResult.Stdout, &summary); err != nil {
		return nil, types.WrapError(types.KindProtocol, err,
			"corruption-manager produced unparsable summary for %q", ds.Name)
	}
	return &summary, nil
}

func (s *Service) persist(counts map[string]int64) error {
	now := time.Now().UTC()
	rows := make([]types.CachedCorruptionDetection, 0, len(counts))
	for service, count := range counts {
		rows = append(rows, types.CachedCorruptionDetection{
			ServiceName:         service,
			CorruptedChunkCount: count,
			LastDetectedAt:      now,
			CreatedAt:           now,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ServiceName < rows[j].ServiceName })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.config.Store.ReplaceCorruptionDetections(ctx, rows); err != nil {
		return fmt.Errorf("persist corruption results: %w", err)
	}
	return nil
}

func (s *Service) finishDetection(opID string, result Result, startedAt time.Time, cancelled bool, errMsg string) {
	result.DurationSeconds = time.Since(startedAt).Seconds()
	switch {
	case cancelled:
		result.Cancelled = true
		s.config.Tracker.CompleteCancelled(opID, "Corruption detection cancelled")
	case errMsg != "":
		result.Error = errMsg
		s.config.Tracker.Complete(opID, false, errMsg)
	default:
		s.config.Tracker.Complete(opID, true, "")
	}
	s.config.Bus.NotifyAll(types.EventCorruptionDetectionComplete, result)
}

// RemoveCachedService deletes the persisted corruption row for the
// service and enters it into the removal grace set, so scans already in
// flight do not resurrect it.
func (s *Service) RemoveCachedService(ctx context.Context, serviceName string) error {
	normalized := strings.ToLower(strings.TrimSpace(serviceName))
	if normalized == "" {
		return types.NewError(types.KindConfig, "service name is required")
	}
	s.recentlyRemoved.SetDefault(normalized, time.Now())
	if err := s.config.Store.DeleteCorruptionDetection(ctx, normalized); err != nil {
		return err
	}
	s.logger.Info("corruption record removed", map[string]any{"service": normalized})
	return nil
}

// InRemovalGracePeriod reports whether the service was removed within the
// grace window.
func (s *Service) InRemovalGracePeriod(serviceName string) bool {
	_, found := s.recentlyRemoved.Get(strings.ToLower(strings.TrimSpace(serviceName)))
	return found
}

func logDir(logPath string) string {
	return filepath.Dir(logPath)
}

func stderrTail(stderr []byte) string {
	const max = 512
	text := strings.TrimSpace(string(stderr))
	if len(text) <= max {
		return text
	}
	return "..." + text[len(text)-max:]
}
