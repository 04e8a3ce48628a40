// Package detection orchestrates game cache detection: per-datasource
// runs of the game-cache-detector helper, cross-datasource merging,
// unknown-depot resolution against the Steam depot mappings, and
// persistence into the detection caches.
//
// Detection runs in two modes. A full scan replaces the caches outright.
// An incremental scan excludes already-known games via an exclusion file
// handed to the detector, then upserts whatever is new. Incremental runs
// self-convert to full when enough unknown entries have become resolvable
// since the last pass.
package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/iox"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/state"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// EntityKey single-flights detection scans process-wide.
const EntityKey = "game-detection"

// FailedResolutionsKey is the state store key recording depot ids that
// could not be resolved to an owner mapping.
const FailedResolutionsKey = "failedDepotResolutions"

// ResolutionRetryInterval is how long a failed depot resolution is left
// alone before detection tries it again.
const ResolutionRetryInterval = 24 * time.Hour

// unknownConversionThreshold is how many unknown entries the incremental
// pre-check needs before considering a full-scan conversion.
const unknownConversionThreshold = 3

// sampleURLCap bounds the merged sample URL list per detection row.
const sampleURLCap = 5

// Config configures the Service.
type Config struct {
	// Registry supplies the datasources.
	Registry *datasource.Registry
	// Tracker registers and finalizes operations.
	Tracker *tracker.Tracker
	// Bus receives GameDetection* events.
	Bus *bus.Bus
	// Store persists detection rows and resolves depot mappings.
	Store *store.Store
	// State records failed depot resolutions across runs.
	State *state.Store
	// Workers spawns the game-cache-detector helper.
	Workers *worker.Supervisor
	// Paths resolves helper, output and exclusion file locations.
	Paths *paths.Resolver
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
}

// Service runs game cache detection operations.
type Service struct {
	config Config
	logger *log.Logger
}

// NewService validates dependencies and builds the service.
func NewService(config Config) (*Service, error) {
	if config.Registry == nil || config.Tracker == nil || config.Bus == nil ||
		config.Store == nil || config.State == nil || config.Workers == nil || config.Paths == nil {
		return nil, types.NewError(types.KindConfig, "detection: missing required dependencies")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("detection")
	}
	return &Service{config: config, logger: logger}, nil
}

// Request selects the scan mode.
type Request struct {
	// Incremental skips games already in the detection cache. A full scan
	// rebuilds the caches from scratch.
	Incremental bool
}

// Started is the GameDetectionStarted payload.
type Started struct {
	OperationID string   `json:"operation_id"`
	Incremental bool     `json:"incremental"`
	Datasources []string `json:"datasources"`
}

// Progress is the GameDetectionProgress payload.
type Progress struct {
	OperationID     string  `json:"operation_id"`
	PercentComplete float64 `json:"percent_complete"`
	Message         string  `json:"message"`
	Datasource      string  `json:"datasource,omitempty"`
}

// Result is the GameDetectionComplete payload.
type Result struct {
	OperationID      string  `json:"operation_id"`
	Success          bool    `json:"success"`
	Cancelled        bool    `json:"cancelled"`
	Error            string  `json:"error,omitempty"`
	Incremental      bool    `json:"incremental"`
	ConvertedToFull  bool    `json:"converted_to_full"`
	GamesDetected    int     `json:"games_detected"`
	ServicesDetected int     `json:"services_detected"`
	UnknownsResolved int     `json:"unknowns_resolved"`
	DurationSeconds  float64 `json:"duration_seconds"`
}

// Start registers a detection operation over every datasource and runs it
// in the background. Returns the operation id.
func (s *Service) Start(req Request) (string, error) {
	mode := "full"
	if req.Incremental {
		mode = "incremental"
	}

	runCtx, cancel := context.WithCancel(context.Background())
	op, err := s.config.Tracker.Register(types.OpTypeGameDetection,
		fmt.Sprintf("Game detection (%s)", mode), cancel, map[string]any{
			types.EntityKeyMetadata: EntityKey,
			"incremental":           req.Incremental,
		})
	if err != nil {
		cancel()
		return "", err
	}

	targets := s.config.Registry.Datasources()
	names := make([]string, len(targets))
	for i, ds := range targets {
		names[i] = ds.Name
	}
	s.config.Bus.NotifyAll(types.EventGameDetectionStarted, Started{
		OperationID: op.ID,
		Incremental: req.Incremental,
		Datasources: names,
	})

	go s.run(runCtx, op.ID, req, targets)
	return op.ID, nil
}

func (s *Service) run(ctx context.Context, opID string, req Request, targets []datasource.Datasource) {
	startedAt := time.Now()
	result := Result{OperationID: opID, Incremental: req.Incremental}

	// Every ephemeral file this run creates is removed on success,
	// failure and cancellation alike.
	var tempFiles []string
	defer func() {
		for _, path := range tempFiles {
			s.config.Workers.DeleteTemporaryFile(path)
		}
	}()

	// Prepare: 0-5.
	s.publishProgress(opID, 2, "Preparing detection", "")
	binary := s.config.Paths.HelperPath(paths.GameDetectorBinary)
	if err := s.config.Workers.ValidateBinaryExists(binary, paths.GameDetectorBinary); err != nil {
		s.finish(opID, result, startedAt, false, err.Error())
		return
	}

	// Pre-scan: 5-30. The incremental pre-check may convert this run to
	// a full scan; afterwards the exclusion file is written if the run is
	// still incremental.
	incremental := req.Incremental
	var precheckResolved map[uint32]types.SteamDepotMapping
	var exclusionPath string
	if incremental {
		s.publishProgress(opID, 10, "Checking unknown entries", "")
		converted, resolved, err := s.precheck(ctx)
		if err != nil {
			s.finish(opID, result, startedAt, false, err.Error())
			return
		}
		precheckResolved = resolved
		if converted {
			incremental = false
			result.ConvertedToFull = true
			s.logger.Info("incremental scan converted to full", map[string]any{
				"operation_id": opID,
				"resolvable":   len(resolved),
			})
		}
	}
	if incremental {
		s.publishProgress(opID, 20, "Writing exclusion file", "")
		path, err := s.writeExclusionFile(ctx, opID)
		if err != nil {
			s.finish(opID, result, startedAt, false, err.Error())
			return
		}
		if path != "" {
			exclusionPath = path
			tempFiles = append(tempFiles, path)
		}
	}
	if ctx.Err() != nil {
		s.finish(opID, result, startedAt, true, "")
		return
	}

	// Scan: 30-70, apportioned evenly across datasources.
	now := time.Now().UTC()
	batch := newBatch(now)
	for i, ds := range targets {
		if ctx.Err() != nil {
			s.finish(opID, result, startedAt, true, "")
			return
		}
		percent := 30 + 40*float64(i)/float64(len(targets))
		s.publishProgress(opID, percent, fmt.Sprintf("Scanning %s", ds.Name), ds.Name)

		outputPath := s.config.Paths.OutputFile(fmt.Sprintf("%s_%s", opID, ds.Name))
		tempFiles = append(tempFiles, outputPath)

		output, err := s.scanDatasource(ctx, opID, binary, ds, outputPath, exclusionPath, incremental)
		if err != nil {
			if ctx.Err() != nil || types.IsCancelled(err) {
				s.finish(opID, result, startedAt, true, "")
				return
			}
			s.finish(opID, result, startedAt, false, err.Error())
			return
		}
		batch.absorb(output, ds.Name)
	}

	// Merge and mappings: 70-90.
	s.publishProgress(opID, 75, "Resolving unknown games", "")
	resolvedCount, err := s.resolveUnknowns(ctx, batch, incremental, precheckResolved)
	if err != nil {
		s.finish(opID, result, startedAt, false, err.Error())
		return
	}
	result.UnknownsResolved = resolvedCount
	if ctx.Err() != nil {
		s.finish(opID, result, startedAt, true, "")
		return
	}

	// Persist: 90-100.
	s.publishProgress(opID, 92, "Saving detection results", "")
	games, services := batch.lists()
	result.GamesDetected = len(games)
	result.ServicesDetected = len(services)

	if incremental {
		err = s.config.Store.UpsertDetections(ctx, games, services)
		if err != nil && store.IsConstraintViolation(err) {
			// A benign race with a concurrent writer; the rows are there.
			s.logger.Warn("detection upsert hit a unique constraint, ignoring", map[string]any{
				"operation_id": opID,
				"error":        err.Error(),
			})
			err = nil
		}
	} else {
		err = s.config.Store.ReplaceDetections(ctx, games, services)
	}
	if err != nil {
		s.finish(opID, result, startedAt, false, err.Error())
		return
	}

	result.Success = true
	s.finish(opID, result, startedAt, false, "")
}

// precheck decides whether an incremental run should convert to full:
// when at least three unknown entries exist and at least one of their
// depot ids now has an owner mapping, the caches are cleared and the
// conversion reported. The resolvable mappings are returned either way so
// the resolution pass can bypass the retry gate for them.
func (s *Service) precheck(ctx context.Context) (bool, map[uint32]types.SteamDepotMapping, error) {
	existing, err := s.config.Store.GetGameDetections(ctx)
	if err != nil {
		return false, nil, err
	}
	var unknownDepots []uint32
	for i := range existing {
		if existing[i].IsUnknown() {
			unknownDepots = append(unknownDepots, existing[i].GameAppID)
		}
	}
	if len(unknownDepots) < unknownConversionThreshold {
		return false, nil, nil
	}

	resolved, err := s.config.Store.OwnerMappingsForDepots(ctx, unknownDepots)
	if err != nil {
		return false, nil, err
	}
	if len(resolved) == 0 {
		return false, nil, nil
	}

	if err := s.config.Store.ClearGameDetections(ctx); err != nil {
		return false, nil, err
	}
	return true, resolved, nil
}

// writeExclusionFile persists the set of already-known game app ids for
// the detector to skip. No known games means no file.
func (s *Service) writeExclusionFile(ctx context.Context, opID string) (string, error) {
	existing, err := s.config.Store.GetGameDetections(ctx)
	if err != nil {
		return "", err
	}
	if len(existing) == 0 {
		return "", nil
	}

	ids := make([]uint32, 0, len(existing))
	for i := range existing {
		ids = append(ids, existing[i].GameAppID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode exclusion list: %w", err)
	}
	path := s.config.Paths.ExclusionFile(opID)
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write exclusion file: %w", err)
	}
	return path, nil
}

// scanDatasource runs the detector helper for one datasource and reads
// its output file. The detector has no progress file; stderr is
// diagnostic only and any non-zero exit fails the operation.
func (s *Service) scanDatasource(ctx context.Context, opID, binary string, ds datasource.Datasource, outputPath, exclusionPath string, incremental bool) (*types.GameDetectOutput, error) {
	args := []string{s.config.Store.Path(), ds.CachePath, outputPath}
	if exclusionPath != "" {
		args = append(args, exclusionPath)
	}
	if incremental {
		args = append(args, "--incremental")
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

	var execResult *worker.ExecResult
	select {
	case <-ctx.Done():
		_ = handle.KillTree()
		execResult = <-waitCh
	case execResult = <-waitCh:
	}

	if ctx.Err() != nil || execResult.ExitCode == worker.KilledExitCode {
		return nil, types.NewError(types.KindCancelled, "game-cache-detector killed after cancellation")
	}
	if execResult.ExitCode != 0 {
		return nil, types.NewError(types.KindWorkerFailed,
			"game-cache-detector exited with code %d for %q: %s",
			execResult.ExitCode, ds.Name, stderrTail(execResult.Stderr))
	}

	output, err := worker.ReadOutputFile[types.GameDetectOutput](outputPath)
	if err != nil {
		return nil, types.WrapError(types.KindProtocol, err,
			"game-cache-detector produced no output for %q", ds.Name)
	}
	return output, nil
}

func (s *Service) publishProgress(opID string, percent float64, message, ds string) {
	s.config.Tracker.UpdateProgress(opID, percent, message)
	s.config.Bus.NotifyAll(types.EventGameDetectionProgress, Progress{
		OperationID:     opID,
		PercentComplete: percent,
		Message:         message,
		Datasource:      ds,
	})
}

func (s *Service) finish(opID string, result Result, startedAt time.Time, cancelled bool, errMsg string) {
	result.DurationSeconds = time.Since(startedAt).Seconds()
	switch {
	case cancelled:
		result.Cancelled = true
		s.config.Tracker.CompleteCancelled(opID, "Game detection cancelled")
	case errMsg != "":
		result.Error = errMsg
		s.config.Tracker.Complete(opID, false, errMsg)
	default:
		s.config.Tracker.Complete(opID, true, "")
	}
	s.config.Bus.NotifyAll(types.EventGameDetectionComplete, result)
}

func stderrTail(stderr []byte) string {
	const max = 512
	text := strings.TrimSpace(string(stderr))
	if len(text) <= max {
		return text
	}
	return "..." + text[len(text)-max:]
}
