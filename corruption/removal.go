package corruption

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// RemovalStarted is the CorruptionRemovalStarted payload.
type RemovalStarted struct {
	OperationID string   `json:"operation_id"`
	Datasources []string `json:"datasources"`
}

// RemovalProgress is the CorruptionRemovalProgress payload.
type RemovalProgress struct {
	OperationID     string  `json:"operation_id"`
	PercentComplete float64 `json:"percent_complete"`
	Message         string  `json:"message"`
	ChunksRemoved   int64   `json:"chunks_removed"`
	TotalChunks     int64   `json:"total_chunks"`
}

// RemovalResult is the CorruptionRemovalComplete payload.
type RemovalResult struct {
	OperationID      string   `json:"operation_id"`
	Success          bool     `json:"success"`
	Cancelled        bool     `json:"cancelled"`
	Error            string   `json:"error,omitempty"`
	ChunksRemoved    int64    `json:"chunks_removed"`
	ChunksMissing    int64    `json:"chunks_missing"`
	ServicesAffected []string `json:"services_affected"`
	DurationSeconds  float64  `json:"duration_seconds"`
}

// StartRemoval registers a corrupted chunk removal operation and runs it
// in the background. The helper only locates corrupted chunks (`detect`
// mode); the file deletions themselves happen here, so progress and
// cancellation stay under operation control.
func (s *Service) StartRemoval(datasourceName string) (string, error) {
	targets, err := s.selectTargets(datasourceName)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	op, err := s.config.Tracker.Register(types.OpTypeCorruptionRemoval, "Corruption removal", cancel, map[string]any{
		types.EntityKeyMetadata: RemovalEntityKey,
	})
	if err != nil {
		cancel()
		return "", err
	}

	names := make([]string, len(targets))
	for i, ds := range targets {
		names[i] = ds.Name
	}
	s.config.Bus.NotifyAll(types.EventCorruptionRemovalStarted, RemovalStarted{
		OperationID: op.ID,
		Datasources: names,
	})

	go s.runRemoval(runCtx, op.ID, targets)
	return op.ID, nil
}

func (s *Service) runRemoval(ctx context.Context, opID string, targets []datasource.Datasource) {
	startedAt := time.Now()
	result := RemovalResult{OperationID: opID}

	// Phase one, 0-50%: locate corrupted chunks per datasource.
	chunksByPath := make(map[string]types.CorruptedChunk)
	for i, ds := range targets {
		if ctx.Err() != nil {
			s.finishRemoval(opID, result, startedAt, true, "")
			return
		}
		s.config.Tracker.UpdateProgress(opID,
			50*float64(i)/float64(len(targets)),
			fmt.Sprintf("Locating corrupted chunks in %s", ds.Name))

		output, err := s.detectDatasource(ctx, opID, ds)
		if err != nil {
			if ctx.Err() != nil || types.IsCancelled(err) {
				s.finishRemoval(opID, result, startedAt, true, "")
				return
			}
			s.finishRemoval(opID, result, startedAt, false, err.Error())
			return
		}
		for _, chunk := range output.CorruptedChunks {
			if chunk.CacheFilePath == "" {
				continue
			}
			chunksByPath[chunk.CacheFilePath] = chunk
		}
	}

	chunks := make([]types.CorruptedChunk, 0, len(chunksByPath))
	for _, chunk := range chunksByPath {
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].CacheFilePath < chunks[j].CacheFilePath })

	// Phase two, 50-95%: delete the located chunk files.
	services := make(map[string]struct{})
	total := int64(len(chunks))
	lastPublished := -progressPercentStep
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			s.finishRemoval(opID, result, startedAt, true, "")
			return
		}
		if err := s.removeChunk(chunk.CacheFilePath, &result); err != nil {
			s.finishRemoval(opID, result, startedAt, false, err.Error())
			return
		}
		if chunk.Service != "" {
			services[strings.ToLower(chunk.Service)] = struct{}{}
		}

		percent := 50 + 45*float64(i+1)/float64(total)
		if percent-lastPublished >= progressPercentStep || int64(i+1) == total {
			lastPublished = percent
			message := fmt.Sprintf("Removed %d of %d corrupted chunks", i+1, total)
			s.config.Tracker.UpdateProgress(opID, percent, message)
			s.config.Bus.NotifyAll(types.EventCorruptionRemovalProgress, RemovalProgress{
				OperationID:     opID,
				PercentComplete: percent,
				Message:         message,
				ChunksRemoved:   result.ChunksRemoved,
				TotalChunks:     total,
			})
		}
	}

	// Phase three: drop the persisted corruption rows for affected
	// services and shield them from in-flight scans.
	for service := range services {
		if err := s.RemoveCachedService(context.Background(), service); err != nil {
			s.logger.Warn("failed to clear corruption record after removal", map[string]any{
				"operation_id": opID,
				"service":      service,
				"error":        err.Error(),
			})
		}
		result.ServicesAffected = append(result.ServicesAffected, service)
	}
	sort.Strings(result.ServicesAffected)

	s.config.Metrics.AddFilesDeleted(result.ChunksRemoved)
	result.Success = true
	s.finishRemoval(opID, result, startedAt, false, "")
}

func (s *Service) removeChunk(path string, result *RemovalResult) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			result.ChunksMissing++
			return nil
		}
		return fmt.Errorf("stat corrupted chunk %s: %w", path, err)
	}
	if err := s.config.RemoveFile(path); err != nil {
		return fmt.Errorf("remove corrupted chunk %s: %w", path, err)
	}
	result.ChunksRemoved++
	return nil
}

// detectDatasource runs `corruption-manager detect` for one datasource and
// reads the output file it produces.
func (s *Service) detectDatasource(ctx context.Context, opID string, ds datasource.Datasource) (*types.CorruptionDetectOutput, error) {
	binary := s.config.Paths.HelperPath(paths.CorruptionManagerBinary)
	if err := s.config.Workers.ValidateBinaryExists(binary, paths.CorruptionManagerBinary); err != nil {
		return nil, err
	}

	outputPath := s.config.Paths.OutputFile(fmt.Sprintf("%s_%s", opID, ds.Name))
	defer s.config.Workers.DeleteTemporaryFile(outputPath)

	args := []string{
		"detect", logDir(ds.LogPath), ds.CachePath, outputPath,
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

	var execResult *worker.ExecResult
	select {
	case <-ctx.Done():
		_ = handle.KillTree()
		execResult = <-waitCh
	case execResult = <-waitCh:
	}

	if ctx.Err() != nil || execResult.ExitCode == worker.KilledExitCode {
		return nil, types.NewError(types.KindCancelled, "corruption-manager killed after cancellation")
	}
	if execResult.ExitCode != 0 {
		return nil, types.NewError(types.KindWorkerFailed,
			"corruption-manager exited with code %d for %q: %s",
			execResult.ExitCode, ds.Name, stderrTail(execResult.Stderr))
	}

	output, err := worker.ReadOutputFile[types.CorruptionDetectOutput](outputPath)
	if err != nil {
		return nil, types.WrapError(types.KindProtocol, err,
			"corruption-manager produced no detect output for %q", ds.Name)
	}
	return output, nil
}

func (s *Service) finishRemoval(opID string, result RemovalResult, startedAt time.Time, cancelled bool, errMsg string) {
	result.DurationSeconds = time.Since(startedAt).Seconds()
	switch {
	case cancelled:
		result.Cancelled = true
		s.config.Tracker.CompleteCancelled(opID, "Corruption removal cancelled")
	case errMsg != "":
		result.Error = errMsg
		s.config.Tracker.Complete(opID, false, errMsg)
	default:
		s.config.Tracker.Complete(opID, true, "")
	}
	s.config.Bus.NotifyAll(types.EventCorruptionRemovalComplete, result)
}
