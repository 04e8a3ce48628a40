package worker

import (
	"encoding/json"
	"os"
)

// ReadProgressFile reads and decodes a helper's progress file, returning
// nil on a missing file, an empty file, or malformed JSON. The tolerance
// is deliberate: helpers rewrite the file atomically every ~500ms and the
// poller treats each read as a best-effort latest-wins snapshot, so a
// tick with no news must not disturb state.
func ReadProgressFile[T any](s *Supervisor, path string) *T {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		s.countProgress(false)
		return nil
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		s.countProgress(false)
		return nil
	}
	s.countProgress(true)
	return &out
}

// ReadOutputFile decodes a helper's final output JSON. Unlike progress
// reads, a missing or malformed output is an error: the helper exited
// zero but produced nothing usable.
func ReadOutputFile[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Supervisor) countProgress(ok bool) {
	if s == nil {
		return
	}
	if ok {
		s.config.Metrics.IncProgressRead()
	} else {
		s.config.Metrics.IncProgressMiss()
	}
}
