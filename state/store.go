// Package state implements the durable operation state store used for
// crash recovery. One JSON file per key, rewritten atomically; records
// are advisory and never a source of truth while an operation runs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cachewarden/cachewarden/iox"
	"github.com/cachewarden/cachewarden/types"
)

// Record is one durable state entry. Keys follow the
// "<Type>_<OperationId>" convention for operation records; flag-style
// keys ("logs-ever-processed") are free-form.
type Record struct {
	Key       string                `json:"key"`
	Type      types.OperationType   `json:"type,omitempty"`
	Status    types.OperationStatus `json:"status,omitempty"`
	Message   string                `json:"message,omitempty"`
	Data      map[string]any        `json:"data,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
}

// OperationKey builds the conventional state key for an operation.
func OperationKey(opType types.OperationType, operationID string) string {
	return fmt.Sprintf("%s_%s", opType, operationID)
}

// Store is a directory-backed key to record store.
type Store struct {
	dir string

	mu sync.Mutex
}

// NewStore creates the store directory if needed and returns the store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save upserts a record. A zero CreatedAt is stamped with the current time.
func (s *Store) Save(rec Record) error {
	if err := validateKey(rec.Key); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state %q: %w", rec.Key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := iox.WriteFileAtomic(s.path(rec.Key), data, 0o644); err != nil {
		return fmt.Errorf("save state %q: %w", rec.Key, err)
	}
	return nil
}

// Get returns the record for key, or nil when absent.
func (s *Store) Get(key string) (*Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(key))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", key, err)
	}
	return &rec, nil
}

// GetByType returns all records of the given operation type.
func (s *Store) GetByType(opType types.OperationType) ([]Record, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.Type == opType {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Remove deletes the record for key; absent keys are not an error.
func (s *Store) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := iox.RemoveIfExists(s.path(key)); err != nil {
		return fmt.Errorf("remove state %q: %w", key, err)
	}
	return nil
}

// All returns every stored record. Files that no longer parse are
// skipped; a half-written record must not poison startup recovery.
func (s *Store) All() ([]Record, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.dir)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var out []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Interrupted returns non-terminal operation records older than cutoff.
// Callers run this once at startup and mark the matching operations
// Failed with an interruption message.
func (s *Store) Interrupted(now time.Time, cutoff time.Duration) ([]Record, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.Status == "" || rec.Status.IsTerminal() {
			continue
		}
		if now.Sub(rec.CreatedAt) >= cutoff {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("state key is empty")
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("state key %q contains path separators", key)
	}
	return nil
}
