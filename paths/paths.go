// Package paths resolves the filesystem layout of the cachewarden data
// root and the native helper binaries.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Helper binary base names. The supervisor resolves them under the
// configured bin dir, with the platform executable suffix applied.
const (
	LogManagerBinary        = "log-manager"
	LogProcessorBinary      = "log-processor"
	CorruptionManagerBinary = "corruption-manager"
	CacheCleanerBinary      = "cache-cleaner"
	GameDetectorBinary      = "game-cache-detector"
	GameRemoverBinary       = "game-cache-remover"
	ServiceRemoverBinary    = "service-remover"
)

// Resolver maps logical locations (database, operation state, progress
// files, helper binaries) onto the configured data root and bin dir.
type Resolver struct {
	dataRoot string
	binDir   string
}

// NewResolver creates a resolver rooted at dataRoot with helper binaries
// under binDir.
func NewResolver(dataRoot, binDir string) *Resolver {
	return &Resolver{dataRoot: dataRoot, binDir: binDir}
}

// DataRoot returns the base data directory.
func (r *Resolver) DataRoot() string { return r.dataRoot }

// DatabasePath returns the SQLite database file path.
func (r *Resolver) DatabasePath() string {
	return filepath.Join(r.dataRoot, "cachewarden.db")
}

// OperationsDir returns the directory holding ephemeral per-operation
// progress and output files.
func (r *Resolver) OperationsDir() string {
	return filepath.Join(r.dataRoot, "operations")
}

// StateDir returns the durable operation state store directory.
func (r *Resolver) StateDir() string {
	return filepath.Join(r.OperationsDir(), "state")
}

// SessionsDir returns the root for per-session prefill directories.
func (r *Resolver) SessionsDir() string {
	return filepath.Join(r.dataRoot, "sessions")
}

// HelperPath returns the full path of a helper binary by base name.
func (r *Resolver) HelperPath(name string) string {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(r.binDir, name)
}

// ProgressFile returns the progress file path for an operation.
func (r *Resolver) ProgressFile(operationID string) string {
	return filepath.Join(r.OperationsDir(), fmt.Sprintf("progress_%s.json", operationID))
}

// OutputFile returns the worker output file path for an operation.
func (r *Resolver) OutputFile(operationID string) string {
	return filepath.Join(r.OperationsDir(), fmt.Sprintf("output_%s.json", operationID))
}

// ExclusionFile returns the detector exclusion file path for an operation.
func (r *Resolver) ExclusionFile(operationID string) string {
	return filepath.Join(r.OperationsDir(), fmt.Sprintf("exclusion_%s.json", operationID))
}

// EnsureLayout creates the data root directory tree.
func (r *Resolver) EnsureLayout() error {
	for _, dir := range []string{r.dataRoot, r.OperationsDir(), r.StateDir(), r.SessionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// IsDirectoryWritable reports whether a probe file can be created and
// removed under path. Permission and missing-directory failures report
// false, never an error.
func IsDirectoryWritable(path string) bool {
	probe, err := os.CreateTemp(path, ".warden-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}
