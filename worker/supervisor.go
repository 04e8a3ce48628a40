// Package worker supervises the native helper executables (log-manager,
// cache-cleaner, corruption-manager, detectors, removers).
//
// Helpers are opaque supervised children: the whole contract is argv, an
// exit code, stderr for diagnostics, and a single progress JSON file the
// helper rewrites atomically. Control flows one way; there is no in-band
// mixing of data and control on the pipes.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/types"
)

// KilledExitCode is the exit code reported when the supervisor kills a
// helper after cancellation (128 + SIGKILL). Callers must treat it as
// cancelled, never as failure.
const KilledExitCode = 137

// DefaultPollInterval is the progress-file poll cadence helpers are
// expected to match when rewriting their progress file.
const DefaultPollInterval = 500 * time.Millisecond

// StartInfo describes one helper invocation.
type StartInfo struct {
	// Binary is the helper executable path.
	Binary string
	// Args is the helper argv (without the binary itself).
	Args []string
	// WorkingDir is the working directory; empty inherits the server's.
	WorkingDir string
	// Env is merged over the inherited environment; later values win.
	Env map[string]string
}

// ExecResult is the outcome of a completed helper process.
type ExecResult struct {
	// ExitCode is the process exit code. Signal terminations map to
	// 128 + signal, so a supervisor kill surfaces as 137.
	ExitCode int
	// Stdout is the captured standard output (final output JSON for some
	// helpers).
	Stdout []byte
	// Stderr is the captured diagnostic output, preserved verbatim.
	Stderr []byte
}

// Config configures a Supervisor.
type Config struct {
	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
	// Metrics is an optional collector; all methods are nil-safe.
	Metrics *metrics.Collector
	// PollInterval overrides the progress poll cadence. Zero uses
	// DefaultPollInterval.
	PollInterval time.Duration
}

// Supervisor spawns and supervises helper processes.
type Supervisor struct {
	config Config
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(config Config) *Supervisor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Supervisor{config: config}
}

// PollInterval returns the progress poll cadence.
func (s *Supervisor) PollInterval() time.Duration {
	return s.config.PollInterval
}

// ValidateBinaryExists fails fast with a config error when a helper
// binary is missing or not a regular file.
func (s *Supervisor) ValidateBinaryExists(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return types.WrapError(types.KindConfig, err, "%s binary not found at %s", name, path)
	}
	if info.IsDir() {
		return types.NewError(types.KindConfig, "%s binary path %s is a directory", name, path)
	}
	return nil
}

// Handle is one spawned helper process. It satisfies types.ProcessHandle
// so the tracker can escalate a cancel to a process-tree kill.
type Handle struct {
	name string
	cmd  *exec.Cmd
	sup  *Supervisor

	stdout bytes.Buffer
	stderr bytes.Buffer

	killMu sync.Mutex
	killed bool
}

// Spawn starts a helper process with captured stdout/stderr and returns
// its handle. The context is checked before the start; cancellation after
// the start is the caller's job (ExecuteProcess wires it up).
func (s *Supervisor) Spawn(ctx context.Context, info StartInfo) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &Handle{name: info.Binary, cmd: exec.Command(info.Binary, info.Args...), sup: s}
	h.cmd.Dir = info.WorkingDir
	h.cmd.Stdout = &h.stdout
	h.cmd.Stderr = &h.stderr
	if len(info.Env) > 0 {
		env := os.Environ()
		for key, value := range info.Env {
			env = append(env, key+"="+value)
		}
		h.cmd.Env = deduplicateEnv(env)
	}

	if err := h.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", info.Binary, err)
	}
	s.config.Metrics.IncWorkerSpawned()
	if s.config.Logger != nil {
		s.config.Logger.Debug("worker spawned", map[string]any{
			"binary": info.Binary,
			"pid":    h.cmd.Process.Pid,
		})
	}
	return h, nil
}

// ExecuteProcess spawns a helper and waits for it. On context
// cancellation the whole process tree is killed; the result then carries
// exit code 137 rather than an error.
func (s *Supervisor) ExecuteProcess(ctx context.Context, info StartInfo) (*ExecResult, error) {
	h, err := s.Spawn(ctx, info)
	if err != nil {
		return nil, err
	}

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = h.KillTree()
		case <-waitDone:
		}
	}()

	res, err := h.Wait()
	close(waitDone)
	return res, err
}

// Pid returns the helper's process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Wait blocks until the helper exits and returns the result. Must be
// called exactly once per handle.
func (h *Handle) Wait() (*ExecResult, error) {
	err := h.cmd.Wait()

	res := &ExecResult{
		Stdout: h.stdout.Bytes(),
		Stderr: h.stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait for %s: %w", h.name, err)
		}
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		switch {
		case !ok:
			res.ExitCode = -1
		case status.Signaled():
			res.ExitCode = 128 + int(status.Signal())
		default:
			res.ExitCode = status.ExitStatus()
		}
	}
	if res.ExitCode != 0 && res.ExitCode != KilledExitCode {
		h.sup.config.Metrics.IncWorkerFailure()
	}
	return res, nil
}

// KillTree terminates the helper and all of its descendants, children
// first. Idempotent; a helper that already exited is not an error.
func (h *Handle) KillTree() error {
	h.killMu.Lock()
	alreadyKilled := h.killed
	h.killed = true
	h.killMu.Unlock()
	if alreadyKilled {
		return nil
	}

	h.sup.config.Metrics.IncWorkerKilled()
	if h.sup.config.Logger != nil {
		h.sup.config.Logger.Info("killing worker process tree", map[string]any{
			"binary": h.name,
			"pid":    h.cmd.Process.Pid,
		})
	}
	return killTree(int32(h.cmd.Process.Pid))
}

// killTree kills pid's descendants depth-first, then pid itself.
// A process that vanished in between is treated as already dead.
func killTree(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err == nil {
		for _, child := range children {
			_ = killTree(child.Pid)
		}
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// DeleteTemporaryFile removes an ephemeral progress/output file with a
// short retry, swallowing "already removed". Best effort: a file the
// helper still holds open on Windows clears on a later attempt or at the
// next run's overwrite.
func (s *Supervisor) DeleteTemporaryFile(path string) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	if s.config.Logger != nil {
		s.config.Logger.Warn("could not delete temporary file", map[string]any{
			"path":  path,
			"error": lastErr.Error(),
		})
	}
}

// deduplicateEnv keeps the last occurrence of each env var key, so
// values appended for the helper win over inherited duplicates.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
