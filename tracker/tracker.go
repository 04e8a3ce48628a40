// Package tracker implements the unified operation tracker: the
// process-wide registry of long-running jobs with cooperative
// cancellation, force-kill escalation, progress updates, and single-flight
// per logical entity.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/types"
)

// DefaultGracePeriod is how long terminal operations stay reachable so
// polling clients can observe the final status.
const DefaultGracePeriod = 10 * time.Second

// ForceKillMessage is the terminal message set by ForceKill.
const ForceKillMessage = "Force killed by user"

// Config configures a Tracker.
type Config struct {
	// GracePeriod overrides the terminal retention window. Zero uses
	// DefaultGracePeriod.
	GracePeriod time.Duration
	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
	// Metrics is an optional collector; all methods are nil-safe.
	Metrics *metrics.Collector
	// OnTerminal is invoked with a snapshot after every terminal
	// transition, on the goroutine that caused it and outside the
	// tracker lock. Used to publish operation completion events.
	OnTerminal func(op *types.Operation)
}

type entityRef struct {
	opType types.OperationType
	key    string
}

// Tracker is the process-wide operation registry. All operations on the
// registry are constant-time map lookups under one mutex.
type Tracker struct {
	config Config

	mu         sync.Mutex
	operations map[string]*types.Operation
	entities   map[entityRef]string
	evictions  map[string]*time.Timer
	closed     bool
}

// New creates a Tracker.
func New(config Config) *Tracker {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	return &Tracker{
		config:     config,
		operations: make(map[string]*types.Operation),
		entities:   make(map[entityRef]string),
		evictions:  make(map[string]*time.Timer),
	}
}

// Register allocates an id and inserts a Running operation. When metadata
// carries an entity key, the (type, key) pair is indexed; registering a
// second operation for a live pair fails with AlreadyInProgress.
func (t *Tracker) Register(opType types.OperationType, name string, cancel context.CancelFunc, metadata map[string]any) (*types.Operation, error) {
	op := &types.Operation{
		ID:        uuid.NewString(),
		Type:      opType,
		Name:      name,
		Status:    types.StatusRunning,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	op.SetCancel(cancel)

	t.mu.Lock()
	defer t.mu.Unlock()

	if key, ok := op.EntityKey(); ok {
		ref := entityRef{opType: opType, key: key}
		if existing, live := t.entities[ref]; live {
			return nil, types.NewError(types.KindAlreadyInProgress,
				"%s already in progress for %q (operation %s)", opType, key, existing)
		}
		t.entities[ref] = op.ID
	}
	t.operations[op.ID] = op

	t.config.Metrics.IncOperationStarted(string(opType))
	if t.config.Logger != nil {
		t.config.Logger.Info("operation registered", map[string]any{
			"operation_id": op.ID,
			"type":         opType,
			"name":         name,
		})
	}
	return op.Clone(), nil
}

// Cancel requests cooperative cancellation. Idempotent: a Cancelling or
// terminal operation returns success without effect. Unknown ids fail
// with NotFound.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	op, ok := t.operations[id]
	if !ok {
		t.mu.Unlock()
		return types.NewError(types.KindNotFound, "operation %s not found", id)
	}
	if op.Status.IsTerminal() || op.Status == types.StatusCancelling {
		t.mu.Unlock()
		return nil
	}
	op.Status = types.StatusCancelling
	op.Message = "Cancelling..."
	t.mu.Unlock()

	// Signal outside the lock; the cancel func may run arbitrary code.
	op.Cancel()

	if t.config.Logger != nil {
		t.config.Logger.Info("operation cancelling", map[string]any{"operation_id": id})
	}
	return nil
}

// ForceKill signals the cancel handle, kills any attached worker process
// tree, and transitions straight to Cancelled. Idempotent on terminal
// operations. Unknown ids fail with NotFound.
func (t *Tracker) ForceKill(id string) error {
	t.mu.Lock()
	op, ok := t.operations[id]
	if !ok {
		t.mu.Unlock()
		return types.NewError(types.KindNotFound, "operation %s not found", id)
	}
	if op.Status.IsTerminal() {
		t.mu.Unlock()
		return nil
	}

	worker := op.Worker()
	cancel := t.terminateLocked(op, types.StatusCancelled, false, true, ForceKillMessage, "")
	clone := op.Clone()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if worker != nil {
		if err := worker.KillTree(); err != nil && t.config.Logger != nil {
			t.config.Logger.Warn("force kill: process tree kill failed", map[string]any{
				"operation_id": id,
				"error":        err.Error(),
			})
		}
	}
	t.notifyTerminal(clone)

	t.config.Metrics.IncForceKill()
	if t.config.Logger != nil {
		t.config.Logger.Info("operation force killed", map[string]any{"operation_id": id})
	}
	return nil
}

// UpdateProgress clamps percent to [0,100] and updates the operation in
// place. Unknown ids and terminal operations are ignored with a warning.
func (t *Tracker) UpdateProgress(id string, percent float64, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		if t.config.Logger != nil {
			t.config.Logger.Warn("progress update for unknown operation", map[string]any{"operation_id": id})
		}
		return
	}
	if op.Status.IsTerminal() {
		return
	}
	op.PercentComplete = percent
	if message != "" {
		op.Message = message
	}
}

// UpdateMetadata applies mutator to the operation's metadata atomically.
// Unknown ids and terminal operations are ignored.
func (t *Tracker) UpdateMetadata(id string, mutator func(map[string]any)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok || op.Status.IsTerminal() {
		return
	}
	if op.Metadata == nil {
		op.Metadata = make(map[string]any)
	}
	mutator(op.Metadata)
}

// AttachWorker records the native worker currently executing for the
// operation, so ForceKill can reach the process tree. Terminal operations
// ignore the attach.
func (t *Tracker) AttachWorker(id string, worker types.ProcessHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok || op.Status.IsTerminal() {
		return
	}
	op.AttachWorker(worker)
}

// DetachWorker clears the worker handle after a helper exits.
func (t *Tracker) DetachWorker(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok || op.Status.IsTerminal() {
		return
	}
	op.AttachWorker(nil)
}

// Complete performs the terminal transition to Completed or Failed,
// clears the handles, removes the entity index entry, and schedules
// eviction after the grace period. Completing an already-terminal
// operation is a no-op.
func (t *Tracker) Complete(id string, success bool, errMsg string) {
	t.mu.Lock()
	op, ok := t.operations[id]
	if !ok || op.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}

	var cancel context.CancelFunc
	if success {
		cancel = t.terminateLocked(op, types.StatusCompleted, true, false, op.Message, "")
		t.config.Metrics.IncOperationCompleted(string(op.Type))
	} else {
		cancel = t.terminateLocked(op, types.StatusFailed, false, false, errMsg, errMsg)
		t.config.Metrics.IncOperationFailed(string(op.Type))
	}
	clone := op.Clone()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.notifyTerminal(clone)
	if t.config.Logger != nil {
		t.config.Logger.Info("operation completed", map[string]any{
			"operation_id": id,
			"success":      success,
			"error":        errMsg,
		})
	}
}

// CompleteCancelled performs the terminal transition to Cancelled after a
// background task has honored a cancellation request. No-op on terminal
// operations, so a ForceKill followed by the task's own acknowledgement
// stays a single transition.
func (t *Tracker) CompleteCancelled(id string, message string) {
	t.mu.Lock()
	op, ok := t.operations[id]
	if !ok || op.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if message == "" {
		message = "Operation cancelled"
	}
	cancel := t.terminateLocked(op, types.StatusCancelled, false, true, message, "")
	clone := op.Clone()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.notifyTerminal(clone)
	if t.config.Logger != nil {
		t.config.Logger.Info("operation cancelled", map[string]any{"operation_id": id})
	}
}

func (t *Tracker) notifyTerminal(op *types.Operation) {
	if t.config.OnTerminal != nil {
		t.config.OnTerminal(op)
	}
}

// terminateLocked applies a terminal transition and returns the released
// cancel handle, which the caller must invoke after dropping t.mu so the
// background task's context always ends with the operation. Caller holds
// t.mu.
func (t *Tracker) terminateLocked(op *types.Operation, status types.OperationStatus, success, cancelled bool, message, errMsg string) context.CancelFunc {
	now := time.Now().UTC()
	op.Status = status
	op.Success = success
	op.Cancelled = cancelled
	op.CompletedAt = &now
	if message != "" {
		op.Message = message
	}
	op.Error = errMsg
	if success {
		op.PercentComplete = 100
	}
	cancel := op.ReleaseHandles()

	if cancelled {
		t.config.Metrics.IncOperationCancelled(string(op.Type))
	}
	if key, ok := op.EntityKey(); ok {
		ref := entityRef{opType: op.Type, key: key}
		if t.entities[ref] == op.ID {
			delete(t.entities, ref)
		}
	}
	t.scheduleEvictionLocked(op.ID)
	return cancel
}

// scheduleEvictionLocked arms the grace-period eviction timer. Caller
// holds t.mu.
func (t *Tracker) scheduleEvictionLocked(id string) {
	if t.closed {
		delete(t.operations, id)
		return
	}
	if _, armed := t.evictions[id]; armed {
		return
	}
	t.evictions[id] = time.AfterFunc(t.config.GracePeriod, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.operations, id)
		delete(t.evictions, id)
	})
}

// GetOperation returns a copy of the operation, or NotFound.
func (t *Tracker) GetOperation(id string) (*types.Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "operation %s not found", id)
	}
	return op.Clone(), nil
}

// GetActiveOperations returns copies of all tracked operations, including
// terminal ones still inside the grace window. With type filters, only
// matching operations are returned. Results are ordered by start time.
func (t *Tracker) GetActiveOperations(typeFilter ...types.OperationType) []*types.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*types.Operation
	for _, op := range t.operations {
		if len(typeFilter) > 0 && !containsType(typeFilter, op.Type) {
			continue
		}
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GetOperationByEntityKey returns a copy of the live operation holding
// the (type, key) pair, or NotFound.
func (t *Tracker) GetOperationByEntityKey(opType types.OperationType, key string) (*types.Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.entities[entityRef{opType: opType, key: key}]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no active %s operation for %q", opType, key)
	}
	return t.operations[id].Clone(), nil
}

// Close stops eviction timers and drops all operations. Used on server
// shutdown and in tests.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, timer := range t.evictions {
		timer.Stop()
		delete(t.evictions, id)
	}
	t.operations = make(map[string]*types.Operation)
	t.entities = make(map[entityRef]string)
}

func containsType(filter []types.OperationType, opType types.OperationType) bool {
	for _, ft := range filter {
		if ft == opType {
			return true
		}
	}
	return false
}
