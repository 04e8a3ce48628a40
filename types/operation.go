// Package types defines core domain types for the cachewarden operation plane.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"context"
	"time"
)

// OperationType discriminates the kinds of long-running jobs the tracker manages.
type OperationType string

// Operation type constants. These tags are stable: they key the durable
// state store records and the entity-key index.
const (
	OpTypeLogProcessing       OperationType = "LogProcessing"
	OpTypeCacheClearing       OperationType = "CacheClearing"
	OpTypeCorruptionDetection OperationType = "CorruptionDetection"
	OpTypeCorruptionRemoval   OperationType = "CorruptionRemoval"
	OpTypeGameDetection       OperationType = "GameDetection"
	OpTypeGameRemoval         OperationType = "GameRemoval"
	OpTypeServiceRemoval      OperationType = "ServiceRemoval"
	OpTypePrefill             OperationType = "Prefill"
)

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

// Operation status constants.
const (
	StatusPending    OperationStatus = "Pending"
	StatusRunning    OperationStatus = "Running"
	StatusCancelling OperationStatus = "Cancelling"
	StatusCancelled  OperationStatus = "Cancelled"
	StatusCompleted  OperationStatus = "Completed"
	StatusFailed     OperationStatus = "Failed"
)

// IsTerminal returns true if this status is terminal.
// Terminal operations never transition again; the tracker evicts them
// after a short grace window so polling clients can observe the result.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProcessHandle identifies a supervised native worker process, allowing the
// tracker to escalate a cooperative cancel to a process-tree kill.
type ProcessHandle interface {
	// Pid returns the OS process id of the worker.
	Pid() int
	// KillTree terminates the worker and all of its descendants.
	KillTree() error
}

// Operation is one tracked long-running job.
//
// Mutation rules: operations are created by Register, mutated only through
// the tracker API, and evicted after the terminal grace window. Once the
// status is terminal, no further field mutates and the cancel/worker
// handles are cleared.
type Operation struct {
	// ID is the operation identifier (uuid).
	ID string `json:"id"`
	// Type discriminates the job kind.
	Type OperationType `json:"type"`
	// Name is a human-readable label ("Cache clear (all datasources)").
	Name string `json:"name"`
	// Status is the lifecycle state.
	Status OperationStatus `json:"status"`
	// Message is the latest human-readable progress message.
	Message string `json:"message"`
	// PercentComplete is clamped to [0,100].
	PercentComplete float64 `json:"percentComplete"`
	// StartedAt is when the operation entered Running.
	StartedAt time.Time `json:"startedAt"`
	// CompletedAt is set on the terminal transition.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Success is true only for Completed operations.
	Success bool `json:"success"`
	// Cancelled is true for Cancelled operations (including force kills).
	Cancelled bool `json:"cancelled"`
	// Error carries the failure message for Failed operations.
	Error string `json:"error,omitempty"`
	// Metadata holds type-specific fields (entity key, datasource, app id).
	Metadata map[string]any `json:"metadata,omitempty"`

	// cancel signals the cooperative cancellation path. Cleared on terminal
	// transition. Not serialized.
	cancel context.CancelFunc
	// worker is the attached native process, when one is running. Cleared on
	// terminal transition. Not serialized.
	worker ProcessHandle
}

// EntityKeyMetadata is the metadata key carrying the logical entity this
// operation locks. At most one non-terminal operation may exist per
// (type, entity key) pair.
const EntityKeyMetadata = "entityKey"

// EntityKey returns the operation's entity key, if any.
func (o *Operation) EntityKey() (string, bool) {
	if o.Metadata == nil {
		return "", false
	}
	key, ok := o.Metadata[EntityKeyMetadata].(string)
	return key, ok && key != ""
}

// SetCancel attaches the cooperative cancel handle.
func (o *Operation) SetCancel(cancel context.CancelFunc) { o.cancel = cancel }

// Cancel invokes the cancel handle if it is still attached.
func (o *Operation) Cancel() {
	if o.cancel != nil {
		o.cancel()
	}
}

// ReleaseHandles drops the cancel and worker handles and returns the
// cancel func so the caller can signal it outside any lock. Called
// exactly once, on the terminal transition; the returned func may be nil.
func (o *Operation) ReleaseHandles() context.CancelFunc {
	cancel := o.cancel
	o.cancel = nil
	o.worker = nil
	return cancel
}

// AttachWorker records the currently executing native worker process.
// Replaces any previous handle; the supervisor attaches a fresh handle per
// spawned helper.
func (o *Operation) AttachWorker(h ProcessHandle) { o.worker = h }

// Worker returns the attached native worker handle, or nil.
func (o *Operation) Worker() ProcessHandle { return o.worker }

// Clone returns a copy safe to hand to subscribers. Handles are not copied:
// only the tracker may cancel or kill.
func (o *Operation) Clone() *Operation {
	dup := *o
	dup.cancel = nil
	dup.worker = nil
	if o.Metadata != nil {
		dup.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			dup.Metadata[k] = v
		}
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}
