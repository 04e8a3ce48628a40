package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operation-plane failures.
type ErrorKind int

const (
	// KindUnknown is the zero value for unclassified failures.
	KindUnknown ErrorKind = iota
	// KindConfig indicates a missing helper binary or unreadable path.
	KindConfig
	// KindNotFound indicates an unknown operation or session id.
	KindNotFound
	// KindAlreadyInProgress indicates the logical entity is locked by a
	// live operation.
	KindAlreadyInProgress
	// KindPermissionDenied indicates a writability or ACL failure.
	KindPermissionDenied
	// KindTransientIO indicates a retryable I/O failure.
	KindTransientIO
	// KindWorkerFailed indicates a helper exited non-zero (other than 137).
	KindWorkerFailed
	// KindProtocol indicates unparsable output from a worker or the daemon.
	KindProtocol
	// KindAuthFailed indicates the daemon rejected the credentials.
	KindAuthFailed
	// KindBanned indicates a policy block on the account.
	KindBanned
	// KindCancelled indicates the operation was cancelled through the tracker.
	KindCancelled
	// KindTimeout indicates a per-call or session deadline expired.
	KindTimeout
	// KindCrashed indicates a worker exited before producing output.
	KindCrashed
)

// String returns the stable lowercase tag for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindNotFound:
		return "not_found"
	case KindAlreadyInProgress:
		return "already_in_progress"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransientIO:
		return "transient_io"
	case KindWorkerFailed:
		return "worker_failed"
	case KindProtocol:
		return "protocol"
	case KindAuthFailed:
		return "auth_failed"
	case KindBanned:
		return "banned"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindCrashed:
		return "crashed"
	}
	return "unknown"
}

// OpError is the typed error carried across operation boundaries.
type OpError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewError constructs an OpError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *OpError {
	return &OpError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError constructs an OpError wrapping a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *OpError {
	return &OpError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or KindUnknown if err carries
// no OpError in its chain.
func KindOf(err error) ErrorKind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return KindUnknown
}

// IsKind returns true if err carries an OpError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind == kind
	}
	return false
}

// IsNotFound returns true for unknown-id errors.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsAlreadyInProgress returns true for entity-lock conflicts.
func IsAlreadyInProgress(err error) bool { return IsKind(err, KindAlreadyInProgress) }

// IsCancelled returns true for tracker-initiated cancellation.
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsBanned returns true for policy blocks.
func IsBanned(err error) bool { return IsKind(err, KindBanned) }

// IsPermissionDenied returns true for writability and ACL failures.
func IsPermissionDenied(err error) bool { return IsKind(err, KindPermissionDenied) }

// IsTransient returns true if the failure is worth retrying with backoff.
func IsTransient(err error) bool { return IsKind(err, KindTransientIO) }
