package marginalia

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation: caller passed bad arguments. Raised before any
	// local patch is applied, so no rollback is involved.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNetwork: the remote call never reached the server (transport
	// failure, timeout). The local patch has been rolled back.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeServer: the server answered 5xx. Rolled back.
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeRejected: the server answered a non-404 4xx. Rolled back.
	ErrorTypeRejected ErrorType = "rejected"
	// ErrorTypeNotFound: the target no longer exists. For deletions the
	// engine commits this as a successful no-op, since the desired end
	// state already holds; every other kind rolls back, because an
	// optimistic patch against a vanished entity would diverge the store.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeUndoExpired: undo invoked past its deadline. Reported, never
	// retried.
	ErrorTypeUndoExpired ErrorType = "undo_expired"
	// ErrorTypeInternal: invariant breakage inside the core.
	ErrorTypeInternal ErrorType = "internal"
)

// SyncError represents unified errors from the synchronization core.
type SyncError struct {
	Type       ErrorType      `json:"type"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Family     Family         `json:"family,omitempty"`
	TargetID   string         `json:"targetId,omitempty"`
	MutationID string         `json:"mutationId,omitempty"`
	HTTPStatus int            `json:"httpStatus,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *SyncError) Error() string {
	if e.TargetID != "" {
		return fmt.Sprintf("[%s:%s] target %s/%s: %s", e.Type, e.Code, e.Family, e.TargetID, e.Message)
	}
	if e.MutationID != "" {
		return fmt.Sprintf("[%s:%s] mutation %s: %s", e.Type, e.Code, e.MutationID, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// WithCause adds an underlying cause to a SyncError.
func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// WithTarget adds target context to a SyncError.
func (e *SyncError) WithTarget(t TargetRef) *SyncError {
	e.Family = t.Family
	e.TargetID = t.ID
	return e
}

// WithMutation adds the owning mutation id to a SyncError.
func (e *SyncError) WithMutation(mutationID string) *SyncError {
	e.MutationID = mutationID
	return e
}

// WithDetail adds a single detail to a SyncError.
func (e *SyncError) WithDetail(key string, value any) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error codes surfaced by the core and the reference remote client.
const (
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeQueueOverflow    = "QUEUE_OVERFLOW"
	ErrCodeTargetNotFound   = "TARGET_NOT_FOUND"
	ErrCodeRemoteUnreached  = "REMOTE_UNREACHABLE"
	ErrCodeRemoteRejected   = "REMOTE_REJECTED"
	ErrCodeRemoteFailed     = "REMOTE_FAILED"
	ErrCodeUndoExpired      = "UNDO_EXPIRED"
	ErrCodePatchFailed      = "PATCH_FAILED"
	ErrCodeSessionClosed    = "SESSION_CLOSED"
	ErrCodeBreakerOpen      = "CIRCUIT_OPEN"
)

// NewValidationError creates a pre-flight argument error.
func NewValidationError(message string) *SyncError {
	return &SyncError{Type: ErrorTypeValidation, Code: ErrCodeValidationFailed, Message: message}
}

// NewNetworkError creates a transport-level failure.
func NewNetworkError(message string) *SyncError {
	return &SyncError{Type: ErrorTypeNetwork, Code: ErrCodeRemoteUnreached, Message: message}
}

// NewServerError creates a 5xx-class failure.
func NewServerError(message string) *SyncError {
	return &SyncError{Type: ErrorTypeServer, Code: ErrCodeRemoteFailed, Message: message}
}

// NewNotFoundError signals the target no longer exists.
func NewNotFoundError(message string) *SyncError {
	return &SyncError{Type: ErrorTypeNotFound, Code: ErrCodeTargetNotFound, Message: message}
}

// NewUndoExpiredError signals an undo invoked past its deadline.
func NewUndoExpiredError(message string) *SyncError {
	return &SyncError{Type: ErrorTypeUndoExpired, Code: ErrCodeUndoExpired, Message: message}
}

// NewInternalError flags invariant breakage inside the core.
func NewInternalError(message string) *SyncError {
	return &SyncError{Type: ErrorTypeInternal, Code: ErrCodePatchFailed, Message: message}
}

// ErrorFromStatus classifies an HTTP response status into the taxonomy:
// 404 -> not_found, other 4xx -> rejected, 5xx and everything else -> server.
func ErrorFromStatus(status int, message string) *SyncError {
	switch {
	case status == http.StatusNotFound:
		e := NewNotFoundError(message)
		e.HTTPStatus = status
		return e
	case status >= 400 && status < 500:
		return &SyncError{Type: ErrorTypeRejected, Code: ErrCodeRemoteRejected, Message: message, HTTPStatus: status}
	default:
		e := NewServerError(message)
		e.HTTPStatus = status
		return e
	}
}

// AsSyncError extracts a SyncError from err, classifying unknown errors as
// network failures (the remote contract treats timeouts and transport errors
// identically to explicit failures).
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return NewNetworkError(err.Error()).WithCause(err)
}

// IsNotFound reports whether err represents a missing target.
func IsNotFound(err error) bool {
	se := AsSyncError(err)
	return se != nil && se.Type == ErrorTypeNotFound
}

// IsUndoExpired reports whether err represents an expired undo window.
func IsUndoExpired(err error) bool {
	se := AsSyncError(err)
	return se != nil && se.Type == ErrorTypeUndoExpired
}

// IsValidation reports whether err was raised before any state change.
func IsValidation(err error) bool {
	se := AsSyncError(err)
	return se != nil && se.Type == ErrorTypeValidation
}

// TriggersRollback reports whether an error from a remote call requires the
// engine to restore the pre-mutation snapshot regardless of mutation kind.
// not_found is kind-dependent: deletions commit it as a no-op, every other
// kind rolls back.
func TriggersRollback(err error) bool {
	se := AsSyncError(err)
	if se == nil {
		return false
	}
	switch se.Type {
	case ErrorTypeNetwork, ErrorTypeServer, ErrorTypeRejected:
		return true
	}
	return false
}
