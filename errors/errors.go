// Package errors provides custom error types for the sync core.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeConnectionFailure  ErrorCode = "CONNECTION_FAILURE"
	ErrCodeCacheFailure       ErrorCode = "CACHE_FAILURE"
	ErrCodeConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrCodeMergeAmbiguity     ErrorCode = "MERGE_AMBIGUITY"
	ErrCodeValidationFailure  ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSend      Operation = "send"
	OpReceive   Operation = "receive"
	OpDetect    Operation = "detect"
	OpResolve   Operation = "resolve"
	OpCacheRead Operation = "cache_read"
	OpCacheWrite Operation = "cache_write"
	OpReconcile Operation = "reconcile"
	OpPoll      Operation = "poll"
	OpSubscribe Operation = "subscribe"
	OpFetch     Operation = "fetch"
	OpClose     Operation = "close"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrClosed                  = errors.New("sync manager is closed")
	ErrUnregistered            = errors.New("registration is no longer active")
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrAncestorRequired        = errors.New("strategy requires a common ancestor")
	ErrMissingFields           = errors.New("replacement record is missing required fields")
	ErrInvalidSelection        = errors.New("invalid field selection")
	ErrUnknownStrategy         = errors.New("unknown resolution strategy")
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "channel")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a push-channel related SyncError. Connection
// failures are retried by the connection monitor's poll loop.
func NewConnectionError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConnectionFailure,
		Op:        op,
		Component: "channel",
		Err:       cause,
		Retryable: true,
	}
}

// NewCacheError creates an offline-cache related SyncError
func NewCacheError(op Operation, key string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeCacheFailure,
		Op:        op,
		Component: "cache",
		Err:       cause,
		Retryable: true,
		Metadata:  map[string]interface{}{"key": key},
	}
}

// NewConflictUnresolvedError reports a read of a definitive snapshot for an
// entity whose conflict is still pending or deferred.
func NewConflictUnresolvedError(entityType, entityID, conflictID string) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictUnresolved,
		Op:        OpResolve,
		Component: "manager",
		Err:       fmt.Errorf("entity %s:%s has unresolved conflict %s", entityType, entityID, conflictID),
		Metadata: map[string]interface{}{
			"entity_type": entityType,
			"entity_id":   entityID,
			"conflict_id": conflictID,
		},
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// MergeAmbiguityError lists fields that an automatic merge decided by policy
// instead of by a clean three-way merge. It is not fatal: it travels next to
// a successful resolution so the caller can re-prompt for those fields.
type MergeAmbiguityError struct {
	EntityType string
	EntityID   string
	Fields     []string
}

func (e *MergeAmbiguityError) Error() string {
	return fmt.Sprintf("merge of %s:%s force-resolved fields %v", e.EntityType, e.EntityID, e.Fields)
}

// AsSyncError wraps the ambiguity in a SyncError carrying ErrCodeMergeAmbiguity.
func (e *MergeAmbiguityError) AsSyncError() *SyncError {
	return &SyncError{
		Code:      ErrCodeMergeAmbiguity,
		Op:        OpResolve,
		Component: "resolver",
		Err:       e,
		Metadata:  map[string]interface{}{"fields": e.Fields},
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// HasCode reports whether any SyncError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	var syncErr *SyncError
	for err != nil {
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Code == code {
			return true
		}
		err = syncErr.Err
	}
	return false
}
