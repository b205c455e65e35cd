package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpCacheWrite,
			component: "cache",
			code:      ErrCodeCacheFailure,
			err:       fmt.Errorf("disk full"),
			want:      "cache_write operation failed in cache component [CACHE_FAILURE]: disk full",
		},
		{
			name:      "with component no code",
			op:        OpSend,
			component: "channel",
			err:       fmt.Errorf("failed to connect"),
			want:      "send operation failed in channel component: failed to connect",
		},
		{
			name: "without component with code",
			op:   OpPoll,
			code: ErrCodeConnectionFailure,
			err:  fmt.Errorf("network error"),
			want: "poll operation failed [CONNECTION_FAILURE]: network error",
		},
		{
			name: "without component or code",
			op:   OpResolve,
			err:  fmt.Errorf("bad input"),
			want: "resolve operation failed: bad input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SyncError{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("SyncError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewConnectionError(t *testing.T) {
	cause := fmt.Errorf("channel down")
	syncErr := NewConnectionError(OpSend, cause)

	if syncErr.Code != ErrCodeConnectionFailure {
		t.Errorf("NewConnectionError() Code = %v, want %v", syncErr.Code, ErrCodeConnectionFailure)
	}
	if syncErr.Component != "channel" {
		t.Errorf("NewConnectionError() Component = %v, want %v", syncErr.Component, "channel")
	}
	if syncErr.Err != cause {
		t.Errorf("NewConnectionError() Err = %v, want %v", syncErr.Err, cause)
	}
	if !syncErr.Retryable {
		t.Error("NewConnectionError() created non-retryable error")
	}
}

func TestNewCacheError(t *testing.T) {
	cause := fmt.Errorf("write failed")
	syncErr := NewCacheError(OpCacheWrite, "task:1", cause)

	if syncErr.Code != ErrCodeCacheFailure {
		t.Errorf("NewCacheError() Code = %v, want %v", syncErr.Code, ErrCodeCacheFailure)
	}
	if syncErr.Metadata["key"] != "task:1" {
		t.Errorf("NewCacheError() key metadata = %v", syncErr.Metadata["key"])
	}
	if !errors.Is(syncErr, cause) {
		t.Error("NewCacheError() does not unwrap to cause")
	}
}

func TestNewConflictUnresolvedError(t *testing.T) {
	syncErr := NewConflictUnresolvedError("task", "42", "c-1")
	if syncErr.Code != ErrCodeConflictUnresolved {
		t.Fatalf("Code = %v", syncErr.Code)
	}
	if syncErr.Retryable {
		t.Fatal("conflict unresolved error should not be retryable")
	}
	if syncErr.Metadata["conflict_id"] != "c-1" {
		t.Fatalf("metadata = %v", syncErr.Metadata)
	}
}

func TestMergeAmbiguityError(t *testing.T) {
	amb := &MergeAmbiguityError{EntityType: "task", EntityID: "1", Fields: []string{"name"}}
	se := amb.AsSyncError()
	if se.Code != ErrCodeMergeAmbiguity {
		t.Fatalf("Code = %v", se.Code)
	}
	var got *MergeAmbiguityError
	if !errors.As(se, &got) || got != amb {
		t.Fatal("errors.As did not find MergeAmbiguityError")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection error", NewConnectionError(OpPoll, fmt.Errorf("timeout")), true},
		{"validation error", NewValidationError(OpResolve, fmt.Errorf("bad")), false},
		{"non-sync error", fmt.Errorf("regular error"), false},
		{"wrapped retryable error", fmt.Errorf("wrapped: %w", NewCacheError(OpCacheRead, "k", fmt.Errorf("io"))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	inner := NewCacheError(OpCacheWrite, "k", fmt.Errorf("io"))
	outer := NewWithComponent(OpSend, "manager", inner)

	if !HasCode(outer, ErrCodeCacheFailure) {
		t.Error("HasCode() should find nested cache code")
	}
	if HasCode(outer, ErrCodeConnectionFailure) {
		t.Error("HasCode() matched a code that is not present")
	}
	if HasCode(fmt.Errorf("plain"), ErrCodeCacheFailure) {
		t.Error("HasCode() matched a plain error")
	}
}

func TestWrapHelpers(t *testing.T) {
	if WrapOpComponent(nil, OpSend, "x") != nil {
		t.Error("WrapOpComponent(nil) should be nil")
	}

	err := WrapOpComponent(ErrClosed, OpSubscribe, "bus")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Component != "bus" {
		t.Fatalf("unexpected wrap result %v", err)
	}
	if !errors.Is(err, ErrClosed) {
		t.Error("wrapped error lost sentinel")
	}
	if !HasCode(WrapOpComponent(NewConnectionError(OpSend, fmt.Errorf("x")), OpReconcile, "manager"), ErrCodeConnectionFailure) {
		t.Error("WrapOpComponent lost the wrapped code")
	}
}
