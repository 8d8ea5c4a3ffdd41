package runloop

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that never carry extra context.
var (
	ErrRunNotIdle     = errors.New("runloop: run is not idle")
	ErrRunAlreadyDone = errors.New("runloop: run already completed")
)

// ErrorKind enumerates the provider/runner error kinds from the error
// handling design: most are non-retryable, the streaming layer decides
// retryability for RateLimited/Timeout/Network itself (§4.6).
type ErrorKind string

const (
	KindMissingCredential    ErrorKind = "missing_credential"
	KindAuthentication       ErrorKind = "authentication"
	KindRateLimited          ErrorKind = "rate_limited"
	KindTimeout              ErrorKind = "timeout"
	KindNetwork              ErrorKind = "network"
	KindInvalidState         ErrorKind = "invalid_state"
	KindToolExecution        ErrorKind = "tool_execution"
	KindInvalidArgument      ErrorKind = "invalid_argument"
	KindUnsupportedOperation ErrorKind = "unsupported_operation"
	KindSerialization        ErrorKind = "serialization"
	KindModelNotFound        ErrorKind = "model_not_found"
	KindProvider             ErrorKind = "provider"
)

// RunError is a structured provider/runner error carrying the kind taxonomy
// from the error handling design plus enough context to build a run's
// terminal error string and, where applicable, the caller-facing hint.
type RunError struct {
	Kind       ErrorKind
	Provider   string
	Message    string
	RetryAfter *int // milliseconds; nil means no hint was present
	Cause      error
}

func (e *RunError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *RunError) Unwrap() error { return e.Cause }

// Retryable reports whether the stream loop should itself retry this error
// (as opposed to surfacing it as a terminal run failure). RateLimited is
// retryable only when a retry_after hint is present; whether that hint is
// within the configured cap is decided by the retry policy (retry.go), not
// here.
func (e *RunError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork:
		return true
	case KindRateLimited:
		return e.RetryAfter != nil
	default:
		return false
	}
}

// NewRateLimited builds a RateLimited RunError, optionally with a retry_after hint.
func NewRateLimited(retryAfterMs *int) *RunError {
	return &RunError{Kind: KindRateLimited, RetryAfter: retryAfterMs, Message: "rate limited"}
}

// ToolError is a structured error from executing a single tool call. It is
// localized to that call's ToolResult and never fails the run directly; the
// run only fails once tool_failures_observed reaches max_tool_failures.
type ToolError struct {
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %q: %s", e.ToolName, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("tool %q: %v", e.ToolName, e.Cause)
	}
	return fmt.Sprintf("tool %q failed", e.ToolName)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// CompactionError wraps a compaction hook failure. Its Error() string always
// contains "compaction failed: " followed by the inner message, per §4.4.
type CompactionError struct {
	Cause error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compaction failed: %v", e.Cause)
}

func (e *CompactionError) Unwrap() error { return e.Cause }
