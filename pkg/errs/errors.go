// Package errs defines the error taxonomy shared by the conversation engine,
// task scheduler, and external adapter. The surface is intentionally small
// and stable: callers across the module match on these sentinel values and
// structured types with errors.Is/errors.As rather than string comparison.
package errs

import (
	"errors"
	"fmt"
)

// Adapter-surface sentinel errors. These are returned synchronously to
// callers of the External Adapter (spec §4.6, §7).
var (
	ErrConversationNotFound      = errors.New("conversation not found")
	ErrConversationAlreadyExists = errors.New("conversation already exists")
	ErrConversationNotActive     = errors.New("conversation not active")
	ErrCapacityExceeded          = errors.New("conversation capacity exceeded")
	ErrQueueFull                 = errors.New("queue full")
	ErrInvalidPreset             = errors.New("invalid preset")
	ErrInvalidArgument           = errors.New("invalid argument")
	ErrStreamingFailed           = errors.New("streaming error")
)

// ContractViolation indicates a node's output failed validation: malformed
// moderator JSON, a schema mismatch, or a node-specific contract check.
type ContractViolation struct {
	NodeID string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation on node %q: %s", e.NodeID, e.Reason)
}

// BudgetExceededError indicates a tool call would exceed its per-run or
// per-iteration budget (spec §3 Tool Budget, §4.2 Agent node tool loop).
type BudgetExceededError struct {
	ToolID string
	Kind   string // "per_run" or "per_iteration"
	Limit  int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("tool %q exceeded %s budget (limit %d)", e.ToolID, e.Kind, e.Limit)
}

// ProviderError wraps a transport/rate-limit/invalid-request failure from an
// external LLM provider adapter (spec §6 Provider interface).
type ProviderError struct {
	Kind string // "transport", "rate_limited", "invalid_request"
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ToolError wraps a failure returned by an external tool adapter.
type ToolError struct {
	ToolID string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q error: %v", e.ToolID, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// FatalStoreError indicates a persistence failure severe enough to set a
// thread's state to errored and terminate its active run/stream call.
type FatalStoreError struct {
	ThreadID string
	Err      error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("fatal store error on thread %q: %v", e.ThreadID, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }
