package core

import "time"

// ToolCallStatus tracks the lifecycle of one tool invocation.
type ToolCallStatus string

const (
	// ToolCallPending means the call was requested but not yet started.
	ToolCallPending ToolCallStatus = "pending"
	// ToolCallExecuting means the handler is running.
	ToolCallExecuting ToolCallStatus = "executing"
	// ToolCallSucceeded means the handler returned a result.
	ToolCallSucceeded ToolCallStatus = "succeeded"
	// ToolCallFailed means validation or execution failed.
	ToolCallFailed ToolCallStatus = "failed"
)

// ToolCall is the audit record of a single tool invocation within a turn.
// The orchestrator appends one per requested call, including failed ones.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments string         `json:"arguments,omitempty"` // Raw JSON as supplied by the model
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Round     int            `json:"round"` // Tool call round the invocation belongs to (1-based)
	Duration  time.Duration  `json:"duration_ms,omitempty"`
}
