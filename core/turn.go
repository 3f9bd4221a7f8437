package core

import "github.com/google/uuid"

// TurnResult is what the coordinator hands back to the transport layer for
// one completed conversational turn.
type TurnResult struct {
	// AssistantText is the model's final textual answer.
	AssistantText string `json:"assistant_text"`
	// ToolTrace lists every tool invocation attempted during the turn, in
	// execution order, including failed calls.
	ToolTrace []ToolCall `json:"tool_trace"`
	// Degraded is true when one or more non-critical context-gathering steps
	// failed and the turn proceeded with partial context.
	Degraded bool `json:"degraded"`
	// Metadata carries per-turn notes, including one entry per degraded
	// gathering step (key "degraded.<component>").
	Metadata map[string]string `json:"metadata,omitempty"`
	// Rounds is the number of model calls the turn consumed.
	Rounds int `json:"rounds"`
}

// NewID generates a unique identifier used for tool calls and turn
// correlation across the framework.
func NewID() string { return uuid.NewString() }
