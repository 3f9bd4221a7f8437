package core

import (
	"fmt"
	"time"
)

// Role identifies the conversational author of a Message. The set is closed;
// Validate rejects anything outside it.
type Role string

const (
	// RoleSystem marks instructions injected by the application.
	RoleSystem Role = "system"
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleTool marks a tool execution result fed back to the model.
	RoleTool Role = "tool"
)

// Valid reports whether the role belongs to the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCallRequest describes a tool invocation requested by the model. It is
// carried on assistant messages so provider adapters can replay the exact
// call sequence on the next request.
type ToolCallRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // Serialized JSON argument payload
}

// Message is one conversational turn entry. Messages are treated as immutable
// once appended to a log; construct new values instead of mutating.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"` // Set on tool-role messages only
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`   // Set on assistant messages that request tools
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks structural invariants: a known role and, for tool-role
// messages, a correlating tool call id.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return &ValidationError{Field: "role", Value: string(m.Role), Message: "unknown message role"}
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return &ValidationError{Field: "tool_call_id", Message: "tool message requires a tool_call_id"}
	}
	return nil
}

// NewSystemMessage creates a system-role message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, CreatedAt: time.Now().UTC()}
}

// NewUserMessage creates a user-role message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: time.Now().UTC()}
}

// NewAssistantMessage creates an assistant-role message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, CreatedAt: time.Now().UTC()}
}

// NewAssistantToolCallMessage creates an assistant message carrying tool
// invocation requests (content may be empty when the model only calls tools).
func NewAssistantToolCallMessage(content string, calls []ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, CreatedAt: time.Now().UTC()}
}

// NewToolMessage creates a tool-role message carrying a serialized tool result
// correlated to the originating call id.
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, CreatedAt: time.Now().UTC()}
}

// ValidationError reports a rejected input. Validation failures are terminal:
// they are never retried (see retry package classification).
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}
