package model

import (
	"time"

	"github.com/google/uuid"
)

// Message roles. A "tool" message carries the ToolCall it answers and, once
// the call settles, a non-nil ToolResult.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ToolCall is a structured tool invocation request emitted by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Server    string         `json:"server"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"args"`
}

// ToolResult is the settled outcome of a tool call. Exactly one of Result or
// Error is meaningful; Error == "Cancelled" marks user cancellation rather
// than a failure.
type ToolResult struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Message represents one transcript entry.
type Message struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// NewMessage creates a message with a fresh id and creation timestamp.
func NewMessage(role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// Finalize refreshes the creation timestamp; called when streaming into a
// message completes or a tool result settles.
func (m *Message) Finalize() {
	m.CreatedAt = time.Now()
}

// Merge folds a partial tool-call fragment from a later delta into the call
// accumulated so far. Last non-empty value wins per field; argument maps are
// replaced wholesale when the fragment carries one.
func (tc *ToolCall) Merge(frag *ToolCall) {
	if frag == nil {
		return
	}
	if frag.ID != "" {
		tc.ID = frag.ID
	}
	if frag.Server != "" {
		tc.Server = frag.Server
	}
	if frag.Name != "" {
		tc.Name = frag.Name
	}
	if frag.Arguments != nil {
		tc.Arguments = frag.Arguments
	}
}

// Complete reports whether the accumulated call carries enough to execute.
func (tc *ToolCall) Complete() bool {
	return tc != nil && tc.Name != ""
}
