package model

import (
	"context"

	"loom/mcp"
	"loom/ollama"
)

// Provider abstracts LLM provider implementations (Ollama, OpenAI, Anthropic)
// using provider-agnostic types from loom's model layer.
//
// This interface is defined in the model package (not provider package) to
// avoid import cycles: provider implementations can import model, and model
// can use the Provider interface without importing the provider package.
type Provider interface {
	// Chat sends messages and streams responses back via callback.
	Chat(ctx context.Context, messages []Message, callback StreamCallback) error

	// ChatWithTools sends messages with available tools and streams responses.
	// Tool calls surface through the callback as they are decoded, possibly in
	// fragments that the caller must merge.
	ChatWithTools(ctx context.Context, messages []Message, tools []mcp.Tool, callback StreamCallback) error

	// ListModels returns available models for this provider.
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)

	// GetModel returns the currently selected model name.
	GetModel() string

	// GetDisplayName returns the model name suitable for display. Hosted
	// providers may strip vendor prefixes here; local ones return GetModel().
	GetDisplayName() string

	// SetModel changes the active model.
	SetModel(model string)

	// SupportsTools reports whether the named model emits structured tool
	// calls. Models that do not still receive a textual tool appendix but
	// cannot invoke tools.
	SupportsTools(model string) bool

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// StreamCallback is called for each chunk of streamed response. Returning an
// error aborts the stream; the turn controller uses sentinel errors to
// suspend generation when a tool call completes or the turn is cancelled.
type StreamCallback func(chunk string, toolCalls []ToolCall) error
