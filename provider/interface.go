// Package provider implements the model.Provider interface for the LLM
// backends loom can talk to: a local Ollama server and the hosted OpenAI and
// Anthropic APIs. It owns all conversions between loom's provider-agnostic
// message and tool-call types and each backend's SDK types, so the turn
// controller never sees a provider-specific struct.
package provider

// Note: the Provider interface and StreamCallback live in the model package
// (model/provider.go) to avoid import cycles. This package implements
// model.Provider.

// ProviderType identifies the provider implementation.
type ProviderType string

const (
	ProviderTypeOllama    ProviderType = "ollama"
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// Config holds provider-specific configuration.
type Config struct {
	Type    ProviderType
	BaseURL string
	Model   string
	APIKey  string // unused for Ollama
}
