package provider

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"loom/mcp"
	"loom/model"
	"loom/ollama"
)

// OllamaProvider wraps ollama.Client to implement model.Provider. It owns
// the conversions between transcript messages and Ollama API messages, tool
// descriptors and Ollama tool definitions, and Ollama tool calls and the
// provider-agnostic form.
type OllamaProvider struct {
	client *ollama.Client
}

func NewOllamaProvider(baseURL, modelName string) (*OllamaProvider, error) {
	client, err := ollama.NewClient(baseURL, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama client: %w", err)
	}

	return &OllamaProvider{client: client}, nil
}

// Chat delegates to ChatWithTools with no tools.
func (p *OllamaProvider) Chat(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
	return p.ChatWithTools(ctx, messages, nil, callback)
}

// ChatWithTools streams a completion. Tool calls arrive fully formed from
// the Ollama API (arguments are a decoded map, not JSON fragments) and are
// forwarded through the callback alongside text deltas.
func (p *OllamaProvider) ChatWithTools(ctx context.Context, messages []model.Message, tools []mcp.Tool, callback model.StreamCallback) error {
	ollamaMessages := ConvertToOllamaMessages(messages)

	var ollamaTools []api.Tool
	if len(tools) > 0 {
		ollamaTools = mcp.ConvertToolsToOllama(tools)
	}

	ollamaCallback := func(chunk string, ollamaCalls []api.ToolCall) error {
		if callback == nil {
			return nil
		}
		return callback(chunk, ConvertToProviderToolCalls(ollamaCalls))
	}

	return p.client.ChatWithTools(ctx, ollamaMessages, ollamaTools, ollamaCallback)
}

func (p *OllamaProvider) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return p.client.ListModels(ctx)
}

func (p *OllamaProvider) GetModel() string {
	return p.client.GetModel()
}

// GetDisplayName returns the model name; Ollama names carry no vendor
// prefix to strip.
func (p *OllamaProvider) GetDisplayName() string {
	return p.client.GetModel()
}

func (p *OllamaProvider) SetModel(modelName string) {
	p.client.SetModel(modelName)
}

// SupportsTools consults the curated capability table; local models that
// are not known to handle tool definitions get the textual fallback.
func (p *OllamaProvider) SupportsTools(modelName string) bool {
	return ollama.ModelSupportsToolCalling(modelName)
}

func (p *OllamaProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}
