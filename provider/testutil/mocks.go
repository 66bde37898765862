// Package testutil provides a configurable mock implementation of
// model.Provider for tests.
package testutil

import (
	"context"

	"loom/mcp"
	"loom/model"
	"loom/ollama"
)

// MockProvider implements model.Provider with pluggable behavior. Each Func
// field can be overridden per test; unset fields fall back to benign
// defaults.
type MockProvider struct {
	ChatFunc          func(ctx context.Context, messages []model.Message, callback model.StreamCallback) error
	ChatWithToolsFunc func(ctx context.Context, messages []model.Message, tools []mcp.Tool, callback model.StreamCallback) error
	ListModelsFunc    func(ctx context.Context) ([]ollama.ModelInfo, error)
	SupportsToolsFunc func(model string) bool
	PingFunc          func(ctx context.Context) error

	// Calls counts ChatWithTools invocations, letting tests assert how many
	// times a turn went back to the model.
	Calls int

	currentModel string
}

// NewMockProvider creates a mock with default implementations.
func NewMockProvider(modelName string) *MockProvider {
	mock := &MockProvider{currentModel: modelName}
	mock.ChatFunc = mock.defaultChat
	mock.ChatWithToolsFunc = mock.defaultChatWithTools
	mock.ListModelsFunc = mock.defaultListModels
	mock.PingFunc = mock.defaultPing
	mock.SupportsToolsFunc = func(string) bool { return true }
	return mock
}

func (m *MockProvider) defaultChat(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
	if len(messages) > 0 && callback != nil {
		return callback("Mock response", nil)
	}
	return nil
}

func (m *MockProvider) defaultChatWithTools(ctx context.Context, messages []model.Message, tools []mcp.Tool, callback model.StreamCallback) error {
	if callback != nil {
		return callback("Mock response with tools", nil)
	}
	return nil
}

func (m *MockProvider) defaultListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return []ollama.ModelInfo{
		{Name: "mock-model-1", Size: 1000, Provider: "mock", InternalName: "mock-model-1"},
		{Name: "mock-model-2", Size: 2000, Provider: "mock", InternalName: "mock-model-2"},
	}, nil
}

func (m *MockProvider) defaultPing(ctx context.Context) error {
	return nil
}

func (m *MockProvider) Chat(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
	return m.ChatFunc(ctx, messages, callback)
}

func (m *MockProvider) ChatWithTools(ctx context.Context, messages []model.Message, tools []mcp.Tool, callback model.StreamCallback) error {
	m.Calls++
	return m.ChatWithToolsFunc(ctx, messages, tools, callback)
}

func (m *MockProvider) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return m.ListModelsFunc(ctx)
}

func (m *MockProvider) GetModel() string {
	return m.currentModel
}

func (m *MockProvider) GetDisplayName() string {
	return m.currentModel
}

func (m *MockProvider) SetModel(model string) {
	m.currentModel = model
}

func (m *MockProvider) SupportsTools(model string) bool {
	return m.SupportsToolsFunc(model)
}

func (m *MockProvider) Ping(ctx context.Context) error {
	return m.PingFunc(ctx)
}
