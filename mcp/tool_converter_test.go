package mcp

import (
	"testing"
)

func sampleTool() Tool {
	return Tool{
		Server:      "files",
		Name:        "read_file",
		Description: "Read a file from disk",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Absolute path",
				},
				"mode": map[string]any{
					"type": "string",
					"enum": []any{"text", "binary"},
				},
				"limit": map[string]any{
					"type": []any{"integer", "null"},
				},
			},
			"required": []any{"path"},
		},
	}
}

func TestConvertToolsToOllama(t *testing.T) {
	tools := ConvertToolsToOllama([]Tool{sampleTool()})
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}

	fn := tools[0].Function
	if tools[0].Type != "function" {
		t.Errorf("type = %q, want function", tools[0].Type)
	}
	if fn.Name != "files.read_file" {
		t.Errorf("name = %q, want namespaced files.read_file", fn.Name)
	}
	if fn.Description != "Read a file from disk" {
		t.Errorf("description = %q", fn.Description)
	}

	params := fn.Parameters
	if params.Type != "object" {
		t.Errorf("parameters type = %q", params.Type)
	}
	if len(params.Required) != 1 || params.Required[0] != "path" {
		t.Errorf("required = %v", params.Required)
	}

	path, ok := params.Properties["path"]
	if !ok {
		t.Fatal("path property missing")
	}
	if len(path.Type) != 1 || path.Type[0] != "string" {
		t.Errorf("path type = %v", path.Type)
	}
	if path.Description != "Absolute path" {
		t.Errorf("path description = %q", path.Description)
	}

	mode := params.Properties["mode"]
	if len(mode.Enum) != 2 {
		t.Errorf("mode enum = %v", mode.Enum)
	}

	limit := params.Properties["limit"]
	if len(limit.Type) != 2 || limit.Type[0] != "integer" || limit.Type[1] != "null" {
		t.Errorf("limit type = %v", limit.Type)
	}
}

func TestConvertToolsToOllamaNormalizesBareSchema(t *testing.T) {
	bare := Tool{
		Name: "search",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
	}

	tools := ConvertToolsToOllama([]Tool{bare})
	if got := tools[0].Function.Parameters.Type; got != "object" {
		t.Errorf("bare schema type = %q, want object", got)
	}
	if tools[0].Function.Name != "search" {
		t.Errorf("serverless tool name = %q, want bare name", tools[0].Function.Name)
	}
}

func TestConvertToolsToOpenAIFormat(t *testing.T) {
	if got := ConvertToolsToOpenAIFormat(nil); got != nil {
		t.Errorf("nil input should produce nil, got %v", got)
	}

	tools := ConvertToolsToOpenAIFormat([]Tool{sampleTool()})
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}

	fn := tools[0].OfFunction
	if fn == nil {
		t.Fatal("expected a function tool")
	}
	if fn.Function.Name != "files.read_file" {
		t.Errorf("name = %q", fn.Function.Name)
	}
	if fn.Function.Parameters["type"] != "object" {
		t.Errorf("parameters = %v", fn.Function.Parameters)
	}
}

func TestConvertToolsToAnthropicFormat(t *testing.T) {
	if got := ConvertToolsToAnthropicFormat(nil); got != nil {
		t.Errorf("nil input should produce nil, got %v", got)
	}

	tools := ConvertToolsToAnthropicFormat([]Tool{sampleTool()})
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}

	tool := tools[0].OfTool
	if tool == nil {
		t.Fatal("expected a tool variant")
	}
	if tool.Name != "files.read_file" {
		t.Errorf("name = %q", tool.Name)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "path" {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
	props, ok := tool.InputSchema.Properties.(map[string]any)
	if !ok {
		t.Fatalf("properties is %T", tool.InputSchema.Properties)
	}
	if _, ok := props["path"]; !ok {
		t.Error("path property missing")
	}
}
