package mcp

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go/v3"

	"loom/schema"
)

// QualifiedName is the name a tool is advertised under to the model:
// "server.tool" when the server is known, so tools from different servers
// never collide.
func (t Tool) QualifiedName() string {
	if t.Server == "" {
		return t.Name
	}
	return t.Server + "." + t.Name
}

// ConvertToolsToOllama converts tool descriptors to the Ollama API tool
// format.
func ConvertToolsToOllama(tools []Tool) []api.Tool {
	out := make([]api.Tool, 0, len(tools))

	for _, tool := range tools {
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.QualifiedName(),
				Description: tool.Description,
				Parameters:  convertSchemaToParameters(schema.Normalize(tool.InputSchema)),
			},
		})
	}

	return out
}

func convertSchemaToParameters(s map[string]any) api.ToolFunctionParameters {
	params := api.ToolFunctionParameters{
		Properties: make(map[string]api.ToolProperty),
	}

	if t, ok := s["type"].(string); ok {
		params.Type = t
	}
	params.Required = stringSlice(s["required"])
	if defs, ok := s["$defs"].(map[string]any); ok {
		params.Defs = defs
	}

	if props, ok := s["properties"].(map[string]any); ok {
		for name, value := range props {
			params.Properties[name] = convertPropertyValue(value)
		}
	}

	return params
}

func convertPropertyValue(propValue any) api.ToolProperty {
	toolProp := api.ToolProperty{}

	propMap, ok := propValue.(map[string]any)
	if !ok {
		// Round-trip through JSON for struct-typed values.
		bytes, err := json.Marshal(propValue)
		if err != nil {
			return toolProp
		}
		var m map[string]any
		if err := json.Unmarshal(bytes, &m); err != nil {
			return toolProp
		}
		propMap = m
	}

	// type can be a string or a list of strings
	switch t := propMap["type"].(type) {
	case string:
		toolProp.Type = api.PropertyType{t}
	case []string:
		toolProp.Type = api.PropertyType(t)
	case []any:
		toolProp.Type = api.PropertyType(stringSlice(t))
	}

	if desc, ok := propMap["description"].(string); ok {
		toolProp.Description = desc
	}

	if enumSlice, ok := propMap["enum"].([]any); ok {
		toolProp.Enum = enumSlice
	}

	if items, ok := propMap["items"]; ok {
		toolProp.Items = items
	}

	if anyOfSlice, ok := propMap["anyOf"].([]any); ok {
		anyOfProps := make([]api.ToolProperty, 0, len(anyOfSlice))
		for _, item := range anyOfSlice {
			anyOfProps = append(anyOfProps, convertPropertyValue(item))
		}
		toolProp.AnyOf = anyOfProps
	}

	return toolProp
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// ConvertToolsToOpenAIFormat converts tool descriptors to the OpenAI chat
// completion tool format. The declared schema is already JSON Schema, so it
// passes through as FunctionParameters.
func ConvertToolsToOpenAIFormat(tools []Tool) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	result := make([]openai.ChatCompletionToolUnionParam, len(tools))

	for i, tool := range tools {
		params := openai.FunctionParameters(schema.Normalize(tool.InputSchema))

		result[i] = openai.ChatCompletionFunctionTool(
			openai.FunctionDefinitionParam{
				Name:        tool.QualifiedName(),
				Description: openai.String(tool.Description),
				Parameters:  params,
			},
		)
	}

	return result
}

// ConvertToolsToAnthropicFormat converts tool descriptors to the Anthropic
// tool-use format.
func ConvertToolsToAnthropicFormat(tools []Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		normalized := schema.Normalize(tool.InputSchema)

		inputSchema := anthropic.ToolInputSchemaParam{}
		if props, ok := normalized["properties"].(map[string]any); ok {
			inputSchema.Properties = props
		}
		if required := stringSlice(normalized["required"]); len(required) > 0 {
			inputSchema.Required = required
		}
		if defs, ok := normalized["$defs"]; ok {
			inputSchema.ExtraFields = map[string]any{"$defs": defs}
		}

		result[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.QualifiedName())

		if tool.Description != "" {
			result[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}

	return result
}
