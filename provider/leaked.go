package provider

import (
	"encoding/json"
	"regexp"

	"loom/model"
)

// Some models emit their tool call as literal text instead of using the
// structured API. These parsers recover such leaked calls from accumulated
// content so a misbehaving model still gets its tool executed.

var (
	leakedJSONPattern = regexp.MustCompile(`\{\s*"name"\s*:\s*"[^"]+"\s*,\s*"(?:arguments|param|parameters|input)"\s*:\s*\{[^}]*\}\s*\}`)
	leakedXMLPattern  = regexp.MustCompile(`<(?:tool_call|function_call)>\s*<name>([^<]+)</name>\s*<arguments>([^<]*)</arguments>\s*</(?:tool_call|function_call)>`)
)

// ParseLeakedJSONToolCalls scans content for JSON-object tool calls leaked
// into the text stream.
func ParseLeakedJSONToolCalls(content string) []model.ToolCall {
	var calls []model.ToolCall

	for _, match := range leakedJSONPattern.FindAllString(content, -1) {
		var leaked struct {
			Name       string         `json:"name"`
			Arguments  map[string]any `json:"arguments"`
			Param      map[string]any `json:"param"`
			Parameters map[string]any `json:"parameters"`
			Input      map[string]any `json:"input"`
		}
		if err := json.Unmarshal([]byte(match), &leaked); err != nil || leaked.Name == "" {
			continue
		}

		args := leaked.Arguments
		if args == nil {
			args = leaked.Param
		}
		if args == nil {
			args = leaked.Parameters
		}
		if args == nil {
			args = leaked.Input
		}

		calls = append(calls, model.ToolCall{Name: leaked.Name, Arguments: args})
	}

	return calls
}

// ParseLeakedXMLToolCalls scans content for
// <tool_call><name>..</name><arguments>..</arguments></tool_call> blocks.
// The arguments element is expected to hold a JSON object.
func ParseLeakedXMLToolCalls(content string) []model.ToolCall {
	var calls []model.ToolCall

	for _, match := range leakedXMLPattern.FindAllStringSubmatch(content, -1) {
		name := match[1]
		var args map[string]any
		if match[2] != "" {
			if err := json.Unmarshal([]byte(match[2]), &args); err != nil {
				args = nil
			}
		}
		calls = append(calls, model.ToolCall{Name: name, Arguments: args})
	}

	return calls
}
