package provider

import (
	"strings"

	"loom/mcp"
)

// buildOpenAIToolInstructions creates tool guidance for OpenAI models.
// GPT models prefer brief, direct instructions.
func buildOpenAIToolInstructions(tools []mcp.Tool) string {
	toolNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		toolNames = append(toolNames, tool.QualifiedName())
	}

	return strings.Join([]string{
		"TOOLS: " + strings.Join(toolNames, ", "),
		"",
		"When the user asks you to do something that requires a tool:",
		"1. Determine which tool is needed",
		"2. Check if you have all required parameters",
		"3. If yes: Execute the tool IMMEDIATELY without explanation",
		"4. If no: Ask for the missing parameter ONLY",
		"",
		"DO NOT:",
		"- List available tools",
		"- Explain what you're about to do",
		"- Ask 'what would you like me to do?'",
	}, "\n")
}

// buildAnthropicToolInstructions creates tool guidance for Claude models.
// Claude follows structured tool use natively, so this only sets expectations
// about when to act.
func buildAnthropicToolInstructions(tools []mcp.Tool) string {
	toolNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		toolNames = append(toolNames, tool.QualifiedName())
	}

	return strings.Join([]string{
		"You have access to these tools: " + strings.Join(toolNames, ", ") + ".",
		"Use a tool whenever it can answer the user's request. When you have",
		"all required parameters, invoke the tool immediately instead of",
		"describing what you would do. If a required parameter is missing, ask",
		"for that parameter only.",
	}, "\n")
}
