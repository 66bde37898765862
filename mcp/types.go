package mcp

import "encoding/json"

// State is the lifecycle of one tool server connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Tool is a tool descriptor as advertised by tools/list. Server is filled in
// by the manager so callers can route namespaced calls.
type Tool struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// UnmarshalJSON accepts both schema key spellings seen in the wild:
// "inputSchema" (MCP) and "parameters" (OpenAI-style servers).
func (t *Tool) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
		Parameters  map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.Name = raw.Name
	t.Description = raw.Description
	t.InputSchema = raw.InputSchema
	if t.InputSchema == nil {
		t.InputSchema = raw.Parameters
	}
	return nil
}

// CallResult is the outcome of one tool invocation. Error is the empty
// string on success; on failure Result is nil and Error carries the reason.
type CallResult struct {
	Result any
	Error  string
}

// Failed reports whether the invocation produced an error instead of a
// result.
func (r CallResult) Failed() bool {
	return r.Error != ""
}
