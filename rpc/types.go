// Package rpc frames JSON-RPC 2.0 over a transport Channel. Two channel
// implementations are provided: a full-duplex WebSocket connection and an
// HTTP channel pairing a long-lived Server-Sent-Events inbound stream with
// session-addressed POSTs outbound.
package rpc

import (
	"encoding/json"
	"fmt"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object surfaced as a Go error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// CodeMethodNotFound is the JSON-RPC error code servers return for unknown
// methods. The heartbeat treats it as "connection alive".
const CodeMethodNotFound = -32601

// idKey canonicalizes a response id for pending-request lookup. Ids are sent
// as strings but some servers echo them back as numbers.
func idKey(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
