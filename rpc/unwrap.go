package rpc

import (
	"bytes"
	"encoding/json"
)

// Gateways wrap SSE payloads in envelope objects and sometimes batch several
// frames into one array. unwrapPayload flattens both shapes into individual
// JSON-RPC frames. It is total (bad input yields nothing) and bounded
// (recursion stops at maxUnwrapDepth).

const maxUnwrapDepth = 8

var envelopeKeys = []string{"data", "message", "payload"}

func unwrapPayload(raw []byte) []json.RawMessage {
	return unwrap(raw, 0)
}

func unwrap(raw []byte, depth int) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || depth > maxUnwrapDepth {
		return nil
	}

	switch raw[0] {
	case '[':
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil
		}
		var out []json.RawMessage
		for _, item := range batch {
			out = append(out, unwrap(item, depth+1)...)
		}
		return out

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil
		}
		// A frame that already looks like JSON-RPC is never an envelope,
		// even when its result happens to contain a "data" key.
		if _, ok := obj["jsonrpc"]; ok {
			return []json.RawMessage{json.RawMessage(raw)}
		}
		if _, ok := obj["method"]; ok {
			return []json.RawMessage{json.RawMessage(raw)}
		}
		for _, key := range envelopeKeys {
			inner, ok := obj[key]
			if !ok {
				continue
			}
			trimmed := bytes.TrimSpace(inner)
			if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
				return unwrap(inner, depth+1)
			}
		}
		return []json.RawMessage{json.RawMessage(raw)}
	}

	return nil
}
