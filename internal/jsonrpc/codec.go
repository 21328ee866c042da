package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeLine marshals v as a single JSON document terminated by exactly one
// newline. encoding/json never emits raw newlines inside a document, so the
// result is always one line on the wire.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeLine parses one line read from a peer. It returns nil when the line is
// not a recognizable JSON-RPC message: invalid JSON, a foreign version tag, or
// a document with neither an id nor a method. Callers treat nil as "skip".
func DecodeLine(line []byte) *AnyMessage {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil
	}
	var msg AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}
	if msg.Method == "" && msg.ID.IsNil() {
		return nil
	}
	return &msg
}
