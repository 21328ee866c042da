package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// RequestID is a JSON-RPC id. Ids minted by this module are positive
// integers; peers may still use strings on requests of their own. A nil or
// zero RequestID means the message carries no id.
type RequestID struct {
	raw   json.RawMessage
	key   string
	num   int64
	isInt bool
}

// NewRequestID returns a numeric id.
func NewRequestID(n int64) *RequestID {
	return &RequestID{raw: strconv.AppendInt(nil, n, 10), key: strconv.FormatInt(n, 10), num: n, isInt: true}
}

// NewStringRequestID returns a string id.
func NewStringRequestID(s string) *RequestID {
	raw, _ := json.Marshal(s)
	return &RequestID{raw: raw, key: s}
}

// String returns the correlation key. An integer and its decimal string
// spelling share a key, so a peer that echoes 7 as "7" still matches.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	return id.key
}

// Int returns the numeric value of an integer id.
func (id *RequestID) Int() (int64, bool) {
	if id == nil {
		return 0, false
	}
	return id.num, id.isInt
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || len(id.raw) == 0
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*id = RequestID{}
	switch {
	case len(data) == 0 || string(data) == "null":
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid request id %s: %w", data, err)
		}
		*id = *NewStringRequestID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a string or number, got %s", data)
	}
	if i, err := n.Int64(); err == nil {
		*id = *NewRequestID(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("request id out of range: %s", data)
	}
	id.raw = append(json.RawMessage(nil), data...)
	if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		id.num, id.isInt = int64(f), true
		id.key = strconv.FormatInt(id.num, 10)
	} else {
		id.key = n.String()
	}
	return nil
}
