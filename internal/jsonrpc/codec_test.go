package jsonrpc

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeLine_RequestOmitsEmptyParams(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(nil, "notifications/initialized", map[string]any{})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	line, err := EncodeLine(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	if string(line) != want {
		t.Fatalf("got %q want %q", line, want)
	}
}

func TestEncodeLine_RequestWithID(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(NewRequestID(int64(7)), "tools/call", map[string]any{"name": "search"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	line, err := EncodeLine(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"search"}}` + "\n"
	if string(line) != want {
		t.Fatalf("got %q want %q", line, want)
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Fatalf("expected exactly one newline in %q", line)
	}
}

func TestEncodeLine_EscapesEmbeddedNewlines(t *testing.T) {
	t.Parallel()

	req, _ := NewRequest(NewRequestID(int64(1)), "tools/call", map[string]any{"text": "a\nb"})
	line, err := EncodeLine(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Fatalf("embedded newline leaked onto the wire: %q", line)
	}
}

func TestDecodeLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		line     string
		wantNil  bool
		wantType string
	}{
		{name: "log line", line: "DEBUG: worker ready", wantNil: true},
		{name: "empty", line: "   ", wantNil: true},
		{name: "truncated json", line: `{"jsonrpc":"2.0","id":1,`, wantNil: true},
		{name: "json log record", line: `{"level":"info","msg":"listening"}`, wantNil: true},
		{name: "wrong version", line: `{"jsonrpc":"1.0","id":1,"result":{}}`, wantNil: true},
		{name: "json array", line: `[1,2,3]`, wantNil: true},
		{name: "request with result", line: `{"jsonrpc":"2.0","id":1,"method":"x","result":{}}`, wantNil: true},
		{name: "result response", line: `{"jsonrpc":"2.0","id":1,"result":{}}`, wantType: "response"},
		{name: "error response", line: `{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"boom"}}`, wantType: "response"},
		{name: "bare response", line: `{"jsonrpc":"2.0","id":3}`, wantType: "response"},
		{name: "notification", line: `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`, wantType: "notification"},
		{name: "peer request", line: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, wantType: "request"},
		{name: "trailing CR", line: "{\"jsonrpc\":\"2.0\",\"id\":4,\"result\":1}\r", wantType: "response"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg := DecodeLine([]byte(tc.line))
			if tc.wantNil {
				if msg != nil {
					t.Fatalf("expected nil, got %+v", msg)
				}
				return
			}
			if msg == nil {
				t.Fatalf("expected message, got nil")
			}
			if got := msg.Type(); got != tc.wantType {
				t.Fatalf("type: got %s want %s", got, tc.wantType)
			}
		})
	}
}

func TestResponseValidate(t *testing.T) {
	t.Parallel()

	ok := DecodeLine([]byte(`{"jsonrpc":"2.0","id":1,"result":{"a":1}}`)).AsResponse()
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid response, got %v", err)
	}

	bare := DecodeLine([]byte(`{"jsonrpc":"2.0","id":1}`)).AsResponse()
	if err := bare.Validate(); err == nil {
		t.Fatalf("expected validation error for bare response")
	}

	both := DecodeLine([]byte(`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`)).AsResponse()
	if err := both.Validate(); err == nil {
		t.Fatalf("expected validation error for result+error")
	}
}

func TestRequestIDKeysAreStable(t *testing.T) {
	t.Parallel()

	numeric := DecodeLine([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`))
	if numeric.ID.String() != NewRequestID(int64(42)).String() {
		t.Fatalf("numeric id key mismatch: %q", numeric.ID.String())
	}
	str := DecodeLine([]byte(`{"jsonrpc":"2.0","id":"42","result":{}}`))
	if str.ID.String() != "42" {
		t.Fatalf("string id key mismatch: %q", str.ID.String())
	}
}

func TestRequestIDForms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		key     string
		wantInt bool
	}{
		{`7`, "7", true},
		{`"7"`, "7", false},
		{`"req-1"`, "req-1", false},
		{`7.0`, "7", true},
		{`1.5`, "1.5", false},
		{`9007199254740993`, "9007199254740993", true},
	}
	for _, tc := range cases {
		var id RequestID
		if err := json.Unmarshal([]byte(tc.in), &id); err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if id.String() != tc.key {
			t.Fatalf("%s: key %q want %q", tc.in, id.String(), tc.key)
		}
		if _, isInt := id.Int(); isInt != tc.wantInt {
			t.Fatalf("%s: Int reported %v", tc.in, isInt)
		}
		out, err := json.Marshal(&id)
		if err != nil || string(out) != tc.in {
			t.Fatalf("%s: re-encoded as %s (%v)", tc.in, out, err)
		}
	}

	var bad RequestID
	if err := json.Unmarshal([]byte(`{"x":1}`), &bad); err == nil {
		t.Fatalf("object id accepted")
	}
	if !(*RequestID)(nil).IsNil() || NewStringRequestID("a").IsNil() {
		t.Fatalf("IsNil mismatch")
	}
}
