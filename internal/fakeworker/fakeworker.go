// Package fakeworker is a scriptable MCP worker used by tests. A test binary
// re-executes itself with an environment switch and hands control to Main,
// which then speaks line-delimited JSON-RPC on stdin/stdout.
//
// Behaviour is selected through environment variables:
//
//	FAKEWORKER_INIT   ok (default) | error | silent | bare
//	FAKEWORKER_NOISE  1 to interleave non-protocol lines on stdout
//
// Tools (tools/call name):
//
//	echo   returns the arguments as text and structured content
//	fail   replies with a JSON-RPC error (code/message from arguments)
//	sleep  waits arguments.ms milliseconds before replying
//	env    returns the value of the variable named by arguments.name
//	exit   terminates the process without replying
//	notify emits a notifications/message before replying
package fakeworker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// EnvSwitch is the variable tests set to turn a re-executed test binary into
// a worker.
const EnvSwitch = "FAKEWORKER"

// Tools is the catalogue advertised through tools/list.
var Tools = []mcp.Tool{
	{Name: "echo", Description: "Echo arguments back", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "fail", Description: "Reply with a JSON-RPC error", InputSchema: json.RawMessage(`{"type":"object","properties":{"code":{"type":"integer"},"message":{"type":"string"}}}`)},
	{Name: "sleep", Description: "Reply after a delay", InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer","minimum":0}},"required":["ms"]}`)},
	{Name: "env", Description: "Read an environment variable", InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)},
	{Name: "exit", Description: "Exit without replying", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "notify", Description: "Log then reply", InputSchema: json.RawMessage(`{"type":"object"}`)},
}

type worker struct {
	out   io.Writer
	mu    sync.Mutex
	noise bool
	init  string
}

// Main serves requests from in until EOF and returns the process exit code.
func Main(in io.Reader, out, errOut io.Writer) int {
	w := &worker{
		out:   out,
		noise: os.Getenv("FAKEWORKER_NOISE") == "1",
		init:  os.Getenv("FAKEWORKER_INIT"),
	}
	fmt.Fprintln(errOut, "fakeworker: started")
	if w.noise {
		w.raw("DEBUG: worker ready")
		w.raw(`{"level":"info","msg":"listening on stdio"}`)
	}

	var wg sync.WaitGroup
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			msg := jsonrpc.DecodeLine(line)
			if msg != nil && msg.Type() == "request" {
				req := msg.AsRequest()
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.handle(req)
				}()
			}
		}
		if err != nil {
			break
		}
	}
	wg.Wait()
	fmt.Fprintln(errOut, "fakeworker: stdin closed")
	return 0
}

func (w *worker) handle(req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		w.initialize(req)
	case mcp.PingMethod:
		w.result(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		w.result(req.ID, mcp.ListToolsResult{Tools: Tools})
	case mcp.ToolsCallMethod:
		w.callTool(req)
	default:
		w.send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil))
	}
}

func (w *worker) initialize(req *jsonrpc.Request) {
	var p mcp.InitializeRequest
	_ = json.Unmarshal(req.Params, &p)
	switch w.init {
	case "error":
		w.send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unsupported protocol version", nil))
	case "silent":
		// never answer
	case "bare":
		w.raw(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s}`, req.ID.String()))
	default:
		version := p.ProtocolVersion
		if version == "" {
			version = mcp.DefaultProtocolVersion
		}
		w.result(req.ID, map[string]any{
			"protocolVersion": version,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      mcp.ImplementationInfo{Name: "fakeworker", Version: "0.0.1"},
		})
	}
}

func (w *worker) callTool(req *jsonrpc.Request) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		w.send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil))
		return
	}
	if w.noise {
		w.raw("DEBUG: calling " + p.Name)
	}

	switch p.Name {
	case "echo":
		b, _ := json.Marshal(p.Arguments)
		w.result(req.ID, mcp.CallToolResult{
			Content:           []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: string(b)}},
			StructuredContent: p.Arguments,
		})
	case "fail":
		code := -32000
		if c, ok := p.Arguments["code"].(float64); ok {
			code = int(c)
		}
		message := "boom"
		if m, ok := p.Arguments["message"].(string); ok {
			message = m
		}
		w.send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCode(code), message, nil))
	case "sleep":
		ms, _ := p.Arguments["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		w.result(req.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "awake"}}})
	case "env":
		name, _ := p.Arguments["name"].(string)
		w.result(req.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: os.Getenv(name)}}})
	case "exit":
		os.Exit(3)
	case "notify":
		n, _ := jsonrpc.NewRequest(nil, string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{
			Level: mcp.LoggingLevelInfo,
			Data:  json.RawMessage(`"tool invoked"`),
		})
		w.send(n)
		w.result(req.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "notified"}}})
	default:
		w.result(req.ID, mcp.CallToolResult{
			IsError: true,
			Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "unknown tool " + p.Name}},
		})
	}
}

func (w *worker) result(id *jsonrpc.RequestID, v any) {
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		w.send(jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil))
		return
	}
	w.send(resp)
}

func (w *worker) send(v any) {
	line, err := jsonrpc.EncodeLine(v)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.out.Write(line)
}

func (w *worker) raw(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = io.WriteString(w.out, s+"\n")
}
