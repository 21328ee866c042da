package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/internal/outbound"
	"github.com/ggoodman/mcp-client-go/mcp"
)

const maxDroppedLine = 256

// route is the session's single reader. It runs until the worker's stdout
// ends, delivering responses to the dispatcher and answering the few
// requests a worker may send us. Nothing read here can stop the loop except
// end of input.
func (s *Session) route(ctx context.Context, r io.Reader, t *lineTransport, disp *outbound.Dispatcher) {
	defer close(s.routerDone)

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.handleLine(ctx, trimmed, t, disp)
		}
		if err != nil {
			if err != io.EOF {
				s.log.DebugContext(ctx, "session.router.read_error", slog.String("err", err.Error()))
			}
			break
		}
	}

	disp.Close(ErrConnectionClosed)
	s.connectionLost(ctx)
}

func (s *Session) handleLine(ctx context.Context, line []byte, t *lineTransport, disp *outbound.Dispatcher) {
	msg := jsonrpc.DecodeLine(line)
	if msg == nil {
		s.stats.malformed.Add(1)
		s.log.DebugContext(ctx, "rpc.drop.malformed", slog.Int("len", len(line)))
		s.drop(DropEvent{Reason: DropMalformed, Line: truncate(line)})
		return
	}

	switch msg.Type() {
	case "response":
		resp := msg.AsResponse()
		if !disp.OnResponse(resp) {
			s.stats.unmatched.Add(1)
			id := resp.ID.String()
			s.log.DebugContext(ctx, "rpc.drop.unmatched", slog.String("id", id))
			s.drop(DropEvent{Reason: DropUnmatched, ID: id})
		}
	case "notification":
		s.stats.notifications.Add(1)
		s.onNotification(rpcContext(ctx, msg), msg)
	case "request":
		s.stats.peerRequests.Add(1)
		s.onPeerRequest(rpcContext(ctx, msg), t, msg.AsRequest())
	}
}

func (s *Session) onNotification(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if mcp.Method(msg.Method) != mcp.LoggingMessageNotificationMethod {
		s.log.DebugContext(ctx, "rpc.notification")
		return
	}
	var n mcp.LoggingMessageNotification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		s.log.DebugContext(ctx, "rpc.notification.invalid", slog.String("err", err.Error()))
		return
	}
	s.log.Log(ctx, workerLogLevel(n.Level), "worker.log",
		slog.String("logger", n.Logger),
		slog.String("data", string(n.Data)),
	)
}

// onPeerRequest answers requests initiated by the worker. Only ping is
// supported; the reply is written from the router goroutine and bounded by
// the call timeout.
func (s *Session) onPeerRequest(ctx context.Context, t *lineTransport, req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	if mcp.Method(req.Method) == mcp.PingMethod {
		resp, _ = jsonrpc.NewResultResponse(req.ID, struct{}{})
	} else {
		s.log.DebugContext(ctx, "rpc.peer_request.unsupported")
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := t.write(ctx, resp); err != nil {
		s.log.DebugContext(ctx, "rpc.peer_request.reply_failed", slog.String("err", err.Error()))
	}
}

// drainStderr logs the worker's diagnostic output. It is not part of the
// protocol.
func (s *Session) drainStderr(ctx context.Context, r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.log.DebugContext(ctx, "worker.stderr", slog.String("line", string(trimmed)))
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) drop(ev DropEvent) {
	if s.cfg.onDrop == nil {
		return
	}
	ev.SessionID = s.id
	s.cfg.onDrop(ev)
}

func rpcContext(ctx context.Context, msg *jsonrpc.AnyMessage) context.Context {
	data := &logctx.RPCMessage{Method: msg.Method, Type: msg.Type()}
	if !msg.ID.IsNil() {
		data.ID = msg.ID.String()
	}
	return logctx.WithRPCMessage(ctx, data)
}

func truncate(line []byte) []byte {
	if len(line) > maxDroppedLine {
		line = line[:maxDroppedLine]
	}
	return append([]byte(nil), line...)
}

func workerLogLevel(l mcp.LoggingLevel) slog.Level {
	switch l {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
