package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/internal/outbound"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// Stats are counters of what the reply router has seen. Dropped lines never
// fail a call; these numbers are the only trace they leave.
type Stats struct {
	Malformed     uint64
	Unmatched     uint64
	Notifications uint64
	PeerRequests  uint64
}

type counters struct {
	malformed     atomic.Uint64
	unmatched     atomic.Uint64
	notifications atomic.Uint64
	peerRequests  atomic.Uint64
}

// Session is a client connection to one worker process. All methods are safe
// for concurrent use.
type Session struct {
	id      string
	command []string
	env     map[string]string
	cfg     config
	log     *slog.Logger
	ctx     context.Context // carries session log attributes

	mu         sync.Mutex
	state      State
	startDone  chan struct{}
	startErr   error
	initResult *mcp.InitializeResult
	worker     worker
	disp       *outbound.Dispatcher
	routerDone chan struct{}

	stats    counters
	doneOnce sync.Once
	done     chan struct{}
}

// NewSession prepares a session for the given worker argument vector. env is
// merged over the inherited environment when the worker is launched. Nothing
// is started until Start.
func NewSession(command []string, env map[string]string, opts ...Option) *Session {
	return newSession(command, env, newConfig(opts))
}

func newSession(command []string, env map[string]string, cfg config) *Session {
	s := &Session{
		id:      uuid.NewString(),
		command: append([]string(nil), command...),
		env:     env,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	s.ctx = logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID:       s.id,
		Command:         strings.Join(s.command, " "),
		ProtocolVersion: cfg.protocolVersion,
	})
	s.log = cfg.log
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Command returns the worker argument vector.
func (s *Session) Command() []string { return append([]string(nil), s.command...) }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// ServerInfo returns the worker's initialize result, or nil before the
// handshake has completed.
func (s *Session) ServerInfo() *mcp.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initResult
}

// PendingCalls returns the number of requests awaiting a reply.
func (s *Session) PendingCalls() int {
	s.mu.Lock()
	disp := s.disp
	s.mu.Unlock()
	if disp == nil {
		return 0
	}
	return disp.Pending()
}

// Stats returns a snapshot of the reply router's counters.
func (s *Session) Stats() Stats {
	return Stats{
		Malformed:     s.stats.malformed.Load(),
		Unmatched:     s.stats.unmatched.Load(),
		Notifications: s.stats.notifications.Load(),
		PeerRequests:  s.stats.peerRequests.Load(),
	}
}

// Start launches the worker and performs the initialize handshake. It is a
// no-op on a Ready session; a caller arriving while another Start is in
// progress waits for that attempt and shares its outcome. On any failure the
// session becomes Failed, the worker is stopped and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateInitializing:
		wait := s.startDone
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.startErr != nil {
			return s.startErr
		}
		if s.state != StateReady {
			return &StateError{Op: "start", State: s.state}
		}
		return nil
	case StateFailed, StateStopped:
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "start", State: st}
	}

	s.state = StateInitializing
	s.startDone = make(chan struct{})
	err := s.launchLocked()
	s.mu.Unlock()

	var res *mcp.InitializeResult
	if err == nil {
		res, err = s.handshake(ctx)
	}

	s.mu.Lock()
	switch {
	case err != nil:
		s.startErr = err
		if s.state == StateInitializing {
			s.state = StateFailed
		}
	case s.state != StateInitializing:
		// Stopped underneath us.
		err = &StateError{Op: "start", State: s.state}
		s.startErr = err
	case isClosed(s.routerDone):
		// The worker went away between the handshake reply and now.
		err = ErrConnectionClosed
		s.startErr = err
		s.state = StateFailed
	default:
		s.state = StateReady
		s.initResult = res
	}
	close(s.startDone)
	s.mu.Unlock()

	if err != nil {
		s.log.WarnContext(s.ctx, "session.start.failed", slog.String("err", err.Error()))
		s.teardown()
		return err
	}
	s.log.InfoContext(s.ctx, "session.ready",
		slog.String("server", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version),
		slog.String("protocol_version", res.ProtocolVersion),
	)
	return nil
}

// launchLocked spawns the worker and starts the reader goroutines. s.mu must
// be held.
func (s *Session) launchLocked() error {
	w := s.cfg.launch(s.command, s.env, &s.cfg)
	s.worker = w
	pipes, err := w.Start()
	if err != nil {
		return err
	}
	t := newLineTransport(pipes.Stdin, s.writeStalled)
	s.disp = outbound.New(t)
	s.routerDone = make(chan struct{})
	go s.route(s.ctx, pipes.Stdout, t, s.disp)
	if pipes.Stderr != nil {
		go s.drainStderr(s.ctx, pipes.Stderr)
	}
	s.log.DebugContext(s.ctx, "session.start")
	return nil
}

func (s *Session) handshake(ctx context.Context) (*mcp.InitializeResult, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	raw, err := s.disp.Call(ctx, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: s.cfg.protocolVersion,
		Capabilities:    s.cfg.capabilities,
		ClientInfo:      s.cfg.clientInfo,
	})
	if err != nil {
		return nil, err
	}
	if isAbsent(raw) {
		return nil, &ProtocolError{Method: string(mcp.InitializeMethod), Reason: "response carries neither result nor error"}
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ProtocolError{Method: string(mcp.InitializeMethod), Reason: fmt.Sprintf("invalid result: %v", err)}
	}
	if err := s.disp.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool invokes a tool and returns the raw result object. args may be any
// value that marshals to a JSON object; nil sends {}. A JSON-RPC error reply
// is returned as *ToolInvocationError. A successful call never returns a nil
// result: a reply without one yields {}.
func (s *Session) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	disp, err := s.ready("call tool " + name)
	if err != nil {
		return nil, err
	}
	arguments, err := marshalArguments(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments for %s: %w", name, err)
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	td := &logctx.ToolCallData{ToolName: name}
	if outer, ok := logctx.ToolCallDataFrom(ctx); ok {
		td.Server = outer.Server
	}
	ctx = logctx.WithToolCallData(ctx, td)

	raw, err := disp.Call(ctx, string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: name, Arguments: arguments})
	if err != nil {
		s.log.DebugContext(ctx, "session.tools.call.failed", slog.String("err", err.Error()))
		return nil, err
	}
	if isAbsent(raw) {
		return json.RawMessage(`{}`), nil
	}
	return raw, nil
}

// CallToolResult is CallTool decoded into the MCP result shape.
func (s *Session) CallToolResult(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	raw, err := s.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ProtocolError{Method: string(mcp.ToolsCallMethod), Reason: fmt.Sprintf("invalid result: %v", err)}
	}
	return &res, nil
}

// ListTools returns every tool the worker advertises, following pagination.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	disp, err := s.ready("list tools")
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	var tools []mcp.Tool
	var cursor string
	for {
		raw, err := disp.Call(ctx, string(mcp.ToolsListMethod), mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}})
		if err != nil {
			return nil, err
		}
		if isAbsent(raw) {
			return nil, &ProtocolError{Method: string(mcp.ToolsListMethod), Reason: "response carries neither result nor error"}
		}
		var page mcp.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &ProtocolError{Method: string(mcp.ToolsListMethod), Reason: fmt.Sprintf("invalid result: %v", err)}
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// Ping checks that the worker is responsive.
func (s *Session) Ping(ctx context.Context) error {
	disp, err := s.ready("ping")
	if err != nil {
		return err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	_, err = disp.Call(ctx, string(mcp.PingMethod), nil)
	return err
}

// Stop moves the session to Stopped from any state, fails outstanding calls,
// terminates the worker and waits for the reply router to finish. It is
// idempotent and safe to call concurrently; every caller returns only after
// the worker is gone.
func (s *Session) Stop() {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	s.mu.Unlock()
	if prev != StateStopped {
		s.log.DebugContext(s.ctx, "session.stop", slog.String("from", prev.String()))
	}
	s.teardown()
}

// teardown releases everything the session holds. Safe to run many times and
// from several goroutines.
func (s *Session) teardown() {
	s.mu.Lock()
	w, disp, routerDone := s.worker, s.disp, s.routerDone
	s.mu.Unlock()

	if disp != nil {
		disp.Close(ErrConnectionClosed)
	}
	if w != nil {
		w.Stop(s.cfg.stopGrace)
	}
	if routerDone != nil {
		<-routerDone
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// connectionLost runs on the router goroutine once the worker's output has
// ended. A Ready session becomes Stopped; an in-flight Start sees the closed
// connection through its own call and marks the session Failed.
func (s *Session) connectionLost(ctx context.Context) {
	s.mu.Lock()
	prev := s.state
	if prev == StateReady {
		s.state = StateStopped
	}
	w := s.worker
	s.mu.Unlock()

	if prev != StateReady {
		return
	}
	s.log.WarnContext(ctx, "session.worker.exited")
	// Reap the process; stdout is already at EOF.
	go func() {
		w.Stop(s.cfg.stopGrace)
		s.doneOnce.Do(func() { close(s.done) })
	}()
}

// writeStalled runs when a write to the worker's stdin outlived its caller's
// context. The worker is not consuming input and a partial line may be on the
// wire, so the session is shut down. An in-flight Start fails through its own
// timed-out call.
func (s *Session) writeStalled() {
	s.mu.Lock()
	prev := s.state
	if prev == StateReady {
		s.state = StateStopped
	}
	s.mu.Unlock()

	s.log.WarnContext(s.ctx, "session.worker.stalled", slog.String("state", prev.String()))
	go s.teardown()
}

func (s *Session) ready(op string) (*outbound.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, &StateError{Op: op, State: s.state}
	}
	return s.disp, nil
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.callTimeout)
}

func marshalArguments(args any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := args.(json.RawMessage); ok && isAbsent(raw) {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	if isAbsent(b) {
		return json.RawMessage(`{}`), nil
	}
	return b, nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
