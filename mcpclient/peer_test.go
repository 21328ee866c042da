package mcpclient

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/process"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// pipePeer stands in for a worker process. The test drives its side of the
// conversation line by line.
type pipePeer struct {
	tb testing.TB

	stdinR, stdoutR *io.PipeReader
	stdinW, stdoutW *io.PipeWriter
	stdin           *gatedWriter
	lines           chan []byte
	started         atomic.Bool
	stops           atomic.Int32
	stopOnce        sync.Once
	done            chan struct{}
	writeMu         sync.Mutex
}

func newPipePeer(tb testing.TB) *pipePeer {
	p := &pipePeer{tb: tb, lines: make(chan []byte, 256), done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stdin = &gatedWriter{w: p.stdinW, closed: make(chan struct{})}
	go func() {
		br := bufio.NewReader(p.stdinR)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				p.lines <- line
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *pipePeer) Start() (*process.Pipes, error) {
	p.started.Store(true)
	return &process.Pipes{Stdin: p.stdin, Stdout: p.stdoutR}, nil
}

func (p *pipePeer) Stop(time.Duration) {
	p.stops.Add(1)
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdoutW.Close()
		close(p.done)
	})
}

func (p *pipePeer) Done() <-chan struct{} { return p.done }

// stopReading simulates a hung worker: from now on writes to its stdin block
// until the session closes it.
func (p *pipePeer) stopReading() { p.stdin.stalled.Store(true) }

// exit simulates the worker dying: its output ends.
func (p *pipePeer) exit() { _ = p.stdoutW.Close() }

func (p *pipePeer) expectLine() string {
	p.tb.Helper()
	select {
	case line := <-p.lines:
		return string(line)
	case <-time.After(2 * time.Second):
		p.tb.Fatalf("timed out waiting for a line from the client")
		return ""
	}
}

func (p *pipePeer) expect(method mcp.Method) *jsonrpc.Request {
	p.tb.Helper()
	msg := jsonrpc.DecodeLine([]byte(p.expectLine()))
	if msg == nil || msg.Method != string(method) {
		p.tb.Fatalf("expected %s, got %+v", method, msg)
	}
	return msg.AsRequest()
}

func (p *pipePeer) expectNothing(d time.Duration) {
	p.tb.Helper()
	select {
	case line := <-p.lines:
		p.tb.Fatalf("unexpected line from client: %s", line)
	case <-time.After(d):
	}
}

func (p *pipePeer) sendRaw(s string) {
	p.tb.Helper()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := io.WriteString(p.stdoutW, s+"\n"); err != nil {
		p.tb.Fatalf("peer write: %v", err)
	}
}

func (p *pipePeer) reply(id *jsonrpc.RequestID, result any) {
	p.tb.Helper()
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		p.tb.Fatalf("build response: %v", err)
	}
	line, _ := jsonrpc.EncodeLine(resp)
	p.sendRaw(string(line[:len(line)-1]))
}

// gatedWriter passes writes through until stalled is set; after that every
// Write blocks until Close.
type gatedWriter struct {
	w       io.WriteCloser
	stalled atomic.Bool
	once    sync.Once
	closed  chan struct{}
}

func (g *gatedWriter) Write(b []byte) (int, error) {
	if g.stalled.Load() {
		<-g.closed
		return 0, io.ErrClosedPipe
	}
	return g.w.Write(b)
}

func (g *gatedWriter) Close() error {
	g.once.Do(func() { close(g.closed) })
	return g.w.Close()
}

var testInitResult = map[string]any{
	"protocolVersion": mcp.DefaultProtocolVersion,
	"capabilities":    map[string]any{"tools": map[string]any{}},
	"serverInfo":      map[string]any{"name": "peer", "version": "9.9.9"},
}

// newPeerSession returns an unstarted session wired to a fresh pipe peer.
func newPeerSession(t *testing.T, opts ...Option) (*Session, *pipePeer) {
	t.Helper()
	peer := newPipePeer(t)
	opts = append(opts, withLauncher(func([]string, map[string]string, *config) worker { return peer }))
	s := NewSession([]string{"fake-worker"}, nil, opts...)
	t.Cleanup(s.Stop)
	return s, peer
}

// startPeerSession completes the handshake and returns a Ready session.
func startPeerSession(t *testing.T, opts ...Option) (*Session, *pipePeer) {
	t.Helper()
	s, peer := newPeerSession(t, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()

	req := peer.expect(mcp.InitializeMethod)
	peer.reply(req.ID, testInitResult)
	peer.expect(mcp.InitializedNotificationMethod)

	if err := <-errCh; err != nil {
		t.Fatalf("start: %v", err)
	}
	return s, peer
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
