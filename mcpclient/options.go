package mcpclient

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/process"
	"github.com/ggoodman/mcp-client-go/mcp"
)

const (
	// DefaultCallTimeout bounds every request, including the handshake,
	// unless the caller's context expires first.
	DefaultCallTimeout = 30 * time.Second
	// DefaultStopGracePeriod is how long Stop waits after SIGTERM before
	// killing the worker.
	DefaultStopGracePeriod = 5 * time.Second
)

// DefaultClientInfo identifies this client in the initialize request.
var DefaultClientInfo = mcp.ImplementationInfo{Name: "mcp-client-go", Version: "1.0.0"}

// DropReason says why the reply router discarded an incoming line.
type DropReason string

const (
	// DropMalformed: the line was not a JSON-RPC message.
	DropMalformed DropReason = "malformed"
	// DropUnmatched: a response whose id no call is waiting for, usually a
	// reply that arrived after its call timed out.
	DropUnmatched DropReason = "unmatched"
)

// DropEvent describes one discarded line.
type DropEvent struct {
	SessionID string
	Reason    DropReason
	// ID is set for unmatched responses.
	ID string
	// Line is the raw line for malformed input, truncated to 256 bytes.
	Line []byte
}

// Option customizes a Session. Options given to NewRegistry apply to every
// session the registry creates.
type Option func(*config)

type config struct {
	log             *slog.Logger
	clientInfo      mcp.ImplementationInfo
	protocolVersion string
	capabilities    mcp.ClientCapabilities
	callTimeout     time.Duration
	stopGrace       time.Duration
	dir             string
	onDrop          func(DropEvent)
	launch          launcher
}

func newConfig(opts []Option) config {
	c := config{
		log:             slog.Default(),
		clientInfo:      DefaultClientInfo,
		protocolVersion: mcp.DefaultProtocolVersion,
		capabilities:    mcp.ClientCapabilities{Tools: &struct{}{}},
		callTimeout:     DefaultCallTimeout,
		stopGrace:       DefaultStopGracePeriod,
		launch:          launchProcess,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClientInfo sets the clientInfo sent during the handshake.
func WithClientInfo(name, version string) Option {
	return func(c *config) {
		c.clientInfo = mcp.ImplementationInfo{Name: name, Version: version}
	}
}

// WithProtocolVersion sets the protocol version offered during the handshake.
func WithProtocolVersion(v string) Option {
	return func(c *config) {
		if v != "" {
			c.protocolVersion = v
		}
	}
}

// WithCapabilities replaces the advertised client capabilities.
func WithCapabilities(caps mcp.ClientCapabilities) Option {
	return func(c *config) { c.capabilities = caps }
}

// WithCallTimeout bounds each request. A caller's context deadline still
// applies when it is earlier. Zero or negative leaves only the caller's.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) { c.callTimeout = d }
}

// WithStopGracePeriod sets how long Stop waits for the worker to exit after
// SIGTERM before killing it.
func WithStopGracePeriod(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.stopGrace = d
		}
	}
}

// WithDir sets the worker's working directory.
func WithDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithDropHook registers fn to observe lines the reply router discards. fn
// runs on the router goroutine and must not block.
func WithDropHook(fn func(DropEvent)) Option {
	return func(c *config) { c.onDrop = fn }
}

// worker is the subset of *process.Supervisor a Session uses.
type worker interface {
	Start() (*process.Pipes, error)
	Stop(grace time.Duration)
	Done() <-chan struct{}
}

type launcher func(command []string, env map[string]string, c *config) worker

func launchProcess(command []string, env map[string]string, c *config) worker {
	return process.New(command, env, process.WithLogger(c.log), process.WithDir(c.dir))
}

// withLauncher replaces process spawning; used by tests to attach in-memory
// peers.
func withLauncher(l launcher) Option {
	return func(c *config) { c.launch = l }
}
