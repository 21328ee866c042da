package gateway

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-client-go/config"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcpclient"
)

// Worker is a live connection to one MCP worker.
type Worker interface {
	CallTool(ctx context.Context, name string, args any) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Status summarizes the session behind a server definition.
type Status struct {
	SessionID string
	State     string
	Pending   int
}

// Resolver turns server definitions into workers.
type Resolver interface {
	// Resolve returns a ready worker for srv, starting one if needed.
	Resolve(ctx context.Context, srv config.Server) (Worker, error)
	// Status reports the current session for srv without starting one.
	Status(srv config.Server) (Status, bool)
	// Evict stops the session for srv, if any.
	Evict(srv config.Server)
}

// RegistryResolver resolves servers through a session registry.
type RegistryResolver struct {
	Registry *mcpclient.Registry
}

var _ Resolver = RegistryResolver{}

func (r RegistryResolver) Resolve(ctx context.Context, srv config.Server) (Worker, error) {
	s, err := r.Registry.Get(ctx, srv.Command, srv.Env)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r RegistryResolver) Status(srv config.Server) (Status, bool) {
	s, ok := r.Registry.Sessions()[mcpclient.Signature(srv.Command, srv.Env)]
	if !ok {
		return Status{}, false
	}
	return Status{SessionID: s.ID(), State: s.State().String(), Pending: s.PendingCalls()}, true
}

func (r RegistryResolver) Evict(srv config.Server) {
	r.Registry.Evict(mcpclient.Signature(srv.Command, srv.Env))
}
