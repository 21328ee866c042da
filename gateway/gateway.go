// Package gateway exposes configured MCP workers over a small JSON HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-client-go/auth"
	"github.com/ggoodman/mcp-client-go/config"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcpclient"
	"github.com/ggoodman/mcp-client-go/storage"
	"github.com/ggoodman/mcp-client-go/toolcache"
	"github.com/ggoodman/mcp-client-go/toolschema"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

const (
	requestIDHeader     = "X-Request-Id"
	authorizationHeader = "Authorization"
	maxBodyBytes        = 1 << 20
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Records are decorated with request and tool
// data from the context.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithAuthenticator requires a valid bearer token on every /v1 route.
func WithAuthenticator(a auth.Authenticator, realm string) Option {
	return func(g *Gateway) {
		g.auth = a
		if realm != "" {
			g.realm = realm
		}
	}
}

// WithCache memoizes successful tool results in store for ttl.
func WithCache(store storage.Storage, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.store = store
		g.cacheTTL = ttl
	}
}

// WithValidation checks call arguments against the input schemas each worker
// advertises before forwarding them.
func WithValidation(enabled bool) Option {
	return func(g *Gateway) { g.validate = enabled }
}

// serverEntry is immutable once published in Gateway.servers. A reload that
// keeps the signature builds a new entry sharing caller, cache and schemas.
type serverEntry struct {
	def     config.Server
	sig     string
	caller  mcpclient.ToolCaller
	cache   *toolcache.Caller
	schemas *schemaSet
}

// schemaSet holds the lazily fetched validator for one worker signature.
type schemaSet struct {
	mu        sync.Mutex
	validator *toolschema.Validator
}

// Gateway is an http.Handler serving the worker API.
type Gateway struct {
	resolver Resolver
	log      *slog.Logger
	auth     auth.Authenticator
	realm    string
	store    storage.Storage
	cacheTTL time.Duration
	validate bool

	mu      sync.RWMutex
	servers map[string]*serverEntry

	mux *http.ServeMux
}

// New returns a Gateway serving servers through resolver.
func New(resolver Resolver, servers map[string]config.Server, opts ...Option) *Gateway {
	g := &Gateway{
		resolver: resolver,
		log:      slog.Default(),
		realm:    "geogate",
		cacheTTL: toolcache.DefaultTTL,
		servers:  make(map[string]*serverEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = slog.New(logctx.Handler{Handler: g.log.Handler()})
	g.SetServers(servers)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.Handle("GET /v1/servers", g.authenticated(g.handleListServers))
	mux.Handle("GET /v1/servers/{server}/tools", g.authenticated(g.handleListTools))
	mux.Handle("POST /v1/servers/{server}/tools/{tool}", g.authenticated(g.handleCallTool))
	g.mux = mux
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	w.Header().Set(requestIDHeader, id)
	g.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  id,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// SetServers swaps the server table. Sessions for definitions that were
// removed or whose command or environment changed are evicted, along with
// their cached results.
func (g *Gateway) SetServers(servers map[string]config.Server) {
	next := make(map[string]*serverEntry, len(servers))
	g.mu.Lock()
	prev := g.servers
	for name, def := range servers {
		def.Name = name
		sig := mcpclient.Signature(def.Command, def.Env)
		if old, ok := prev[name]; ok && old.sig == sig {
			next[name] = &serverEntry{def: def, sig: sig, caller: old.caller, cache: old.cache, schemas: old.schemas}
			continue
		}
		next[name] = g.newEntry(def, sig)
	}
	g.servers = next
	g.mu.Unlock()

	var evicted int
	for name, old := range prev {
		if cur, ok := next[name]; ok && cur.sig == old.sig {
			continue
		}
		evicted++
		g.resolver.Evict(old.def)
		if old.cache != nil {
			if err := old.cache.Invalidate(context.Background()); err != nil {
				g.log.Warn("gateway.cache.invalidate.fail", slog.String("server", name), slog.String("err", err.Error()))
			}
		}
	}
	g.log.Info("gateway.servers.updated", slog.Int("servers", len(next)), slog.Int("evicted", evicted))
}

func (g *Gateway) newEntry(def config.Server, sig string) *serverEntry {
	e := &serverEntry{def: def, sig: sig, schemas: &schemaSet{}}
	e.caller = &resolvingCaller{resolver: g.resolver, def: def}
	if g.store != nil {
		e.cache = toolcache.New(e.caller, g.store, def.Name, toolcache.WithTTL(g.cacheTTL), toolcache.WithLogger(g.log))
		e.caller = e.cache
	}
	return e
}

func (g *Gateway) server(name string) (*serverEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.servers[name]
	return e, ok
}

// resolvingCaller resolves the worker on every call so a replaced session is
// picked up transparently.
type resolvingCaller struct {
	resolver Resolver
	def      config.Server
}

func (c *resolvingCaller) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	w, err := c.resolver.Resolve(ctx, c.def)
	if err != nil {
		return nil, err
	}
	return w.CallTool(ctx, name, args)
}

func (g *Gateway) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, errorBody{Message: "response is only available as application/json"})
			g.log.WarnContext(ctx, "accept.unsupported")
			return
		}
		if g.auth == nil {
			next(w, r)
			return
		}

		tok, err := auth.BearerToken(r.Header.Get(authorizationHeader))
		switch {
		case errors.Is(err, auth.ErrNoBearer):
			g.log.InfoContext(ctx, "auth.check.missing")
			auth.NewAuthenticationRequired(g.realm).Write(w)
			return
		case err != nil:
			g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", err.Error()))
			auth.NewInvalidAuthorizationHeader(g.realm).Write(w)
			return
		}

		user, err := g.auth.CheckAuthentication(ctx, tok)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) && !errors.Is(err, auth.ErrInsufficientScope) {
				g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			g.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			auth.ChallengeFor(err, g.realm).Write(w)
			return
		}
		if rd, ok := logctx.RequestDataFrom(ctx); ok {
			rd.UserID = user.UserID()
		}
		next(w, r.WithContext(auth.WithUser(ctx, user)))
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	n := len(g.servers)
	g.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "servers": n})
}

type serverView struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	State       string `json:"state"`
	Pending     int    `json:"pending"`
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	entries := make([]*serverEntry, 0, len(g.servers))
	for _, e := range g.servers {
		entries = append(entries, e)
	}
	g.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].def.Name < entries[j].def.Name })

	out := make([]serverView, 0, len(entries))
	for _, e := range entries {
		v := serverView{Name: e.def.Name, Description: e.def.Description, State: mcpclient.StateUninitialized.String()}
		if st, ok := g.resolver.Status(e.def); ok {
			v.SessionID, v.State, v.Pending = st.SessionID, st.State, st.Pending
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("server")
	e, ok := g.server(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, errorBody{Message: "unknown server " + name})
		return
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{Server: name})

	worker, err := g.resolver.Resolve(ctx, e.def)
	if err == nil {
		var tools []mcp.Tool
		if tools, err = worker.ListTools(ctx); err == nil {
			e.schemas.set(tools)
			writeJSON(w, http.StatusOK, map[string]any{"server": name, "tools": tools})
			return
		}
	}
	status, body := classify(err)
	g.log.WarnContext(ctx, "http.tools.list.fail", slog.Int("status", status), slog.String("err", err.Error()))
	writeJSONError(w, status, body)
}

func (g *Gateway) handleCallTool(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	server, tool := r.PathValue("server"), r.PathValue("tool")
	ctx := logctx.WithToolCallData(r.Context(), &logctx.ToolCallData{Server: server, ToolName: tool})
	g.log.InfoContext(ctx, "http.call.start")

	e, ok := g.server(server)
	if !ok {
		writeJSONError(w, http.StatusNotFound, errorBody{Message: "unknown server " + server})
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, errorBody{Message: "content-type must be application/json"})
		g.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	args, err := readArguments(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errorBody{Message: err.Error()})
		g.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	if g.validate {
		if err := g.validateArgs(ctx, e, tool, args); err != nil {
			status, body := classify(err)
			writeJSONError(w, status, body)
			g.log.InfoContext(ctx, "http.call.invalid", slog.String("err", err.Error()))
			return
		}
	}

	res, err := e.caller.CallTool(ctx, tool, args)
	if err != nil {
		status, body := classify(err)
		writeJSONError(w, status, body)
		g.log.WarnContext(ctx, "http.call.fail", slog.Int("status", status), slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": res})
	g.log.InfoContext(ctx, "http.call.ok", slog.Duration("dur", time.Since(start)))
}

// readArguments reads a JSON object body. An empty body means {}.
func readArguments(r io.Reader) (json.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.New("read body: " + err.Error())
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if data[0] != '{' || !json.Valid(data) {
		return nil, errors.New("body must be a JSON object of tool arguments")
	}
	return json.RawMessage(data), nil
}

// validateArgs checks args against the tool's advertised schema. Schemas are
// fetched on first use; if the worker cannot list its tools the call goes
// through unchecked.
func (g *Gateway) validateArgs(ctx context.Context, e *serverEntry, tool string, args json.RawMessage) error {
	v := e.schemas.current()
	if v == nil {
		worker, err := g.resolver.Resolve(ctx, e.def)
		if err != nil {
			return err
		}
		tools, err := worker.ListTools(ctx)
		if err != nil {
			g.log.WarnContext(ctx, "validation.schema.unavailable", slog.String("err", err.Error()))
			return nil
		}
		v = e.schemas.set(tools)
	}
	return v.Validate(tool, args)
}

func (s *schemaSet) current() *toolschema.Validator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validator
}

func (s *schemaSet) set(tools []mcp.Tool) *toolschema.Validator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.validator == nil {
		s.validator = toolschema.NewValidator(tools)
	} else {
		s.validator.Load(tools)
	}
	return s.validator
}
