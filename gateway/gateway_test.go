package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-client-go/auth/authtest"
	"github.com/ggoodman/mcp-client-go/config"
	"github.com/ggoodman/mcp-client-go/gateway"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcpclient"
	"github.com/ggoodman/mcp-client-go/storage/memory"
)

type fakeWorker struct {
	mu      sync.Mutex
	tools   []mcp.Tool
	listErr error
	calls   []string
	reply   func(name string, args json.RawMessage) (json.RawMessage, error)
}

func (w *fakeWorker) CallTool(_ context.Context, name string, args any) (json.RawMessage, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.calls = append(w.calls, name+" "+string(b))
	reply := w.reply
	w.mu.Unlock()
	if reply != nil {
		return reply(name, b)
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

func (w *fakeWorker) ListTools(context.Context) ([]mcp.Tool, error) {
	return w.tools, w.listErr
}

func (w *fakeWorker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

type fakeResolver struct {
	mu         sync.Mutex
	workers    map[string]*fakeWorker
	resolveErr error
	evicted    []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{workers: make(map[string]*fakeWorker)}
}

func (r *fakeResolver) worker(name string) *fakeWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		w = &fakeWorker{}
		r.workers[name] = w
	}
	return w
}

func (r *fakeResolver) Resolve(_ context.Context, srv config.Server) (gateway.Worker, error) {
	if r.resolveErr != nil {
		return nil, r.resolveErr
	}
	return r.worker(srv.Name), nil
}

func (r *fakeResolver) Status(srv config.Server) (gateway.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[srv.Name]; !ok {
		return gateway.Status{}, false
	}
	return gateway.Status{SessionID: "sess-" + srv.Name, State: "ready", Pending: 1}, true
}

func (r *fakeResolver) Evict(srv config.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, srv.Name)
	delete(r.workers, srv.Name)
}

func (r *fakeResolver) Evicted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.evicted...)
}

func testServers() map[string]config.Server {
	return map[string]config.Server{
		"amap":    {Command: []string{"uvx", "amap-mcp-server"}, Env: map[string]string{"AMAP_MAPS_API_KEY": "k"}, Description: "geodata"},
		"weather": {Command: []string{"weather-worker"}},
	}
}

type response struct {
	Status int
	Header http.Header
	Body   map[string]any
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := response{Status: rec.Code, Header: rec.Header()}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.Body), rec.Body.String())
	}
	return out
}

func errorOf(t *testing.T, r response) map[string]any {
	t.Helper()
	e, ok := r.Body["error"].(map[string]any)
	require.True(t, ok, "no error body: %v", r.Body)
	return e
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	g := gateway.New(newFakeResolver(), testServers(), gateway.WithAuthenticator(authtest.Tokens{}, ""))
	r := do(t, g, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, r.Status)
	require.Equal(t, "ok", r.Body["status"])
	require.EqualValues(t, 2, r.Body["servers"])

	_, err := uuid.Parse(r.Header.Get("X-Request-Id"))
	require.NoError(t, err)
}

func TestListServers(t *testing.T) {
	t.Parallel()

	res := newFakeResolver()
	res.worker("weather")
	g := gateway.New(res, testServers())

	r := do(t, g, http.MethodGet, "/v1/servers", "")
	require.Equal(t, http.StatusOK, r.Status)
	servers := r.Body["servers"].([]any)
	require.Len(t, servers, 2)

	amap := servers[0].(map[string]any)
	require.Equal(t, "amap", amap["name"])
	require.Equal(t, "geodata", amap["description"])
	require.Equal(t, "uninitialized", amap["state"])

	weather := servers[1].(map[string]any)
	require.Equal(t, "weather", weather["name"])
	require.Equal(t, "ready", weather["state"])
	require.Equal(t, "sess-weather", weather["sessionId"])
	require.EqualValues(t, 1, weather["pending"])
}

func TestListTools(t *testing.T) {
	t.Parallel()

	res := newFakeResolver()
	res.worker("amap").tools = []mcp.Tool{{Name: "maps_weather", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	g := gateway.New(res, testServers())

	r := do(t, g, http.MethodGet, "/v1/servers/amap/tools", "")
	require.Equal(t, http.StatusOK, r.Status)
	require.Equal(t, "amap", r.Body["server"])
	require.Len(t, r.Body["tools"], 1)

	r = do(t, g, http.MethodGet, "/v1/servers/nope/tools", "")
	require.Equal(t, http.StatusNotFound, r.Status)

	res.worker("weather").listErr = &mcpclient.StateError{Op: "list tools", State: mcpclient.StateStopped}
	r = do(t, g, http.MethodGet, "/v1/servers/weather/tools", "")
	require.Equal(t, http.StatusServiceUnavailable, r.Status)
}

func TestCallTool(t *testing.T) {
	t.Parallel()

	res := newFakeResolver()
	g := gateway.New(res, testServers())

	r := do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":"杭州"}`)
	require.Equal(t, http.StatusOK, r.Status)
	result := r.Body["result"].(map[string]any)
	require.Len(t, result["content"], 1)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", "")
	require.Equal(t, http.StatusOK, r.Status)

	require.Equal(t, []string{
		`maps_weather {"city":"杭州"}`,
		`maps_weather {}`,
	}, res.worker("amap").Calls())
}

func TestCallTool_RequestErrors(t *testing.T) {
	t.Parallel()

	res := newFakeResolver()
	g := gateway.New(res, testServers())

	r := do(t, g, http.MethodPost, "/v1/servers/nope/tools/maps_weather", `{}`)
	require.Equal(t, http.StatusNotFound, r.Status)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `[1]`)
	require.Equal(t, http.StatusBadRequest, r.Status)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":`)
	require.Equal(t, http.StatusBadRequest, r.Status)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `city=x`, "Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusUnsupportedMediaType, r.Status)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{}`, "Accept", "text/html")
	require.Equal(t, http.StatusNotAcceptable, r.Status)

	require.Empty(t, res.worker("amap").Calls())
}

func TestCallTool_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{"remote error", &mcpclient.ToolInvocationError{Method: "tools/call", Code: -32001, Message: "quota exceeded"}, http.StatusBadGateway, -32001},
		{"timeout", &mcpclient.TimeoutError{Method: "tools/call", ID: "7"}, http.StatusGatewayTimeout, http.StatusGatewayTimeout},
		{"not ready", &mcpclient.StateError{Op: "call tool", State: mcpclient.StateFailed}, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"protocol", &mcpclient.ProtocolError{Method: "tools/call", Reason: "invalid result"}, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"connection closed", mcpclient.ErrConnectionClosed, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"start failure", &mcpclient.ProcessStartError{Command: []string{"uvx"}, Err: errors.New("not found")}, http.StatusBadGateway, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := newFakeResolver()
			res.worker("amap").reply = func(string, json.RawMessage) (json.RawMessage, error) { return nil, tt.err }
			g := gateway.New(res, testServers())

			r := do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{}`)
			require.Equal(t, tt.status, r.Status)
			e := errorOf(t, r)
			require.EqualValues(t, tt.code, e["code"])
			require.NotEmpty(t, e["message"])
		})
	}

	t.Run("resolve failure", func(t *testing.T) {
		t.Parallel()
		res := newFakeResolver()
		res.resolveErr = &mcpclient.ProcessStartError{Command: []string{"uvx"}, Err: errors.New("not found")}
		g := gateway.New(res, testServers())
		r := do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{}`)
		require.Equal(t, http.StatusBadGateway, r.Status)
	})
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	tokens := authtest.Tokens{"good": {ID: "planner-1"}, "narrow": nil}
	g := gateway.New(newFakeResolver(), testServers(), gateway.WithAuthenticator(tokens, "geogate"))

	r := do(t, g, http.MethodGet, "/v1/servers", "")
	require.Equal(t, http.StatusUnauthorized, r.Status)
	require.Equal(t, `Bearer realm="geogate"`, r.Header.Get("WWW-Authenticate"))

	r = do(t, g, http.MethodGet, "/v1/servers", "", "Authorization", "Basic Zm9vOmJhcg==")
	require.Equal(t, http.StatusBadRequest, r.Status)
	require.Contains(t, r.Header.Get("WWW-Authenticate"), `error="invalid_request"`)

	r = do(t, g, http.MethodGet, "/v1/servers", "", "Authorization", "Bearer forged")
	require.Equal(t, http.StatusUnauthorized, r.Status)
	require.Contains(t, r.Header.Get("WWW-Authenticate"), `error="invalid_token"`)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{}`, "Authorization", "Bearer narrow")
	require.Equal(t, http.StatusForbidden, r.Status)
	require.Contains(t, r.Header.Get("WWW-Authenticate"), `error="insufficient_scope"`)

	r = do(t, g, http.MethodGet, "/v1/servers", "", "Authorization", "Bearer good")
	require.Equal(t, http.StatusOK, r.Status)

	r = do(t, g, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, r.Status)
}

func TestValidation(t *testing.T) {
	t.Parallel()

	res := newFakeResolver()
	res.worker("amap").tools = []mcp.Tool{{
		Name:        "maps_weather",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}}
	g := gateway.New(res, testServers(), gateway.WithValidation(true))

	r := do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":7}`)
	require.Equal(t, http.StatusBadRequest, r.Status)
	require.NotEmpty(t, errorOf(t, r)["problems"])

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{}`)
	require.Equal(t, http.StatusBadRequest, r.Status)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":"杭州"}`)
	require.Equal(t, http.StatusOK, r.Status)

	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_geo", `{"address":1}`)
	require.Equal(t, http.StatusOK, r.Status, "tools without a known schema pass through")

	require.Len(t, res.worker("amap").Calls(), 2)

	// A worker that cannot list its tools is called unchecked.
	res.worker("weather").listErr = errors.New("tools/list unsupported")
	r = do(t, g, http.MethodPost, "/v1/servers/weather/tools/forecast", `{}`)
	require.Equal(t, http.StatusOK, r.Status)
}

func TestCache(t *testing.T) {
	t.Parallel()

	store, err := memory.New(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	res := newFakeResolver()
	g := gateway.New(res, testServers(), gateway.WithCache(store, 0))

	for i := 0; i < 3; i++ {
		r := do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":"杭州"}`)
		require.Equal(t, http.StatusOK, r.Status)
	}
	require.Len(t, res.worker("amap").Calls(), 1)

	// A changed definition drops the cached results with the session.
	servers := testServers()
	amap := servers["amap"]
	amap.Env = map[string]string{"AMAP_MAPS_API_KEY": "rotated"}
	servers["amap"] = amap
	g.SetServers(servers)

	r := do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":"杭州"}`)
	require.Equal(t, http.StatusOK, r.Status)
	require.Len(t, res.worker("amap").Calls(), 1, "new worker after eviction")
	require.Equal(t, []string{"amap"}, res.Evicted())
}

func TestSetServers(t *testing.T) {
	t.Parallel()

	res := newFakeResolver()
	g := gateway.New(res, testServers())

	g.SetServers(testServers())
	require.Empty(t, res.Evicted(), "unchanged definitions keep their sessions")

	servers := testServers()
	delete(servers, "weather")
	servers["transit"] = config.Server{Command: []string{"transit-worker"}}
	g.SetServers(servers)
	require.Equal(t, []string{"weather"}, res.Evicted())

	r := do(t, g, http.MethodPost, "/v1/servers/weather/tools/forecast", `{}`)
	require.Equal(t, http.StatusNotFound, r.Status)
	r = do(t, g, http.MethodPost, "/v1/servers/transit/tools/route", `{}`)
	require.Equal(t, http.StatusOK, r.Status)
}

func TestSetServers_ReloadWhileServing(t *testing.T) {
	t.Parallel()

	store, err := memory.New(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	res := newFakeResolver()
	g := gateway.New(res, testServers(), gateway.WithCache(store, 0))

	r := do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":"杭州"}`)
	require.Equal(t, http.StatusOK, r.Status)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/servers", nil))
			}
		}()
	}
	for i := 0; i < 50; i++ {
		servers := testServers()
		amap := servers["amap"]
		amap.Description = "geodata rev " + string(rune('a'+i%26))
		servers["amap"] = amap
		g.SetServers(servers)
	}
	close(stop)
	wg.Wait()

	require.Empty(t, res.Evicted(), "description changes keep the session")

	r = do(t, g, http.MethodGet, "/v1/servers", "")
	require.Equal(t, http.StatusOK, r.Status)
	first := r.Body["servers"].([]any)[0].(map[string]any)
	require.Equal(t, "amap", first["name"])
	require.Equal(t, "geodata rev x", first["description"])

	// The cache outlives a reload that keeps the signature.
	r = do(t, g, http.MethodPost, "/v1/servers/amap/tools/maps_weather", `{"city":"杭州"}`)
	require.Equal(t, http.StatusOK, r.Status)
	require.Len(t, res.worker("amap").Calls(), 1)
}
