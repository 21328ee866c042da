// Package geotools is a typed facade over the tools of a geodata MCP worker
// (POI search, weather, geocoding and route planning).
package geotools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcpclient"
	"github.com/ggoodman/mcp-client-go/toolschema"
)

// Tool names understood by the worker.
const (
	ToolTextSearch   = "maps_text_search"
	ToolWeather      = "maps_weather"
	ToolGeocode      = "maps_geo"
	ToolSearchDetail = "maps_search_detail"
	ToolRouteWalking = "maps_direction_walking_by_address"
	ToolRouteDriving = "maps_direction_driving_by_address"
	ToolRouteTransit = "maps_direction_transit_integrated_by_address"
)

// TextSearchArgs searches points of interest by keyword.
type TextSearchArgs struct {
	Keywords string `json:"keywords" jsonschema:"description=Search keywords"`
	City     string `json:"city" jsonschema:"description=City to search in"`
	// CityLimit restricts results to City. Empty means "true".
	CityLimit string `json:"citylimit,omitempty" jsonschema:"enum=true,enum=false"`
}

// WeatherArgs requests the forecast for a city.
type WeatherArgs struct {
	City string `json:"city" jsonschema:"description=City name or adcode"`
}

// GeocodeArgs resolves an address to coordinates.
type GeocodeArgs struct {
	Address string `json:"address"`
	City    string `json:"city,omitempty"`
}

// SearchDetailArgs looks up a single POI.
type SearchDetailArgs struct {
	ID string `json:"id" jsonschema:"description=POI id from a text search"`
}

// RouteArgs plans a route between two addresses.
type RouteArgs struct {
	OriginAddress      string `json:"origin_address"`
	DestinationAddress string `json:"destination_address"`
	OriginCity         string `json:"origin_city,omitempty"`
	DestinationCity    string `json:"destination_city,omitempty"`
}

// RouteMode selects the route planning tool.
type RouteMode string

const (
	Walking RouteMode = "walking"
	Driving RouteMode = "driving"
	Transit RouteMode = "transit"
)

func (m RouteMode) tool() (string, error) {
	switch m {
	case Walking, "":
		return ToolRouteWalking, nil
	case Driving:
		return ToolRouteDriving, nil
	case Transit:
		return ToolRouteTransit, nil
	}
	return "", fmt.Errorf("geotools: unknown route mode %q", m)
}

// Schemas returns the input schema this package sends for each tool.
func Schemas() map[string]json.RawMessage {
	route := toolschema.Reflect[RouteArgs]()
	return map[string]json.RawMessage{
		ToolTextSearch:   toolschema.Reflect[TextSearchArgs](),
		ToolWeather:      toolschema.Reflect[WeatherArgs](),
		ToolGeocode:      toolschema.Reflect[GeocodeArgs](),
		ToolSearchDetail: toolschema.Reflect[SearchDetailArgs](),
		ToolRouteWalking: route,
		ToolRouteDriving: route,
		ToolRouteTransit: route,
	}
}

// Client issues typed calls through any ToolCaller, typically a Session or a
// caller bound through a Registry. Tool-level failures come back as results
// with IsError set; JSON-RPC errors are returned unchanged as
// *mcpclient.ToolInvocationError.
type Client struct {
	caller mcpclient.ToolCaller
}

// New returns a Client calling through caller.
func New(caller mcpclient.ToolCaller) *Client {
	return &Client{caller: caller}
}

// TextSearch calls maps_text_search.
func (c *Client) TextSearch(ctx context.Context, args TextSearchArgs) (*mcp.CallToolResult, error) {
	if args.CityLimit == "" {
		args.CityLimit = "true"
	}
	return c.call(ctx, ToolTextSearch, args)
}

// Weather calls maps_weather.
func (c *Client) Weather(ctx context.Context, args WeatherArgs) (*mcp.CallToolResult, error) {
	return c.call(ctx, ToolWeather, args)
}

// Geocode calls maps_geo.
func (c *Client) Geocode(ctx context.Context, args GeocodeArgs) (*mcp.CallToolResult, error) {
	return c.call(ctx, ToolGeocode, args)
}

// SearchDetail calls maps_search_detail.
func (c *Client) SearchDetail(ctx context.Context, args SearchDetailArgs) (*mcp.CallToolResult, error) {
	return c.call(ctx, ToolSearchDetail, args)
}

// Route calls the route planning tool for mode.
func (c *Client) Route(ctx context.Context, mode RouteMode, args RouteArgs) (*mcp.CallToolResult, error) {
	tool, err := mode.tool()
	if err != nil {
		return nil, err
	}
	return c.call(ctx, tool, args)
}

func (c *Client) call(ctx context.Context, tool string, args any) (*mcp.CallToolResult, error) {
	raw, err := c.caller.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &mcpclient.ProtocolError{Method: string(mcp.ToolsCallMethod), Reason: fmt.Sprintf("invalid %s result: %v", tool, err)}
	}
	return &res, nil
}

// ToolLister lists the tools a worker advertises. *mcpclient.Session
// satisfies it.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Drift describes a tool whose advertised schema no longer matches the
// arguments this package sends.
type Drift struct {
	Tool string
	// Absent is set when the worker does not advertise the tool at all.
	Absent bool
	// Missing lists properties the worker requires that are never sent.
	Missing []string
}

// Verify compares Schemas against what lister advertises and reports every
// tool that drifted, sorted by name. A nil slice means the worker matches.
func (c *Client) Verify(ctx context.Context, lister ToolLister) ([]Drift, error) {
	tools, err := lister.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	remote := make(map[string]json.RawMessage, len(tools))
	for _, t := range tools {
		remote[t.Name] = t.InputSchema
	}

	var drift []Drift
	for name, local := range Schemas() {
		schema, ok := remote[name]
		if !ok {
			drift = append(drift, Drift{Tool: name, Absent: true})
			continue
		}
		if len(schema) == 0 {
			continue
		}
		missing, err := toolschema.MissingRequired(local, schema)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", name, err)
		}
		if len(missing) > 0 {
			drift = append(drift, Drift{Tool: name, Missing: missing})
		}
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Tool < drift[j].Tool })
	return drift, nil
}
