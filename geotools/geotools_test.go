package geotools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcpclient"
)

type recordedCall struct {
	name string
	args json.RawMessage
}

type fakeCaller struct {
	calls  []recordedCall
	result json.RawMessage
	err    error
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args any) (json.RawMessage, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, recordedCall{name: name, args: b})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeCaller) ListTools(context.Context) ([]mcp.Tool, error) {
	return nil, errors.New("not a lister")
}

func newFake() *fakeCaller {
	return &fakeCaller{result: json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`)}
}

func TestTextSearchDefaultsCityLimit(t *testing.T) {
	t.Parallel()

	f := newFake()
	res, err := New(f).TextSearch(t.Context(), TextSearchArgs{Keywords: "park", City: "上海"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Text())
	require.Len(t, f.calls, 1)
	require.Equal(t, ToolTextSearch, f.calls[0].name)
	require.JSONEq(t, `{"keywords":"park","city":"上海","citylimit":"true"}`, string(f.calls[0].args))

	_, err = New(f).TextSearch(t.Context(), TextSearchArgs{Keywords: "park", City: "上海", CityLimit: "false"})
	require.NoError(t, err)
	require.JSONEq(t, `{"keywords":"park","city":"上海","citylimit":"false"}`, string(f.calls[1].args))
}

func TestTypedCalls(t *testing.T) {
	t.Parallel()

	f := newFake()
	c := New(f)
	ctx := t.Context()

	_, err := c.Weather(ctx, WeatherArgs{City: "北京"})
	require.NoError(t, err)
	_, err = c.Geocode(ctx, GeocodeArgs{Address: "西湖"})
	require.NoError(t, err)
	_, err = c.SearchDetail(ctx, SearchDetailArgs{ID: "B000A7BD6C"})
	require.NoError(t, err)

	require.Equal(t, ToolWeather, f.calls[0].name)
	require.JSONEq(t, `{"city":"北京"}`, string(f.calls[0].args))
	require.Equal(t, ToolGeocode, f.calls[1].name)
	require.JSONEq(t, `{"address":"西湖"}`, string(f.calls[1].args))
	require.Equal(t, ToolSearchDetail, f.calls[2].name)
	require.JSONEq(t, `{"id":"B000A7BD6C"}`, string(f.calls[2].args))
}

func TestRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode RouteMode
		tool string
	}{
		{"", ToolRouteWalking},
		{Walking, ToolRouteWalking},
		{Driving, ToolRouteDriving},
		{Transit, ToolRouteTransit},
	}
	for _, tt := range tests {
		f := newFake()
		_, err := New(f).Route(t.Context(), tt.mode, RouteArgs{
			OriginAddress:      "天安门",
			DestinationAddress: "颐和园",
			OriginCity:         "北京",
		})
		require.NoError(t, err)
		require.Equal(t, tt.tool, f.calls[0].name)
		require.JSONEq(t, `{"origin_address":"天安门","destination_address":"颐和园","origin_city":"北京"}`, string(f.calls[0].args))
	}

	f := newFake()
	_, err := New(f).Route(t.Context(), "teleport", RouteArgs{})
	require.Error(t, err)
	require.Empty(t, f.calls)
}

func TestErrorsPassThrough(t *testing.T) {
	t.Parallel()

	remote := &mcpclient.ToolInvocationError{Code: -32001, Message: "quota exceeded"}
	f := &fakeCaller{err: remote}
	_, err := New(f).Weather(t.Context(), WeatherArgs{City: "杭州"})
	require.Same(t, remote, err)
}

func TestToolErrorResult(t *testing.T) {
	t.Parallel()

	f := &fakeCaller{result: json.RawMessage(`{"content":[{"type":"text","text":"INVALID_USER_KEY"}],"isError":true}`)}
	res, err := New(f).Weather(t.Context(), WeatherArgs{City: "杭州"})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "INVALID_USER_KEY", res.Text())
}

func TestMalformedResult(t *testing.T) {
	t.Parallel()

	f := &fakeCaller{result: json.RawMessage(`[1,2]`)}
	_, err := New(f).Weather(t.Context(), WeatherArgs{City: "杭州"})
	var pe *mcpclient.ProtocolError
	require.ErrorAs(t, err, &pe)
}

type staticLister []mcp.Tool

func (l staticLister) ListTools(context.Context) ([]mcp.Tool, error) { return l, nil }

func advertised() staticLister {
	var tools staticLister
	for name, schema := range Schemas() {
		tools = append(tools, mcp.Tool{Name: name, InputSchema: schema})
	}
	return tools
}

func TestVerify(t *testing.T) {
	t.Parallel()

	c := New(newFake())

	drift, err := c.Verify(t.Context(), advertised())
	require.NoError(t, err)
	require.Nil(t, drift)

	tools := advertised()
	for i := range tools {
		if tools[i].Name == ToolWeather {
			tools[i].InputSchema = json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"},"lang":{"type":"string"}},"required":["city","lang"]}`)
		}
	}
	var trimmed staticLister
	for _, tool := range tools {
		if tool.Name != ToolRouteTransit {
			trimmed = append(trimmed, tool)
		}
	}

	drift, err = c.Verify(t.Context(), trimmed)
	require.NoError(t, err)
	require.Equal(t, []Drift{
		{Tool: ToolRouteTransit, Absent: true},
		{Tool: ToolWeather, Missing: []string{"lang"}},
	}, drift)
}

func TestVerifyListError(t *testing.T) {
	t.Parallel()

	_, err := New(newFake()).Verify(t.Context(), newFake())
	require.Error(t, err)
}
