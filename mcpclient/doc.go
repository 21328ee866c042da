// Package mcpclient drives external MCP tool servers that speak
// line-delimited JSON-RPC 2.0 over their standard streams.
//
// A Session owns one worker process. Start launches it, performs the
// initialize handshake and leaves the session Ready; CallTool sends
// tools/call requests that may be in flight concurrently and are matched to
// their replies by id. Stop terminates the worker and fails any call still
// waiting.
//
//	s := mcpclient.NewSession([]string{"npx", "-y", "@amap/amap-maps-mcp-server"},
//		map[string]string{"AMAP_MAPS_API_KEY": key})
//	if err := s.Start(ctx); err != nil {
//		return err
//	}
//	defer s.Stop()
//	res, err := s.CallTool(ctx, "maps_weather", map[string]any{"city": "Hangzhou"})
//
// A Registry caches one Session per (command, env) signature so that callers
// asking for the same worker share a process. Registries are ordinary values;
// the owner calls ShutdownAll when it is done with them.
//
// Errors are typed: *ProcessStartError when the worker cannot be launched,
// *ProtocolError for unusable replies or a connection that ended,
// *TimeoutError when no reply arrived in time, *ToolInvocationError for
// JSON-RPC error replies and *StateError for calls made in the wrong
// lifecycle state.
package mcpclient
