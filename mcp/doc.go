// Package mcp contains the Model Context Protocol data types and constants a
// client needs: the initialize handshake, tool listing and tool invocation.
// It mirrors the wire representation (exported structs with json tags, string
// constants for method names) and carries no transport logic.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod). Using the constants avoids typographical mistakes.
//
// Example (reading a tool result):
//
//	var res mcp.CallToolResult
//	if err := json.Unmarshal(raw, &res); err != nil { ... }
//	fmt.Println(res.Text())
//
// # Compatibility
//
// DefaultProtocolVersion is what the client offers in initialize; it can be
// overridden per session. LatestProtocolVersion tracks the newest revision.
package mcp
