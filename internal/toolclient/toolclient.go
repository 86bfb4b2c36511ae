// Package toolclient implements the tool-server interface the Planner
// stage queries: a small fixed set of read-only
// operations (read_file, analyze_codebase, search_code, run_tests)
// exposed by an opaque external tool server, reachable either over a
// plain JSON-RPC-over-HTTP transport or MCP.
package toolclient

import "context"

// Query names the closed set of operations the Planner may invoke.
const (
	QueryReadFile        = "read_file"
	QueryAnalyzeCodebase = "analyze_codebase"
	QuerySearchCode      = "search_code"
	QueryRunTests        = "run_tests"
)

// Query is one tool invocation.
type Query struct {
	Name string
	Args map[string]any
}

// Result is a tool invocation's outcome.
type Result struct {
	Name    string
	Output  map[string]any
	IsError bool
	Message string
}

// Client invokes a named tool-server operation.
type Client interface {
	CallTool(ctx context.Context, q Query) (Result, error)
	Close() error
}
