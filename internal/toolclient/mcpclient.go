package toolclient

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPClient invokes tool-server operations over MCP via a stdio subprocess,
// the same connect/initialize/call sequence mcptoolset.go uses for its
// stdio transport.
type MCPClient struct {
	client *client.Client
}

// NewMCPClient launches command with args/env, performs the MCP handshake,
// and returns a ready Client.
func NewMCPClient(ctx context.Context, command string, args []string, env map[string]string) (*MCPClient, error) {
	mcpClient, err := client.NewStdioMCPClient(command, envSlice(env), args...)
	if err != nil {
		return nil, fmt.Errorf("toolclient: start MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("toolclient: start MCP subprocess: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "makerd", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("toolclient: initialize MCP: %w", err)
	}

	return &MCPClient{client: mcpClient}, nil
}

func (c *MCPClient) CallTool(ctx context.Context, q Query) (Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = q.Name
	req.Params.Arguments = q.Args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("toolclient: MCP call %q: %w", q.Name, err)
	}

	result := Result{Name: q.Name, Output: map[string]any{}}
	if resp.IsError {
		result.IsError = true
		for _, content := range resp.Content {
			if text, ok := content.(mcp.TextContent); ok {
				result.Message = text.Text
				break
			}
		}
		return result, nil
	}

	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		result.Output["result"] = texts[0]
	default:
		result.Output["results"] = texts
	}
	return result, nil
}

func (c *MCPClient) Close() error {
	return c.client.Close()
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
