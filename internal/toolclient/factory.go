package toolclient

import (
	"net/http"

	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/httpclient"
)

// NewFromConfig builds the REST-backed tool-server client the Planner stage
// queries. An empty ToolServerURL means no tool server is configured for
// this deployment; callers should treat a nil Client as "tool queries
// unavailable" rather than an error. The per-task query budget is applied
// by the caller via NewBudgetedClient, since this shared client outlives
// any one task. Stdio/MCP-backed deployments construct an MCPClient
// directly via NewMCPClient, since the subprocess command/args/env triple
// isn't expressible in this single-URL config field.
func NewFromConfig(cfg config.ServerConfig) Client {
	if cfg.ToolServerURL == "" {
		return nil
	}
	c := NewRESTClient(cfg.ToolServerURL)
	if cfg.ToolTimeout > 0 {
		c.http = httpclient.New(httpclient.WithHTTPClient(&http.Client{Timeout: cfg.ToolTimeout}))
	}
	return c
}
