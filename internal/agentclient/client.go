package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/errorkind"
	"github.com/makerforge/orchestrator/internal/httpclient"
	"github.com/makerforge/orchestrator/internal/observability"
)

// Client invokes named LLM endpoints. One Client is shared process-wide;
// all roles share one underlying transport so HTTP keep-alive connections
// are reused across calls, while each role gets its own retry
// client honoring that endpoint's max_retries/retry_backoff_ms settings.
type Client struct {
	endpoints map[config.Role]config.AgentEndpoint
	base      *http.Client
	perRole   map[config.Role]*httpclient.Client
	metrics   *observability.Metrics
}

// New builds a Client bound to the process's agent endpoint table.
func New(endpoints map[config.Role]config.AgentEndpoint) *Client {
	base := &http.Client{} // per-call deadlines come from the request context
	return &Client{
		endpoints: endpoints,
		base:      base,
		perRole:   buildRoleClients(base, endpoints),
	}
}

func buildRoleClients(base *http.Client, endpoints map[config.Role]config.AgentEndpoint) map[config.Role]*httpclient.Client {
	out := make(map[config.Role]*httpclient.Client, len(endpoints))
	for role, ep := range endpoints {
		opts := []httpclient.Option{httpclient.WithHTTPClient(base)}
		if ep.MaxRetries > 0 {
			opts = append(opts, httpclient.WithMaxRetries(ep.MaxRetries))
		}
		if ep.RetryBackoffMS > 0 {
			opts = append(opts, httpclient.WithBackoff(time.Duration(ep.RetryBackoffMS)*time.Millisecond))
		}
		out[role] = httpclient.New(opts...)
	}
	return out
}

// WithEndpoints returns a copy of c bound to a different endpoint table,
// sharing the same underlying http.Client so its connection pool (and
// therefore HTTP keep-alive reuse) carries over. Used to stamp a
// task with the agent endpoint config active at its creation time without
// losing pooled connections on every config hot-reload.
func (c *Client) WithEndpoints(endpoints map[config.Role]config.AgentEndpoint) *Client {
	return &Client{
		endpoints: endpoints,
		base:      c.base,
		perRole:   buildRoleClients(c.base, endpoints),
		metrics:   c.metrics,
	}
}

// WithMetrics attaches the metric set every call updates. Returns c for
// chaining at wiring time; not safe to call once the client is shared.
func (c *Client) WithMetrics(m *observability.Metrics) *Client {
	c.metrics = m
	return c
}

func (c *Client) countCall(role config.Role, outcome string) {
	if c.metrics != nil {
		c.metrics.AgentCalls.WithLabelValues(string(role), outcome).Inc()
	}
}

// Token is one chunk of streamed output.
type Token struct {
	Content string
	Done    bool
}

// CallSync invokes agent and returns its complete text response.
func (c *Client) CallSync(ctx context.Context, role config.Role, systemPrompt, userPrompt string, opts Options) (string, error) {
	ch, err := c.Call(ctx, role, systemPrompt, userPrompt, opts)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for tok := range ch {
		sb.WriteString(tok.Content)
	}
	return sb.String(), nil
}

// Call invokes agent and streams its response. The returned channel is
// closed when the response completes, the context is cancelled, or the
// stream breaks mid-read; errors establishing the call are returned
// immediately, before any channel is handed out.
func (c *Client) Call(ctx context.Context, role config.Role, systemPrompt, userPrompt string, opts Options) (<-chan Token, error) {
	ep, ok := c.endpoints[role]
	if !ok {
		return nil, errorkind.New(errorkind.AgentUnavailable, fmt.Sprintf("no endpoint configured for role %q", role))
	}
	if opts.Timeout == 0 {
		opts.Timeout = ep.Timeout()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}

	ctx, span := observability.StartAgentCallSpan(ctx, string(role), len(systemPrompt)+len(userPrompt))
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)

	reqBody := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true, // always request SSE from the backend; CallSync just drains it
		Stop:        opts.StopSequences,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		cancel()
		span.End()
		return nil, errorkind.Wrap(errorkind.AgentMalformedResponse, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		span.End()
		return nil, errorkind.Wrap(errorkind.AgentUnavailable, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.perRole[role].Do(httpReq)
	if err != nil {
		cancel()
		kind := errorkind.AgentUnavailable
		if ctx.Err() != nil {
			kind = errorkind.AgentTimeout
		}
		c.countCall(role, string(kind))
		span.SetAttributes(observability.AttrTerminalErrKind.String(string(kind)))
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, errorkind.Wrap(kind, fmt.Sprintf("call agent %q", role), err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancel()
		c.countCall(role, string(errorkind.AgentUnavailable))
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		span.End()
		return nil, errorkind.New(errorkind.AgentUnavailable, fmt.Sprintf("agent %q returned status %d", role, resp.StatusCode))
	}

	out := make(chan Token, 32)
	go func() {
		defer cancel()
		defer span.End()
		defer resp.Body.Close()
		defer close(out)

		responseSize := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				slog.Warn("agentclient: malformed SSE chunk", "role", role, "error", err)
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					responseSize += len(choice.Delta.Content)
					select {
					case out <- Token{Content: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("agentclient: stream read error", "role", role, "error", err)
		}
		span.SetAttributes(observability.AttrResponseSize.Int(responseSize))
		c.countCall(role, "ok")
		if c.metrics != nil {
			c.metrics.AgentCallLatency.WithLabelValues(string(role)).Observe(time.Since(start).Seconds())
		}
		slog.Debug("agentclient: call complete",
			"role", role, "latency", time.Since(start), "response_size", responseSize)
	}()

	return out, nil
}
