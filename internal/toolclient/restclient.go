package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/makerforge/orchestrator/internal/httpclient"
)

// jsonRPCRequest/Response are the JSON-RPC-over-HTTP shapes the plain
// REST tool server transport speaks.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Result  struct {
		Output  map[string]any `json:"output"`
		IsError bool           `json:"is_error"`
		Message string         `json:"message"`
	} `json:"result"`
	Error *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RESTClient invokes the tool server over a plain JSON-RPC POST, reusing
// the orchestrator's shared retry client.
type RESTClient struct {
	url  string
	http *httpclient.Client
}

// NewRESTClient builds a RESTClient targeting url.
func NewRESTClient(url string) *RESTClient {
	return &RESTClient{url: url, http: httpclient.New()}
}

func (c *RESTClient) CallTool(ctx context.Context, q Query) (Result, error) {
	reqBody := jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: q.Name, Params: q.Args}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("toolclient: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("toolclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("toolclient: call %q: %w", q.Name, err)
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return Result{}, fmt.Errorf("toolclient: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return Result{Name: q.Name, IsError: true, Message: rpcResp.Error.Message}, nil
	}
	return Result{
		Name:    q.Name,
		Output:  rpcResp.Result.Output,
		IsError: rpcResp.Result.IsError,
		Message: rpcResp.Result.Message,
	}, nil
}

func (c *RESTClient) Close() error { return nil }
