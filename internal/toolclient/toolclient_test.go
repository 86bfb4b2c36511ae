package toolclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/errorkind"
)

func rpcHandler(t *testing.T, want string, resp jsonRPCResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, want, req.Method)
		resp.ID = req.ID
		resp.JSONRPC = "2.0"
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func TestRESTClient_CallTool_Success(t *testing.T) {
	var resp jsonRPCResponse
	resp.Result.Output = map[string]any{"content": "package main"}

	srv := httptest.NewServer(rpcHandler(t, QueryReadFile, resp))
	defer srv.Close()

	c := NewRESTClient(srv.URL)
	result, err := c.CallTool(context.Background(), Query{Name: QueryReadFile, Args: map[string]any{"path": "main.go"}})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "package main", result.Output["content"])
}

func TestRESTClient_CallTool_UpstreamError(t *testing.T) {
	var resp jsonRPCResponse
	resp.Error = &jsonRPCError{Code: -1, Message: "file not found"}

	srv := httptest.NewServer(rpcHandler(t, QueryReadFile, resp))
	defer srv.Close()

	c := NewRESTClient(srv.URL)
	result, err := c.CallTool(context.Background(), Query{Name: QueryReadFile})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "file not found", result.Message)
}

func TestRESTClient_CallTool_ToolLevelError(t *testing.T) {
	var resp jsonRPCResponse
	resp.Result.IsError = true
	resp.Result.Message = "tests failed: 2 of 10"

	srv := httptest.NewServer(rpcHandler(t, QueryRunTests, resp))
	defer srv.Close()

	c := NewRESTClient(srv.URL)
	result, err := c.CallTool(context.Background(), Query{Name: QueryRunTests})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tests failed: 2 of 10", result.Message)
}

func TestRESTClient_CallTool_TransportFailure(t *testing.T) {
	c := NewRESTClient("http://127.0.0.1:0")
	_, err := c.CallTool(context.Background(), Query{Name: QuerySearchCode})
	require.Error(t, err)
}

type stubClient struct {
	calls int
}

func (s *stubClient) CallTool(ctx context.Context, q Query) (Result, error) {
	s.calls++
	return Result{Name: q.Name}, nil
}

func (s *stubClient) Close() error { return nil }

func TestBudgetedClient_EnforcesCeiling(t *testing.T) {
	stub := &stubClient{}
	b := NewBudgetedClient(stub, 2)
	ctx := context.Background()

	_, err := b.CallTool(ctx, Query{Name: QueryReadFile})
	require.NoError(t, err)
	_, err = b.CallTool(ctx, Query{Name: QueryReadFile})
	require.NoError(t, err)

	_, err = b.CallTool(ctx, Query{Name: QueryReadFile})
	require.Error(t, err)
	var kerr *errorkind.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errorkind.ToolQueryBudgetExceeded, kerr.Kind)
	assert.Equal(t, 2, stub.calls)
	assert.Equal(t, 2, b.Spent())
}

func TestBudgetedClient_Close_DelegatesToInner(t *testing.T) {
	stub := &stubClient{}
	b := NewBudgetedClient(stub, 5)
	assert.NoError(t, b.Close())
}

func TestNewFromConfig_EmptyURLReturnsNilClient(t *testing.T) {
	c := NewFromConfig(config.ServerConfig{})
	assert.Nil(t, c)
}

func TestNewFromConfig_ReturnsSharedRESTClient(t *testing.T) {
	c := NewFromConfig(config.ServerConfig{ToolServerURL: "http://example.invalid", MaxToolQueries: 5})
	require.NotNil(t, c)
	_, ok := c.(*RESTClient)
	assert.True(t, ok, "the per-task budget wrapper is applied by the pipeline, not the factory")
}
