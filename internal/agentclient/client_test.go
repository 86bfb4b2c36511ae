package agentclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/errorkind"
)

func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func endpoints(url string) map[config.Role]config.AgentEndpoint {
	return map[config.Role]config.AgentEndpoint{
		config.RoleCoder: {Role: config.RoleCoder, URL: url, TimeoutMS: 2000},
	}
}

func TestClient_CallSync_StreamsAndJoins(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"func "}}]}`,
		`{"choices":[{"delta":{"content":"add(a,b) { return a+b }"}}]}`,
	})
	defer srv.Close()

	c := New(endpoints(srv.URL))
	out, err := c.CallSync(context.Background(), config.RoleCoder, "sys", "user", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "func add(a,b) { return a+b }", out)
}

func TestClient_Call_UnknownRole(t *testing.T) {
	c := New(map[config.Role]config.AgentEndpoint{})
	_, err := c.Call(context.Background(), config.RoleCoder, "sys", "user", DefaultOptions())
	require.Error(t, err)
	var kerr *errorkind.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errorkind.AgentUnavailable, kerr.Kind)
}

func TestClient_Call_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(endpoints(srv.URL))
	_, err := c.Call(context.Background(), config.RoleCoder, "sys", "user", DefaultOptions())
	require.Error(t, err)
	var kerr *errorkind.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errorkind.AgentUnavailable, kerr.Kind)
}

func TestClient_Call_TimesOut(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(endpoints(srv.URL))
	opts := DefaultOptions()
	opts.Timeout = 20 * time.Millisecond
	_, err := c.Call(context.Background(), config.RoleCoder, "sys", "user", opts)
	require.Error(t, err)
}
