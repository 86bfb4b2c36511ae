// Package agentclient invokes a named LLM endpoint and streams or
// collects its output, with each role's configured retry/timeout policy
// and per-call tracing.
package agentclient

import "time"

// Options enumerates the recognized per-call knobs.
type Options struct {
	Temperature   float64
	MaxTokens     int
	Stream        bool
	Timeout       time.Duration
	StopSequences []string
}

// DefaultOptions returns the documented defaults. Timeout is left zero so
// each call resolves it from the invoked role's configured timeout; the
// hard fallback when neither is set lives in Client.Call.
func DefaultOptions() Options {
	return Options{
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// chatMessage is one OpenAI-compatible chat message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible chat-completion request body sent to
// every agent backend.
type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// chatResponse is the non-streaming OpenAI-compatible response shape.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// chatChunk is one SSE chunk of a streaming OpenAI-compatible response.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}
