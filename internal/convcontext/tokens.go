package convcontext

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens the way the agent backends' own tokenizer would,
// so the compressor's budget matches what actually fills the model's
// context window.
type Counter struct {
	enc *tiktoken.Tiktoken
}

var (
	encodingCache   = map[string]*tiktoken.Tiktoken{}
	encodingCacheMu sync.Mutex
)

// NewCounter returns a Counter for model, falling back to cl100k_base when
// the model isn't recognized by tiktoken-go.
func NewCounter(model string) (*Counter, error) {
	if model == "" {
		model = "gpt-4"
	}

	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return &Counter{enc: enc}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("convcontext: load tiktoken encoding: %w", err)
		}
	}
	encodingCache[model] = enc
	return &Counter{enc: enc}, nil
}

// Count returns the token count of text under this Counter's encoding.
func (c *Counter) Count(text string) int {
	if c == nil || c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
