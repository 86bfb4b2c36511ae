// Package convcontext keeps a bounded, coherent view of a task's
// conversation: a sliding window over turns that folds the oldest span
// into a summary once the window nears its token budget.
package convcontext

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/observability"
)

// Record is one turn of conversation, or a folded summary standing in for
// a span of prior turns.
type Record struct {
	Role    string
	Content string
	Tokens  int
	Summary bool
}

// Summarizer condenses a span of rendered conversation text into a shorter
// summary. The orchestrator's Preprocessor agent plays this role at
// runtime; tests supply a stub.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Context accumulates one agent's conversation turns and keeps their total
// size under a token budget by summarizing the oldest material first.
type Context struct {
	mu         sync.Mutex
	records    []Record
	cfg        config.ContextConfig
	counter    *Counter
	summarizer Summarizer
	metrics    *observability.Metrics
}

// New builds a Context bound to cfg's budget and the given token counter and
// summarizer. metrics may be nil in tests.
func New(cfg config.ContextConfig, counter *Counter, summarizer Summarizer, metrics *observability.Metrics) *Context {
	return &Context{
		cfg:        cfg,
		counter:    counter,
		summarizer: summarizer,
		metrics:    metrics,
	}
}

// Append adds one conversation turn.
func (c *Context) Append(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, Record{
		Role:    role,
		Content: content,
		Tokens:  c.counter.Count(content),
	})
}

// Render flattens the window into a single prompt-ready string, role by
// role in chronological order, truncating the oldest lines first if the
// result would still exceed maxChars.
func (c *Context) Render(maxChars int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := make([]string, 0, len(c.records))
	for _, r := range c.records {
		prefix := r.Role
		if r.Summary {
			prefix = r.Role + " (summary)"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", prefix, r.Content))
	}
	if maxChars <= 0 {
		return strings.Join(lines, "\n")
	}
	for len(lines) > 1 && totalLen(lines) > maxChars {
		lines = lines[1:]
	}
	out := strings.Join(lines, "\n")
	if len(out) > maxChars {
		out = out[len(out)-maxChars:]
	}
	return out
}

func totalLen(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}

// CompressIfNeeded folds the oldest contiguous non-summary span into one
// summary record once the window exceeds cfg.CompressThreshold of the
// budget, always leaving the most recent cfg.RecentKeep records untouched.
// It is idempotent: a window already under threshold is left alone. If
// summarization fails, it falls back to dropping the oldest records
// outright rather than leaving the window over budget.
func (c *Context) CompressIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	budget := c.cfg.MaxTokens
	threshold := int(float64(budget) * c.cfg.CompressThreshold)
	total := c.totalTokensLocked()
	if total <= threshold || len(c.records) <= c.cfg.RecentKeep {
		c.mu.Unlock()
		return nil
	}

	compressible := c.records[:len(c.records)-c.cfg.RecentKeep]
	minSpanTokens := int(float64(budget) * c.cfg.MinCompressSpan)
	spanEnd := 0
	spanTokens := 0
	for i, r := range compressible {
		if r.Summary && spanEnd == 0 {
			// A leading summary rides along into the new summary (second-level
			// compaction) without counting toward the span size.
			continue
		}
		spanTokens += r.Tokens
		spanEnd = i + 1
		if spanTokens >= minSpanTokens {
			break
		}
	}
	if spanEnd == 0 {
		c.mu.Unlock()
		return nil
	}

	span := append([]Record{}, compressible[:spanEnd]...)
	rest := append([]Record{}, c.records[spanEnd:]...)
	c.mu.Unlock()

	var sb strings.Builder
	for _, r := range span {
		sb.WriteString(r.Role)
		sb.WriteString(": ")
		sb.WriteString(r.Content)
		sb.WriteString("\n")
	}

	summaryText, err := c.summarizer.Summarize(ctx, sb.String())

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lossyTruncateLocked(threshold)
		return fmt.Errorf("convcontext: summarize span, fell back to truncation: %w", err)
	}

	summary := Record{
		Role:    "context",
		Content: summaryText,
		Tokens:  c.counter.Count(summaryText),
		Summary: true,
	}
	c.records = append([]Record{summary}, rest...)
	if c.metrics != nil {
		c.metrics.ContextCompress.Inc()
	}
	return nil
}

// lossyTruncateLocked drops the oldest records, always keeping RecentKeep,
// until the window fits under threshold tokens. Caller must hold c.mu.
func (c *Context) lossyTruncateLocked(threshold int) {
	for c.totalTokensLocked() > threshold && len(c.records) > c.cfg.RecentKeep {
		c.records = c.records[1:]
	}
	if c.metrics != nil {
		c.metrics.ContextCompress.Inc()
	}
}

func (c *Context) totalTokensLocked() int {
	n := 0
	for _, r := range c.records {
		n += r.Tokens
	}
	return n
}

// TotalTokens reports the window's current token usage.
func (c *Context) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTokensLocked()
}

// Records returns a defensive copy of the current window, oldest first.
func (c *Context) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}
