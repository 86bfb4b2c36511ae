package toolclient

import (
	"context"
	"sync"

	"github.com/makerforge/orchestrator/internal/errorkind"
)

// BudgetedClient wraps a Client and caps the number of queries a single task
// may issue against the tool server.
type BudgetedClient struct {
	inner Client
	max   int

	mu    sync.Mutex
	spent int
}

// NewBudgetedClient wraps inner with a per-task query ceiling of max.
func NewBudgetedClient(inner Client, max int) *BudgetedClient {
	return &BudgetedClient{inner: inner, max: max}
}

func (b *BudgetedClient) CallTool(ctx context.Context, q Query) (Result, error) {
	b.mu.Lock()
	if b.spent >= b.max {
		b.mu.Unlock()
		return Result{}, errorkind.New(errorkind.ToolQueryBudgetExceeded,
			"task exceeded its tool query budget")
	}
	b.spent++
	b.mu.Unlock()

	return b.inner.CallTool(ctx, q)
}

func (b *BudgetedClient) Close() error {
	return b.inner.Close()
}

// Spent reports the number of queries issued so far.
func (b *BudgetedClient) Spent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}
