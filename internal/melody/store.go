package melody

import (
	"sync"

	"github.com/makerforge/orchestrator/internal/config"
)

// Store holds one Chain per task in memory. It stays usable even when the
// reasoning chain is disabled: OpenTask then hands out detached chains, so
// the rest of the pipeline never has to branch on whether melody is on.
type Store struct {
	cfg config.MelodyConfig

	mu     sync.Mutex
	chains map[string]*Chain
}

// NewStore builds a Store governed by cfg.
func NewStore(cfg config.MelodyConfig) *Store {
	return &Store{cfg: cfg, chains: make(map[string]*Chain)}
}

// OpenTask returns the chain for taskID, creating it on first use. When
// melody is disabled it returns a fresh, unregistered chain on every call:
// records written to it are kept only on that returned *Chain (its own
// ContextFor still renders them), and a later OpenTask for the same task
// starts from an empty chain.
func (s *Store) OpenTask(taskID string) *Chain {
	if s.cfg.Disabled {
		return OpenTask(taskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chains[taskID]; ok {
		return c
	}
	c := OpenTask(taskID)
	s.chains[taskID] = c
	return c
}

// RenderBudget returns the configured character budget for ContextFor
// calls, falling back to a sane default when unset.
func (s *Store) RenderBudget() int {
	if s.cfg.RenderBudget <= 0 {
		return 4000
	}
	return s.cfg.RenderBudget
}

// Forget drops a task's chain once it reaches a terminal state, so a
// long-running process doesn't accumulate chains forever.
func (s *Store) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chains, taskID)
}
