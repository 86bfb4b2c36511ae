package taskstate

import (
	"context"
	"sync"
	"time"

	"github.com/makerforge/orchestrator/internal/errorkind"
)

// Store persists Tasks under `task:{id}` keys with a TTL (default 24h),
// and grants a soft per-task lease (default 5m) so only one pipeline
// worker processes a task at a time.
type Store interface {
	Save(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Delete(ctx context.Context, id string) error

	// Acquire grants a soft lease on id for leaseTTL. It returns
	// errorkind.TaskLocked if another holder's lease hasn't expired yet.
	// The returned release function must be called to give the lease up
	// before its TTL, e.g. once a pipeline run finishes.
	Acquire(ctx context.Context, id string, leaseTTL time.Duration) (release func(), err error)
}

// MemoryStore is an in-process Store, the default backend. An expired task is reaped lazily when Get asks for it
// rather than by a background sweep, keeping it dependency-free for tests
// and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	expiry map[string]time.Time
	leases map[string]time.Time // id -> lease expiry
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		expiry: make(map[string]time.Time),
		leases: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Save(_ context.Context, task *Task) error {
	snap := task.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[snap.ID] = task
	ttl := snap.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.expiry[snap.ID] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expiry[id]; ok && time.Now().After(exp) {
		delete(s.tasks, id)
		delete(s.expiry, id)
		delete(s.leases, id)
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, errorkind.New(errorkind.TaskNotFound, "task "+id+" not found")
	}
	return task, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	delete(s.expiry, id)
	delete(s.leases, id)
	return nil
}

func (s *MemoryStore) Acquire(_ context.Context, id string, leaseTTL time.Duration) (func(), error) {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if held, ok := s.leases[id]; ok && now.Before(held) {
		return nil, errorkind.New(errorkind.TaskLocked, "task "+id+" is leased by another worker")
	}
	s.leases[id] = now.Add(leaseTTL)

	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.leases, id)
	}
	return release, nil
}
