package taskstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/makerforge/orchestrator/internal/errorkind"
)

// EtcdStore persists Tasks in etcd under `task:{id}` keys with a lease
// matching the task's TTL, and grants the soft per-task lock using a
// second `lock:{id}` key held under its own short lease. etcd expires
// the lock lease on its own, so no separate reaper is needed.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore dials the given etcd endpoints.
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("taskstate: dial etcd: %w", err)
	}
	return &EtcdStore{client: cli}, nil
}

// Close releases the underlying etcd client connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func taskKey(id string) string { return "task:" + id }
func lockKey(id string) string { return "lock:" + id }

func (s *EtcdStore) Save(ctx context.Context, task *Task) error {
	snap := task.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("taskstate: encode snapshot: %w", err)
	}

	ttl := snap.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	lease, err := s.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("taskstate: grant lease: %w", err)
	}
	if _, err := s.client.Put(ctx, taskKey(snap.ID), string(payload), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("taskstate: put task: %w", err)
	}
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, id string) (*Task, error) {
	resp, err := s.client.Get(ctx, taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("taskstate: get task: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, errorkind.New(errorkind.TaskNotFound, "task "+id+" not found")
	}
	var snap Snapshot
	if err := json.Unmarshal(resp.Kvs[0].Value, &snap); err != nil {
		return nil, fmt.Errorf("taskstate: decode snapshot: %w", err)
	}
	return fromSnapshot(snap), nil
}

func (s *EtcdStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, taskKey(id))
	if err != nil {
		return fmt.Errorf("taskstate: delete task: %w", err)
	}
	return nil
}

// Acquire grants the soft lease by creating lock:{id} only if it doesn't
// already exist, using etcd's compare-and-swap transaction on the key's
// creation revision. The lock key's own lease expires after leaseTTL,
// which is what makes the lock "soft": a worker that crashes without
// calling release simply has its lock time out.
func (s *EtcdStore) Acquire(ctx context.Context, id string, leaseTTL time.Duration) (func(), error) {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	lease, err := s.client.Grant(ctx, int64(leaseTTL.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("taskstate: grant lock lease: %w", err)
	}

	key := lockKey(id)
	txn := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "held", clientv3.WithLease(lease.ID)))
	resp, err := txn.Commit()
	if err != nil {
		return nil, fmt.Errorf("taskstate: acquire lock: %w", err)
	}
	if !resp.Succeeded {
		return nil, errorkind.New(errorkind.TaskLocked, "task "+id+" is leased by another worker")
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = s.client.Revoke(releaseCtx, lease.ID)
	}
	return release, nil
}
