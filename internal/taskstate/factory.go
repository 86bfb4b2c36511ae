package taskstate

import (
	"fmt"

	"github.com/makerforge/orchestrator/internal/config"
)

// NewStore builds the Store backend selected by cfg.Backend.
func NewStore(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "etcd":
		if len(cfg.Etcd) == 0 {
			return nil, fmt.Errorf("taskstate: store.backend=etcd requires store.etcd_endpoints")
		}
		return NewEtcdStore(cfg.Etcd)
	default:
		return nil, fmt.Errorf("taskstate: unknown store backend %q", cfg.Backend)
	}
}
