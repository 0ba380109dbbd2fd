package surface

import (
	"fmt"

	"go-signaling/internal/config"
	"go-signaling/internal/redis"
	"go-signaling/internal/store"
)

// OpenStore opens the configured call-state backend and returns the store
// for user. Surfaces of the same user share the key; surfaces of different
// users on one host do not.
func OpenStore(cfg config.Client, user string) (*store.Store, func() error, error) {
	var (
		backend store.Backend
		closeFn func() error
	)

	switch cfg.StoreBackend {
	case "memory":
		m := store.NewMemory()
		backend, closeFn = m, m.Close

	case "sqlite":
		s, err := store.OpenSQLite(cfg.StorePath, 0)
		if err != nil {
			return nil, nil, err
		}
		backend, closeFn = s, s.Close

	case "redis":
		client, err := redis.NewClient(cfg.StoreRedisURL)
		if err != nil {
			return nil, nil, err
		}
		backend, closeFn = redis.NewCallStore(client, store.DefaultTTL), client.Close

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	return store.New(backend, cfg.StoreKey+":"+user), closeFn, nil
}
