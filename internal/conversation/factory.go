package conversation

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type Config struct {
	Backend     string
	DatabaseURL string
	BadgerPath  string
}

// NewStore picks a backend from cfg. An empty backend resolves to postgres
// when a database URL is configured and to memory otherwise.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendMemory
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			backend = BackendPostgres
		}
	}

	switch backend {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres store requires a database url")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case BackendBadger:
		return NewBadgerStore(strings.TrimSpace(cfg.BadgerPath))
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
