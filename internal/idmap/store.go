// Package idmap stores the mapping from (kind, natural key) to the remote id
// assigned by the remote system.
//
// Every backend upserts: writing the same mapping twice is a no-op, and a key
// never maps to more than one remote id. Mappings are never deleted during a
// run; Clear exists only to reset state between independent runs.
package idmap

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// Store is a durable (kind, natural key) -> remote id table. Implementations
// are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, kind core.Kind, key string) (id int64, found bool, err error)
	Put(ctx context.Context, kind core.Kind, key string, id int64) error
	Count(ctx context.Context, kind core.Kind) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendValkey   = "valkey"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	SQLitePath string

	PostgresURL      string
	PostgresMaxConns int

	ValkeyAddr      string
	ValkeyPassword  string
	ValkeyKeyPrefix string
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
	case BackendValkey:
		return OpenValkey(ctx, cfg.ValkeyAddr, cfg.ValkeyPassword, cfg.ValkeyKeyPrefix)
	default:
		return nil, fmt.Errorf("unknown id mapping backend %q", cfg.Backend)
	}
}

func validatePut(kind core.Kind, key string, id int64) error {
	if kind == "" {
		return fmt.Errorf("id mapping: kind is required")
	}
	if key == "" {
		return fmt.Errorf("id mapping: natural key is required for %s", kind)
	}
	if id <= 0 {
		return fmt.Errorf("id mapping: invalid remote id %d for %s", id, core.RecordKey(kind, key))
	}
	return nil
}
