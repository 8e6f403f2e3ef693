package idmap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// DBTX is the subset of pgx used by PostgresStore. Both *pgxpool.Pool and
// pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps mappings in a shared PostgreSQL table.
type PostgresStore struct {
	db   DBTX
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and prepares the schema.
func OpenPostgres(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres url is required")
	}

	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// NewPostgresStore wraps db and creates the schema if needed. The caller owns
// db; Close is a no-op unless the store was created by OpenPostgres.
func NewPostgresStore(ctx context.Context, db DBTX) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS id_mappings (
			kind        TEXT        NOT NULL,
			natural_key TEXT        NOT NULL,
			remote_id   BIGINT      NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (kind, natural_key)
		)`)
	if err != nil {
		return fmt.Errorf("migrate id_mappings: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind core.Kind, key string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`SELECT remote_id FROM id_mappings WHERE kind = $1 AND natural_key = $2`,
		string(kind), key,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get mapping %s: %w", core.RecordKey(kind, key), err)
	}
	return id, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, kind core.Kind, key string, id int64) error {
	if err := validatePut(kind, key, id); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO id_mappings (kind, natural_key, remote_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (kind, natural_key) DO UPDATE SET
			remote_id  = EXCLUDED.remote_id,
			updated_at = EXCLUDED.updated_at`,
		string(kind), key, id,
	)
	if err != nil {
		return fmt.Errorf("put mapping %s: %w", core.RecordKey(kind, key), err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, kind core.Kind) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM id_mappings WHERE kind = $1`, string(kind),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mappings for %s: %w", kind, err)
	}
	return n, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM id_mappings`); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
