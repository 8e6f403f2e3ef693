package idmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/JonMunkholm/erpseed/internal/core"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps mappings in a local SQLite database. It is the default
// durable backend for single-machine runs.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and creates the schema if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS id_mappings (
		kind        TEXT    NOT NULL,
		natural_key TEXT    NOT NULL,
		remote_id   INTEGER NOT NULL,
		updated_at  TEXT    NOT NULL,
		PRIMARY KEY (kind, natural_key)
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate id_mappings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, kind core.Kind, key string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT remote_id FROM id_mappings WHERE kind = ? AND natural_key = ?`,
		string(kind), key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get mapping %s: %w", core.RecordKey(kind, key), err)
	}
	return id, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, kind core.Kind, key string, id int64) error {
	if err := validatePut(kind, key, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO id_mappings (kind, natural_key, remote_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, natural_key) DO UPDATE SET
			remote_id  = excluded.remote_id,
			updated_at = excluded.updated_at`,
		string(kind), key, id, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put mapping %s: %w", core.RecordKey(kind, key), err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, kind core.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM id_mappings WHERE kind = ?`, string(kind),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mappings for %s: %w", kind, err)
	}
	return n, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM id_mappings`); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
