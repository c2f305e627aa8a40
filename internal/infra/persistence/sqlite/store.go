// Package sqlite persists the memory engine's snapshots to a single SQLite
// table, one msgpack payload per bucket.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"txgraph/internal/blob"
	"txgraph/internal/infra/persistence/memory"
	"txgraph/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when NewStore is given an empty path.
const DefaultPath = "txgraph.db"

// Store snapshots the memory engine to SQLite inside every commit.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and hydrates the engine
// from any stored snapshot. Blob contents live in blobs, not in SQLite.
func NewStore(path string, blobs blob.Store, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Commits are serialized by the engine; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	snap, err := load(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path}
	opts = append([]memory.Option{memory.WithSnapshot(snap), memory.WithBlobStore(blobs)}, opts...)
	opts = append(opts, memory.WithPersister(s.persist))
	s.Store = memory.NewStore(opts...)
	return s, nil
}

// Path reports the database file location.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close stops the engine and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.db.Close())
}

func load(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	buckets := make(map[string][]byte)
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan: %w", err)
		}
		buckets[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return memory.DecodeSnapshot(buckets)
}

func (s *Store) persist(ctx context.Context, snap memory.Snapshot) (retErr error) {
	buckets, err := memory.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.Buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, buckets[bucket]); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
