// Package badger persists the memory engine's snapshots to a Badger key-value
// store under "state/<bucket>" keys.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"txgraph/internal/blob"
	"txgraph/internal/infra/persistence/memory"
	"txgraph/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const statePrefix = "state/"

// Store snapshots the memory engine to Badger inside every commit.
type Store struct {
	*memory.Store
	db *badgerdb.DB
}

// NewStore opens a Badger database in dir, or in memory when dir is empty.
func NewStore(dir string, blobs blob.Store, opts ...memory.Option) (*Store, error) {
	bopts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	snap, err := load(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	opts = append([]memory.Option{memory.WithSnapshot(snap), memory.WithBlobStore(blobs)}, opts...)
	opts = append(opts, memory.WithPersister(s.persist))
	s.Store = memory.NewStore(opts...)
	return s, nil
}

// Close stops the engine and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.db.Close())
}

func load(db *badgerdb.DB) (memory.Snapshot, error) {
	buckets := make(map[string][]byte)
	err := db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			payload, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Key(), err)
			}
			buckets[strings.TrimPrefix(string(item.Key()), statePrefix)] = payload
		}
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("load state: %w", err)
	}
	return memory.DecodeSnapshot(buckets)
}

func (s *Store) persist(_ context.Context, snap memory.Snapshot) error {
	buckets, err := memory.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, bucket := range memory.Buckets {
			if err := txn.Set([]byte(statePrefix+bucket), buckets[bucket]); err != nil {
				return fmt.Errorf("put %s: %w", bucket, err)
			}
		}
		return nil
	})
}
