package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"txgraph/internal/blob"
	"txgraph/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.PersistentTx    = (*Tx)(nil)
)

const defaultHistoryLimit = 256

// Persister durably records a snapshot. It runs inside Commit, before the new
// state becomes visible; an error fails the commit.
type Persister func(ctx context.Context, snapshot Snapshot) error

// Store is a copy-on-begin engine: every transaction works on a private clone
// of the committed state, and Commit swaps the clone in.
type Store struct {
	mu           sync.RWMutex
	state        memoryState
	version      uint64
	blobs        blob.Store
	persist      Persister
	historyLimit int
	closed       bool
}

// Option configures a Store.
type Option func(*Store)

// WithBlobStore sets where blob contents are kept. Defaults to an in-memory store.
func WithBlobStore(b blob.Store) Option {
	return func(s *Store) {
		if b != nil {
			s.blobs = b
		}
	}
}

// WithPersister installs the commit hook used by the durable backends.
func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }

// WithSnapshot seeds the store with previously persisted state.
func WithSnapshot(snap Snapshot) Option {
	return func(s *Store) { s.state = stateFromSnapshot(snap) }
}

// WithHistoryLimit bounds the recorded property history per type.
func WithHistoryLimit(n int) Option { return func(s *Store) { s.historyLimit = n } }

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{state: newMemoryState(), historyLimit: defaultHistoryLimit}
	for _, opt := range opts {
		opt(s)
	}
	if s.blobs == nil {
		s.blobs = blob.NewMemory()
	}
	return s
}

// BlobKey is the blob store key of a blob property.
func BlobKey(typ string, id domain.EntityID, name string) string {
	return typ + "/" + strconv.FormatInt(id.LocalID, 10) + "/" + name
}

// Begin starts a transaction over a private copy of the committed state.
func (s *Store) Begin(ctx context.Context) (domain.PersistentTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	return &Tx{
		store: s,
		ctx:   context.WithoutCancel(ctx),
		base:  s.version,
		state: s.state.clone(),
		blobs: make(map[string]*pendingBlob),
	}, nil
}

// ExportState clones the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromState(s.state)
}

// ImportState replaces the committed state.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateFromSnapshot(snap)
	s.version++
}

// History returns the recorded property history of typ, oldest first.
func (s *Store) History(typ string) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryEntry(nil), s.state.history[typ]...)
}

// BlobStore exposes the blob store holding blob contents.
func (s *Store) BlobStore() blob.Store { return s.blobs }

// Close rejects further transactions.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) commit(ctx context.Context, tx *Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	if s.version != tx.base {
		return domain.ErrConflict
	}
	if err := s.applyBlobs(ctx, tx); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(ctx, snapshotFromState(tx.state)); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	s.state = tx.state
	s.version++
	return nil
}

func (s *Store) applyBlobs(ctx context.Context, tx *Tx) error {
	for _, key := range tx.blobOrder {
		pending := tx.blobs[key]
		if _, err := s.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete blob %s: %w", key, err)
		}
		if pending.deleted {
			continue
		}
		contentType := "application/octet-stream"
		if pending.text {
			contentType = "text/plain; charset=utf-8"
		}
		if _, err := s.blobs.Put(ctx, key, bytes.NewReader(pending.data), blob.PutOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("put blob %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) readBlob(ctx context.Context, key string) ([]byte, bool, error) {
	_, rc, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rc.Close() }()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, false, fmt.Errorf("read blob %s: %w", key, err)
	}
	return buf.Bytes(), true, nil
}
