package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"txgraph/internal/blob"
)

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "graph.db")
	blobs := blob.NewMemory()
	store, err := NewStore(path, blobs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, _ := tx.NewEntity("User")
	_ = tx.SetProperty(id, "login", "root")
	_ = tx.SetBlobString(id, "bio", "hi")
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, blobs)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if reopened.Path() != path {
		t.Fatalf("unexpected path %s", reopened.Path())
	}
	rtx, err := reopened.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if v, ok := rtx.Property(id, "login"); !ok || v != "root" {
		t.Fatalf("expected persisted property, got %#v", v)
	}
	if text, ok, err := rtx.BlobString(id, "bio"); err != nil || !ok || text != "hi" {
		t.Fatalf("expected blob through shared blob store, got %q %v %v", text, ok, err)
	}
}

func TestAbortedTransactionIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx, _ := store.Begin(ctx)
	id, _ := tx.NewEntity("User")
	_ = tx.Abort()
	_ = store.Close()

	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	rtx, _ := reopened.Begin(ctx)
	if rtx.Exists(id) {
		t.Fatalf("aborted entity must not be persisted")
	}
	var rows int
	if err := reopened.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM state`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected no snapshot rows, got %d", rows)
	}
}
