package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"txgraph/internal/infra/persistence/memory"
	"txgraph/pkg/domain"
)

type captureLogger struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLogger) record(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, level+":"+msg)
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.record("d", msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.record("i", msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.record("w", msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.record("e", msg) }

func (c *captureLogger) has(entry string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call == entry {
			return true
		}
	}
	return false
}

// testModel declares the types used across the core tests.
//
//	Account: required name, unique index on name
//	Folder.files (parent, 0..n, cascade) <-> File.folder (child, 0..1)
//	Node.children (parent, 0..n, cascade) <-> Node.parent (child, 0..1)
//	Person.spouse <-> Person.spouse2 (undirected, 0..1 each)
//	Doc.tags <-> Tag.docs (undirected, many-to-many)
//	Car.owner (directed, exactly one) -> Person
//	Badge.holder (directed, 0..1) -> Person, removed with its holder
//	Comment.doc (directed, 0..1) -> Doc, cleared when the doc goes
//	Note: text blob body, blob attachment
func testModel(t *testing.T) *domain.Model {
	t.Helper()
	m := domain.NewModel()
	add := func(md *domain.EntityMetadata) {
		if err := m.AddEntity(md); err != nil {
			t.Fatalf("add entity %s: %v", md.Type, err)
		}
	}
	add(&domain.EntityMetadata{
		Type:     "Account",
		Required: []string{"name"},
		Indexes:  []*domain.Index{{Fields: []domain.IndexField{{Name: "name"}}}},
	})
	add(&domain.EntityMetadata{Type: "Folder"})
	add(&domain.EntityMetadata{Type: "File"})
	add(&domain.EntityMetadata{Type: "Node"})
	add(&domain.EntityMetadata{Type: "Person"})
	add(&domain.EntityMetadata{Type: "Doc"})
	add(&domain.EntityMetadata{Type: "Tag"})
	add(&domain.EntityMetadata{Type: "Car"})
	add(&domain.EntityMetadata{Type: "Badge"})
	add(&domain.EntityMetadata{Type: "Comment"})
	add(&domain.EntityMetadata{Type: "Note", Properties: map[string]domain.PropertyMetadata{
		"body":       {Type: domain.PropertyText},
		"attachment": {Type: domain.PropertyBlob},
	}})

	associate := func(name string, end, opposite *domain.AssociationEnd) {
		if _, err := m.Associate(name, end, opposite); err != nil {
			t.Fatalf("associate %s: %v", name, err)
		}
	}
	associate("folder-files",
		&domain.AssociationEnd{Name: "files", SourceType: "Folder", TargetType: "File", Cardinality: domain.CardinalityZeroOrMany, Kind: domain.EndParent, CascadeDelete: true},
		&domain.AssociationEnd{Name: "folder", SourceType: "File", TargetType: "Folder", Cardinality: domain.CardinalityZeroOrOne, Kind: domain.EndChild})
	associate("node-tree",
		&domain.AssociationEnd{Name: "children", SourceType: "Node", TargetType: "Node", Cardinality: domain.CardinalityZeroOrMany, Kind: domain.EndParent, CascadeDelete: true},
		&domain.AssociationEnd{Name: "parent", SourceType: "Node", TargetType: "Node", Cardinality: domain.CardinalityZeroOrOne, Kind: domain.EndChild})
	associate("marriage",
		&domain.AssociationEnd{Name: "spouse", SourceType: "Person", TargetType: "Person", Cardinality: domain.CardinalityZeroOrOne, Kind: domain.EndUndirected, ClearOnDelete: true},
		&domain.AssociationEnd{Name: "spouseOf", SourceType: "Person", TargetType: "Person", Cardinality: domain.CardinalityZeroOrOne, Kind: domain.EndUndirected, ClearOnDelete: true})
	associate("tagging",
		&domain.AssociationEnd{Name: "tags", SourceType: "Doc", TargetType: "Tag", Cardinality: domain.CardinalityZeroOrMany, Kind: domain.EndUndirected, ClearOnDelete: true},
		&domain.AssociationEnd{Name: "docs", SourceType: "Tag", TargetType: "Doc", Cardinality: domain.CardinalityZeroOrMany, Kind: domain.EndUndirected, ClearOnDelete: true})
	associate("ownership",
		&domain.AssociationEnd{Name: "owner", SourceType: "Car", TargetType: "Person", Cardinality: domain.CardinalityOne, Kind: domain.EndDirected}, nil)
	associate("badge-holder",
		&domain.AssociationEnd{Name: "holder", SourceType: "Badge", TargetType: "Person", Cardinality: domain.CardinalityZeroOrOne, Kind: domain.EndDirected, TargetCascadeDelete: true}, nil)
	associate("comment-doc",
		&domain.AssociationEnd{Name: "doc", SourceType: "Comment", TargetType: "Doc", Cardinality: domain.CardinalityZeroOrOne, Kind: domain.EndDirected, TargetClearOnDelete: true}, nil)
	return m
}

func openTestStore(t *testing.T, opts ...Option) (*Store, *memory.Store) {
	t.Helper()
	persistent := memory.NewStore()
	store, err := Open(persistent, testModel(t), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, persistent
}

func beginSession(t *testing.T, store *Store) *Session {
	t.Helper()
	s, err := store.BeginSession(context.Background())
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	return s
}

func newEntityOf(t *testing.T, s *Session, typ string) *Entity {
	t.Helper()
	e, err := s.NewEntity(typ)
	if err != nil {
		t.Fatalf("new %s: %v", typ, err)
	}
	return e
}

func mustFlush(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// committed opens a fresh persistent transaction to inspect flushed state.
func committed(t *testing.T, persistent *memory.Store) domain.PersistentTx {
	t.Helper()
	tx, err := persistent.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { _ = tx.Abort() })
	return tx
}

func newAccount(t *testing.T, s *Session, name string) *Entity {
	t.Helper()
	a := newEntityOf(t, s, "Account")
	must(t, a.SetProperty("name", name))
	return a
}

func kinds(actions []*Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = fmt.Sprint(a.Kind)
	}
	return out
}
