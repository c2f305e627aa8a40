package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"txgraph/internal/infra/persistence/memory"
	"txgraph/internal/infra/persistence/postgres/testutil"
)

func openStub(t *testing.T) (*sql.DB, *testutil.StubConn, func()) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	var gotDriver, gotDSN string
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driverName, dsn
		return db, nil
	})
	return db, conn, func() {
		restore()
		if gotDriver != "" && (gotDriver != defaultDriver || gotDSN == "") {
			t.Errorf("unexpected open(%q, %q)", gotDriver, gotDSN)
		}
	}
}

func TestNewStoreCreatesTableAndPersistsCommits(t *testing.T) {
	ctx := context.Background()
	_, conn, restore := openStub(t)
	defer restore()

	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if len(conn.Execs) == 0 || !strings.Contains(conn.Execs[0], "CREATE TABLE IF NOT EXISTS state") {
		t.Fatalf("expected state table ddl, got %v", conn.Execs)
	}
	tx, _ := store.Begin(ctx)
	id, _ := tx.NewEntity("User")
	_ = tx.SetProperty(id, "login", "root")
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rows := conn.Rows("state")
	if len(rows) != len(memory.Buckets) {
		t.Fatalf("expected one row per bucket, got %d", len(rows))
	}

	buckets := make(map[string][]byte)
	for _, row := range rows {
		buckets[row["bucket"].(string)] = row["payload"].([]byte)
	}
	snap, err := memory.DecodeSnapshot(buckets)
	if err != nil {
		t.Fatalf("decode persisted snapshot: %v", err)
	}
	if len(snap.Entities) != 1 || snap.Entities[0].Properties["login"] != "root" {
		t.Fatalf("unexpected persisted entities %+v", snap.Entities)
	}
}

func TestNewStoreHydratesFromExistingRows(t *testing.T) {
	ctx := context.Background()
	_, conn, restore := openStub(t)
	defer restore()

	seed := memory.NewStore()
	tx, _ := seed.Begin(ctx)
	id, _ := tx.NewEntity("User")
	_ = tx.SetProperty(id, "login", "seeded")
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	buckets, err := memory.EncodeSnapshot(seed.ExportState())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for bucket, payload := range buckets {
		conn.Tables["state"] = append(conn.Tables["state"], map[string]any{"bucket": bucket, "payload": payload})
	}

	store, err := NewStore(ctx, "postgres://stub", nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rtx, _ := store.Begin(ctx)
	if v, _ := rtx.Property(id, "login"); v != "seeded" {
		t.Fatalf("expected hydrated property, got %#v", v)
	}
}

func TestCommitFailsWhenSnapshotWriteFails(t *testing.T) {
	ctx := context.Background()
	_, conn, restore := openStub(t)
	defer restore()

	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	conn.FailCommit = true
	tx, _ := store.Begin(ctx)
	id, _ := tx.NewEntity("User")
	if err := tx.Commit(ctx); err == nil {
		t.Fatalf("expected commit failure")
	}
	check, _ := store.Begin(ctx)
	if check.Exists(id) {
		t.Fatalf("failed snapshot must not publish state")
	}
}

func TestNewStoreErrors(t *testing.T) {
	ctx := context.Background()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
	if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
	restore()

	_, conn, restoreStub := openStub(t)
	defer restoreStub()
	conn.FailQuery = true
	if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "select state") {
		t.Fatalf("expected select error, got %v", err)
	}
}
