package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"txgraph/internal/blob"
	"txgraph/internal/infra/persistence/memory"
)

func TestOpenPersistentStoreDefaultsToMemory(t *testing.T) {
	t.Setenv(EnvStorageDriver, "")
	ps, err := OpenPersistentStore(context.Background(), blob.NewMemory())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = ps.Close() }()
	if _, ok := ps.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", ps)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	t.Setenv(EnvStorageDriver, "cassandra")
	_, err := OpenPersistentStore(context.Background(), blob.NewMemory())
	if err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

// durableRoundTrip commits an account through one store and reads it back
// through a second store opened from the same environment.
func durableRoundTrip(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	t.Setenv("TXGRAPH_BLOB_DRIVER", "fs")
	t.Setenv("TXGRAPH_BLOB_FS_ROOT", filepath.Join(t.TempDir(), "blobs"))

	store, err := OpenFromEnv(ctx, testModel(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = store.RunInTransaction(ctx, func(_ context.Context, s *Session) error {
		acc, err := s.NewEntity("Account")
		if err != nil {
			return err
		}
		if err := acc.SetProperty("name", "durable"); err != nil {
			return err
		}
		return acc.SetBlobString("bio", "kept on disk")
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	must(t, store.Close())

	reopened, err := OpenFromEnv(ctx, testModel(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	s := beginSession(t, reopened)
	accounts, err := s.Entities("Account")
	must(t, err)
	if len(accounts) != 1 || accounts[0].Property("name") != "durable" {
		t.Fatalf("account not persisted: %v", accounts)
	}
	if bio, ok := accounts[0].BlobString("bio"); !ok || bio != "kept on disk" {
		t.Fatalf("blob not persisted: %q %v", bio, ok)
	}
	must(t, s.Abort(ctx))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Setenv(EnvStorageDriver, string(StorageSQLite))
	t.Setenv(EnvSQLitePath, filepath.Join(t.TempDir(), "graph.db"))
	durableRoundTrip(t)
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	t.Setenv(EnvStorageDriver, string(StorageBadger))
	t.Setenv(EnvBadgerDir, t.TempDir())
	durableRoundTrip(t)
}

func TestOpenFromEnvRejectsBadConfig(t *testing.T) {
	t.Setenv(EnvAsyncWorkers, "zero")
	if _, err := OpenFromEnv(context.Background(), testModel(t)); err == nil || !strings.Contains(err.Error(), "config") {
		t.Fatalf("expected config error, got %v", err)
	}
}
