package core

import (
	"context"
	"fmt"
	"os"

	"txgraph/internal/blob"
	"txgraph/internal/infra/persistence/badger"
	"txgraph/internal/infra/persistence/memory"
	"txgraph/internal/infra/persistence/postgres"
	"txgraph/internal/infra/persistence/sqlite"
	"txgraph/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBadger   StorageDriver = "badger"   // embedded badger directory
)

// Environment variables read by OpenPersistentStore.
const (
	EnvStorageDriver = "TXGRAPH_STORAGE_DRIVER"
	EnvSQLitePath    = "TXGRAPH_SQLITE_PATH"
	EnvPostgresDSN   = "TXGRAPH_POSTGRES_DSN"
	EnvBadgerDir     = "TXGRAPH_BADGER_DIR"
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to memory when unset. Blob contents go to blobs.
//
//	TXGRAPH_STORAGE_DRIVER: memory|sqlite|postgres|badger (default memory)
//	TXGRAPH_SQLITE_PATH: path to sqlite file (default ./txgraph.db)
//	TXGRAPH_POSTGRES_DSN: postgres DSN when driver=postgres
//	TXGRAPH_BADGER_DIR: badger directory; empty keeps badger in memory
func OpenPersistentStore(ctx context.Context, blobs blob.Store) (domain.PersistentStore, error) {
	driver := os.Getenv(EnvStorageDriver)
	if driver == "" {
		driver = string(StorageMemory)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(memory.WithBlobStore(blobs)), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv(EnvSQLitePath), blobs)
	case StoragePostgres:
		return postgres.NewStore(ctx, os.Getenv(EnvPostgresDSN), blobs)
	case StorageBadger:
		return badger.NewStore(os.Getenv(EnvBadgerDir), blobs)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// OpenFromEnv wires a store entirely from the environment: blob driver,
// persistent backend and Config. Options are applied after the environment
// configuration.
func OpenFromEnv(ctx context.Context, model domain.ModelMetadata, opts ...Option) (*Store, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	blobs, err := blob.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	persistent, err := OpenPersistentStore(ctx, blobs)
	if err != nil {
		return nil, fmt.Errorf("persistent store: %w", err)
	}
	store, err := Open(persistent, model, append([]Option{WithConfig(cfg)}, opts...)...)
	if err != nil {
		_ = persistent.Close()
		return nil, err
	}
	return store, nil
}
