package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"txgraph/internal/blob"
	"txgraph/pkg/domain"
)

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blobs := blob.NewMemory()

	store, err := NewStore(dir, blobs)
	require.NoError(t, err)
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	parent, err := tx.NewEntity("Folder")
	require.NoError(t, err)
	child, err := tx.NewEntity("File")
	require.NoError(t, err)
	require.NoError(t, tx.AddLink(parent, "files", child))
	require.NoError(t, tx.SetProperty(child, "size", 12))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, store.Close())

	reopened, err := NewStore(dir, blobs)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	rtx, err := reopened.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.EntityID{child}, rtx.Links(parent, "files"))
	size, ok := rtx.Property(child, "size")
	require.True(t, ok)
	require.Equal(t, int64(12), size)
}

func TestInMemoryStoreStartsEmpty(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore("", nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.Empty(t, tx.Entities("File"))
	id, err := tx.NewEntity("File")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	check, err := store.Begin(ctx)
	require.NoError(t, err)
	require.True(t, check.Exists(id))
}
