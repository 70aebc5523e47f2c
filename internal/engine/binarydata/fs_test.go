package binarydata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-go/pkg/logger"
)

func setupFSStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	return store
}

func TestFSStore_PutGetRoundtrip(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	payload := []byte("raw extracted document text, large enough to offload")
	ref, err := store.Put(ctx, payload, Meta{FileName: "doc.txt", MimeType: "text/plain"})
	require.NoError(t, err)

	assert.NotEmpty(t, ref.Key)
	assert.Equal(t, ref.Key, ref.Digest)
	assert.Equal(t, int64(len(payload)), ref.Size)
	assert.Equal(t, "doc.txt", ref.FileName)

	got, err := store.Get(ctx, ref.Key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFSStore_ContentAddressing(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	first, err := store.Put(ctx, []byte("same bytes"), Meta{})
	require.NoError(t, err)
	second, err := store.Put(ctx, []byte("same bytes"), Meta{})
	require.NoError(t, err)
	other, err := store.Put(ctx, []byte("different bytes"), Meta{})
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.NotEqual(t, first.Key, other.Key)
}

func TestFSStore_GetMissingKey(t *testing.T) {
	store := setupFSStore(t)

	_, err := store.Get(context.Background(), "feedfacefeedfacefeedfacefeedface")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_DeleteIsIdempotent(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("to be removed"), Meta{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, ref.Key))
	require.NoError(t, store.Delete(ctx, ref.Key))

	_, err = store.Get(ctx, ref.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_RejectsBogusKeys(t *testing.T) {
	store := setupFSStore(t)

	_, err := store.Get(context.Background(), "x")
	assert.Error(t, err)
}
