package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data := []byte("catalog body")
	require.NoError(t, store.Put(ctx, "CATALOG-000001.bin", data))
	data[0] = 'X'

	got, err := ReadAll(ctx, store, "CATALOG-000001.bin")
	require.NoError(t, err)
	assert.Equal(t, "catalog body", string(got))

	b, err := store.Open(ctx, "CATALOG-000001.bin")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "CATALOG-000001.bin", []byte("replaced")))

	buf := make([]byte, 7)
	n, err := b.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "catalog", string(buf[:n]))

	_, err = b.ReadAt(ctx, buf, 100)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, b.Close())

	require.NoError(t, store.Put(ctx, "c1/seg-000001.seg", nil))
	names, err := store.List(ctx, "c1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1/seg-000001.seg"}, names)
	assert.Equal(t, 2, store.Len())

	require.NoError(t, store.Delete(ctx, "c1/seg-000001.seg"))
	_, err = store.Open(ctx, "c1/seg-000001.seg")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := Exists(ctx, store, "c1/seg-000001.seg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Cancelled(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, "a", []byte("x")), context.Canceled)
	_, err := store.List(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
