package minio

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb/blobstore"
)

// TestStore_Integration needs a running MinIO. Set VECDB_MINIO_ENDPOINT to enable it.
func TestStore_Integration(t *testing.T) {
	endpoint := os.Getenv("VECDB_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("VECDB_MINIO_ENDPOINT not set")
	}

	ctx := context.Background()
	store, err := Dial(ctx, Config{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "vecdb-test",
		Prefix:    "test-prefix/",
	})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	data := []byte("hello minio world")
	require.NoError(t, store.Put(ctx, "c1/seg-000001.seg", data))

	b, err := store.Open(ctx, "c1/seg-000001.seg")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), b.Size())

	part := make([]byte, 5)
	n, err := b.ReadAt(ctx, part, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "minio", string(part))
	require.NoError(t, b.Close())

	all, err := blobstore.ReadAll(ctx, store, "c1/seg-000001.seg")
	require.NoError(t, err)
	assert.Equal(t, data, all)

	names, err := store.List(ctx, "c1/")
	require.NoError(t, err)
	assert.Contains(t, names, "c1/seg-000001.seg")

	require.NoError(t, store.Delete(ctx, "c1/seg-000001.seg"))
	require.NoError(t, store.Delete(ctx, "c1/seg-000001.seg"))

	_, err = store.Open(ctx, "c1/seg-000001.seg")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestStore_Key(t *testing.T) {
	s := NewStore(nil, "bucket", "/root/prefix/")
	assert.Equal(t, "root/prefix/CURRENT", s.key("CURRENT"))

	s = NewStore(nil, "bucket", "")
	assert.Equal(t, "c/seg-000001.seg", s.key("c/seg-000001.seg"))
}
