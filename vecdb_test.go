package vecdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb"
	"github.com/hupe1980/vecdb/blobstore"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/testutil"
)

func openDB(t *testing.T, dir string, opts ...vecdb.Option) *vecdb.DB {
	t.Helper()
	opts = append([]vecdb.Option{vecdb.WithCompaction(0.2, -1)}, opts...)
	db, err := vecdb.Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ids(res *vecdb.SearchResult) []vecdb.ID {
	out := make([]vecdb.ID, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = h.ID
	}
	return out
}

func TestInsertSearchGet(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	require.NoError(t, db.CreateCollection(ctx, "docs", 4, vecdb.MetricL2))

	data := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	for i, v := range data {
		id, err := db.Insert(ctx, "docs", v, metadata.Document{"n": metadata.Int(int64(i))})
		require.NoError(t, err)
		assert.Equal(t, vecdb.ID(i+1), id)
	}

	res, err := db.Search(ctx, "docs", []float32{1, 0.1, 0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []vecdb.ID{1, 2}, ids(res))
	assert.False(t, res.Partial)
	assert.Equal(t, metadata.Int(0), res.Hits[0].Metadata["n"])

	rec, err := db.Get(ctx, "docs", 3)
	require.NoError(t, err)
	assert.Equal(t, data[2], rec.Vector)

	_, err = db.Insert(ctx, "docs", []float32{0, 0, 0, 1}, nil, vecdb.WithID(100))
	require.NoError(t, err)
	id, err := db.Insert(ctx, "docs", []float32{0, 0, 0, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, vecdb.ID(101), id)
}

func TestErrorCategories(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	require.NoError(t, db.CreateCollection(ctx, "docs", 3, vecdb.MetricL2))

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := db.Insert(ctx, "docs", []float32{1, 2}, nil)
		require.ErrorIs(t, err, vecdb.ErrValidation)
		var dm *vecdb.ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 3, dm.Expected)
		assert.Equal(t, 2, dm.Actual)

		_, err = db.Search(ctx, "docs", []float32{1}, 1)
		require.ErrorAs(t, err, &dm)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := db.Insert(ctx, "docs", []float32{1, 2, 3}, nil, vecdb.WithID(7))
		require.NoError(t, err)
		_, err = db.Insert(ctx, "docs", []float32{1, 2, 3}, nil, vecdb.WithID(7))
		require.ErrorIs(t, err, vecdb.ErrDuplicateID)
		require.ErrorIs(t, err, vecdb.ErrValidation)
		var ve *vecdb.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "insert", ve.Op)
	})

	t.Run("invalid k", func(t *testing.T) {
		_, err := db.Search(ctx, "docs", []float32{1, 2, 3}, 0)
		require.ErrorIs(t, err, vecdb.ErrInvalidK)
		require.ErrorIs(t, err, vecdb.ErrValidation)
	})

	t.Run("record not found", func(t *testing.T) {
		_, err := db.Get(ctx, "docs", 12345)
		require.ErrorIs(t, err, vecdb.ErrNotFound)
		var nf *vecdb.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "docs", nf.Collection)
		assert.Equal(t, vecdb.ID(12345), nf.ID)

		require.ErrorIs(t, db.Delete(ctx, "docs", 12345), vecdb.ErrNotFound)
	})

	t.Run("collection not found", func(t *testing.T) {
		_, err := db.Search(ctx, "missing", []float32{1, 2, 3}, 1)
		require.ErrorIs(t, err, vecdb.ErrCollectionNotFound)
		require.ErrorIs(t, err, vecdb.ErrNotFound)
		require.ErrorIs(t, db.DropCollection(ctx, "missing"), vecdb.ErrNotFound)
	})

	t.Run("collection exists", func(t *testing.T) {
		err := db.CreateCollection(ctx, "docs", 3, vecdb.MetricL2)
		require.ErrorIs(t, err, vecdb.ErrCollectionExists)
		require.ErrorIs(t, err, vecdb.ErrValidation)
	})

	t.Run("bad name", func(t *testing.T) {
		err := db.CreateCollection(ctx, "no spaces", 3, vecdb.MetricL2)
		require.ErrorIs(t, err, vecdb.ErrInvalidArgument)
	})
}

func TestDeleteAndCompact(t *testing.T) {
	ctx := context.Background()
	metrics := &vecdb.BasicMetricsObserver{}
	db := openDB(t, t.TempDir(), vecdb.WithSealRows(4), vecdb.WithMetricsObserver(metrics))
	require.NoError(t, db.CreateCollection(ctx, "c", 2, vecdb.MetricL2))

	for i := range 8 {
		_, err := db.Insert(ctx, "c", []float32{float32(i), 0}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx, "c"))
	require.NoError(t, db.Delete(ctx, "c", 2))
	require.NoError(t, db.Delete(ctx, "c", 6))

	res, err := db.Compact(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemovedRows)

	again, err := db.Compact(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, again.InputSegments)

	_, err = db.Get(ctx, "c", 2)
	require.ErrorIs(t, err, vecdb.ErrNotFound)

	st, err := db.Stats(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 6, st.Rows)
	assert.Zero(t, st.Deleted)
	assert.Equal(t, vecdb.HealthOK, st.Health)

	got := metrics.GetStats()
	assert.EqualValues(t, 8, got.InsertCount)
	assert.EqualValues(t, 2, got.DeleteCount)
	assert.GreaterOrEqual(t, got.SealCount, int64(2))
	assert.EqualValues(t, 1, got.CompactionCount)
}

func TestInsertBatch(t *testing.T) {
	ctx := context.Background()
	metrics := &vecdb.BasicMetricsObserver{}
	db := openDB(t, t.TempDir(), vecdb.WithMetricsObserver(metrics))
	require.NoError(t, db.CreateCollection(ctx, "c", 2, vecdb.MetricL2))

	ids, err := db.InsertBatch(ctx, "c", []vecdb.BatchItem{
		{ID: 100, Vector: []float32{1, 0}, Metadata: metadata.Document{"tag": metadata.String("a")}},
		{Assign: true, Vector: []float32{2, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []vecdb.ID{100, 101}, ids)

	res, err := db.Search(ctx, "c", []float32{2, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, vecdb.ID(101), res.Hits[0].ID)

	t.Run("mixed batch is rejected whole", func(t *testing.T) {
		_, err := db.InsertBatch(ctx, "c", []vecdb.BatchItem{
			{ID: 200, Vector: []float32{3, 0}},
			{ID: 201, Vector: []float32{3}},
			{ID: 202, Vector: []float32{4, 0}},
		})
		require.ErrorIs(t, err, vecdb.ErrValidation)
		var dm *vecdb.ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		var ve *vecdb.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "insert batch", ve.Op)
		assert.Contains(t, err.Error(), "item 1")

		_, err = db.Get(ctx, "c", 200)
		require.ErrorIs(t, err, vecdb.ErrNotFound)
	})

	t.Run("duplicate within batch", func(t *testing.T) {
		_, err := db.InsertBatch(ctx, "c", []vecdb.BatchItem{
			{ID: 300, Vector: []float32{3, 0}},
			{ID: 300, Vector: []float32{4, 0}},
		})
		require.ErrorIs(t, err, vecdb.ErrDuplicateID)
		_, err = db.Get(ctx, "c", 300)
		require.ErrorIs(t, err, vecdb.ErrNotFound)
	})

	_, err = db.InsertBatch(ctx, "missing", []vecdb.BatchItem{{Assign: true, Vector: []float32{1, 0}}})
	require.ErrorIs(t, err, vecdb.ErrCollectionNotFound)

	st, err := db.Stats(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Rows)

	got := metrics.GetStats()
	assert.EqualValues(t, 3, got.BatchCount)
	assert.EqualValues(t, 7, got.BatchItems)
	assert.EqualValues(t, 5, got.BatchFailed)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := testutil.NewRNG(7)
	vecs := rng.UniformVectors(50, 8)

	db, err := vecdb.Open(dir, vecdb.WithSealRows(20), vecdb.WithCompaction(0.2, -1))
	require.NoError(t, err)
	require.NoError(t, db.CreateCollection(ctx, "c", 8, vecdb.MetricCosine))
	for _, v := range vecs {
		_, err := db.Insert(ctx, "c", v, nil)
		require.NoError(t, err)
	}
	require.NoError(t, db.Delete(ctx, "c", 10))
	before, err := db.Search(ctx, "c", vecs[0], 5, vecdb.WithConsistency(vecdb.ConsistencyStrong))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.ErrorIs(t, db.Close(), vecdb.ErrClosed)

	db = openDB(t, dir, vecdb.WithSealRows(20))
	assert.Equal(t, []string{"c"}, db.ListCollections())

	after, err := db.Search(ctx, "c", vecs[0], 5, vecdb.WithEFSearch(200))
	require.NoError(t, err)
	assert.Equal(t, ids(before), ids(after))

	_, err = db.Get(ctx, "c", 10)
	require.ErrorIs(t, err, vecdb.ErrNotFound)
	st, err := db.Stats(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 49, st.Rows)
}

func TestQueryBuilder(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	require.NoError(t, db.CreateCollection(ctx, "c", 2, vecdb.MetricL2))

	_, err := db.Query("c", []float32{0, 0}).First(ctx)
	require.ErrorIs(t, err, vecdb.ErrNotFound)

	for i := range 10 {
		_, err := db.Insert(ctx, "c", []float32{float32(i), 0}, metadata.Document{"even": metadata.Bool(i%2 == 0)})
		require.NoError(t, err)
	}

	even := metadata.NewFilterSet(metadata.Filter{Key: "even", Operator: metadata.OpEqual, Value: metadata.Bool(true)})
	res, err := db.Query("c", []float32{0, 0}).
		KNN(3).
		EF(50).
		Where(even).
		Consistency(vecdb.ConsistencyStrong).
		Timeout(time.Second, vecdb.TimeoutPolicyFail).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []vecdb.ID{1, 3, 5}, ids(res))

	hit, err := db.Query("c", []float32{9, 0}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, vecdb.ID(10), hit.ID)
}

func TestTimeoutPolicy(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	require.NoError(t, db.CreateCollection(ctx, "c", 2, vecdb.MetricL2))
	_, err := db.Insert(ctx, "c", []float32{1, 1}, nil)
	require.NoError(t, err)

	_, err = db.Search(ctx, "c", []float32{1, 1}, 1, vecdb.WithTimeout(time.Nanosecond))
	require.ErrorIs(t, err, vecdb.ErrTimeout)

	res, err := db.Search(ctx, "c", []float32{1, 1}, 1,
		vecdb.WithTimeout(time.Nanosecond),
		vecdb.WithTimeoutPolicy(vecdb.TimeoutPolicyPartial),
	)
	require.NoError(t, err)
	assert.True(t, res.Partial)
}

func TestRemoteBlobStoreAndDrop(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	db := openDB(t, t.TempDir(), vecdb.WithBlobStore(store), vecdb.WithSealRows(2), vecdb.WithCompression(vecdb.CompressionZstd))
	require.NoError(t, db.CreateCollection(ctx, "c", 2, vecdb.MetricDot))

	for i := range 4 {
		_, err := db.Insert(ctx, "c", []float32{float32(i), 1}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx, "c"))
	require.NoError(t, db.WaitIndexes(ctx))

	names, err := store.List(ctx, "collections/c/")
	require.NoError(t, err)
	assert.NotEmpty(t, names)

	require.NoError(t, db.DropCollection(ctx, "c"))
	names, err = store.List(ctx, "collections/c/")
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Empty(t, db.ListCollections())
}

func TestMemoryLimit(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir(), vecdb.WithMemoryLimit(1))
	require.NoError(t, db.CreateCollection(ctx, "c", 2, vecdb.MetricL2))

	_, err := db.Insert(ctx, "c", []float32{1, 1}, nil)
	require.True(t, errors.Is(err, vecdb.ErrResourceExhausted))
}
