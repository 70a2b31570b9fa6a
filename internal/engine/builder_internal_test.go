package engine

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb/blobstore"
	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/model"
)

func openInternal(t *testing.T) (*Engine, *Collection) {
	t.Helper()
	ctx := context.Background()
	opts := DefaultOptions()
	opts.CompactionInterval = -1
	opts.SealRows = 8
	e, err := Open(ctx, t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })
	c, err := e.CreateCollection(ctx, "docs", 2, distance.MetricL2)
	require.NoError(t, err)
	return e, c
}

func TestBuilderWaitReturnsOnCancel(t *testing.T) {
	e, _ := openInternal(t)

	// Never started, so the queued task stays pending.
	b := newBuilder(e)
	b.queue = append(b.queue, buildTask{})

	before := runtime.NumGoroutine()
	for range 10 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err := b.Wait(ctx)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Wait(ctx), context.Canceled)

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, time.Second, 10*time.Millisecond)

	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
	require.NoError(t, b.Wait(context.Background()))
}

func TestBuildIndexDropsBlobOfRemovedSegment(t *testing.T) {
	ctx := context.Background()
	e, c := openInternal(t)
	for i := 1; i <= 8; i++ {
		_, err := c.Insert(ctx, model.ID(i), false, []float32{float32(i), 0}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, e.WaitIndexes(ctx))

	c.mu.Lock()
	require.Len(t, c.sealed, 1)
	seg, ok := c.sealed[0].Segment.(*segment.Sealed)
	require.True(t, ok)
	// Forget the segment as a compaction swap would.
	delete(c.infos, seg.ID())
	c.mu.Unlock()

	p := c.blobPath(seg.ID(), extIndex)
	require.NoError(t, e.store.Delete(ctx, p))
	require.NoError(t, c.buildIndex(ctx, seg))

	_, err := e.store.Open(ctx, p)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
