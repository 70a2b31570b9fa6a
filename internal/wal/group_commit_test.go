package wal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAL_GroupCommit_Concurrency(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(nil, dir, Options{Durability: DurabilitySync})
	require.NoError(t, err)

	concurrency := 20
	recordsPerGoroutine := 50

	var wg sync.WaitGroup
	wg.Add(concurrency)
	errs := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				rec := &Record{
					Type:   RecordTypeInsert,
					ID:     uint64(id*recordsPerGoroutine + j),
					Vector: []float32{1, 2, 3},
				}
				if _, err := w.Append(rec); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	seen := make(map[uint64]bool)
	var lastLSN uint64
	require.NoError(t, w2.Replay(func(r *Record) error {
		assert.Greater(t, r.LSN, lastLSN)
		lastLSN = r.LSN
		seen[r.ID] = true
		return nil
	}))
	assert.Len(t, seen, concurrency*recordsPerGoroutine)
}
