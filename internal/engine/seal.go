package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/vecdb/internal/manifest"
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/model"
)

// runSealLoop seals handed-off segments strictly in handoff order.
func (c *Collection) runSealLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.sealSignal:
		}

		for {
			c.mu.RLock()
			if c.closed || len(c.sealing) == 0 {
				c.mu.RUnlock()
				break
			}
			t := c.sealing[0]
			c.mu.RUnlock()

			if err := c.sealWithRetry(c.ctx, t); err != nil {
				return
			}
		}
	}
}

// sealWithRetry retries a seal with exponential backoff. The rows stay in
// the WAL until the seal commits, so a failure never loses data.
func (c *Collection) sealWithRetry(ctx context.Context, t *sealTask) error {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := c.seal(ctx, t)
		c.e.opts.Metrics.OnSeal(c.name, t.g.seg.ID(), t.g.seg.RowCount(), time.Since(start), err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoff(c.e.opts.BuildRetryBase, c.e.opts.BuildRetryMax, attempt)
		c.logger.Warn("seal failed, retrying",
			"segment", t.g.seg.ID(),
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Collection) seal(ctx context.Context, t *sealTask) error {
	g := t.g.seg
	if t.sealed == nil {
		sealed, err := c.writeSegment(ctx, g.ID(), g.Rows(g.RowCount()), 0)
		if err != nil {
			return err
		}
		sealed.SetIndexStatus(segment.IndexPending)
		t.sealed = sealed
	}
	if !t.swapped {
		c.installSealed(t)
	}

	if err := c.persist(ctx); err != nil {
		return err
	}
	if err := c.wal.Purge(t.walFile); err != nil {
		c.logger.Warn("wal purge failed", "file", t.walFile, "error", err)
	}

	c.logger.Info("segment sealed",
		"segment", g.ID(),
		"rows", t.sealed.RowCount(),
		"lsn", t.flushedLSN,
	)
	c.mu.Lock()
	c.sealing = slices.DeleteFunc(c.sealing, func(x *sealTask) bool { return x == t })
	c.mu.Unlock()

	c.e.builder.Submit(c, t.sealed)
	close(t.done)
	return nil
}

// writeSegment encodes rows into a segment file, stores it and opens the
// result as a sealed segment.
func (c *Collection) writeSegment(ctx context.Context, id model.SegmentID, rows *segment.Rows, level int) (*segment.Sealed, error) {
	data, err := segment.Encode(id, c.metric, rows, c.e.opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := c.rc().WaitIO(ctx, len(data)); err != nil {
		return nil, err
	}
	p := c.blobPath(id, extSegment)
	if err := c.e.store.Put(ctx, p, data); err != nil {
		return nil, fmt.Errorf("write segment %s: %w", p, err)
	}
	sealed, err := segment.NewSealed(id, c.metric, rows, int64(len(data)))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.infos[id] = manifest.SegmentInfo{
		ID:     id,
		Rows:   uint32(rows.Len()),
		MinLSN: sealed.MinLSN(),
		MaxLSN: sealed.MaxLSN(),
		Path:   p,
		Size:   int64(len(data)),
		Level:  level,
	}
	c.mu.Unlock()
	return sealed, nil
}

// installSealed swaps the frozen growing segment of t for its sealed form.
// t stays queued until its commit lands.
func (c *Collection) installSealed(t *sealTask) {
	c.mu.Lock()
	// Deletes that hit the frozen rows after they were encoded.
	t.g.seg.Tombstones().ForEach(func(row uint32) { t.sealed.MarkDeleted(row) })

	c.sealed = insertSorted(c.sealed, NewRefCountedSegment(t.sealed))
	c.flushedLSN = max(c.flushedLSN, t.flushedLSN)
	t.swapped = true
	c.publishLocked()
	c.mu.Unlock()

	t.g.ref.DecRef()
}

func insertSorted(segs []*RefCountedSegment, ref *RefCountedSegment) []*RefCountedSegment {
	i, _ := slices.BinarySearchFunc(segs, ref.ID(), func(s *RefCountedSegment, id model.SegmentID) int {
		switch {
		case s.ID() < id:
			return -1
		case s.ID() > id:
			return 1
		}
		return 0
	})
	return slices.Insert(segs, i, ref)
}

func backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
