package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/model"
)

// CompactionResult summarizes one compaction run.
type CompactionResult struct {
	InputSegments int
	OutputSegment model.SegmentID
	OutputRows    int
	RemovedRows   int
}

// Compact rewrites sealed segments picked by the tombstone-ratio policy into
// one segment without their deleted rows. With force set, every segment with
// a tombstone is picked. Without candidates it is a no-op.
func (c *Collection) Compact(ctx context.Context, force bool) (CompactionResult, error) {
	c.compactMu.Lock()
	defer c.compactMu.Unlock()
	if c.isClosed() {
		return CompactionResult{}, ErrClosed
	}

	start := time.Now()
	res, err := c.compact(ctx, TombstoneRatioPolicy{Ratio: c.e.opts.CompactionTombstoneRatio, Force: force})
	if res.InputSegments > 0 || err != nil {
		c.e.opts.Metrics.OnCompaction(c.name, res.InputSegments, res.OutputRows, time.Since(start), err)
	}
	if err != nil {
		c.logger.Error("compaction failed", "error", err)
		return res, err
	}
	if res.InputSegments > 0 {
		c.logger.Info("compaction completed",
			"segments", res.InputSegments,
			"output", res.OutputSegment,
			"rows", res.OutputRows,
			"removed", res.RemovedRows,
		)
	}
	return res, nil
}

func (c *Collection) sealedStats() []SegmentStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := make([]SegmentStats, len(c.sealed))
	for i, ref := range c.sealed {
		s := ref.Segment.(*segment.Sealed)
		stats[i] = SegmentStats{
			ID:          s.ID(),
			Rows:        s.RowCount(),
			Deleted:     s.DeletedCount(),
			Size:        s.Size(),
			Level:       c.infos[s.ID()].Level,
			IndexStatus: s.IndexStatus().String(),
		}
	}
	return stats
}

func (c *Collection) compact(ctx context.Context, policy CompactionPolicy) (CompactionResult, error) {
	task := policy.Pick(c.sealedStats())
	if task == nil {
		return CompactionResult{}, nil
	}

	c.mu.RLock()
	inputs := make([]*RefCountedSegment, 0, len(task.Segments))
	for _, ref := range c.sealed {
		if slices.Contains(task.Segments, ref.ID()) {
			ref.IncRef()
			inputs = append(inputs, ref)
		}
	}
	c.mu.RUnlock()
	defer func() {
		for _, ref := range inputs {
			ref.DecRef()
		}
	}()
	res := CompactionResult{InputSegments: len(inputs)}

	if err := c.rc().AcquireBackground(ctx); err != nil {
		return res, err
	}
	defer c.rc().ReleaseBackground()

	// Merge the live rows, remembering which rows were live at merge time.
	lives := make([]*roaring.Bitmap, len(inputs))
	bases := make([]uint32, len(inputs))
	merged := segment.NewRows(c.dim, 0)
	for i, ref := range inputs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s := ref.Segment.(*segment.Sealed)
		rows := s.Rows()
		lives[i] = s.LiveRows()
		bases[i] = uint32(merged.Len())
		it := lives[i].Iterator()
		for it.HasNext() {
			r := it.Next()
			merged.Append(rows.IDs[r], rows.LSNs[r], rows.Vector(int(r)), rows.Metadata[r])
		}
		res.RemovedRows += s.RowCount() - int(lives[i].GetCardinality())
	}

	var out *segment.Sealed
	if merged.Len() > 0 {
		c.mu.Lock()
		id := c.nextSegID
		c.nextSegID++
		c.mu.Unlock()

		var err error
		out, err = c.writeSegment(ctx, id, merged, task.TargetLevel)
		if err != nil {
			c.mu.Lock()
			delete(c.infos, id)
			c.mu.Unlock()
			return res, err
		}
		c.indexCompacted(ctx, out)
		res.OutputSegment = id
	}

	c.mu.Lock()
	// Deletes that landed on the inputs after the merge.
	for i, ref := range inputs {
		if out == nil {
			break
		}
		newly := roaring.And(ref.Segment.(*segment.Sealed).Tombstones(), lives[i])
		it := newly.Iterator()
		for it.HasNext() {
			row := it.Next()
			out.MarkDeleted(bases[i] + uint32(lives[i].Rank(row)) - 1)
		}
	}
	c.sealed = slices.DeleteFunc(c.sealed, func(ref *RefCountedSegment) bool {
		return slices.Contains(inputs, ref)
	})
	for _, ref := range inputs {
		delete(c.infos, ref.ID())
	}
	if out != nil {
		c.sealed = insertSorted(c.sealed, NewRefCountedSegment(out))
		res.OutputRows = out.LiveCount()
	}
	c.publishLocked()
	c.mu.Unlock()

	if err := c.persist(ctx); err != nil {
		// The old files stay referenced by the last committed catalog.
		for _, ref := range inputs {
			ref.DecRef()
		}
		return res, fmt.Errorf("commit compaction: %w", err)
	}

	for _, ref := range inputs {
		ref.SetOnClose(c.removeSegmentFiles(ref.ID()))
		ref.DecRef()
	}
	if out != nil && out.Index() == nil {
		c.e.builder.Submit(c, out)
	}
	c.refreshHealth()
	return res, nil
}

// indexCompacted builds the index of a compaction output in place. A failure
// leaves the segment scan-only and hands it to the builder after the swap.
func (c *Collection) indexCompacted(ctx context.Context, out *segment.Sealed) {
	g, err := c.buildGraph(ctx, out)
	if err == nil {
		var p string
		if p, err = c.writeIndex(ctx, out, g); err == nil {
			out.SetIndex(g)
			c.mu.Lock()
			info := c.infos[out.ID()]
			info.IndexReady = true
			info.IndexPath = p
			c.infos[out.ID()] = info
			c.mu.Unlock()
			return
		}
	}
	out.SetIndexStatus(segment.IndexPending)
	c.logger.Warn("index build for compacted segment failed", "segment", out.ID(), "error", err)
}

// removeSegmentFiles returns a callback deleting every blob of segment id.
func (c *Collection) removeSegmentFiles(id model.SegmentID) func() {
	store := c.e.store
	logger := c.logger
	paths := []string{
		c.blobPath(id, extSegment),
		c.blobPath(id, extIndex),
		c.blobPath(id, extTombstone),
	}
	return func() {
		var errs []error
		for _, p := range paths {
			errs = append(errs, store.Delete(context.Background(), p))
		}
		if err := errors.Join(errs...); err != nil {
			logger.Warn("removing compacted segment files failed", "segment", id, "error", err)
		}
	}
}
