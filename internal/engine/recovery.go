package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecdb/blobstore"
	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/internal/manifest"
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/internal/wal"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

// recoverCollection rebuilds the in-memory state of a catalog entry: sealed
// segments from their blobs, the growing segment from the WAL tail.
func (e *Engine) recoverCollection(ctx context.Context, entry manifest.Collection) (*Collection, error) {
	start := time.Now()
	c, err := newCollection(e, entry)
	if err != nil {
		return nil, err
	}
	recovered := false
	defer func() {
		if !recovered {
			c.cancel()
		}
	}()

	sealed, unindexed, err := c.openSealedSegments(ctx, entry.Segments)
	if err != nil {
		return nil, err
	}
	c.sealed = sealed
	for _, info := range entry.Segments {
		c.infos[info.ID] = info
	}

	w, err := wal.Open(e.opts.FileSystem, c.walDir(), wal.Options{
		Durability: e.opts.Durability,
		MinLSN:     entry.FlushedLSN + 1,
	})
	if err != nil {
		c.releaseSealed()
		return nil, fmt.Errorf("%w: open wal: %w", ErrDurability, err)
	}
	c.wal = w

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.growing, err = c.newGrowingLocked(); err != nil {
		c.releaseSealed()
		_ = w.Close()
		return nil, err
	}

	stats, err := c.replayLocked()
	if err != nil {
		c.growing.ref.DecRef()
		c.releaseSealed()
		_ = w.Close()
		return nil, err
	}
	c.publishLocked()

	if err := c.removeOrphans(ctx); err != nil {
		c.logger.Warn("removing orphan blobs failed", "error", err)
	}

	// Replay never hands off, so one handoff covers every replayed file.
	if c.overThreshold(c.growing.seg) {
		if _, err := c.handoffLocked(); err != nil {
			c.logger.Error("handoff after recovery failed", "error", err)
		}
	}

	for _, s := range unindexed {
		e.builder.Submit(c, s)
	}

	c.logger.Info("collection recovered",
		"segments", len(c.sealed),
		"unindexed", len(unindexed),
		"replayed_inserts", stats.inserts,
		"replayed_deletes", stats.deletes,
		"skipped", stats.skipped,
		"duration", time.Since(start),
	)
	recovered = true
	return c, nil
}

func (c *Collection) releaseSealed() {
	for _, ref := range c.sealed {
		ref.DecRef()
	}
	c.sealed = nil
}

// openSealedSegments opens the listed segments in parallel. It also returns
// the segments that need an index build.
func (c *Collection) openSealedSegments(ctx context.Context, infos []manifest.SegmentInfo) ([]*RefCountedSegment, []*segment.Sealed, error) {
	segs := make([]*segment.Sealed, len(infos))
	needIndex := make([]bool, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.e.opts.QueryParallelism)
	for i, info := range infos {
		g.Go(func() error {
			s, ok, err := c.openSealed(gctx, info)
			if err != nil {
				return fmt.Errorf("segment %d: %w", info.ID, err)
			}
			segs[i] = s
			needIndex[i] = !ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	refs := make([]*RefCountedSegment, len(segs))
	var unindexed []*segment.Sealed
	for i, s := range segs {
		refs[i] = NewRefCountedSegment(s)
		if needIndex[i] {
			unindexed = append(unindexed, s)
		}
	}
	slices.SortFunc(refs, func(a, b *RefCountedSegment) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return refs, unindexed, nil
}

// openSealed loads one segment with its tombstones and, when ready, its index.
// The boolean reports whether a usable index was loaded.
func (c *Collection) openSealed(ctx context.Context, info manifest.SegmentInfo) (*segment.Sealed, bool, error) {
	store := c.e.store
	data, err := blobstore.ReadAll(ctx, store, info.Path)
	if err != nil {
		return nil, false, err
	}
	s, err := segment.Open(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", info.Path, err)
	}
	if s.ID() != info.ID {
		return nil, false, fmt.Errorf("%s: %w: segment id %d, catalog id %d", info.Path, segment.ErrCorrupt, s.ID(), info.ID)
	}
	if s.Metric() != c.metric || (s.Len() > 0 && s.Dim() != c.dim) {
		return nil, false, fmt.Errorf("%s: %w: metric or dimension differs from collection", info.Path, segment.ErrCorrupt)
	}

	if info.TombstonePath != "" {
		tdata, err := blobstore.ReadAll(ctx, store, info.TombstonePath)
		if err != nil {
			return nil, false, err
		}
		rb, err := segment.DecodeTombstones(tdata)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", info.TombstonePath, err)
		}
		s.ApplyTombstones(rb)
		s.TakeDirty()
	}

	if !info.IndexReady || info.IndexPath == "" {
		s.SetIndexStatus(segment.IndexPending)
		return s, false, nil
	}
	idata, err := blobstore.ReadAll(ctx, store, info.IndexPath)
	if err == nil {
		var g *hnsw.Graph
		if g, err = hnsw.Read(idata, s); err == nil {
			s.SetIndex(g)
			return s, true, nil
		}
	}
	c.logger.Warn("segment index unusable, rebuilding", "segment", info.ID, "path", info.IndexPath, "error", err)
	s.SetIndexStatus(segment.IndexPending)
	return s, false, nil
}

type replayStats struct {
	inserts int
	deletes int
	skipped int
}

// replayLocked applies the WAL tail to the recovered segments. Must hold mu.
func (c *Collection) replayLocked() (replayStats, error) {
	var stats replayStats
	segs := make([]segment.Segment, 0, len(c.sealed)+1)
	for _, ref := range c.sealed {
		segs = append(segs, ref.Segment)
	}
	segs = append(segs, c.growing.seg)

	live := func(id model.ID) bool {
		for _, s := range segs {
			if s.Contains(id) {
				return true
			}
		}
		return false
	}

	err := c.wal.Replay(func(rec *wal.Record) error {
		id := model.ID(rec.ID)
		switch rec.Type {
		case wal.RecordTypeInsert:
			if id >= c.nextID {
				c.nextID = id + 1
			}
			if rec.LSN <= c.flushedLSN {
				stats.skipped++
				return nil
			}
			if live(id) {
				c.logger.Warn("skipping replayed insert of live id", "id", id, "lsn", rec.LSN)
				stats.skipped++
				return nil
			}
			md, _, err := metadata.ReadDocument(rec.Metadata)
			if err != nil {
				return fmt.Errorf("%w: lsn %d: metadata: %w", wal.ErrCorrupt, rec.LSN, err)
			}
			if _, err := c.growing.seg.Append(id, rec.Vector, md, rec.LSN); err != nil {
				return fmt.Errorf("replay lsn %d: %w", rec.LSN, err)
			}
			size := segment.RowBytes(c.dim, md)
			if c.rc().AcquireMemory(size) == nil {
				c.growing.reserved.Add(size)
			}
			stats.inserts++
		case wal.RecordTypeDelete:
			for i := len(segs) - 1; i >= 0; i-- {
				if segs[i].Delete(id, rec.LSN) {
					break
				}
			}
			stats.deletes++
		default:
			return fmt.Errorf("%w: lsn %d: unknown record type %d", wal.ErrCorrupt, rec.LSN, rec.Type)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("replay wal: %w", err)
	}
	return stats, nil
}

// removeOrphans deletes segment blobs the catalog does not reference, left by
// crashes between a blob write and its commit.
func (c *Collection) removeOrphans(ctx context.Context) error {
	keep := make(map[string]struct{})
	for _, info := range c.infos {
		for _, p := range []string{info.Path, info.IndexPath, info.TombstonePath} {
			if p != "" {
				keep[p] = struct{}{}
			}
		}
	}
	names, err := c.e.store.List(ctx, c.prefix+"/")
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if _, ok := keep[name]; ok || !isSegmentBlob(name) {
			continue
		}
		c.logger.Debug("removing orphan blob", "name", name)
		errs = append(errs, c.e.store.Delete(ctx, name))
	}
	return errors.Join(errs...)
}
