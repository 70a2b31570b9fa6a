package engine

import (
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/model"
)

// CollectionStats is a point-in-time summary of a collection.
type CollectionStats struct {
	Name   string
	Dim    int
	Metric string
	// Rows counts live records across all segments.
	Rows int
	// Deleted counts tombstoned rows not yet removed by compaction.
	Deleted         int
	GrowingRows     int
	SealedSegments  int
	SealingSegments int
	Segments        []SegmentStats
	Health          Health
	// LastLSN is the highest LSN handed out by the WAL.
	LastLSN uint64
	// MemoryBytes is the memory reserved by the whole engine.
	MemoryBytes int64
}

// Stats returns the statistics of the collection's current snapshot.
func (c *Collection) Stats() (CollectionStats, error) {
	snap := c.acquire()
	if snap == nil {
		return CollectionStats{}, ErrClosed
	}
	defer snap.DecRef()

	c.mu.RLock()
	levels := make(map[model.SegmentID]int, len(c.infos))
	for id, info := range c.infos {
		levels[id] = info.Level
	}
	c.mu.RUnlock()

	st := CollectionStats{
		Name:            c.name,
		Dim:             c.dim,
		Metric:          c.metric.String(),
		SealedSegments:  len(snap.sealed),
		SealingSegments: len(snap.sealing),
		Health:          c.Health(),
		LastLSN:         snap.LSN(),
		MemoryBytes:     c.rc().MemoryUsage(),
	}

	for _, seg := range snap.Segments() {
		ss := SegmentStats{
			ID:          seg.ID(),
			Rows:        seg.RowCount(),
			Deleted:     seg.RowCount() - seg.LiveCount(),
			IndexStatus: segment.IndexNone.String(),
		}
		if s, ok := seg.Segment.(*segment.Sealed); ok {
			ss.Size = s.Size()
			ss.Level = levels[s.ID()]
			ss.IndexStatus = s.IndexStatus().String()
		}
		st.Rows += seg.LiveCount()
		st.Deleted += ss.Deleted
		st.Segments = append(st.Segments, ss)
	}
	st.GrowingRows = snap.active.RowCount()
	return st, nil
}
