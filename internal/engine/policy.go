package engine

import (
	"github.com/hupe1980/vecdb/model"
)

// SegmentStats describes a sealed segment for compaction decisions and stats.
type SegmentStats struct {
	ID          model.SegmentID
	Rows        int
	Deleted     int
	Size        int64
	Level       int
	IndexStatus string
}

// TombstoneRatio returns deleted rows over all rows.
func (s SegmentStats) TombstoneRatio() float64 {
	if s.Rows == 0 {
		return 0
	}
	return float64(s.Deleted) / float64(s.Rows)
}

// CompactionTask describes a compaction unit of work.
type CompactionTask struct {
	Segments    []model.SegmentID
	TargetLevel int
}

// CompactionPolicy determines which segments should be compacted.
type CompactionPolicy interface {
	// Pick selects segments to compact.
	// Returns a task or nil if no compaction is needed.
	Pick(segments []SegmentStats) *CompactionTask
}

// TombstoneRatioPolicy picks every segment whose tombstone ratio reaches
// Ratio. With Force set, any segment with a tombstone qualifies.
type TombstoneRatioPolicy struct {
	Ratio float64
	Force bool
}

func (p TombstoneRatioPolicy) Pick(segments []SegmentStats) *CompactionTask {
	var task CompactionTask
	for _, s := range segments {
		if s.Deleted == 0 {
			continue
		}
		if p.Force || s.TombstoneRatio() >= p.Ratio {
			task.Segments = append(task.Segments, s.ID)
			task.TargetLevel = max(task.TargetLevel, s.Level+1)
		}
	}
	if len(task.Segments) == 0 {
		return nil
	}
	return &task
}
