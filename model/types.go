package model

import (
	"fmt"

	"github.com/hupe1980/vecdb/metadata"
)

// ID is the user-facing record identifier, unique within a collection.
type ID uint64

// SegmentID is the unique identifier for a segment within a collection.
// Segment ids are allocated monotonically and never reused.
type SegmentID uint64

// RowID is a dense, segment-local identifier for a record.
// It is transient and changes during compaction.
type RowID uint32

// Location identifies where a record currently lives.
type Location struct {
	SegmentID SegmentID
	RowID     RowID
}

// String returns a string representation of the Location.
func (l Location) String() string {
	return fmt.Sprintf("Loc(%d:%d)", l.SegmentID, l.RowID)
}

// Record represents a full data record.
type Record struct {
	ID       ID
	Vector   []float32
	Metadata metadata.Document
}

// Candidate represents a match found while probing a segment.
type Candidate struct {
	ID       ID
	Loc      Location
	Distance float32
}

// Less orders candidates by ascending distance, breaking ties by ascending id.
func (c Candidate) Less(o Candidate) bool {
	if c.Distance != o.Distance {
		return c.Distance < o.Distance
	}
	return c.ID < o.ID
}
