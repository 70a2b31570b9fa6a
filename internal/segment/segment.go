package segment

import (
	"container/heap"
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

var (
	// ErrFrozen is returned when appending to a growing segment that was handed off.
	ErrFrozen = errors.New("segment: frozen")
	// ErrCorrupt is returned when a segment or tombstone file fails validation.
	ErrCorrupt = errors.New("segment: corrupt file")
	// ErrDimension is returned for vectors of the wrong length.
	ErrDimension = errors.New("segment: dimension mismatch")
)

// Kind tags the two segment variants.
type Kind uint8

const (
	KindGrowing Kind = iota
	KindSealed
)

func (k Kind) String() string {
	switch k {
	case KindGrowing:
		return "growing"
	case KindSealed:
		return "sealed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// SearchRequest describes one segment probe.
type SearchRequest struct {
	Query  []float32
	K      int
	EF     int
	Filter *metadata.FilterSet
	// RowLimit restricts a growing segment to its first RowLimit rows.
	// Negative means every committed row.
	RowLimit int
	// PreFilterFactor and PreFilterRatio bound the filter cardinality below
	// which an indexed segment scans the filter bitmap instead of the graph.
	PreFilterFactor int
	PreFilterRatio  float64
}

// Segment is the capability shared by growing and sealed segments.
type Segment interface {
	ID() model.SegmentID
	Kind() Kind
	// RowCount returns all rows, tombstoned included.
	RowCount() int
	// LiveCount returns rows that are not tombstoned.
	LiveCount() int
	// Contains reports whether id has a live row.
	Contains(id model.ID) bool
	// Get returns a copy of the live record for id.
	Get(id model.ID) (model.Record, bool)
	// Delete tombstones the live row of id written before lsn.
	Delete(id model.ID, lsn uint64) bool
	// Metadata returns the metadata of a row.
	Metadata(row uint32) metadata.Document
	Search(ctx context.Context, req SearchRequest) ([]model.Candidate, error)
}

// topK keeps the k best candidates in a max-heap ordered by Candidate.Less.
type topK struct {
	k     int
	items []model.Candidate
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]model.Candidate, 0, min(k, 1024))}
}

func (t *topK) Len() int           { return len(t.items) }
func (t *topK) Less(i, j int) bool { return t.items[j].Less(t.items[i]) }
func (t *topK) Swap(i, j int)      { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *topK) Push(x any)         { t.items = append(t.items, x.(model.Candidate)) }
func (t *topK) Pop() any {
	n := len(t.items) - 1
	c := t.items[n]
	t.items = t.items[:n]
	return c
}

func (t *topK) offer(c model.Candidate) {
	if len(t.items) < t.k {
		heap.Push(t, c)
		return
	}
	if c.Less(t.items[0]) {
		t.items[0] = c
		heap.Fix(t, 0)
	}
}

// sorted drains the heap best-first.
func (t *topK) sorted() []model.Candidate {
	out := make([]model.Candidate, len(t.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(t).(model.Candidate)
	}
	return out
}

// RowBytes estimates the in-memory footprint of one row. It drives the
// byte seal threshold and memory accounting.
func RowBytes(dim int, md metadata.Document) int64 {
	n := int64(8 + 8 + 4*dim)
	for k, v := range md {
		n += int64(len(k)) + valueBytes(v)
	}
	return n
}

func valueBytes(v metadata.Value) int64 {
	n := int64(16 + len(v.S))
	for _, e := range v.A {
		n += valueBytes(e)
	}
	return n
}

var (
	_ Segment = (*Growing)(nil)
	_ Segment = (*Sealed)(nil)
)
