package engine

import (
	"sync/atomic"

	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/model"
)

// RefCountedSegment wraps a Segment with a reference count.
type RefCountedSegment struct {
	segment.Segment
	refs    atomic.Int64
	onClose atomic.Pointer[func()]
}

// NewRefCountedSegment wraps seg with one reference held by the caller.
func NewRefCountedSegment(seg segment.Segment) *RefCountedSegment {
	r := &RefCountedSegment{Segment: seg}
	r.refs.Store(1)
	return r
}

func (r *RefCountedSegment) IncRef() {
	r.refs.Add(1)
}

func (r *RefCountedSegment) DecRef() {
	if r.refs.Add(-1) == 0 {
		if f := r.onClose.Load(); f != nil {
			(*f)()
		}
	}
}

// SetOnClose sets a callback executed when the last reference is dropped.
// It releases growing-segment memory or deletes compacted segment files.
func (r *RefCountedSegment) SetOnClose(f func()) {
	r.onClose.Store(&f)
}

// Snapshot is a consistent, immutable view of a collection's segments.
type Snapshot struct {
	refs    atomic.Int64
	sealed  []*RefCountedSegment // ascending segment id
	sealing []*RefCountedSegment // frozen growing segments in handoff order
	active  *RefCountedSegment
	// activeWatermark bounds the active rows visible to eventual reads.
	// It only grows, driven by the collection's watermark loop.
	activeWatermark atomic.Int64
	lsn             uint64
}

func newSnapshot(sealed, sealing []*RefCountedSegment, active *RefCountedSegment, lsn uint64) *Snapshot {
	s := &Snapshot{
		sealed:  sealed,
		sealing: sealing,
		active:  active,
		lsn:     lsn,
	}
	s.activeWatermark.Store(int64(active.RowCount()))
	s.refs.Store(1)
	for _, seg := range sealed {
		seg.IncRef()
	}
	for _, seg := range sealing {
		seg.IncRef()
	}
	active.IncRef()
	return s
}

// TryIncRef attempts to increment the reference count.
// Returns false if the snapshot is already destroyed.
func (s *Snapshot) TryIncRef() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (s *Snapshot) DecRef() {
	if s.refs.Add(-1) == 0 {
		for _, seg := range s.sealed {
			seg.DecRef()
		}
		for _, seg := range s.sealing {
			seg.DecRef()
		}
		s.active.DecRef()
	}
}

// watermark returns the number of active rows visible to eventual reads.
func (s *Snapshot) watermark() int { return int(s.activeWatermark.Load()) }

// advanceWatermark exposes every row the active segment holds now.
func (s *Snapshot) advanceWatermark() {
	rows := int64(s.active.RowCount())
	for {
		cur := s.activeWatermark.Load()
		if rows <= cur || s.activeWatermark.CompareAndSwap(cur, rows) {
			return
		}
	}
}

// LSN returns the last LSN applied when the snapshot was published.
func (s *Snapshot) LSN() uint64 { return s.lsn }

// Segments returns every segment of the view: sealed, sealing, then active.
func (s *Snapshot) Segments() []*RefCountedSegment {
	out := make([]*RefCountedSegment, 0, len(s.sealed)+len(s.sealing)+1)
	out = append(out, s.sealed...)
	out = append(out, s.sealing...)
	return append(out, s.active)
}

// lookup returns the live location of id, newest segment first.
func (s *Snapshot) lookup(id model.ID) (segment.Segment, bool) {
	if s.active.Contains(id) {
		return s.active.Segment, true
	}
	for i := len(s.sealing) - 1; i >= 0; i-- {
		if s.sealing[i].Contains(id) {
			return s.sealing[i].Segment, true
		}
	}
	for i := len(s.sealed) - 1; i >= 0; i-- {
		if s.sealed[i].Contains(id) {
			return s.sealed[i].Segment, true
		}
	}
	return nil, false
}
