package segment

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/bitset"
	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

// IndexStatus is the build state of a sealed segment's HNSW index.
type IndexStatus int32

const (
	IndexNone IndexStatus = iota
	IndexPending
	IndexBuilding
	IndexReady
	IndexFailed
)

func (s IndexStatus) String() string {
	switch s {
	case IndexNone:
		return "none"
	case IndexPending:
		return "pending"
	case IndexBuilding:
		return "building"
	case IndexReady:
		return "ready"
	case IndexFailed:
		return "failed"
	default:
		return fmt.Sprintf("IndexStatus(%d)", int32(s))
	}
}

// Plan is the probe strategy a sealed segment picks for a request.
type Plan uint8

const (
	// PlanScan is an exact scan; used while no index is published.
	PlanScan Plan = iota
	// PlanANN walks the graph without a filter.
	PlanANN
	// PlanPreFilter scans only the rows of a selective filter bitmap.
	PlanPreFilter
	// PlanPostFilter walks the graph with the filter as acceptance predicate.
	PlanPostFilter
)

func (p Plan) String() string {
	switch p {
	case PlanScan:
		return "scan"
	case PlanANN:
		return "ann"
	case PlanPreFilter:
		return "pre-filter"
	case PlanPostFilter:
		return "post-filter"
	default:
		return fmt.Sprintf("Plan(%d)", uint8(p))
	}
}

const maxEFExpansion = 32

type idRow struct {
	id  model.ID
	row uint32
}

// Sealed is an immutable segment loaded from a segment file.
// Only its tombstones and its index pointer change after construction.
type Sealed struct {
	id     model.SegmentID
	metric distance.Metric
	dist   distance.Func
	rows   *Rows
	sorted []idRow
	size   int64
	minLSN uint64
	maxLSN uint64

	tomb   *bitset.BitSet
	dirty  atomic.Bool
	index  atomic.Pointer[hnsw.Graph]
	status atomic.Int32
}

// NewSealed wraps decoded rows. size is the encoded file size.
func NewSealed(id model.SegmentID, metric distance.Metric, rows *Rows, size int64) (*Sealed, error) {
	dist, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	n := rows.Len()
	s := &Sealed{
		id:     id,
		metric: metric,
		dist:   dist,
		rows:   rows,
		sorted: make([]idRow, n),
		size:   size,
		tomb:   bitset.New(uint32(n)),
	}
	for i, v := range rows.IDs {
		s.sorted[i] = idRow{id: v, row: uint32(i)}
	}
	sort.Slice(s.sorted, func(i, j int) bool {
		if s.sorted[i].id != s.sorted[j].id {
			return s.sorted[i].id < s.sorted[j].id
		}
		return s.sorted[i].row < s.sorted[j].row
	})
	if n > 0 {
		s.minLSN, s.maxLSN = rows.LSNs[0], rows.LSNs[0]
		for _, l := range rows.LSNs {
			s.minLSN = min(s.minLSN, l)
			s.maxLSN = max(s.maxLSN, l)
		}
	}
	return s, nil
}

// Open decodes a segment file.
func Open(data []byte) (*Sealed, error) {
	h, rows, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return NewSealed(h.Segment, h.Metric, rows, int64(len(data)))
}

func (s *Sealed) ID() model.SegmentID     { return s.id }
func (s *Sealed) Kind() Kind              { return KindSealed }
func (s *Sealed) Metric() distance.Metric { return s.metric }
func (s *Sealed) RowCount() int           { return s.rows.Len() }
func (s *Sealed) LiveCount() int          { return s.rows.Len() - s.tomb.Count() }
func (s *Sealed) DeletedCount() int       { return s.tomb.Count() }
func (s *Sealed) Size() int64             { return s.size }
func (s *Sealed) MinLSN() uint64          { return s.minLSN }
func (s *Sealed) MaxLSN() uint64          { return s.maxLSN }

// Rows exposes the decoded columns. Callers must not modify them.
func (s *Sealed) Rows() *Rows { return s.rows }

// Len, Dim and At let the index builder read the segment's vectors.
func (s *Sealed) Len() int                { return s.rows.Len() }
func (s *Sealed) Dim() int                { return s.rows.Dim }
func (s *Sealed) At(row uint32) []float32 { return s.rows.Vector(int(row)) }

// Index returns the published graph, or nil.
func (s *Sealed) Index() *hnsw.Graph { return s.index.Load() }

// SetIndex publishes g and marks the index ready.
func (s *Sealed) SetIndex(g *hnsw.Graph) {
	s.index.Store(g)
	s.status.Store(int32(IndexReady))
}

// IndexStatus returns the build state.
func (s *Sealed) IndexStatus() IndexStatus { return IndexStatus(s.status.Load()) }

// SetIndexStatus records a build state transition.
func (s *Sealed) SetIndexStatus(st IndexStatus) { s.status.Store(int32(st)) }

// TombstoneRatio returns deleted rows over all rows.
func (s *Sealed) TombstoneRatio() float64 {
	if s.rows.Len() == 0 {
		return 0
	}
	return float64(s.tomb.Count()) / float64(s.rows.Len())
}

// Deleted reports whether row is tombstoned.
func (s *Sealed) Deleted(row uint32) bool { return s.tomb.Test(row) }

// MarkDeleted tombstones row directly. It reports whether the bit changed.
func (s *Sealed) MarkDeleted(row uint32) bool {
	if s.tomb.Set(row) {
		s.dirty.Store(true)
		return true
	}
	return false
}

// ApplyTombstones sets every row in rb.
func (s *Sealed) ApplyTombstones(rb *roaring.Bitmap) {
	it := rb.Iterator()
	for it.HasNext() {
		s.MarkDeleted(it.Next())
	}
}

// Tombstones returns the deleted rows as a roaring bitmap.
func (s *Sealed) Tombstones() *roaring.Bitmap {
	rb := roaring.New()
	s.tomb.ForEach(func(i uint32) { rb.Add(i) })
	return rb
}

// LiveRows returns the rows that are not tombstoned.
func (s *Sealed) LiveRows() *roaring.Bitmap {
	live := roaring.New()
	live.AddRange(0, uint64(s.rows.Len()))
	live.AndNot(s.Tombstones())
	return live
}

// TakeDirty reports whether tombstones changed since the last call.
func (s *Sealed) TakeDirty() bool { return s.dirty.Swap(false) }

// MarkDirty flags the tombstones for persistence again, e.g. after a failed write.
func (s *Sealed) MarkDirty() { s.dirty.Store(true) }

func (s *Sealed) first(id model.ID) int {
	return sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i].id >= id })
}

func (s *Sealed) lookup(id model.ID) (uint32, bool) {
	for i := s.first(id); i < len(s.sorted) && s.sorted[i].id == id; i++ {
		if row := s.sorted[i].row; !s.tomb.Test(row) {
			return row, true
		}
	}
	return 0, false
}

// Contains reports whether id has a live row.
func (s *Sealed) Contains(id model.ID) bool {
	_, ok := s.lookup(id)
	return ok
}

// Get returns a copy of the live record for id.
func (s *Sealed) Get(id model.ID) (model.Record, bool) {
	row, ok := s.lookup(id)
	if !ok {
		return model.Record{}, false
	}
	vec := make([]float32, s.rows.Dim)
	copy(vec, s.At(row))
	return model.Record{ID: id, Vector: vec, Metadata: s.rows.Metadata[row].Clone()}, true
}

// Delete tombstones the live row of id written before lsn.
func (s *Sealed) Delete(id model.ID, lsn uint64) bool {
	for i := s.first(id); i < len(s.sorted) && s.sorted[i].id == id; i++ {
		row := s.sorted[i].row
		if s.rows.LSNs[row] < lsn && !s.tomb.Test(row) {
			return s.MarkDeleted(row)
		}
	}
	return false
}

// Metadata returns the metadata of row.
func (s *Sealed) Metadata(row uint32) metadata.Document { return s.rows.Metadata[row] }

// FilterBitmap evaluates filter over the live rows.
func (s *Sealed) FilterBitmap(filter *metadata.FilterSet) *roaring.Bitmap {
	rb := roaring.New()
	for row := 0; row < s.rows.Len(); row++ {
		if !s.tomb.Test(uint32(row)) && filter.Matches(s.rows.Metadata[row]) {
			rb.Add(uint32(row))
		}
	}
	return rb
}

// Plan returns the strategy Search uses for req.
func (s *Sealed) Plan(req SearchRequest) Plan {
	req.K = min(req.K, s.rows.Len())
	p, _, _ := s.plan(req)
	return p
}

// filterSample bounds the rows probed when estimating filter selectivity.
const filterSample = 256

// estimateMatches extrapolates the number of live rows matching filter from
// an evenly strided sample.
func (s *Sealed) estimateMatches(filter *metadata.FilterSet) int {
	n := s.rows.Len()
	stride := max(n/filterSample, 1)
	probed, hits := 0, 0
	for row := 0; row < n; row += stride {
		if s.tomb.Test(uint32(row)) {
			continue
		}
		probed++
		if filter.Matches(s.rows.Metadata[row]) {
			hits++
		}
	}
	if probed == 0 {
		return 0
	}
	return int(uint64(hits) * uint64(n) / uint64(probed))
}

// plan picks the probe strategy. The filter is evaluated over every row only
// when the sampled estimate puts it near the pre-filter threshold; the
// returned bitmap is nil otherwise. The count is exact when the bitmap is set.
func (s *Sealed) plan(req SearchRequest) (Plan, *roaring.Bitmap, int) {
	if s.index.Load() == nil {
		return PlanScan, nil, 0
	}
	if req.Filter.IsEmpty() {
		return PlanANN, nil, 0
	}
	n := s.rows.Len()
	threshold := max(req.K*max(req.PreFilterFactor, 0), int(float64(n)*req.PreFilterRatio))
	if n > filterSample {
		if est := s.estimateMatches(req.Filter); est > 2*threshold {
			return PlanPostFilter, nil, est
		}
	}
	bm := s.FilterBitmap(req.Filter)
	card := int(bm.GetCardinality())
	if card <= threshold {
		return PlanPreFilter, bm, card
	}
	return PlanPostFilter, bm, card
}

// Search probes the segment with the cheapest strategy for req.
func (s *Sealed) Search(ctx context.Context, req SearchRequest) ([]model.Candidate, error) {
	if req.K <= 0 {
		return nil, nil
	}
	if len(req.Query) != s.rows.Dim {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(req.Query), s.rows.Dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.rows.Len()
	if n == 0 {
		return nil, nil
	}
	req.K = min(req.K, n)

	plan, bm, card := s.plan(req)
	switch plan {
	case PlanScan:
		return s.scan(ctx, req, func(row uint32) bool {
			return req.Filter.Matches(s.rows.Metadata[row])
		}, nil)
	case PlanPreFilter:
		return s.scan(ctx, req, nil, bm)
	case PlanANN:
		return s.ann(req, min(req.EF, n), func(row uint32) bool { return !s.tomb.Test(row) }), nil
	default:
		// Widen the beam by the inverse selectivity; ef <= n keeps the
		// product in range.
		ef := min(max(req.EF, req.K), n)
		ef = min(n, ef*min(max(n/max(card, 1), 1), maxEFExpansion))
		accept := func(row uint32) bool {
			return !s.tomb.Test(row) && req.Filter.Matches(s.rows.Metadata[row])
		}
		if bm != nil {
			accept = func(row uint32) bool {
				return bm.Contains(row) && !s.tomb.Test(row)
			}
		}
		return s.ann(req, ef, accept), nil
	}
}

func (s *Sealed) ann(req SearchRequest, ef int, accept func(uint32) bool) []model.Candidate {
	g := s.index.Load()
	items := g.Search(req.Query, req.K, ef, accept)
	out := make([]model.Candidate, len(items))
	for i, it := range items {
		out[i] = model.Candidate{
			ID:       s.rows.IDs[it.Row],
			Loc:      model.Location{SegmentID: s.id, RowID: model.RowID(it.Row)},
			Distance: it.Distance,
		}
	}
	return out
}

// scan computes exact distances. With rows set only those rows are visited;
// otherwise every live row passing match is.
func (s *Sealed) scan(ctx context.Context, req SearchRequest, match func(uint32) bool, rows *roaring.Bitmap) ([]model.Candidate, error) {
	top := newTopK(req.K)
	visit := func(row uint32) {
		top.offer(model.Candidate{
			ID:       s.rows.IDs[row],
			Loc:      model.Location{SegmentID: s.id, RowID: model.RowID(row)},
			Distance: s.dist(req.Query, s.At(row)),
		})
	}

	if rows != nil {
		it := rows.Iterator()
		for i := 0; it.HasNext(); i++ {
			if i%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			if row := it.Next(); !s.tomb.Test(row) {
				visit(row)
			}
		}
		return top.sorted(), nil
	}

	for row := uint32(0); row < uint32(s.rows.Len()); row++ {
		if row%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if s.tomb.Test(row) || !match(row) {
			continue
		}
		visit(row)
	}
	return top.sorted(), nil
}
