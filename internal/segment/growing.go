package segment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/bitset"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

const (
	chunkRows     = 1024
	ctxCheckEvery = 4096
)

type growingChunk struct {
	ids  [chunkRows]model.ID
	lsns [chunkRows]uint64
	meta [chunkRows]metadata.Document
	vecs []float32
}

// Growing is the mutable, append-only segment of a collection.
//
// Rows are stored in fixed-size chunks and published by bumping an atomic row
// count, so readers scan without locks. Appends are serialized by appendMu.
type Growing struct {
	id     model.SegmentID
	dim    int
	metric distance.Metric
	dist   distance.Func

	appendMu sync.Mutex
	chunks   atomic.Pointer[[]*growingChunk]
	rows     atomic.Uint32
	bytes    atomic.Int64
	maxLSN   atomic.Uint64
	frozen   atomic.Bool

	tomb *bitset.BitSet

	idxMu sync.RWMutex
	byID  map[model.ID]uint32
}

// NewGrowing creates an empty growing segment.
func NewGrowing(id model.SegmentID, dim int, metric distance.Metric) (*Growing, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimension, dim)
	}
	dist, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	g := &Growing{
		id:     id,
		dim:    dim,
		metric: metric,
		dist:   dist,
		tomb:   bitset.New(0),
		byID:   make(map[model.ID]uint32),
	}
	empty := make([]*growingChunk, 0)
	g.chunks.Store(&empty)
	return g, nil
}

func (g *Growing) ID() model.SegmentID     { return g.id }
func (g *Growing) Kind() Kind              { return KindGrowing }
func (g *Growing) Dim() int                { return g.dim }
func (g *Growing) Metric() distance.Metric { return g.metric }
func (g *Growing) RowCount() int           { return int(g.rows.Load()) }
func (g *Growing) LiveCount() int          { return g.RowCount() - g.tomb.Count() }

// Bytes returns the estimated in-memory size of all appended rows.
func (g *Growing) Bytes() int64 { return g.bytes.Load() }

// MaxLSN returns the highest LSN appended.
func (g *Growing) MaxLSN() uint64 { return g.maxLSN.Load() }

// Tombstones exposes the row tombstone set.
func (g *Growing) Tombstones() *bitset.BitSet { return g.tomb }

// Append adds a row and returns its row number. The vector and metadata are copied.
func (g *Growing) Append(id model.ID, vec []float32, md metadata.Document, lsn uint64) (uint32, error) {
	if len(vec) != g.dim {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(vec), g.dim)
	}

	g.appendMu.Lock()
	defer g.appendMu.Unlock()

	if g.frozen.Load() {
		return 0, ErrFrozen
	}

	row := g.rows.Load()
	ci, off := int(row/chunkRows), int(row%chunkRows)
	chunks := *g.chunks.Load()
	if ci == len(chunks) {
		next := make([]*growingChunk, len(chunks)+1)
		copy(next, chunks)
		next[ci] = &growingChunk{vecs: make([]float32, chunkRows*g.dim)}
		g.chunks.Store(&next)
		chunks = next
	}

	c := chunks[ci]
	c.ids[off] = id
	c.lsns[off] = lsn
	c.meta[off] = md.Clone()
	copy(c.vecs[off*g.dim:(off+1)*g.dim], vec)

	g.idxMu.Lock()
	g.byID[id] = row
	g.idxMu.Unlock()

	g.tomb.Grow(row + 1)
	g.bytes.Add(RowBytes(g.dim, md))
	if lsn > g.maxLSN.Load() {
		g.maxLSN.Store(lsn)
	}
	g.rows.Store(row + 1)
	return row, nil
}

// Freeze makes the segment immutable. It waits for an in-flight append.
func (g *Growing) Freeze() {
	g.appendMu.Lock()
	g.frozen.Store(true)
	g.appendMu.Unlock()
}

// Frozen reports whether Freeze was called.
func (g *Growing) Frozen() bool { return g.frozen.Load() }

func (g *Growing) chunk(row uint32) (*growingChunk, int) {
	chunks := *g.chunks.Load()
	return chunks[row/chunkRows], int(row % chunkRows)
}

func (g *Growing) vector(row uint32) []float32 {
	c, off := g.chunk(row)
	return c.vecs[off*g.dim : (off+1)*g.dim]
}

func (g *Growing) lookup(id model.ID) (uint32, bool) {
	g.idxMu.RLock()
	row, ok := g.byID[id]
	g.idxMu.RUnlock()
	if !ok || g.tomb.Test(row) {
		return 0, false
	}
	return row, true
}

// Contains reports whether id has a live row.
func (g *Growing) Contains(id model.ID) bool {
	_, ok := g.lookup(id)
	return ok
}

// Get returns a copy of the live record for id.
func (g *Growing) Get(id model.ID) (model.Record, bool) {
	row, ok := g.lookup(id)
	if !ok {
		return model.Record{}, false
	}
	c, off := g.chunk(row)
	vec := make([]float32, g.dim)
	copy(vec, g.vector(row))
	return model.Record{ID: id, Vector: vec, Metadata: c.meta[off].Clone()}, true
}

// Delete tombstones the live row of id if it was written before lsn.
func (g *Growing) Delete(id model.ID, lsn uint64) bool {
	row, ok := g.lookup(id)
	if !ok {
		return false
	}
	c, off := g.chunk(row)
	if c.lsns[off] >= lsn {
		return false
	}
	return g.tomb.Set(row)
}

// Metadata returns the metadata of row.
func (g *Growing) Metadata(row uint32) metadata.Document {
	c, off := g.chunk(row)
	return c.meta[off]
}

// Search scans every visible row. The filter is evaluated before the distance.
func (g *Growing) Search(ctx context.Context, req SearchRequest) ([]model.Candidate, error) {
	if req.K <= 0 {
		return nil, nil
	}
	if len(req.Query) != g.dim {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(req.Query), g.dim)
	}

	limit := g.rows.Load()
	if req.RowLimit >= 0 && uint32(req.RowLimit) < limit {
		limit = uint32(req.RowLimit)
	}

	top := newTopK(req.K)
	for row := uint32(0); row < limit; row++ {
		if row%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if g.tomb.Test(row) {
			continue
		}
		c, off := g.chunk(row)
		if !req.Filter.Matches(c.meta[off]) {
			continue
		}
		top.offer(model.Candidate{
			ID:       c.ids[off],
			Loc:      model.Location{SegmentID: g.id, RowID: model.RowID(row)},
			Distance: g.dist(req.Query, c.vecs[off*g.dim:(off+1)*g.dim]),
		})
	}
	return top.sorted(), nil
}

// Rows copies the first n rows into columnar form for persistence.
func (g *Growing) Rows(n int) *Rows {
	n = min(n, g.RowCount())
	out := NewRows(g.dim, n)
	for row := uint32(0); row < uint32(n); row++ {
		c, off := g.chunk(row)
		out.Append(c.ids[off], c.lsns[off], c.vecs[off*g.dim:(off+1)*g.dim], c.meta[off])
	}
	return out
}
