package hnsw

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/searcher"
)

const (
	// DefaultM is the default number of neighbors per node.
	DefaultM = 16
	// DefaultEFConstruction is the default construction breadth.
	DefaultEFConstruction = 200
	// DefaultEFSearch is the default query breadth.
	DefaultEFSearch = 100

	mmax0Multiplier = 2
	maxLevel        = 16
	ctxCheckEvery   = 256
)

var (
	// ErrInvalidInput is returned when a vector has the wrong dimension or
	// contains NaN or Inf components.
	ErrInvalidInput = errors.New("hnsw: invalid input")
	// ErrCorrupt is returned when a serialized graph cannot be decoded.
	ErrCorrupt = errors.New("hnsw: corrupt index")
)

// Vectors supplies the vectors a graph is built over. Row r is At(r).
type Vectors interface {
	Len() int
	Dim() int
	At(row uint32) []float32
}

// Options configures graph construction.
type Options struct {
	M              int
	EFConstruction int
	Metric         distance.Metric
	// Seed makes level assignment, and therefore the graph, reproducible.
	Seed uint64
}

// DefaultOptions returns the default build options.
func DefaultOptions() Options {
	return Options{
		M:              DefaultM,
		EFConstruction: DefaultEFConstruction,
		Metric:         distance.MetricL2,
		Seed:           0x5DEECE66D,
	}
}

// Graph is an immutable HNSW index over a vector set.
type Graph struct {
	vectors Vectors
	dist    distance.Func
	metric  distance.Metric

	m     int
	mmax0 int
	efc   int
	mult  float64
	rng   uint64

	entry    uint32
	topLevel int
	// links[node][level] holds the neighbor rows of node on level.
	links [][][]uint32
}

// EstimateMemory returns an approximate number of bytes the topology of a
// graph over n nodes occupies.
func EstimateMemory(n, m int) int64 {
	if m <= 0 {
		m = DefaultM
	}
	// Layer 0 dominates; upper layers add about 1/(M-1) of it.
	perNode := int64(mmax0Multiplier*m*4) + int64(m*4)/int64(max(m-1, 1)) + 64
	return int64(n) * perNode
}

// Build constructs a graph over every row of vecs.
func Build(ctx context.Context, vecs Vectors, opts Options) (*Graph, error) {
	if opts.M < 2 {
		opts.M = DefaultM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = max(DefaultEFConstruction, opts.M)
	}
	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	n := vecs.Len()
	dim := vecs.Dim()
	for i := 0; i < n; i++ {
		v := vecs.At(uint32(i))
		if len(v) != dim {
			return nil, fmt.Errorf("%w: row %d has dimension %d, expected %d", ErrInvalidInput, i, len(v), dim)
		}
		if err := distance.Validate(v); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidInput, i, err)
		}
		if opts.Metric == distance.MetricCosine && distance.Norm(v) == 0 {
			return nil, fmt.Errorf("%w: row %d has zero norm", ErrInvalidInput, i)
		}
	}

	g := newGraph(vecs, dist, opts)
	g.links = make([][][]uint32, n)

	s := searcher.Get()
	defer searcher.Put(s)

	for i := 0; i < n; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		g.insert(s, uint32(i))
	}
	return g, nil
}

func newGraph(vecs Vectors, dist distance.Func, opts Options) *Graph {
	return &Graph{
		vectors: vecs,
		dist:    dist,
		metric:  opts.Metric,
		m:       opts.M,
		mmax0:   opts.M * mmax0Multiplier,
		efc:     opts.EFConstruction,
		mult:    1 / math.Log(float64(opts.M)),
		rng:     opts.Seed | 1,
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.links) }

// Metric returns the distance metric the graph was built with.
func (g *Graph) Metric() distance.Metric { return g.metric }

// randomLevel draws a level from the exponential distribution with mean
// 1/ln(M), using an xorshift64* generator.
func (g *Graph) randomLevel() int {
	g.rng ^= g.rng >> 12
	g.rng ^= g.rng << 25
	g.rng ^= g.rng >> 27
	r := float64((g.rng*0x2545F4914F6CDD1D)>>11) / float64(1<<53)
	if r <= 0 {
		r = math.SmallestNonzeroFloat64
	}
	return min(int(math.Floor(-math.Log(r)*g.mult)), maxLevel)
}

func (g *Graph) maxNeighbors(level int) int {
	if level == 0 {
		return g.mmax0
	}
	return g.m
}

func (g *Graph) insert(s *searcher.Searcher, node uint32) {
	level := g.randomLevel()
	g.links[node] = make([][]uint32, level+1)

	if node == 0 {
		g.entry = node
		g.topLevel = level
		return
	}

	q := g.vectors.At(node)
	ep := searcher.Item{Row: g.entry, Distance: g.dist(q, g.vectors.At(g.entry))}

	for l := g.topLevel; l > level; l-- {
		ep = g.greedy(q, ep, l)
	}

	for l := min(level, g.topLevel); l >= 0; l-- {
		candidates := g.searchLayer(s, q, ep, g.efc, l, nil)
		neighbors := g.selectNeighbors(candidates, g.m)

		rows := make([]uint32, len(neighbors))
		for i, nb := range neighbors {
			rows[i] = nb.Row
		}
		g.links[node][l] = rows

		for _, nb := range neighbors {
			g.link(nb.Row, node, nb.Distance, l)
		}
		ep = candidates[0]
	}

	if level > g.topLevel {
		g.topLevel = level
		g.entry = node
	}
}

// link adds a back edge from src to dst, pruning src's list when it
// overflows.
func (g *Graph) link(src, dst uint32, d float32, level int) {
	list := append(g.links[src][level], dst)
	limit := g.maxNeighbors(level)
	if len(list) <= limit {
		g.links[src][level] = list
		return
	}

	sv := g.vectors.At(src)
	scored := make([]searcher.Item, 0, len(list))
	for _, nb := range list {
		dd := d
		if nb != dst {
			dd = g.dist(sv, g.vectors.At(nb))
		}
		scored = append(scored, searcher.Item{Row: nb, Distance: dd})
	}
	sortItems(scored)

	kept := g.selectNeighbors(scored, limit)
	pruned := list[:0]
	for _, nb := range kept {
		pruned = append(pruned, nb.Row)
	}
	g.links[src][level] = pruned
}

// greedy walks a single layer towards q, always moving to the closest neighbor.
func (g *Graph) greedy(q []float32, ep searcher.Item, level int) searcher.Item {
	for changed := true; changed; {
		changed = false
		for _, nb := range g.neighbors(ep.Row, level) {
			if d := g.dist(q, g.vectors.At(nb)); d < ep.Distance {
				ep = searcher.Item{Row: nb, Distance: d}
				changed = true
			}
		}
	}
	return ep
}

func (g *Graph) neighbors(node uint32, level int) []uint32 {
	if level >= len(g.links[node]) {
		return nil
	}
	return g.links[node][level]
}

// searchLayer performs a best-first search on one layer and returns up to ef
// accepted rows, best first. Rejected rows are still traversed.
func (g *Graph) searchLayer(s *searcher.Searcher, q []float32, ep searcher.Item, ef, level int, accept func(uint32) bool) []searcher.Item {
	s.Reset()

	s.Visited.Visit(ep.Row)
	s.Frontier.Push(ep)
	if accept == nil || accept(ep.Row) {
		s.Results.Push(ep)
	}

	for s.Frontier.Len() > 0 {
		c, _ := s.Frontier.Pop()
		if s.Results.Len() >= ef {
			if worst, _ := s.Results.Top(); c.Distance > worst.Distance {
				break
			}
		}

		for _, nb := range g.neighbors(c.Row, level) {
			if !s.Visited.Visit(nb) {
				continue
			}
			d := g.dist(q, g.vectors.At(nb))
			if s.Results.Len() >= ef {
				if worst, _ := s.Results.Top(); d >= worst.Distance {
					continue
				}
			}
			item := searcher.Item{Row: nb, Distance: d}
			s.Frontier.Push(item)
			if accept == nil || accept(nb) {
				s.Results.PushBounded(item, ef)
			}
		}
	}

	return s.Results.Sorted()
}

// selectNeighbors applies the diversity heuristic to candidates sorted best
// first: a candidate is kept only if it is closer to the base node than to
// every neighbor kept so far. Remaining slots are filled with the closest
// discarded candidates.
func (g *Graph) selectNeighbors(candidates []searcher.Item, m int) []searcher.Item {
	if len(candidates) <= m {
		return candidates
	}

	selected := make([]searcher.Item, 0, m)
	var discarded []searcher.Item
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		cv := g.vectors.At(c.Row)
		good := true
		for _, s := range selected {
			if g.dist(cv, g.vectors.At(s.Row)) < c.Distance {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		} else {
			discarded = append(discarded, c)
		}
	}
	for _, c := range discarded {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// Search returns up to k rows nearest to q in ascending distance order.
// ef is raised to k when smaller. Only rows for which accept returns true are
// returned; a nil accept admits every row.
func (g *Graph) Search(q []float32, k, ef int, accept func(row uint32) bool) []searcher.Item {
	if len(g.links) == 0 || k <= 0 {
		return nil
	}
	ef = max(ef, k)

	s := searcher.Get()
	defer searcher.Put(s)

	ep := searcher.Item{Row: g.entry, Distance: g.dist(q, g.vectors.At(g.entry))}
	for l := g.topLevel; l > 0; l-- {
		ep = g.greedy(q, ep, l)
	}

	res := g.searchLayer(s, q, ep, ef, 0, accept)
	if len(res) > k {
		res = res[:k]
	}
	return res
}

func sortItems(items []searcher.Item) {
	// Insertion sort: lists are bounded by 2*M+1.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Distance < items[j-1].Distance; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
