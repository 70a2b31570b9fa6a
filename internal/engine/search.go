package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

// Consistency selects how fresh a query's view must be.
type Consistency int

const (
	// ConsistencyBounded reads the published snapshot lock-free and sees
	// every acknowledged write.
	ConsistencyBounded Consistency = iota
	// ConsistencyStrong waits for in-flight writes, handoffs and compaction
	// swaps before taking its snapshot.
	ConsistencyStrong
	// ConsistencyEventual reads the published snapshot and sees growing rows
	// only up to a watermark that trails acknowledged writes by at most
	// Options.EventualLag.
	ConsistencyEventual
)

func (c Consistency) String() string {
	switch c {
	case ConsistencyStrong:
		return "strong"
	case ConsistencyBounded:
		return "bounded"
	case ConsistencyEventual:
		return "eventual"
	default:
		return fmt.Sprintf("Consistency(%d)", int(c))
	}
}

// TimeoutPolicy selects what a query returns when its timeout expires.
type TimeoutPolicy int

const (
	// TimeoutFail returns ErrTimeout.
	TimeoutFail TimeoutPolicy = iota
	// TimeoutPartial returns the merge of the segments probed so far.
	TimeoutPartial
)

// SearchOptions configures one query.
type SearchOptions struct {
	K             int
	EF            int
	Filter        *metadata.FilterSet
	Consistency   Consistency
	Timeout       time.Duration
	TimeoutPolicy TimeoutPolicy
}

// Hit is one query result.
type Hit struct {
	ID       model.ID
	Distance float32
	Metadata metadata.Document
}

// SearchResult holds the merged top-k in ascending distance, ties by ascending id.
type SearchResult struct {
	Hits []Hit
	// Partial is set when a timeout cut the query short.
	Partial bool
}

// Search runs a k-nearest-neighbor query over every segment of a snapshot.
func (c *Collection) Search(ctx context.Context, query []float32, opts SearchOptions) (*SearchResult, error) {
	start := time.Now()
	res, err := c.search(ctx, start, query, opts)
	partial := res != nil && res.Partial
	c.e.opts.Metrics.OnSearch(c.name, opts.K, time.Since(start), partial, err)
	return res, err
}

func (c *Collection) search(ctx context.Context, start time.Time, query []float32, opts SearchOptions) (*SearchResult, error) {
	if opts.K <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, opts.K)
	}
	if len(query) != c.dim {
		return nil, &DimensionMismatchError{Expected: c.dim, Actual: len(query)}
	}
	if err := distance.Validate(query); err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrInvalidArgument, err)
	}
	if err := opts.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrInvalidArgument, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The timeout covers the whole query, including the snapshot wait.
	qctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithDeadline(ctx, start.Add(opts.Timeout))
		defer cancel()
	}

	snap, err := c.snapshotFor(qctx, opts.Consistency)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case qctx.Err() != nil && opts.TimeoutPolicy == TimeoutPartial:
			return &SearchResult{Partial: true}, nil
		case qctx.Err() != nil:
			return nil, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
		}
		return nil, err
	}
	defer snap.DecRef()

	req := segment.SearchRequest{
		Query:           query,
		K:               opts.K,
		EF:              opts.EF,
		Filter:          opts.Filter,
		RowLimit:        -1,
		PreFilterFactor: c.e.opts.PreFilterFactor,
		PreFilterRatio:  c.e.opts.PreFilterRatio,
	}
	if req.EF <= 0 {
		req.EF = c.e.opts.EFSearch
	}

	segs := snap.Segments()
	partials := make([][]model.Candidate, len(segs))

	g, gctx := errgroup.WithContext(qctx)
	g.SetLimit(c.e.opts.QueryParallelism)
	for i, seg := range segs {
		segReq := req
		if seg == snap.active && opts.Consistency == ConsistencyEventual {
			segReq.RowLimit = snap.watermark()
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := seg.Search(gctx, segReq)
			if err != nil {
				return err
			}
			partials[i] = res
			return nil
		})
	}

	partial := false
	if err := g.Wait(); err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) && qctx.Err() != nil:
			if opts.TimeoutPolicy != TimeoutPartial {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
			}
			partial = true
		case errors.Is(err, segment.ErrDimension):
			return nil, &DimensionMismatchError{Expected: c.dim, Actual: len(query)}
		default:
			return nil, err
		}
	}

	hits := merge(snap, partials, opts.K)
	return &SearchResult{Hits: hits, Partial: partial}, nil
}

// snapshotFor returns a referenced snapshot for the consistency level.
func (c *Collection) snapshotFor(ctx context.Context, level Consistency) (*Snapshot, error) {
	if level == ConsistencyStrong {
		// Writers hold the read lock until their row is applied, so taking
		// the write lock waits for every acknowledged-or-in-flight write.
		locked := make(chan struct{})
		go func() {
			c.mu.Lock()
			close(locked)
		}()
		select {
		case <-locked:
			defer c.mu.Unlock()
		case <-ctx.Done():
			go func() {
				<-locked
				c.mu.Unlock()
			}()
			return nil, ctx.Err()
		}
	}
	snap := c.acquire()
	if snap == nil {
		return nil, ErrClosed
	}
	return snap, nil
}

// merge combines per-segment top-k lists into the global top-k, deduplicating
// by id, and attaches metadata copies from the owning segments.
func merge(snap *Snapshot, partials [][]model.Candidate, k int) []Hit {
	var all []model.Candidate
	for _, p := range partials {
		all = append(all, p...)
	}
	slices.SortFunc(all, func(a, b model.Candidate) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})

	owners := make(map[model.SegmentID]segment.Segment)
	for _, seg := range snap.Segments() {
		owners[seg.ID()] = seg.Segment
	}

	n := min(k, len(all))
	seen := make(map[model.ID]struct{}, n)
	hits := make([]Hit, 0, n)
	for _, cand := range all {
		if len(hits) == k {
			break
		}
		if _, dup := seen[cand.ID]; dup {
			continue
		}
		seen[cand.ID] = struct{}{}
		var md metadata.Document
		if seg, ok := owners[cand.Loc.SegmentID]; ok {
			md = seg.Metadata(uint32(cand.Loc.RowID)).Clone()
		}
		hits = append(hits, Hit{ID: cand.ID, Distance: cand.Distance, Metadata: md})
	}
	return hits
}
