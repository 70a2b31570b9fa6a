package vecdb

import (
	"context"
	"time"

	"github.com/hupe1980/vecdb/internal/engine"
	"github.com/hupe1980/vecdb/metadata"
)

// Consistency selects how fresh a query's view must be.
type Consistency = engine.Consistency

const (
	// ConsistencyBounded sees every acknowledged write. It is the default.
	ConsistencyBounded = engine.ConsistencyBounded
	// ConsistencyStrong additionally waits for in-flight writes and segment swaps.
	ConsistencyStrong = engine.ConsistencyStrong
	// ConsistencyEventual may miss growing rows written after the last
	// snapshot publish but never returns deleted ids.
	ConsistencyEventual = engine.ConsistencyEventual
)

// TimeoutPolicy selects what a query returns when its timeout expires.
type TimeoutPolicy = engine.TimeoutPolicy

const (
	// TimeoutPolicyFail returns ErrTimeout.
	TimeoutPolicyFail = engine.TimeoutFail
	// TimeoutPolicyPartial returns the merge of the segments probed so far,
	// with SearchResult.Partial set.
	TimeoutPolicyPartial = engine.TimeoutPartial
)

// Hit is one search result: the id, its distance to the query and a copy of
// its metadata.
type Hit = engine.Hit

// SearchResult holds hits in ascending distance, ties broken by ascending id.
type SearchResult = engine.SearchResult

// SearchOption configures a single query.
type SearchOption func(*engine.SearchOptions)

// WithEFSearch overrides the HNSW beam width for this query. Values below k
// are raised to k.
func WithEFSearch(ef int) SearchOption {
	return func(o *engine.SearchOptions) {
		o.EF = ef
	}
}

// WithFilter restricts results to records whose metadata matches every filter.
func WithFilter(filters *metadata.FilterSet) SearchOption {
	return func(o *engine.SearchOptions) {
		o.Filter = filters
	}
}

// WithConsistency selects the consistency level of this query.
func WithConsistency(level Consistency) SearchOption {
	return func(o *engine.SearchOptions) {
		o.Consistency = level
	}
}

// WithTimeout bounds the whole query, including the wait for its snapshot.
func WithTimeout(d time.Duration) SearchOption {
	return func(o *engine.SearchOptions) {
		o.Timeout = d
	}
}

// WithTimeoutPolicy selects between failing and returning a partial result
// when the timeout expires.
func WithTimeoutPolicy(p TimeoutPolicy) SearchOption {
	return func(o *engine.SearchOptions) {
		o.TimeoutPolicy = p
	}
}

// Search returns the k records of the collection nearest to query.
func (db *DB) Search(ctx context.Context, collection string, query []float32, k int, opts ...SearchOption) (*SearchResult, error) {
	so := engine.SearchOptions{K: k}
	for _, fn := range opts {
		if fn != nil {
			fn(&so)
		}
	}

	start := time.Now()
	res, err := db.search(ctx, collection, query, so)
	hits, partial := 0, false
	if res != nil {
		hits, partial = len(res.Hits), res.Partial
	}
	db.logger.LogSearch(collection, k, hits, partial, time.Since(start), err)
	return res, err
}

func (db *DB) search(ctx context.Context, collection string, query []float32, so engine.SearchOptions) (*SearchResult, error) {
	c, err := db.engine.Collection(collection)
	if err != nil {
		return nil, translateError("search", collection, 0, err)
	}
	res, err := c.Search(ctx, query, so)
	if err != nil {
		return nil, translateError("search", collection, 0, err)
	}
	return res, nil
}

// Query creates a new fluent search builder for the given query vector.
//
// Example:
//
//	res, err := db.Query("docs", query).
//	    KNN(10).
//	    EF(100).
//	    Where(metadata.NewFilterSet(metadata.Filter{Key: "lang", Operator: metadata.OpEqual, Value: metadata.String("en")})).
//	    Execute(ctx)
func (db *DB) Query(collection string, query []float32) *SearchBuilder {
	return &SearchBuilder{
		db:         db,
		collection: collection,
		query:      query,
		k:          10, // Default k
	}
}

// SearchBuilder is a fluent builder for constructing search queries.
type SearchBuilder struct {
	db         *DB
	collection string
	query      []float32
	k          int
	opts       []SearchOption
}

// KNN sets the number of nearest neighbors to return.
func (sb *SearchBuilder) KNN(k int) *SearchBuilder {
	sb.k = k
	return sb
}

// EF sets the exploration factor for HNSW search.
// Higher values improve recall but slow down search.
func (sb *SearchBuilder) EF(ef int) *SearchBuilder {
	sb.opts = append(sb.opts, WithEFSearch(ef))
	return sb
}

// Where sets metadata filters.
func (sb *SearchBuilder) Where(filters *metadata.FilterSet) *SearchBuilder {
	sb.opts = append(sb.opts, WithFilter(filters))
	return sb
}

// Consistency sets the consistency level.
func (sb *SearchBuilder) Consistency(level Consistency) *SearchBuilder {
	sb.opts = append(sb.opts, WithConsistency(level))
	return sb
}

// Timeout bounds the query and selects what an expired query returns.
func (sb *SearchBuilder) Timeout(d time.Duration, policy TimeoutPolicy) *SearchBuilder {
	sb.opts = append(sb.opts, WithTimeout(d), WithTimeoutPolicy(policy))
	return sb
}

// Execute runs the search and returns the results.
func (sb *SearchBuilder) Execute(ctx context.Context) (*SearchResult, error) {
	return sb.db.Search(ctx, sb.collection, sb.query, sb.k, sb.opts...)
}

// First returns the nearest hit, or ErrNotFound when the collection has no
// matching record.
func (sb *SearchBuilder) First(ctx context.Context) (Hit, error) {
	res, err := sb.db.Search(ctx, sb.collection, sb.query, 1, sb.opts...)
	if err != nil {
		return Hit{}, err
	}
	if len(res.Hits) == 0 {
		return Hit{}, &NotFoundError{Collection: sb.collection, Err: ErrNotFound}
	}
	return res.Hits[0], nil
}
