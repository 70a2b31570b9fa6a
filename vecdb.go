package vecdb

import (
	"context"
	"time"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/engine"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

// ID identifies a record within a collection.
type ID = model.ID

// Record is a stored vector with its metadata.
type Record = model.Record

// Metric selects the distance function of a collection.
type Metric = distance.Metric

const (
	MetricL2     = distance.MetricL2
	MetricCosine = distance.MetricCosine
	MetricDot    = distance.MetricDot
)

// Health is the coarse state of a collection.
type Health = engine.Health

const (
	HealthOK       = engine.HealthOK
	HealthDegraded = engine.HealthDegraded
)

// CollectionStats is a point-in-time summary of a collection.
type CollectionStats = engine.CollectionStats

// SegmentStats describes one segment of a collection.
type SegmentStats = engine.SegmentStats

// CompactionResult summarizes one compaction run.
type CompactionResult = engine.CompactionResult

// DB is an embedded vector database rooted at one directory. It is safe for
// concurrent use.
type DB struct {
	engine *engine.Engine
	logger *Logger
	dir    string
}

// Open opens or creates the database in dir, recovering every collection from
// its catalog entry, sealed segments and WAL tail.
func Open(dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)

	start := time.Now()
	e, err := engine.Open(context.Background(), dir, o.engine)
	if err != nil {
		err = translateError("open", "", 0, err)
		o.logger.LogOpen(dir, 0, time.Since(start), err)
		return nil, err
	}
	o.logger.LogOpen(dir, len(e.ListCollections()), time.Since(start), nil)
	return &DB{engine: e, logger: o.logger, dir: dir}, nil
}

// CreateCollection registers an empty collection. The name must match
// [A-Za-z0-9_-]{1,128} and dim must be positive.
func (db *DB) CreateCollection(ctx context.Context, name string, dim int, metric Metric) error {
	_, err := db.engine.CreateCollection(ctx, name, dim, metric)
	return translateError("create collection", name, 0, err)
}

// DropCollection removes a collection with its WAL and blobs.
func (db *DB) DropCollection(ctx context.Context, name string) error {
	return translateError("drop collection", name, 0, db.engine.DropCollection(ctx, name))
}

// ListCollections returns the collection names in ascending order.
func (db *DB) ListCollections() []string {
	return db.engine.ListCollections()
}

type insertOptions struct {
	id     model.ID
	assign bool
}

// InsertOption configures Insert.
type InsertOption func(*insertOptions)

// WithID inserts the record under id instead of the next free id. Inserting
// an id that is already live fails with ErrDuplicateID.
func WithID(id ID) InsertOption {
	return func(o *insertOptions) {
		o.id = id
		o.assign = false
	}
}

// Insert stores a vector with its metadata and returns its id. The record is
// durable and visible to searches when Insert returns.
func (db *DB) Insert(ctx context.Context, collection string, vec []float32, md metadata.Document, opts ...InsertOption) (ID, error) {
	io := insertOptions{assign: true}
	for _, fn := range opts {
		if fn != nil {
			fn(&io)
		}
	}

	start := time.Now()
	id, err := db.insert(ctx, collection, vec, md, io)
	db.logger.LogInsert(collection, id, time.Since(start), err)
	return id, err
}

func (db *DB) insert(ctx context.Context, collection string, vec []float32, md metadata.Document, io insertOptions) (ID, error) {
	c, err := db.engine.Collection(collection)
	if err != nil {
		return 0, translateError("insert", collection, io.id, err)
	}
	id, err := c.Insert(ctx, io.id, io.assign, vec, md)
	if err != nil {
		return 0, translateError("insert", collection, io.id, err)
	}
	return id, nil
}

// BatchItem is one record of InsertBatch. Set Assign to give the record the
// next free id instead of ID.
type BatchItem = engine.BatchItem

// InsertBatch stores items as one unit and returns their ids in item order.
// Every item is validated before anything is written and the batch shares a
// single WAL group commit. On error no item is inserted and the error names
// the first rejected item.
func (db *DB) InsertBatch(ctx context.Context, collection string, items []BatchItem) ([]ID, error) {
	start := time.Now()
	ids, err := db.insertBatch(ctx, collection, items)
	db.logger.LogInsertBatch(collection, len(items), time.Since(start), err)
	return ids, err
}

func (db *DB) insertBatch(ctx context.Context, collection string, items []BatchItem) ([]ID, error) {
	c, err := db.engine.Collection(collection)
	if err != nil {
		return nil, translateError("insert batch", collection, 0, err)
	}
	ids, err := c.InsertBatch(ctx, items)
	if err != nil {
		return nil, translateError("insert batch", collection, 0, err)
	}
	return ids, nil
}

// Delete tombstones a record. Deleting an absent or already deleted id fails
// with ErrNotFound.
func (db *DB) Delete(ctx context.Context, collection string, id ID) error {
	start := time.Now()
	err := db.delete(ctx, collection, id)
	db.logger.LogDelete(collection, id, time.Since(start), err)
	return err
}

func (db *DB) delete(ctx context.Context, collection string, id ID) error {
	c, err := db.engine.Collection(collection)
	if err != nil {
		return translateError("delete", collection, id, err)
	}
	return translateError("delete", collection, id, c.Delete(ctx, id))
}

// Get returns a copy of a live record.
func (db *DB) Get(ctx context.Context, collection string, id ID) (Record, error) {
	c, err := db.engine.Collection(collection)
	if err != nil {
		return Record{}, translateError("get", collection, id, err)
	}
	rec, err := c.Get(ctx, id)
	if err != nil {
		return Record{}, translateError("get", collection, id, err)
	}
	return rec, nil
}

// Flush seals the growing segment of a collection and waits until the sealed
// segment is committed. Its index is built in the background.
func (db *DB) Flush(ctx context.Context, collection string) error {
	start := time.Now()
	c, err := db.engine.Collection(collection)
	if err == nil {
		err = c.Flush(ctx)
	}
	err = translateError("flush", collection, 0, err)
	db.logger.LogFlush(collection, time.Since(start), err)
	return err
}

// Compact rewrites every sealed segment carrying tombstones, removing deleted
// rows permanently. It is a no-op when no segment has tombstones.
func (db *DB) Compact(ctx context.Context, collection string) (CompactionResult, error) {
	start := time.Now()
	c, err := db.engine.Collection(collection)
	if err != nil {
		return CompactionResult{}, translateError("compact", collection, 0, err)
	}
	res, err := c.Compact(ctx, true)
	err = translateError("compact", collection, 0, err)
	db.logger.LogCompaction(collection, res.InputSegments, res.OutputRows, res.RemovedRows, time.Since(start), err)
	return res, err
}

// Stats returns the statistics of a collection.
func (db *DB) Stats(_ context.Context, collection string) (CollectionStats, error) {
	c, err := db.engine.Collection(collection)
	if err != nil {
		return CollectionStats{}, translateError("stats", collection, 0, err)
	}
	st, err := c.Stats()
	return st, translateError("stats", collection, 0, err)
}

// WaitIndexes blocks until no index build is queued or running.
func (db *DB) WaitIndexes(ctx context.Context) error {
	return db.engine.WaitIndexes(ctx)
}

// MemoryUsage returns the bytes reserved by growing segments and index builds.
func (db *DB) MemoryUsage() int64 {
	return db.engine.MemoryUsage()
}
