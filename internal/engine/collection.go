package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/manifest"
	"github.com/hupe1980/vecdb/internal/resource"
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/internal/wal"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

// MaxID is the largest id a record may carry. The next-id counter stays
// representable after it is used.
const MaxID = model.ID(math.MaxUint64 - 1)

const (
	extSegment   = ".seg"
	extIndex     = ".hnsw"
	extTombstone = ".tomb"
)

// Health is the coarse state of a collection.
type Health int32

const (
	HealthOK Health = iota
	// HealthDegraded means at least one sealed segment has no usable index
	// after exhausting its build retries. Queries still run by exact scan.
	HealthDegraded
)

func (h Health) String() string {
	if h == HealthDegraded {
		return "degraded"
	}
	return "ok"
}

// growingState tracks a growing segment and the memory reserved for its rows.
type growingState struct {
	seg      *segment.Growing
	ref      *RefCountedSegment
	reserved atomic.Int64
}

// sealTask is one handed-off growing segment on its way to a sealed segment.
type sealTask struct {
	g          *growingState
	walFile    uint64
	flushedLSN uint64

	sealed  *segment.Sealed
	swapped bool

	done chan struct{}
	err  error
}

// Collection is a named set of vectors with a fixed dimension and metric.
//
// Writers hold mu.RLock for the whole operation; handoff, seal and compaction
// swaps take mu.Lock. writeMu is held only while reserving an id and its LSN.
type Collection struct {
	e         *Engine
	name      string
	dim       int
	metric    distance.Metric
	createdAt time.Time
	prefix    string
	logger    *slog.Logger

	wal *wal.WAL

	mu         sync.RWMutex
	closed     bool
	dropped    bool
	growing    *growingState
	sealing    []*sealTask
	sealed     []*RefCountedSegment
	infos      map[model.SegmentID]manifest.SegmentInfo
	flushedLSN uint64
	nextSegID  model.SegmentID

	writeMu        sync.Mutex
	nextID         model.ID
	pendingInserts map[model.ID]struct{}
	pendingDeletes map[model.ID]struct{}

	snap atomic.Pointer[Snapshot]

	persistMu  sync.Mutex
	compactMu  sync.Mutex
	health     atomic.Int32
	sealSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCollection(e *Engine, entry manifest.Collection) (*Collection, error) {
	metric, err := distance.ParseMetric(entry.Metric)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(e.ctx)
	c := &Collection{
		e:              e,
		name:           entry.Name,
		dim:            entry.Dim,
		metric:         metric,
		createdAt:      entry.CreatedAt,
		prefix:         path.Join("collections", entry.Name),
		logger:         e.opts.Logger.With("collection", entry.Name),
		infos:          make(map[model.SegmentID]manifest.SegmentInfo),
		flushedLSN:     entry.FlushedLSN,
		nextSegID:      max(entry.NextSegmentID, 1),
		nextID:         entry.NextID,
		pendingInserts: make(map[model.ID]struct{}),
		pendingDeletes: make(map[model.ID]struct{}),
		sealSignal:     make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Dim returns the vector dimension.
func (c *Collection) Dim() int { return c.dim }

// Metric returns the distance metric.
func (c *Collection) Metric() distance.Metric { return c.metric }

func (c *Collection) blobPath(id model.SegmentID, ext string) string {
	return path.Join(c.prefix, fmt.Sprintf("seg-%06d%s", id, ext))
}

func (c *Collection) walDir() string {
	return walDir(c.e.dir, c.name)
}

func (c *Collection) rc() *resource.Controller { return c.e.rc }

// newGrowingLocked allocates the next growing segment. Must hold mu.
func (c *Collection) newGrowingLocked() (*growingState, error) {
	seg, err := segment.NewGrowing(c.nextSegID, c.dim, c.metric)
	if err != nil {
		return nil, err
	}
	c.nextSegID++
	gs := &growingState{seg: seg, ref: NewRefCountedSegment(seg)}
	rc := c.rc()
	gs.ref.SetOnClose(func() { rc.ReleaseMemory(gs.reserved.Swap(0)) })
	return gs, nil
}

// publishLocked installs a snapshot of the current segment set. Must hold mu.
func (c *Collection) publishLocked() {
	sealing := make([]*RefCountedSegment, 0, len(c.sealing))
	for _, t := range c.sealing {
		if !t.swapped {
			sealing = append(sealing, t.g.ref)
		}
	}
	snap := newSnapshot(slices.Clone(c.sealed), sealing, c.growing.ref, c.wal.NextLSN()-1)
	if old := c.snap.Swap(snap); old != nil {
		old.DecRef()
	}
}

// acquire returns a referenced snapshot, or nil once the collection is closed.
func (c *Collection) acquire() *Snapshot {
	for {
		s := c.snap.Load()
		if s == nil {
			return nil
		}
		if s.TryIncRef() {
			return s
		}
		if c.snap.Load() == s {
			return nil
		}
	}
}

func (c *Collection) start() {
	GoSafe(c.logger, &c.wg, "seal", c.runSealLoop)
	GoSafe(c.logger, &c.wg, "watermark", c.runWatermarkLoop)
	if c.e.opts.Durability == wal.DurabilityAsync {
		GoSafe(c.logger, &c.wg, "wal-sync", c.runSyncLoop)
	}
	c.signalSeal()
}

func (c *Collection) signalSeal() {
	select {
	case c.sealSignal <- struct{}{}:
	default:
	}
}

func (c *Collection) validateVector(vec []float32) error {
	if len(vec) != c.dim {
		return &DimensionMismatchError{Expected: c.dim, Actual: len(vec)}
	}
	if err := distance.Validate(vec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if c.metric == distance.MetricCosine && distance.Norm(vec) == 0 {
		return fmt.Errorf("%w: zero vector with cosine metric", ErrInvalidArgument)
	}
	return nil
}

func (c *Collection) waitDurable(offset int64) error {
	if c.e.opts.Durability == wal.DurabilityAsync {
		return nil
	}
	return c.wal.WaitFor(offset)
}

// Insert validates and persists a record, then makes it visible. When assign
// is set the id argument is ignored and the next free id is used.
func (c *Collection) Insert(ctx context.Context, id model.ID, assign bool, vec []float32, md metadata.Document) (model.ID, error) {
	start := time.Now()
	id, err := c.insert(ctx, id, assign, vec, md)
	c.e.opts.Metrics.OnInsert(c.name, time.Since(start), err)
	if err == nil {
		c.maybeHandoff()
	}
	return id, err
}

func (c *Collection) insert(ctx context.Context, id model.ID, assign bool, vec []float32, md metadata.Document) (model.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.validateVector(vec); err != nil {
		return 0, err
	}
	mdBytes, err := metadata.AppendDocument(nil, md)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata: %v", ErrInvalidArgument, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}

	size := segment.RowBytes(c.dim, md)
	if err := c.rc().AcquireMemory(size); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	growing := c.growing

	c.writeMu.Lock()
	id, err = c.reserveIDLocked(id, assign, c.nextID, nil)
	if err != nil {
		c.writeMu.Unlock()
		c.rc().ReleaseMemory(size)
		return 0, err
	}
	lsn, offset, err := c.wal.AppendAsync(&wal.Record{
		Type:     wal.RecordTypeInsert,
		ID:       uint64(id),
		Vector:   vec,
		Metadata: mdBytes,
	})
	if err != nil {
		c.writeMu.Unlock()
		c.rc().ReleaseMemory(size)
		return 0, fmt.Errorf("%w: %w", ErrDurability, err)
	}
	c.pendingInserts[id] = struct{}{}
	if id >= c.nextID {
		c.nextID = id + 1
	}
	c.writeMu.Unlock()

	err = c.waitDurable(offset)
	if err == nil {
		_, err = growing.seg.Append(id, vec, md, lsn)
	}

	c.writeMu.Lock()
	delete(c.pendingInserts, id)
	c.writeMu.Unlock()

	if err != nil {
		c.rc().ReleaseMemory(size)
		if errors.Is(err, segment.ErrFrozen) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrDurability, err)
	}
	growing.reserved.Add(size)
	return id, nil
}

// reserveIDLocked resolves the id of one new record against next, the next
// free id, and rejects ids that are live, pending or already in seen.
// Must hold mu (read) and writeMu.
func (c *Collection) reserveIDLocked(id model.ID, assign bool, next model.ID, seen map[model.ID]struct{}) (model.ID, error) {
	if assign {
		if next > MaxID {
			return 0, fmt.Errorf("%w: id space exhausted", ErrResourceExhausted)
		}
		id = next
	} else if id > MaxID {
		return 0, fmt.Errorf("%w: id %d out of range", ErrInvalidArgument, id)
	}
	if _, dup := seen[id]; dup || c.liveLocked(id, true) {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	return id, nil
}

// BatchItem is one record of a batch insert. When Assign is set ID is ignored
// and the next free id is used.
type BatchItem struct {
	ID       model.ID
	Assign   bool
	Vector   []float32
	Metadata metadata.Document
}

// InsertBatch validates every item before writing any of them and logs the
// batch in a single WAL group commit. Either all items become visible or none
// do. The returned ids follow item order.
func (c *Collection) InsertBatch(ctx context.Context, items []BatchItem) ([]model.ID, error) {
	start := time.Now()
	ids, err := c.insertBatch(ctx, items)
	failed := 0
	if err != nil {
		failed = len(items)
	}
	c.e.opts.Metrics.OnBatchInsert(c.name, len(items), failed, time.Since(start))
	if err == nil {
		c.maybeHandoff()
	}
	return ids, err
}

func (c *Collection) insertBatch(ctx context.Context, items []BatchItem) ([]model.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	recs := make([]*wal.Record, len(items))
	var size int64
	for i, it := range items {
		if err := c.validateVector(it.Vector); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		mdBytes, err := metadata.AppendDocument(nil, it.Metadata)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w: metadata: %v", i, ErrInvalidArgument, err)
		}
		recs[i] = &wal.Record{Type: wal.RecordTypeInsert, Vector: it.Vector, Metadata: mdBytes}
		size += segment.RowBytes(c.dim, it.Metadata)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	if err := c.rc().AcquireMemory(size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	growing := c.growing

	c.writeMu.Lock()
	ids := make([]model.ID, len(items))
	seen := make(map[model.ID]struct{}, len(items))
	next := c.nextID
	for i, it := range items {
		id, err := c.reserveIDLocked(it.ID, it.Assign, next, seen)
		if err != nil {
			c.writeMu.Unlock()
			c.rc().ReleaseMemory(size)
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		seen[id] = struct{}{}
		ids[i] = id
		recs[i].ID = uint64(id)
		if id >= next {
			next = id + 1
		}
	}
	first, offset, err := c.wal.AppendBatchAsync(recs)
	if err != nil {
		c.writeMu.Unlock()
		c.rc().ReleaseMemory(size)
		return nil, fmt.Errorf("%w: %w", ErrDurability, err)
	}
	for _, id := range ids {
		c.pendingInserts[id] = struct{}{}
	}
	c.nextID = next
	c.writeMu.Unlock()

	// The growing segment is frozen only under mu.Lock.
	err = c.waitDurable(offset)
	if err == nil {
		for i, it := range items {
			if _, err = growing.seg.Append(ids[i], it.Vector, it.Metadata, first+uint64(i)); err != nil {
				break
			}
		}
	}

	c.writeMu.Lock()
	for _, id := range ids {
		delete(c.pendingInserts, id)
	}
	c.writeMu.Unlock()

	if err != nil {
		c.rc().ReleaseMemory(size)
		return nil, fmt.Errorf("%w: %w", ErrDurability, err)
	}
	growing.reserved.Add(size)
	return ids, nil
}

// liveLocked reports whether id is live or has an unacknowledged write.
// Must hold mu (read) and writeMu.
func (c *Collection) liveLocked(id model.ID, includePending bool) bool {
	if includePending {
		if _, ok := c.pendingInserts[id]; ok {
			return true
		}
	}
	_, ok := c.snap.Load().lookup(id)
	return ok
}

// Delete tombstones the live record of id.
func (c *Collection) Delete(ctx context.Context, id model.ID) error {
	start := time.Now()
	err := c.delete(ctx, id)
	c.e.opts.Metrics.OnDelete(c.name, time.Since(start), err)
	return err
}

func (c *Collection) delete(ctx context.Context, id model.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	if _, pending := c.pendingDeletes[id]; pending || !c.liveLocked(id, false) {
		c.writeMu.Unlock()
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	lsn, offset, err := c.wal.AppendAsync(&wal.Record{Type: wal.RecordTypeDelete, ID: uint64(id)})
	if err != nil {
		c.writeMu.Unlock()
		return fmt.Errorf("%w: %w", ErrDurability, err)
	}
	c.pendingDeletes[id] = struct{}{}
	c.writeMu.Unlock()

	err = c.waitDurable(offset)
	if err == nil {
		c.applyDelete(c.snap.Load(), id, lsn)
	}

	c.writeMu.Lock()
	delete(c.pendingDeletes, id)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrDurability, err)
	}
	return nil
}

// applyDelete tombstones the row of id written before lsn, newest segment first.
func (c *Collection) applyDelete(snap *Snapshot, id model.ID, lsn uint64) bool {
	segs := snap.Segments()
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i].Delete(id, lsn) {
			return true
		}
	}
	return false
}

// Get returns a copy of the live record of id.
func (c *Collection) Get(ctx context.Context, id model.ID) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	snap := c.acquire()
	if snap == nil {
		return model.Record{}, ErrClosed
	}
	defer snap.DecRef()

	seg, ok := snap.lookup(id)
	if !ok {
		return model.Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	rec, ok := seg.Get(id)
	if !ok {
		return model.Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec, nil
}

func (c *Collection) overThreshold(g *segment.Growing) bool {
	return g.RowCount() >= c.e.opts.SealRows || g.Bytes() >= c.e.opts.SealBytes
}

func (c *Collection) maybeHandoff() {
	c.mu.RLock()
	need := !c.closed && c.overThreshold(c.growing.seg)
	c.mu.RUnlock()
	if !need {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.overThreshold(c.growing.seg) {
		return
	}
	if _, err := c.handoffLocked(); err != nil {
		c.logger.Error("handoff failed", "error", err)
	}
}

// handoffLocked freezes the growing segment and queues it for sealing.
// It returns nil when the growing segment is empty. Must hold mu.
func (c *Collection) handoffLocked() (*sealTask, error) {
	old := c.growing
	if old.seg.RowCount() == 0 {
		return nil, nil
	}
	fileNum, err := c.wal.Rotate()
	if err != nil {
		return nil, fmt.Errorf("%w: rotate wal: %w", ErrDurability, err)
	}
	next, err := c.newGrowingLocked()
	if err != nil {
		return nil, err
	}
	old.seg.Freeze()

	t := &sealTask{
		g:          old,
		walFile:    fileNum,
		flushedLSN: c.wal.NextLSN() - 1,
		done:       make(chan struct{}),
	}
	c.growing = next
	c.sealing = append(c.sealing, t)
	c.publishLocked()
	c.signalSeal()

	c.logger.Debug("growing segment handed off",
		"segment", old.seg.ID(),
		"rows", old.seg.RowCount(),
		"lsn", t.flushedLSN,
	)
	return t, nil
}

// Flush hands off a non-empty growing segment and waits until every queued
// segment is sealed and committed.
func (c *Collection) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	t, err := c.handoffLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if t == nil && len(c.sealing) > 0 {
		t = c.sealing[len(c.sealing)-1]
	}
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collection) runSyncLoop() {
	ticker := time.NewTicker(c.e.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.wal.Sync(); err != nil {
				c.logger.Error("background wal sync failed", "error", err)
			}
		}
	}
}

// runWatermarkLoop advances the eventual-read watermark of the published
// snapshot every EventualLag.
func (c *Collection) runWatermarkLoop() {
	ticker := time.NewTicker(c.e.opts.EventualLag)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if snap := c.acquire(); snap != nil {
				snap.advanceWatermark()
				snap.DecRef()
			}
		}
	}
}

func (c *Collection) setHealth(h Health) {
	if Health(c.health.Swap(int32(h))) != h {
		c.e.opts.Metrics.OnHealthChange(c.name, h)
		if h == HealthDegraded {
			c.logger.Error("collection health degraded")
		} else {
			c.logger.Info("collection health restored")
		}
	}
}

// refreshHealth recomputes health from the index status of sealed segments.
func (c *Collection) refreshHealth() {
	c.mu.RLock()
	h := HealthOK
	for _, ref := range c.sealed {
		if ref.Segment.(*segment.Sealed).IndexStatus() == segment.IndexFailed {
			h = HealthDegraded
			break
		}
	}
	c.mu.RUnlock()
	c.setHealth(h)
}

// Health returns the current health.
func (c *Collection) Health() Health { return Health(c.health.Load()) }

// entry renders the catalog entry of the collection.
func (c *Collection) entry() manifest.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.writeMu.Lock()
	nextID := c.nextID
	c.writeMu.Unlock()

	segs := make([]manifest.SegmentInfo, 0, len(c.sealed))
	for _, ref := range c.sealed {
		segs = append(segs, c.infos[ref.ID()])
	}
	return manifest.Collection{
		Name:          c.name,
		Dim:           c.dim,
		Metric:        c.metric.String(),
		CreatedAt:     c.createdAt,
		NextSegmentID: c.nextSegID,
		NextID:        nextID,
		FlushedLSN:    c.flushedLSN,
		Segments:      segs,
	}
}

// persist writes dirty tombstones and commits the catalog entry.
func (c *Collection) persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if err := c.persistTombstones(ctx); err != nil {
		return err
	}
	return c.e.commitCollection(ctx, c)
}

func (c *Collection) persistTombstones(ctx context.Context) error {
	c.mu.RLock()
	segs := slices.Clone(c.sealed)
	c.mu.RUnlock()

	for _, ref := range segs {
		s := ref.Segment.(*segment.Sealed)
		if !s.TakeDirty() {
			continue
		}
		data, err := segment.EncodeTombstones(s.Tombstones())
		if err != nil {
			s.MarkDirty()
			return err
		}
		p := c.blobPath(s.ID(), extTombstone)
		if err := c.e.store.Put(ctx, p, data); err != nil {
			s.MarkDirty()
			return fmt.Errorf("write tombstones %s: %w", p, err)
		}

		c.mu.Lock()
		if info, ok := c.infos[s.ID()]; ok {
			info.TombstonePath = p
			c.infos[s.ID()] = info
		}
		c.mu.Unlock()
	}
	return nil
}

// close stops background work and releases resources. A dropped collection
// skips the final commit.
func (c *Collection) close(ctx context.Context, drop bool) error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.dropped = drop
	pending := c.sealing
	c.mu.Unlock()

	var errs []error
	if !drop {
		if err := c.persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}

	for _, t := range pending {
		t.err = ErrClosed
		close(t.done)
	}

	c.mu.Lock()
	c.sealing = nil
	c.mu.Unlock()
	for _, t := range pending {
		if !t.swapped {
			t.g.ref.DecRef()
		}
	}
	c.growing.ref.DecRef()
	for _, ref := range c.sealed {
		ref.DecRef()
	}
	if snap := c.snap.Load(); snap != nil {
		snap.DecRef()
	}
	return errors.Join(errs...)
}

func (c *Collection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
