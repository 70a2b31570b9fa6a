package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/internal/segment"
)

type buildTask struct {
	c   *Collection
	seg *segment.Sealed
}

// builder is a fixed pool of goroutines that build HNSW indexes for sealed
// segments. Submit never blocks; queued tasks are kept in FIFO order.
type builder struct {
	e          *Engine
	numWorkers int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []buildTask
	closed  bool
	running int
	active  map[*Collection]int
	wg      sync.WaitGroup
}

func newBuilder(e *Engine) *builder {
	b := &builder{
		e:          e,
		numWorkers: max(1, min(e.opts.BuildWorkers, e.rc.BackgroundWorkers())),
		active:     make(map[*Collection]int),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *builder) start() {
	for i := 0; i < b.numWorkers; i++ {
		GoSafe(b.e.opts.Logger, &b.wg, "index-builder", b.worker)
	}
}

// Submit queues an index build for seg.
func (b *builder) Submit(c *Collection, seg *segment.Sealed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	seg.SetIndexStatus(segment.IndexPending)
	b.queue = append(b.queue, buildTask{c: c, seg: seg})
	b.cond.Broadcast()
}

// Pending returns the number of queued and running builds.
func (b *builder) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) + b.running
}

// Close stops the workers. Running builds are cancelled through the engine context.
func (b *builder) Close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *builder) worker() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		t := b.queue[0]
		b.queue = b.queue[1:]
		b.running++
		b.active[t.c]++
		b.mu.Unlock()

		b.run(t)

		b.mu.Lock()
		b.running--
		if b.active[t.c]--; b.active[t.c] == 0 {
			delete(b.active, t.c)
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// Drain drops the queued builds of c and waits for its running ones.
func (b *builder) Drain(c *Collection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = slices.DeleteFunc(b.queue, func(t buildTask) bool { return t.c == c })
	for b.active[c] > 0 {
		b.cond.Wait()
	}
}

// Wait blocks until the queue is empty and no build is running.
func (b *builder) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for (len(b.queue) > 0 || b.running > 0) && !b.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

// run builds the index of one segment, retrying failures with exponential
// backoff. After BuildMaxAttempts failures the segment is marked failed and
// the collection degraded; it stays queryable by exact scan.
func (b *builder) run(t buildTask) {
	c, seg := t.c, t.seg
	opts := b.e.opts
	ctx := c.ctx

	for attempt := 1; ; attempt++ {
		if c.isClosed() || !c.hasSealed(seg) {
			return
		}
		seg.SetIndexStatus(segment.IndexBuilding)
		start := time.Now()
		err := c.buildIndex(ctx, seg)
		opts.Metrics.OnIndexBuild(c.name, seg.ID(), attempt, time.Since(start), err)
		if err == nil {
			c.logger.Info("index built", "segment", seg.ID(), "rows", seg.RowCount(), "attempt", attempt)
			c.refreshHealth()
			return
		}
		if ctx.Err() != nil {
			seg.SetIndexStatus(segment.IndexPending)
			return
		}
		if attempt >= opts.BuildMaxAttempts {
			seg.SetIndexStatus(segment.IndexFailed)
			c.logger.Error("index build failed permanently",
				"segment", seg.ID(),
				"attempt", attempt,
				"error", err,
			)
			c.setHealth(HealthDegraded)
			return
		}

		seg.SetIndexStatus(segment.IndexPending)
		delay := backoff(opts.BuildRetryBase, opts.BuildRetryMax, attempt)
		c.logger.Warn("index build failed, retrying",
			"segment", seg.ID(),
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

// buildIndex builds, stores and publishes the index of seg.
func (c *Collection) buildIndex(ctx context.Context, seg *segment.Sealed) error {
	g, err := c.buildGraph(ctx, seg)
	if err != nil {
		return err
	}
	p, err := c.writeIndex(ctx, seg, g)
	if err != nil {
		return err
	}
	seg.SetIndex(g)

	c.mu.Lock()
	info, ok := c.infos[seg.ID()]
	if ok {
		info.IndexReady = true
		info.IndexPath = p
		c.infos[seg.ID()] = info
	}
	c.mu.Unlock()
	if !ok {
		// Compacted away while building; nothing references the blob.
		if err := c.e.store.Delete(ctx, p); err != nil {
			c.logger.Warn("remove orphaned index failed", "segment", seg.ID(), "path", p, "error", err)
		}
		return nil
	}
	return c.e.commitCollection(ctx, c)
}

// buildGraph runs hnsw.Build under a memory reservation and a background slot.
func (c *Collection) buildGraph(ctx context.Context, seg *segment.Sealed) (*hnsw.Graph, error) {
	opts := c.e.opts
	mem := hnsw.EstimateMemory(seg.Len(), opts.M)
	if err := c.rc().AcquireMemory(mem); err != nil {
		return nil, fmt.Errorf("%w: index build needs %d bytes: %v", ErrResourceExhausted, mem, err)
	}
	defer c.rc().ReleaseMemory(mem)

	if err := c.rc().AcquireBackground(ctx); err != nil {
		return nil, err
	}
	defer c.rc().ReleaseBackground()

	g, err := hnsw.Build(ctx, seg, hnsw.Options{
		M:              opts.M,
		EFConstruction: opts.EFConstruction,
		Metric:         c.metric,
		Seed:           opts.Seed + uint64(seg.ID()),
	})
	if err != nil {
		if errors.Is(err, hnsw.ErrInvalidInput) {
			return nil, &IndexBuildError{Segment: seg.ID(), Err: fmt.Errorf("%w: %w", ErrIndexBuild, err)}
		}
		return nil, err
	}
	return g, nil
}

func (c *Collection) writeIndex(ctx context.Context, seg *segment.Sealed, g *hnsw.Graph) (string, error) {
	var buf bytes.Buffer
	if _, err := g.WriteTo(&buf); err != nil {
		return "", &IndexBuildError{Segment: seg.ID(), Err: fmt.Errorf("%w: encode: %w", ErrIndexBuild, err)}
	}
	if err := c.rc().WaitIO(ctx, buf.Len()); err != nil {
		return "", err
	}
	p := c.blobPath(seg.ID(), extIndex)
	if err := c.e.store.Put(ctx, p, buf.Bytes()); err != nil {
		return "", &IndexBuildError{Segment: seg.ID(), Err: fmt.Errorf("%w: write %s: %w", ErrIndexBuild, p, err)}
	}
	return p, nil
}

func (c *Collection) hasSealed(seg *segment.Sealed) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ref := range c.sealed {
		if ref.Segment == segment.Segment(seg) {
			return true
		}
	}
	return false
}
