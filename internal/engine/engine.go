package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/vecdb/blobstore"
	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/manifest"
	"github.com/hupe1980/vecdb/internal/resource"
	"github.com/hupe1980/vecdb/internal/wal"
)

var collectionName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Engine owns the catalog, the collections and the shared background workers
// of one database directory.
type Engine struct {
	dir    string
	opts   Options
	logger *slog.Logger

	store    blobstore.BlobStore
	catalogs *manifest.Store
	rc       *resource.Controller
	builder  *builder

	catalogMu sync.Mutex
	catalog   *manifest.Catalog

	mu          sync.RWMutex
	collections map[string]*Collection
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func walDir(dir, name string) string {
	return filepath.Join(dir, "wal", name)
}

// Open opens or creates the database in dir and recovers every collection
// listed in the committed catalog.
func Open(ctx context.Context, dir string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.FileSystem.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	if opts.BlobStore == nil {
		opts.BlobStore = blobstore.NewLocalStore(filepath.Join(dir, "data"))
	}

	ectx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger,
		store:    opts.BlobStore,
		catalogs: manifest.NewStore(opts.BlobStore),
		rc: resource.NewController(resource.Config{
			MemoryLimitBytes:  opts.MemoryLimitBytes,
			BackgroundWorkers: int64(opts.BackgroundWorkers),
			IOBytesPerSec:     opts.IOBytesPerSec,
		}),
		collections: make(map[string]*Collection),
		ctx:         ectx,
		cancel:      cancel,
	}
	e.builder = newBuilder(e)

	catalog, err := e.catalogs.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		catalog = manifest.New()
	case err != nil:
		cancel()
		return nil, fmt.Errorf("load catalog: %w", err)
	default:
		if err := e.catalogs.GC(ctx); err != nil {
			e.logger.Warn("catalog gc failed", "error", err)
		}
	}
	e.catalog = catalog

	for _, entry := range catalog.Collections {
		c, err := e.recoverCollection(ctx, entry)
		if err != nil {
			e.closeCollections(ctx)
			cancel()
			return nil, fmt.Errorf("recover collection %q: %w", entry.Name, err)
		}
		e.collections[entry.Name] = c
	}

	e.builder.start()
	for _, c := range e.collections {
		c.start()
	}
	if opts.CompactionInterval > 0 {
		GoSafe(e.logger, &e.wg, "compaction", e.runCompactionLoop)
	}

	e.logger.Info("engine opened", "dir", dir, "collections", len(e.collections))
	return e, nil
}

// CreateCollection registers a new, empty collection.
func (e *Engine) CreateCollection(ctx context.Context, name string, dim int, metric distance.Metric) (*Collection, error) {
	if !collectionName.MatchString(name) {
		return nil, fmt.Errorf("%w: collection name %q", ErrInvalidArgument, name)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidArgument, dim)
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: metric %v", ErrInvalidArgument, metric)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.collections[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionExists, name)
	}

	// A crash during an earlier drop may have left files behind.
	if err := e.removeCollectionData(ctx, name); err != nil {
		return nil, err
	}

	entry := manifest.Collection{
		Name:          name,
		Dim:           dim,
		Metric:        metric.String(),
		CreatedAt:     time.Now().UTC(),
		NextSegmentID: 1,
		NextID:        1,
	}
	if err := e.commit(ctx, func(cat *manifest.Catalog) { cat.Put(entry) }); err != nil {
		return nil, err
	}

	c, err := e.recoverCollection(ctx, entry)
	if err != nil {
		if rerr := e.commit(ctx, func(cat *manifest.Catalog) { cat.Remove(name) }); rerr != nil {
			e.logger.Error("rolling back collection create failed", "collection", name, "error", rerr)
		}
		return nil, err
	}
	c.start()
	e.collections[name] = c

	e.logger.Info("collection created", "collection", name, "dim", dim, "metric", metric.String())
	return c, nil
}

// DropCollection stops a collection, removes it from the catalog and deletes
// its WAL and blobs.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	c, ok := e.collections[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	delete(e.collections, name)

	if err := c.close(ctx, true); err != nil {
		e.logger.Warn("closing dropped collection", "collection", name, "error", err)
	}
	// Index builds and compaction may still write blobs of c.
	e.builder.Drain(c)
	c.compactMu.Lock()
	c.compactMu.Unlock()
	if err := e.commit(ctx, func(cat *manifest.Catalog) { cat.Remove(name) }); err != nil {
		return err
	}
	if err := e.removeCollectionData(ctx, name); err != nil {
		e.logger.Warn("removing dropped collection data", "collection", name, "error", err)
	}
	e.logger.Info("collection dropped", "collection", name)
	return nil
}

// removeCollectionData deletes every blob under the collection prefix and its WAL.
func (e *Engine) removeCollectionData(ctx context.Context, name string) error {
	prefix := "collections/" + name + "/"
	names, err := e.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, n := range names {
		if err := e.store.Delete(ctx, n); err != nil {
			return fmt.Errorf("delete %s: %w", n, err)
		}
	}
	return wal.Remove(e.opts.FileSystem, walDir(e.dir, name))
}

// Collection returns the named collection.
func (e *Engine) Collection(name string) (*Collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	c, ok := e.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return c, nil
}

// ListCollections returns the collection names in ascending order.
func (e *Engine) ListCollections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MemoryUsage returns the bytes currently reserved by growing segments and builds.
func (e *Engine) MemoryUsage() int64 { return e.rc.MemoryUsage() }

// WaitIndexes blocks until no index build is queued or running.
func (e *Engine) WaitIndexes(ctx context.Context) error { return e.builder.Wait(ctx) }

// commit applies fn to a copy of the catalog and saves it.
func (e *Engine) commit(ctx context.Context, fn func(*manifest.Catalog)) error {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()

	next := e.catalog.Clone()
	fn(next)
	if err := e.catalogs.Save(ctx, next); err != nil {
		return fmt.Errorf("%w: commit catalog: %w", ErrDurability, err)
	}
	e.catalog = next
	return nil
}

// commitCollection stores the current entry of c. Dropped collections are skipped.
func (e *Engine) commitCollection(ctx context.Context, c *Collection) error {
	entry := c.entry()

	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()

	c.mu.RLock()
	dropped := c.dropped
	c.mu.RUnlock()
	if dropped {
		return nil
	}

	next := e.catalog.Clone()
	next.Put(entry)
	if err := e.catalogs.Save(ctx, next); err != nil {
		return fmt.Errorf("%w: commit catalog: %w", ErrDurability, err)
	}
	e.catalog = next
	return nil
}

func (e *Engine) runCompactionLoop() {
	ticker := time.NewTicker(e.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
		e.mu.RLock()
		colls := make([]*Collection, 0, len(e.collections))
		for _, c := range e.collections {
			colls = append(colls, c)
		}
		e.mu.RUnlock()

		for _, c := range colls {
			if e.ctx.Err() != nil {
				return
			}
			// Compact logs its own failures.
			_, _ = c.Compact(e.ctx, false)
		}
	}
}

// Close stops background work, persists tombstones and closes every WAL.
// Growing segments are not sealed; their rows are replayed from the WAL.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.builder.Close()

	err := e.closeCollections(ctx)
	e.logger.Info("engine closed", "dir", e.dir)
	return err
}

func (e *Engine) closeCollections(ctx context.Context) error {
	var errs []error
	for name, c := range e.collections {
		if err := c.close(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("collection %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// isSegmentBlob reports whether name looks like a segment, index or tombstone blob.
func isSegmentBlob(name string) bool {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "seg-") {
		return false
	}
	switch filepath.Ext(base) {
	case extSegment, extIndex, extTombstone:
		return true
	}
	return false
}
