package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/vecdb/blobstore"
	"github.com/hupe1980/vecdb/model"
)

const (
	CatalogPrefix   = "CATALOG-"
	CurrentFileName = "CURRENT"
	// CurrentVersion is the version of the catalog format.
	CurrentVersion = 1
)

// Catalog is the persisted state of every collection in a database.
type Catalog struct {
	Version     int          `json:"version"`
	ID          uint64       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Collections []Collection `json:"collections"`
}

// New creates an empty catalog.
func New() *Catalog {
	now := time.Now().UTC()
	return &Catalog{Version: CurrentVersion, CreatedAt: now, UpdatedAt: now}
}

// Collection describes one collection and its sealed segments.
type Collection struct {
	Name          string          `json:"name"`
	Dim           int             `json:"dim"`
	Metric        string          `json:"metric"`
	CreatedAt     time.Time       `json:"created_at"`
	NextSegmentID model.SegmentID `json:"next_segment_id"`
	NextID        model.ID        `json:"next_id"`
	// FlushedLSN is the highest LSN whose inserts live in sealed segments.
	FlushedLSN uint64        `json:"flushed_lsn"`
	Segments   []SegmentInfo `json:"segments"`
}

// SegmentInfo describes a single sealed segment.
type SegmentInfo struct {
	ID            model.SegmentID `json:"id"`
	Rows          uint32          `json:"rows"`
	MinLSN        uint64          `json:"min_lsn"`
	MaxLSN        uint64          `json:"max_lsn"`
	Path          string          `json:"path"` // Relative to the blob store root
	IndexPath     string          `json:"index_path,omitempty"`
	TombstonePath string          `json:"tombstone_path,omitempty"`
	IndexReady    bool            `json:"index_ready"`
	Size          int64           `json:"size"`
	Level         int             `json:"level"`
}

// Clone returns a deep copy of the catalog.
func (c *Catalog) Clone() *Catalog {
	out := *c
	out.Collections = make([]Collection, len(c.Collections))
	for i, col := range c.Collections {
		out.Collections[i] = col.Clone()
	}
	return &out
}

// Clone returns a deep copy of the collection.
func (c Collection) Clone() Collection {
	c.Segments = append([]SegmentInfo(nil), c.Segments...)
	return c
}

// Collection returns the entry named name.
func (c *Catalog) Collection(name string) (*Collection, bool) {
	for i := range c.Collections {
		if c.Collections[i].Name == name {
			return &c.Collections[i], true
		}
	}
	return nil, false
}

// Put inserts or replaces col, keeping collections sorted by name.
func (c *Catalog) Put(col Collection) {
	if cur, ok := c.Collection(col.Name); ok {
		*cur = col
		return
	}
	c.Collections = append(c.Collections, col)
	sort.Slice(c.Collections, func(i, j int) bool { return c.Collections[i].Name < c.Collections[j].Name })
}

// Remove drops the entry named name. It reports whether it existed.
func (c *Catalog) Remove(name string) bool {
	for i := range c.Collections {
		if c.Collections[i].Name == name {
			c.Collections = append(c.Collections[:i], c.Collections[i+1:]...)
			return true
		}
	}
	return false
}

// Store manages catalog versions and the CURRENT pointer.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
	last  uint64
}

// NewStore creates a new catalog store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// FileName returns the blob name of catalog version id.
func FileName(id uint64) string {
	return fmt.Sprintf("%s%06d.bin", CatalogPrefix, id)
}

// Load loads the committed catalog.
func (s *Store) Load(ctx context.Context) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptr, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	name := strings.TrimSpace(string(ptr))

	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", name, err)
	}
	c := &Catalog{}
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", name, err)
	}
	s.last = c.ID
	return c, nil
}

// Save commits c as a new version. The CURRENT swap is the commit point;
// the previous version is removed afterwards.
func (s *Store) Save(ctx context.Context, c *Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := c.ID
	c.Version = CurrentVersion
	c.ID = max(c.ID, s.last) + 1
	c.UpdatedAt = time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}

	data, err := c.MarshalBinary()
	if err != nil {
		c.ID = prev
		return err
	}
	name := FileName(c.ID)
	if err := s.store.Put(ctx, name, data); err != nil {
		c.ID = prev
		return err
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(name)); err != nil {
		_ = s.store.Delete(ctx, name)
		c.ID = prev
		return err
	}
	s.last = c.ID

	// Best effort: stale versions are also swept by GC at open.
	if prev > 0 {
		_ = s.store.Delete(ctx, FileName(prev))
	}
	return nil
}

// GC removes every catalog version other than the committed one.
func (s *Store) GC(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx, CatalogPrefix)
	if err != nil {
		return err
	}
	keep := FileName(s.last)
	for _, name := range names {
		if name == keep || !isCatalogFile(name) {
			continue
		}
		if err := s.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func isCatalogFile(name string) bool {
	rest, ok := strings.CutPrefix(name, CatalogPrefix)
	if !ok {
		return false
	}
	rest, ok = strings.CutSuffix(rest, ".bin")
	if !ok {
		return false
	}
	_, err := strconv.ParseUint(rest, 10, 64)
	return err == nil
}
