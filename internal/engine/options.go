package engine

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/hupe1980/vecdb/blobstore"
	"github.com/hupe1980/vecdb/internal/fs"
	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/internal/wal"
)

// Options configures an Engine. Zero values are replaced by defaults in Open.
type Options struct {
	// SealRows hands off the growing segment once it holds this many rows.
	SealRows int
	// SealBytes hands off the growing segment once its estimated size reaches this many bytes.
	SealBytes int64

	M              int
	EFConstruction int
	EFSearch       int
	// Seed makes index builds reproducible.
	Seed uint64

	// CompactionTombstoneRatio selects sealed segments for compaction.
	CompactionTombstoneRatio float64
	// CompactionInterval is the period of the background compaction loop.
	// A negative value disables the loop.
	CompactionInterval time.Duration

	BuildWorkers     int
	BuildRetryBase   time.Duration
	BuildRetryMax    time.Duration
	BuildMaxAttempts int

	// MemoryLimitBytes caps growing segments plus in-flight index builds. 0 is unlimited.
	MemoryLimitBytes int64
	// IOBytesPerSec throttles seal and compaction writes. 0 is unlimited.
	IOBytesPerSec int64
	// BackgroundWorkers caps concurrent index builds and compactions.
	BackgroundWorkers int

	Durability wal.Durability
	// SyncInterval is the background fsync period in async durability mode.
	SyncInterval time.Duration

	Compression segment.Compression

	QueryParallelism int
	PreFilterFactor  int
	PreFilterRatio   float64
	// EventualLag bounds how long an acknowledged row may stay hidden from
	// eventual reads.
	EventualLag time.Duration

	FileSystem fs.FileSystem
	// BlobStore holds catalog, segment, index and tombstone blobs.
	// Defaults to a local store under <dir>/data.
	BlobStore blobstore.BlobStore
	Logger    *slog.Logger
	Metrics   MetricsObserver
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		SealRows:                 65536,
		SealBytes:                64 << 20,
		M:                        hnsw.DefaultM,
		EFConstruction:           hnsw.DefaultEFConstruction,
		EFSearch:                 hnsw.DefaultEFSearch,
		Seed:                     hnsw.DefaultOptions().Seed,
		CompactionTombstoneRatio: 0.2,
		CompactionInterval:       time.Minute,
		BuildWorkers:             2,
		BuildRetryBase:           100 * time.Millisecond,
		BuildRetryMax:            10 * time.Second,
		BuildMaxAttempts:         5,
		BackgroundWorkers:        2,
		Durability:               wal.DurabilitySync,
		SyncInterval:             100 * time.Millisecond,
		Compression:              segment.CompressionLZ4,
		QueryParallelism:         runtime.GOMAXPROCS(0),
		PreFilterFactor:          10,
		PreFilterRatio:           0.01,
		EventualLag:              100 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SealRows <= 0 {
		o.SealRows = d.SealRows
	}
	if o.SealBytes <= 0 {
		o.SealBytes = d.SealBytes
	}
	if o.M < 2 {
		o.M = d.M
	}
	if o.EFConstruction <= 0 {
		o.EFConstruction = d.EFConstruction
	}
	if o.EFSearch <= 0 {
		o.EFSearch = d.EFSearch
	}
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	if o.CompactionTombstoneRatio <= 0 || o.CompactionTombstoneRatio > 1 {
		o.CompactionTombstoneRatio = d.CompactionTombstoneRatio
	}
	if o.CompactionInterval == 0 {
		o.CompactionInterval = d.CompactionInterval
	}
	if o.BuildWorkers <= 0 {
		o.BuildWorkers = d.BuildWorkers
	}
	if o.BuildRetryBase <= 0 {
		o.BuildRetryBase = d.BuildRetryBase
	}
	if o.BuildRetryMax < o.BuildRetryBase {
		o.BuildRetryMax = max(d.BuildRetryMax, o.BuildRetryBase)
	}
	if o.BuildMaxAttempts <= 0 {
		o.BuildMaxAttempts = d.BuildMaxAttempts
	}
	if o.BackgroundWorkers <= 0 {
		o.BackgroundWorkers = d.BackgroundWorkers
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = d.SyncInterval
	}
	if o.QueryParallelism <= 0 {
		o.QueryParallelism = d.QueryParallelism
	}
	if o.PreFilterFactor <= 0 {
		o.PreFilterFactor = d.PreFilterFactor
	}
	if o.EventualLag <= 0 {
		o.EventualLag = d.EventualLag
	}
	if o.PreFilterRatio < 0 {
		o.PreFilterRatio = 0
	}
	if o.FileSystem == nil {
		o.FileSystem = fs.Default
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetricsObserver{}
	}
	return o
}
