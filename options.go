package vecdb

import (
	"log/slog"
	"time"

	"github.com/hupe1980/vecdb/blobstore"
	"github.com/hupe1980/vecdb/internal/engine"
	"github.com/hupe1980/vecdb/internal/segment"
	"github.com/hupe1980/vecdb/internal/wal"
)

// Durability selects when a write is acknowledged.
type Durability = wal.Durability

const (
	// DurabilitySync acknowledges a write once its WAL record is fsynced.
	DurabilitySync = wal.DurabilitySync
	// DurabilityAsync acknowledges after the WAL write; a background loop fsyncs.
	DurabilityAsync = wal.DurabilityAsync
)

// Compression selects how sealed segment payloads are stored.
type Compression = segment.Compression

const (
	CompressionNone = segment.CompressionNone
	CompressionLZ4  = segment.CompressionLZ4
	CompressionZstd = segment.CompressionZstd
)

type options struct {
	engine engine.Options
	logger *Logger
}

// Option configures Open.
type Option func(*options)

// WithSealRows hands off the growing segment once it holds n rows.
func WithSealRows(n int) Option {
	return func(o *options) {
		o.engine.SealRows = n
	}
}

// WithSealBytes hands off the growing segment once its estimated size reaches n bytes.
func WithSealBytes(n int64) Option {
	return func(o *options) {
		o.engine.SealBytes = n
	}
}

// WithHNSW configures the graph degree and the construction beam width.
//
// Larger values improve recall at the cost of build time and memory.
func WithHNSW(m, efConstruction int) Option {
	return func(o *options) {
		o.engine.M = m
		o.engine.EFConstruction = efConstruction
	}
}

// WithDefaultEFSearch sets the search beam width used when a query does not
// pass WithEFSearch. The effective width is never below k.
func WithDefaultEFSearch(ef int) Option {
	return func(o *options) {
		o.engine.EFSearch = ef
	}
}

// WithSeed makes index builds reproducible.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.engine.Seed = seed
	}
}

// WithCompaction sets the tombstone ratio above which a sealed segment is
// compacted and the period of the background compaction loop. A negative
// interval disables the loop; Compact still works.
func WithCompaction(ratio float64, interval time.Duration) Option {
	return func(o *options) {
		o.engine.CompactionTombstoneRatio = ratio
		o.engine.CompactionInterval = interval
	}
}

// WithBuildWorkers sets the number of concurrent index build workers.
func WithBuildWorkers(n int) Option {
	return func(o *options) {
		o.engine.BuildWorkers = n
	}
}

// WithBuildRetry configures the exponential backoff of failed index builds.
// After maxAttempts failures the segment is marked failed and the collection
// reports degraded health.
func WithBuildRetry(base, maxDelay time.Duration, maxAttempts int) Option {
	return func(o *options) {
		o.engine.BuildRetryBase = base
		o.engine.BuildRetryMax = maxDelay
		o.engine.BuildMaxAttempts = maxAttempts
	}
}

// WithMemoryLimit caps the memory of growing segments plus in-flight index
// builds. Writes beyond it fail with ErrResourceExhausted. 0 is unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.engine.MemoryLimitBytes = bytes
	}
}

// WithIORate throttles seal and compaction writes to bytesPerSec. 0 is unlimited.
func WithIORate(bytesPerSec int64) Option {
	return func(o *options) {
		o.engine.IOBytesPerSec = bytesPerSec
	}
}

// WithBackgroundWorkers caps concurrent index builds and compactions.
func WithBackgroundWorkers(n int) Option {
	return func(o *options) {
		o.engine.BackgroundWorkers = n
	}
}

// WithDurability selects the WAL acknowledgement mode. syncInterval is the
// background fsync period used by DurabilityAsync.
func WithDurability(d Durability, syncInterval time.Duration) Option {
	return func(o *options) {
		o.engine.Durability = d
		o.engine.SyncInterval = syncInterval
	}
}

// WithCompression selects the segment payload compression.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.engine.Compression = c
	}
}

// WithBlobStore stores catalog, segment, index and tombstone blobs in store
// instead of the local data directory. The WAL always stays local.
//
// Example:
//
//	store, _ := minio.Dial(ctx, minio.Config{Endpoint: "localhost:9000", Bucket: "vecdb", AccessKey: key, SecretKey: secret})
//	db, _ := vecdb.Open("./data", vecdb.WithBlobStore(store))
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.engine.BlobStore = store
	}
}

// WithQueryParallelism caps the number of segments a query probes concurrently.
func WithQueryParallelism(n int) Option {
	return func(o *options) {
		o.engine.QueryParallelism = n
	}
}

// WithEventualLag sets how often the row watermark of eventual reads
// advances, which bounds how far they trail acknowledged writes.
func WithEventualLag(d time.Duration) Option {
	return func(o *options) {
		o.engine.EventualLag = d
	}
}

// WithPreFilter tunes the filter strategy. A filtered query scans the matching
// rows exactly when they are fewer than factor*k or below ratio of the segment.
func WithPreFilter(factor int, ratio float64) Option {
	return func(o *options) {
		o.engine.PreFilterFactor = factor
		o.engine.PreFilterRatio = ratio
	}
}

// WithMetricsObserver configures an observer for engine events.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsObserver:
//
//	metrics := &vecdb.BasicMetricsObserver{}
//	db, _ := vecdb.Open("./data", vecdb.WithMetricsObserver(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Inserts: %d, Avg latency: %dns\n", stats.InsertCount, stats.InsertAvgNanos)
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		o.engine.Metrics = m
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = NoopLogger()
			return
		}
		o.logger = &Logger{Logger: logger}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger with a text handler on stderr.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		engine: engine.DefaultOptions(),
		logger: NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	o.engine.Logger = o.logger.Logger
	return o
}
