package vecdb

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecdb/internal/engine"
	"github.com/hupe1980/vecdb/model"
)

// MetricsObserver receives engine events. Implement it to integrate with
// monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusObserver struct {
//	    vecdb.NoopMetricsObserver
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusObserver) OnSearch(coll string, k int, d time.Duration, partial bool, err error) {
//	    p.searchHistogram.Observe(d.Seconds())
//	}
//
// Callbacks run on the calling or background goroutine and must not block.
type MetricsObserver = engine.MetricsObserver

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver = engine.NoopMetricsObserver

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	InsertCount       atomic.Int64
	InsertErrors      atomic.Int64
	InsertTotalNanos  atomic.Int64
	BatchCount        atomic.Int64
	BatchItems        atomic.Int64
	BatchFailed       atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchPartial     atomic.Int64
	SearchTotalNanos  atomic.Int64
	SealCount         atomic.Int64
	SealErrors        atomic.Int64
	SealedRows        atomic.Int64
	IndexBuildCount   atomic.Int64
	IndexBuildErrors  atomic.Int64
	CompactionCount   atomic.Int64
	CompactionErrors  atomic.Int64
	CompactedSegments atomic.Int64
	DegradedEvents    atomic.Int64
}

var _ MetricsObserver = (*BasicMetricsObserver)(nil)

// OnInsert implements MetricsObserver.
func (b *BasicMetricsObserver) OnInsert(_ string, duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// OnBatchInsert implements MetricsObserver.
func (b *BasicMetricsObserver) OnBatchInsert(_ string, count, failed int, _ time.Duration) {
	b.BatchCount.Add(1)
	b.BatchItems.Add(int64(count))
	b.BatchFailed.Add(int64(failed))
}

// OnDelete implements MetricsObserver.
func (b *BasicMetricsObserver) OnDelete(_ string, _ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// OnSearch implements MetricsObserver.
func (b *BasicMetricsObserver) OnSearch(_ string, _ int, duration time.Duration, partial bool, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
	if partial {
		b.SearchPartial.Add(1)
	}
}

// OnSeal implements MetricsObserver.
func (b *BasicMetricsObserver) OnSeal(_ string, _ model.SegmentID, rows int, _ time.Duration, err error) {
	b.SealCount.Add(1)
	if err != nil {
		b.SealErrors.Add(1)
		return
	}
	b.SealedRows.Add(int64(rows))
}

// OnIndexBuild implements MetricsObserver.
func (b *BasicMetricsObserver) OnIndexBuild(_ string, _ model.SegmentID, _ int, _ time.Duration, err error) {
	b.IndexBuildCount.Add(1)
	if err != nil {
		b.IndexBuildErrors.Add(1)
	}
}

// OnCompaction implements MetricsObserver.
func (b *BasicMetricsObserver) OnCompaction(_ string, inputSegments, _ int, _ time.Duration, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.CompactedSegments.Add(int64(inputSegments))
}

// OnHealthChange implements MetricsObserver.
func (b *BasicMetricsObserver) OnHealthChange(_ string, health engine.Health) {
	if health == engine.HealthDegraded {
		b.DegradedEvents.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:       b.InsertCount.Load(),
		InsertErrors:      b.InsertErrors.Load(),
		InsertAvgNanos:    avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		BatchCount:        b.BatchCount.Load(),
		BatchItems:        b.BatchItems.Load(),
		BatchFailed:       b.BatchFailed.Load(),
		DeleteCount:       b.DeleteCount.Load(),
		DeleteErrors:      b.DeleteErrors.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchPartial:     b.SearchPartial.Load(),
		SearchAvgNanos:    avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		SealCount:         b.SealCount.Load(),
		SealErrors:        b.SealErrors.Load(),
		SealedRows:        b.SealedRows.Load(),
		IndexBuildCount:   b.IndexBuildCount.Load(),
		IndexBuildErrors:  b.IndexBuildErrors.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		CompactionErrors:  b.CompactionErrors.Load(),
		CompactedSegments: b.CompactedSegments.Load(),
		DegradedEvents:    b.DegradedEvents.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	InsertCount       int64 `yaml:"insert_count"`
	InsertErrors      int64 `yaml:"insert_errors"`
	InsertAvgNanos    int64 `yaml:"insert_avg_nanos"`
	BatchCount        int64 `yaml:"batch_count"`
	BatchItems        int64 `yaml:"batch_items"`
	BatchFailed       int64 `yaml:"batch_failed"`
	DeleteCount       int64 `yaml:"delete_count"`
	DeleteErrors      int64 `yaml:"delete_errors"`
	SearchCount       int64 `yaml:"search_count"`
	SearchErrors      int64 `yaml:"search_errors"`
	SearchPartial     int64 `yaml:"search_partial"`
	SearchAvgNanos    int64 `yaml:"search_avg_nanos"`
	SealCount         int64 `yaml:"seal_count"`
	SealErrors        int64 `yaml:"seal_errors"`
	SealedRows        int64 `yaml:"sealed_rows"`
	IndexBuildCount   int64 `yaml:"index_build_count"`
	IndexBuildErrors  int64 `yaml:"index_build_errors"`
	CompactionCount   int64 `yaml:"compaction_count"`
	CompactionErrors  int64 `yaml:"compaction_errors"`
	CompactedSegments int64 `yaml:"compacted_segments"`
	DegradedEvents    int64 `yaml:"degraded_events"`
}
