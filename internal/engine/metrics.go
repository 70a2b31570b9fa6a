package engine

import (
	"time"

	"github.com/hupe1980/vecdb/model"
)

// MetricsObserver defines the interface for observing engine events.
type MetricsObserver interface {
	// OnInsert is called after each insert.
	OnInsert(collection string, duration time.Duration, err error)

	// OnBatchInsert is called after each batch insert. failed is the number
	// of items that were rejected, which is the whole batch on error.
	OnBatchInsert(collection string, count, failed int, duration time.Duration)

	// OnDelete is called after each delete.
	OnDelete(collection string, duration time.Duration, err error)

	// OnSearch is called after each query.
	OnSearch(collection string, k int, duration time.Duration, partial bool, err error)

	// OnSeal is called when a growing segment has been persisted and committed.
	OnSeal(collection string, segment model.SegmentID, rows int, duration time.Duration, err error)

	// OnIndexBuild is called after every build attempt.
	OnIndexBuild(collection string, segment model.SegmentID, attempt int, duration time.Duration, err error)

	// OnCompaction is called when a compaction completes.
	OnCompaction(collection string, inputSegments int, outputRows int, duration time.Duration, err error)

	// OnHealthChange is called when a collection's health changes.
	OnHealthChange(collection string, health Health)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnInsert(string, time.Duration, error)                           {}
func (NoopMetricsObserver) OnBatchInsert(string, int, int, time.Duration)                   {}
func (NoopMetricsObserver) OnDelete(string, time.Duration, error)                           {}
func (NoopMetricsObserver) OnSearch(string, int, time.Duration, bool, error)                {}
func (NoopMetricsObserver) OnSeal(string, model.SegmentID, int, time.Duration, error)       {}
func (NoopMetricsObserver) OnIndexBuild(string, model.SegmentID, int, time.Duration, error) {}
func (NoopMetricsObserver) OnCompaction(string, int, int, time.Duration, error)             {}
func (NoopMetricsObserver) OnHealthChange(string, Health)                                   {}
