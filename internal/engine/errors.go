package engine

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecdb/model"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed engine or collection.
	ErrClosed = errors.New("engine closed")

	// ErrCollectionNotFound is returned for an unknown collection name.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when creating a collection whose name is taken.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrNotFound is returned when a requested ID is absent or deleted.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when inserting an ID that is already live.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrInvalidArgument is returned when an argument is invalid (NaN, bad name, bad filter).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTimeout is returned when a query exceeds its deadline.
	ErrTimeout = errors.New("query timeout")

	// ErrResourceExhausted is returned when the memory limit rejects a write or build.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrIndexBuild is returned when an HNSW build fails.
	ErrIndexBuild = errors.New("index build failed")

	// ErrDurability is returned when the WAL cannot persist a write.
	ErrDurability = errors.New("durability failure")
)

// DimensionMismatchError reports a vector of the wrong length.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// IndexBuildError reports a failed build of one segment's index.
type IndexBuildError struct {
	Segment model.SegmentID
	Err     error
}

func (e *IndexBuildError) Error() string {
	return fmt.Sprintf("segment %d: %v", e.Segment, e.Err)
}

func (e *IndexBuildError) Unwrap() error { return e.Err }
