package vecdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/vecdb/internal/engine"
	"github.com/hupe1980/vecdb/model"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = engine.ErrClosed
	// ErrCollectionNotFound is returned for an unknown collection name.
	ErrCollectionNotFound = engine.ErrCollectionNotFound
	// ErrCollectionExists is returned when creating a collection whose name is taken.
	ErrCollectionExists = engine.ErrCollectionExists
	// ErrNotFound is returned when a requested ID is absent or deleted.
	ErrNotFound = engine.ErrNotFound
	// ErrDuplicateID is returned when inserting an ID that is already live.
	ErrDuplicateID = engine.ErrDuplicateID
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = engine.ErrInvalidK
	// ErrInvalidArgument is returned for NaN components, bad names and malformed filters.
	ErrInvalidArgument = engine.ErrInvalidArgument
	// ErrTimeout is returned when a query exceeds its timeout under TimeoutPolicyFail.
	ErrTimeout = engine.ErrTimeout
	// ErrResourceExhausted is returned when the memory limit rejects a write.
	ErrResourceExhausted = engine.ErrResourceExhausted
	// ErrIndexBuild is returned when an HNSW build fails.
	ErrIndexBuild = engine.ErrIndexBuild
	// ErrDurability is returned when the WAL or the catalog cannot persist a change.
	ErrDurability = engine.ErrDurability

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ValidationError reports a rejected argument. It matches ErrValidation.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing collection or record. It matches ErrNotFound.
type NotFoundError struct {
	Collection string
	// ID is zero when the collection itself is missing.
	ID  model.ID
	Err error
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("collection %q: %v", e.Collection, e.Err)
	}
	return fmt.Sprintf("collection %q: id %d: %v", e.Collection, e.ID, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DurabilityError reports a write that could not be made durable. The
// operation had no effect on the visible state.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *DurabilityError) Unwrap() error { return e.Err }

func (e *DurabilityError) Is(target error) bool { return target == ErrDurability }

// IndexBuildError reports a failed HNSW build of a sealed segment.
type IndexBuildError struct {
	Segment model.SegmentID
	Err     error
}

func (e *IndexBuildError) Error() string {
	return fmt.Sprintf("segment %d: %v", e.Segment, e.Err)
}

func (e *IndexBuildError) Unwrap() error { return e.Err }

func (e *IndexBuildError) Is(target error) bool { return target == ErrIndexBuild }

// translateError maps engine errors to the public categories.
func translateError(op, collection string, id model.ID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var dm *engine.DimensionMismatchError
	if errors.As(err, &dm) {
		return &ValidationError{Op: op, Err: &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}}
	}

	switch {
	case errors.Is(err, engine.ErrCollectionNotFound):
		return &NotFoundError{Collection: collection, Err: err}
	case errors.Is(err, engine.ErrNotFound):
		return &NotFoundError{Collection: collection, ID: id, Err: err}
	case errors.Is(err, engine.ErrInvalidK),
		errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, engine.ErrDuplicateID),
		errors.Is(err, engine.ErrCollectionExists):
		return &ValidationError{Op: op, Err: err}
	case errors.Is(err, engine.ErrDurability):
		return &DurabilityError{Op: op, Err: err}
	case errors.Is(err, engine.ErrIndexBuild):
		var be *engine.IndexBuildError
		if errors.As(err, &be) {
			return &IndexBuildError{Segment: be.Segment, Err: err}
		}
		return &IndexBuildError{Err: err}
	}
	return err
}
