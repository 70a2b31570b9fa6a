package vecdb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb/internal/engine"
)

func TestTranslateError(t *testing.T) {
	require.NoError(t, translateError("op", "c", 0, nil))

	t.Run("durability", func(t *testing.T) {
		err := translateError("insert", "c", 1, fmt.Errorf("%w: fsync: boom", engine.ErrDurability))
		var de *DurabilityError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "insert", de.Op)
		assert.ErrorIs(t, err, ErrDurability)
		assert.NotErrorIs(t, err, ErrValidation)
	})

	t.Run("index build", func(t *testing.T) {
		cause := &engine.IndexBuildError{Segment: 4, Err: fmt.Errorf("%w: write", engine.ErrIndexBuild)}
		err := translateError("compact", "c", 0, cause)
		var ie *IndexBuildError
		require.ErrorAs(t, err, &ie)
		assert.EqualValues(t, 4, ie.Segment)
		assert.ErrorIs(t, err, ErrIndexBuild)
	})

	t.Run("dimension", func(t *testing.T) {
		err := translateError("search", "c", 0, &engine.DimensionMismatchError{Expected: 3, Actual: 1})
		var dm *ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 3, dm.Expected)
		assert.ErrorIs(t, err, ErrValidation)
		assert.EqualError(t, err, "search: dimension mismatch: expected 3, got 1")
	})

	t.Run("context passes through", func(t *testing.T) {
		assert.Same(t, context.Canceled, translateError("search", "c", 0, context.Canceled))
	})

	t.Run("other errors unchanged", func(t *testing.T) {
		err := errors.New("boom")
		assert.Same(t, err, translateError("search", "c", 0, err))
		assert.ErrorIs(t, translateError("search", "c", 0, engine.ErrTimeout), ErrTimeout)
	})
}

func TestNotFoundErrorMessage(t *testing.T) {
	assert.EqualError(t, &NotFoundError{Collection: "c", Err: ErrCollectionNotFound}, `collection "c": collection not found`)
	assert.EqualError(t, &NotFoundError{Collection: "c", ID: 9, Err: ErrNotFound}, `collection "c": id 9: not found`)
}
