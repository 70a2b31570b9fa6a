package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(60))
	assert.Equal(t, int64(60), c.MemoryUsage())

	assert.ErrorIs(t, c.AcquireMemory(50), ErrMemoryLimitExceeded)
	assert.Equal(t, int64(60), c.MemoryUsage())

	c.ReleaseMemory(60)
	require.NoError(t, c.AcquireMemory(100))
	assert.Equal(t, int64(100), c.MemoryLimit())
	c.ReleaseMemory(100)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestController_Unlimited(t *testing.T) {
	c := NewController(Config{})
	require.NoError(t, c.AcquireMemory(1<<40))
	assert.Equal(t, int64(0), c.MemoryLimit())
	assert.Equal(t, 1, c.BackgroundWorkers())
	require.NoError(t, c.WaitIO(context.Background(), 1<<30))
}

func TestController_Nil(t *testing.T) {
	var c *Controller
	require.NoError(t, c.AcquireMemory(10))
	c.ReleaseMemory(10)
	require.NoError(t, c.AcquireBackground(context.Background()))
	c.ReleaseBackground()
	require.NoError(t, c.WaitIO(context.Background(), 10))
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestController_Background(t *testing.T) {
	c := NewController(Config{BackgroundWorkers: 2})
	ctx := context.Background()

	require.NoError(t, c.AcquireBackground(ctx))
	require.NoError(t, c.AcquireBackground(ctx))

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireBackground(tctx), context.DeadlineExceeded)

	c.ReleaseBackground()
	require.NoError(t, c.AcquireBackground(ctx))
}

func TestController_WaitIO(t *testing.T) {
	c := NewController(Config{IOBytesPerSec: 1000})

	// The first burst is free; anything above it waits.
	start := time.Now()
	require.NoError(t, c.WaitIO(context.Background(), 1000))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitIO(ctx, 2500))
}
