package xcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryWithOptions[string](time.Minute, time.Minute)

	require.NoError(t, cache.Set(ctx, "k", "v"))

	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, cache.Delete(ctx, "k"))

	_, err = cache.Get(ctx, "k")
	assert.Error(t, err)
}

func TestNewFromConfigMemory(t *testing.T) {
	cache := NewFromConfig[int](Config{Mode: ModeMemory})

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "n", 7))

	got, err := cache.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestNewFromConfigEmptyModeIsNoop(t *testing.T) {
	cache := NewFromConfig[int](Config{})

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "n", 7))

	_, err := cache.Get(ctx, "n")
	assert.Error(t, err)
}
