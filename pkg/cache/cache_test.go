package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemory_GetOrSetLoadsOnce(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	var calls int32

	loader := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return payload{Name: "svc", Count: 3}, nil
	}

	var first, second payload
	require.NoError(t, c.GetOrSet(ctx, "service:1", time.Minute, &first, loader))
	require.NoError(t, c.GetOrSet(ctx, "service:1", time.Minute, &second, loader))

	assert.Equal(t, payload{Name: "svc", Count: 3}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemory_ExpiredEntryReloads(t *testing.T) {
	c := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	var calls int

	loader := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}

	var v int
	require.NoError(t, c.GetOrSet(ctx, "overview", time.Minute, &v, loader))
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	require.NoError(t, c.GetOrSet(ctx, "overview", time.Minute, &v, loader))
	assert.Equal(t, 2, v)
}

func TestMemory_LoaderErrorIsNotCached(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	var v int
	err := c.GetOrSet(ctx, "k", time.Minute, &v, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestMemory_InvalidatePattern(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	load := func(v int) func(context.Context) (interface{}, error) {
		return func(context.Context) (interface{}, error) { return v, nil }
	}

	var v int
	for i, key := range []string{"services:all", "service:1", "alerts:a", "alerts:b", "overview"} {
		require.NoError(t, c.GetOrSet(ctx, key, time.Minute, &v, load(i)))
	}

	require.NoError(t, c.InvalidatePattern(ctx, "service*"))
	assert.Equal(t, 3, c.Len())

	require.NoError(t, c.InvalidatePattern(ctx, "alerts:*"))
	require.NoError(t, c.Del(ctx, "overview"))
	assert.Equal(t, 0, c.Len())
}

func TestMemory_ConcurrentCallersShareLoad(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})

	loader := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var s string
			assert.NoError(t, c.GetOrSet(ctx, "hot", time.Minute, &s, loader))
			assert.Equal(t, "value", s)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(8))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}
