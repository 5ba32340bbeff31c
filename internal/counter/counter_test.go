package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestAllow_UnderLimit(t *testing.T) {
	store, _ := newTestStore(t)

	checks := []Check{
		{Key: "pair:a", Limit: 3, TTL: 24 * time.Hour},
		{Key: "sender:a", Limit: 10, TTL: time.Hour},
	}

	for i := 0; i < 3; i++ {
		result, err := store.Allow(context.Background(), checks)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "attempt %d should be allowed", i+1)
		assert.Equal(t, -1, result.FiredIndex)
	}
}

func TestAllow_DeniesAtLimitAndReportsWhichFired(t *testing.T) {
	store, _ := newTestStore(t)

	checks := []Check{
		{Key: "pair:b", Limit: 3, TTL: 24 * time.Hour},
		{Key: "sender:b", Limit: 10, TTL: time.Hour},
	}

	for i := 0; i < 3; i++ {
		result, err := store.Allow(context.Background(), checks)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := store.Allow(context.Background(), checks)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.FiredIndex, "the pair limiter should have fired")
}

func TestAllow_DenyIncrementsNothing(t *testing.T) {
	store, mr := newTestStore(t)

	checks := []Check{
		{Key: "tight", Limit: 1, TTL: time.Hour},
		{Key: "loose", Limit: 100, TTL: time.Hour},
	}

	result, err := store.Allow(context.Background(), checks)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	// Deny several times; neither counter may move.
	for i := 0; i < 5; i++ {
		result, err = store.Allow(context.Background(), checks)
		require.NoError(t, err)
		require.False(t, result.Allowed)
	}

	tight, err := mr.Get("tight")
	require.NoError(t, err)
	assert.Equal(t, "1", tight, "denied attempts must not consume quota")
	loose, err := mr.Get("loose")
	require.NoError(t, err)
	assert.Equal(t, "1", loose, "denied attempts must not consume quota")
}

func TestAllow_SetsWindowTTL(t *testing.T) {
	store, mr := newTestStore(t)

	checks := []Check{{Key: "windowed", Limit: 5, TTL: time.Hour}}

	_, err := store.Allow(context.Background(), checks)
	require.NoError(t, err)

	ttl := mr.TTL("windowed")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	// A second increment must not reset the window.
	mr.FastForward(30 * time.Minute)
	_, err = store.Allow(context.Background(), checks)
	require.NoError(t, err)
	assert.LessOrEqual(t, mr.TTL("windowed"), 30*time.Minute)
}

func TestAllow_WindowResets(t *testing.T) {
	store, mr := newTestStore(t)

	checks := []Check{{Key: "resetting", Limit: 1, TTL: time.Hour}}

	result, err := store.Allow(context.Background(), checks)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = store.Allow(context.Background(), checks)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	mr.FastForward(time.Hour + time.Second)

	result, err = store.Allow(context.Background(), checks)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "quota should be restored after the window expires")
}

func TestAllow_AtomicAtBoundary(t *testing.T) {
	store, _ := newTestStore(t)

	const limit = 10
	const attempts = 25
	checks := []Check{{Key: "boundary", Limit: limit, TTL: time.Hour}}

	var wg sync.WaitGroup
	allowed := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.Allow(context.Background(), checks)
			if err != nil {
				allowed <- false
				return
			}
			allowed <- result.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	assert.Equal(t, limit, count, "exactly the limit may pass, races admit none extra")
}

func TestAllow_EmptyChecks(t *testing.T) {
	store, _ := newTestStore(t)

	result, err := store.Allow(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAllow_StoreUnavailableFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	mr.Close()

	_, err := store.Allow(context.Background(), []Check{{Key: "k", Limit: 1, TTL: time.Hour}})
	assert.Error(t, err, "an unreachable store must surface an error, not an allow")
}
