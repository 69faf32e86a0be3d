package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreEnforcesLimit(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := store.CheckAndConsume(ctx, "user-1", 5)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 4-i, decision.Remaining)
	}

	decision, err := store.CheckAndConsume(ctx, "user-1", 5)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Zero(t, decision.Remaining)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, time.Hour)
}

func TestMemoryStoreIsolatesUsers(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	_, err := store.CheckAndConsume(ctx, "user-1", 1)
	require.NoError(t, err)
	decision, err := store.CheckAndConsume(ctx, "user-1", 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	decision, err = store.CheckAndConsume(ctx, "user-2", 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestMemoryStoreWindowRollover(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.CheckAndConsume(ctx, "user-1", 3)
		require.NoError(t, err)
	}
	decision, _ := store.CheckAndConsume(ctx, "user-1", 3)
	require.False(t, decision.Allowed)

	// Just before the window ends the budget is still gone
	now = now.Add(time.Hour - time.Second)
	decision, _ = store.CheckAndConsume(ctx, "user-1", 3)
	assert.False(t, decision.Allowed)

	// Crossing the boundary resets the whole budget at once
	now = now.Add(2 * time.Second)
	decision, _ = store.CheckAndConsume(ctx, "user-1", 3)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2, decision.Remaining)

	used, err := store.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestMemoryStoreWindowAnchoredAtFirstRequest(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	now := time.Date(2026, 8, 30, 10, 42, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := store.CheckAndConsume(ctx, "user-1", 2)
	require.NoError(t, err)

	// 59 minutes later the window opened at 10:42 still applies
	now = now.Add(59 * time.Minute)
	_, err = store.CheckAndConsume(ctx, "user-1", 2)
	require.NoError(t, err)
	decision, _ := store.CheckAndConsume(ctx, "user-1", 2)
	require.False(t, decision.Allowed)
	// The rejection reports time left until 11:42, not until the next
	// wall-clock hour
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

func TestMemoryStoreConcurrentConsumption(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()
	const limit = 60
	const attempts = 200

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := store.CheckAndConsume(ctx, "user-1", limit)
			if err == nil && decision.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	// Exactly the limit is admitted, never more
	assert.EqualValues(t, limit, allowed)

	used, err := store.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, limit, used)
}

func TestMemoryStoreUsageUnknownUser(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	used, err := store.Usage(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, used)
}
