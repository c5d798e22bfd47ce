package kv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cyphera/delegation-server/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGet(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "key", "value", time.Minute))

	value, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := kv.NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.SetWithTTL(ctx, "key", "value", time.Minute))

	// Advance past the TTL
	store.SetClock(func() time.Time { return now.Add(2 * time.Minute) })

	_, err := store.Get(ctx, "key")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	_, err = store.Incr(ctx, "key")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMemoryStore_IncrRequiresExistingKey(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	_, err := store.Incr(ctx, "counter")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.SetWithTTL(ctx, "counter", "0", time.Minute))

	value, err := store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)
}

func TestMemoryStore_IncrConcurrent(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "counter", "0", time.Minute))

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Incr(ctx, "counter")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	value, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "50", value)
}

func TestMemoryStore_Del(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "key", "value", time.Minute))
	require.NoError(t, store.Del(ctx, "key", "not-there"))

	_, err := store.Get(ctx, "key")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}
