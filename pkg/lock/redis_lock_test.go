package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	return s, client
}

func TestRedisLock(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	t.Run("BasicLockUnlock", func(t *testing.T) {
		lease := NewRedisLock(client, "basic", time.Minute)

		require.NoError(t, lease.Lock(ctx))

		held, err := lease.IsHeld(ctx)
		require.NoError(t, err)
		assert.True(t, held)

		require.NoError(t, lease.Unlock(ctx))

		held, err = lease.IsHeld(ctx)
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("Exclusion", func(t *testing.T) {
		a := NewRedisLock(client, "exclusive", time.Minute)
		b := NewRedisLock(client, "exclusive", time.Minute)
		assert.NotEqual(t, a.Owner(), b.Owner())

		require.NoError(t, a.Lock(ctx))
		assert.ErrorIs(t, b.Lock(ctx), ErrLockFailed)

		// b cannot release or extend a's lease
		assert.ErrorIs(t, b.Unlock(ctx), ErrLockNotHeld)
		assert.ErrorIs(t, b.Extend(ctx), ErrLockNotHeld)

		require.NoError(t, a.Unlock(ctx))
		assert.NoError(t, b.Lock(ctx))
		require.NoError(t, b.Unlock(ctx))
	})

	t.Run("RelockByOwner", func(t *testing.T) {
		a := NewRedisLock(client, "relock", time.Minute)
		require.NoError(t, a.Lock(ctx))
		assert.NoError(t, a.Lock(ctx))
		require.NoError(t, a.Unlock(ctx))
	})

	t.Run("UnlockNotHeld", func(t *testing.T) {
		a := NewRedisLock(client, "never_locked", time.Minute)
		assert.ErrorIs(t, a.Unlock(ctx), ErrLockNotHeld)
	})
}

func TestRedisLock_Expiry(t *testing.T) {
	s, client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "expiring", 5*time.Second)
	b := NewRedisLock(client, "expiring", 5*time.Second)

	require.NoError(t, a.Lock(ctx))

	s.FastForward(3 * time.Second)
	require.NoError(t, a.Extend(ctx))
	assert.Equal(t, 5*time.Second, s.TTL("expiring"))

	s.FastForward(6 * time.Second)
	assert.NoError(t, b.Lock(ctx), "lease of a crashed holder must expire")

	held, err := a.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}
