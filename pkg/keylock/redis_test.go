package keylock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLockerAcquireRelease(t *testing.T) {
	mr, client := setupMiniredis(t)
	locker := NewRedisLocker(client, "test", time.Minute)

	release, err := locker.Acquire(context.Background(), AccountKey(7))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:account:7"))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, AccountKey(7))
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	assert.False(t, mr.Exists("test:account:7"))

	release2, err := locker.Acquire(context.Background(), AccountKey(7))
	require.NoError(t, err)
	release2()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	mr, client := setupMiniredis(t)
	locker := NewRedisLocker(client, "test", time.Second)

	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// lock expired and another holder took it
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("test:k", "someone-else"))

	release()
	got, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLockerUnavailable(t *testing.T) {
	mr, client := setupMiniredis(t)
	locker := NewRedisLocker(client, "", 0)
	mr.Close()

	_, err := locker.Acquire(context.Background(), "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrStorageUnavailable)
}

func TestChainWithRedis(t *testing.T) {
	_, client := setupMiniredis(t)
	locker := Chain(NewMutex(), NewRedisLocker(client, "test", time.Minute))

	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()

	release, err = locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
}
