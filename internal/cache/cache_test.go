package cache

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryExpiresAtBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(WithClock(clock.Now))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))

	clock.Advance(time.Minute - time.Nanosecond)
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(time.Nanosecond)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry must be gone at its expiry instant")
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(WithClock(clock.Now), WithCleanupInterval(time.Hour))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", "1", time.Second))
	require.NoError(t, m.Set(ctx, "long", "2", time.Hour))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, m.sweep())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryDeleteAndNonPositiveTTL(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, _ := m.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	assert.Equal(t, 0, m.Len())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, ""), mr
}

func TestRedisSetGetDelete(t *testing.T) {
	r, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "access:abc", `{"sub":"alice"}`, time.Minute))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"access:abc"))

	v, ok, err := r.Get(ctx, "access:abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"sub":"alice"}`, v)

	require.NoError(t, r.Delete(ctx, "access:abc"))
	_, ok, err = r.Get(ctx, "access:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisHonorsTTL(t *testing.T) {
	r, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", "v", 30*time.Second))
	mr.FastForward(31 * time.Second)
	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSurfacesConnectionErrors(t *testing.T) {
	r, mr := newRedis(t)
	mr.Close()

	_, _, err := r.Get(context.Background(), "k")
	require.Error(t, err)
	require.Error(t, r.Ping(context.Background()))
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "http://nope", "")
	require.Error(t, err)
}
