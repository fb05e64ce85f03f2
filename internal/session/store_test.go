package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreTests(t *testing.T, s Store, expire func(time.Duration)) {
	ctx := context.Background()

	created, err := s.Create(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, created.ID, 2*sessionIDBytes)
	assert.Equal(t, int64(42), created.AccountID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, int64(42), got.AccountID)

	other, err := s.Create(ctx, 42)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err = s.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, created.ID), "delete is idempotent")

	_, err = s.Get(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	expire(2 * time.Hour)
	_, err = s.Get(ctx, other.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	now := time.Now()
	m := NewMemoryStore(time.Hour)
	m.now = func() time.Time { return now }
	runStoreTests(t, m, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryStorePurge(t *testing.T) {
	now := time.Now()
	m := NewMemoryStore(time.Hour)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.Create(ctx, 1)
	require.NoError(t, err)
	now = now.Add(30 * time.Minute)
	live, err := m.Create(ctx, 2)
	require.NoError(t, err)
	now = now.Add(45 * time.Minute)

	assert.Equal(t, 1, m.Purge())
	_, err = m.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStoreWithClient(client, "test:session:", time.Hour)
	runStoreTests(t, s, mr.FastForward)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStoreWithClient(client, "test:session:", time.Hour)

	created, err := s.Create(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:session:"+created.ID))
	assert.Equal(t, time.Hour, mr.TTL("test:session:"+created.ID))
	require.NoError(t, s.Ping(context.Background()))
}

func TestNewRedisStoreConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "p:", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = NewRedisStore(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
