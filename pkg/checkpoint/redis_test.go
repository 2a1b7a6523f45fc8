package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
)

func newTestRedisStore(t *testing.T, owner string) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig(mr.Addr())
	cfg.Owner = owner
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, mr := newTestRedisStore(t, "a")
	exerciseStore(t, s)
	assert.Equal(t, "redis", s.Name())
	require.NoError(t, s.Ping(context.Background()))

	mr.SetError("ERR server unavailable")
	_, err := s.Load(context.Background(), "etl", model.TopicQuotes, "shard-0000")
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.IsDurability(s.Save(context.Background(), cursorAt("shard-0000", "1"))))
}

func TestRedisListDropsStaleIndexEntries(t *testing.T) {
	s, mr := newTestRedisStore(t, "a")
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, cursorAt("shard-0000", "4")))
	require.NoError(t, s.Save(ctx, cursorAt("shard-0001", "8")))
	mr.Del("tickflow:cursors:etl.quotes.shard-0001")

	all, err := s.List(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.SeqNum("4"), all[0].Sequence)

	members, err := mr.SMembers("tickflow:cursors:group:etl")
	require.NoError(t, err)
	assert.Equal(t, []string{"etl.quotes.shard-0000"}, members)
}

func TestRedisLeaseAcquireRelease(t *testing.T) {
	a, mr := newTestRedisStore(t, "a")
	b := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), RedisConfig{Prefix: "tickflow:cursors:", Owner: "b"})
	ctx := context.Background()
	id := "etl.quotes.shard-0000"

	lease, err := a.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("tickflow:cursors:lease:"+id))

	_, err = b.Acquire(ctx, id, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	_, err = b.Acquire(ctx, "etl.quotes.shard-0001", time.Minute)
	require.NoError(t, err, "leases are per cursor")

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("tickflow:cursors:lease:"+id))

	taken, err := b.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)

	// A stale holder cannot release the new owner's lease.
	require.NoError(t, lease.Release(ctx))
	assert.True(t, mr.Exists("tickflow:cursors:lease:"+id))
	require.NoError(t, taken.Release(ctx))
}

func TestRedisLeaseExtend(t *testing.T) {
	a, mr := newTestRedisStore(t, "a")
	b := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), RedisConfig{Prefix: "tickflow:cursors:", Owner: "b"})
	ctx := context.Background()
	id := "etl.quotes.shard-0000"
	key := "tickflow:cursors:lease:" + id

	lease, err := a.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)

	mr.FastForward(45 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(45 * time.Second)
	_, err = b.Acquire(ctx, id, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld, "extended lease is still held")

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, lease.Extend(ctx), ErrLeaseHeld, "expired lease cannot be renewed")

	rival, err := b.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Extend(ctx), ErrLeaseHeld)
	require.NoError(t, rival.Extend(ctx))

	mr.SetError("ERR server unavailable")
	err = rival.Extend(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.NotErrorIs(t, err, ErrLeaseHeld)
}
