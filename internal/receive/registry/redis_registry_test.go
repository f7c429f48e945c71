package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisRegistry) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return mr, client, NewRedisRegistry(client, nil, "", time.Minute)
}

func testRecord(id string) *Record {
	return &Record{
		ID:        id,
		PeerID:    "alice",
		MediaKind: "video",
		Strategy:  "inprocess",
		Status:    StatusActive,
		Instance:  "node-1",
	}
}

func TestRedisRegistry_Register(t *testing.T) {
	mr, client, reg := setupTestRedis(t)
	ctx := context.Background()

	rec := testRecord("alice/video")
	require.NoError(t, reg.Register(ctx, rec))

	exists, err := client.Exists(ctx, DefaultPrefix+"alice/video").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	members, err := mr.SMembers(DefaultPrefix + "active")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/video"}, members)
	assert.Equal(t, time.Minute, mr.TTL(DefaultPrefix+"alice/video"))

	created := rec.CreatedAt
	time.Sleep(2 * time.Millisecond)

	again := testRecord("alice/video")
	again.Status = StatusAwaitingKey
	require.NoError(t, reg.Register(ctx, again))
	assert.Equal(t, created.UnixNano(), again.CreatedAt.UnixNano())

	got, err := reg.Get(ctx, "alice/video")
	require.NoError(t, err)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())
	assert.Equal(t, StatusAwaitingKey, got.Status)
	assert.Equal(t, "node-1", got.Instance)
}

func TestRedisRegistry_Get(t *testing.T) {
	_, _, reg := setupTestRedis(t)
	ctx := context.Background()

	_, err := reg.Get(ctx, "missing/video")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	require.NoError(t, reg.Register(ctx, testRecord("alice/video")))
	got, err := reg.Get(ctx, "alice/video")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PeerID)
	assert.Equal(t, "video", got.MediaKind)
	assert.Equal(t, "inprocess", got.Strategy)
}

func TestRedisRegistry_Unregister(t *testing.T) {
	mr, _, reg := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testRecord("alice/video")))
	require.NoError(t, reg.Unregister(ctx, "alice/video"))

	_, err := reg.Get(ctx, "alice/video")
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.False(t, mr.Exists(DefaultPrefix+"alice/video"))

	assert.ErrorIs(t, reg.Unregister(ctx, "alice/video"), ErrStreamNotFound)
}

func TestRedisRegistry_ListPrunesExpired(t *testing.T) {
	mr, _, reg := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testRecord("alice/video")))
	require.NoError(t, reg.Register(ctx, testRecord("alice/audio")))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Expire one record behind the registry's back.
	mr.Del(DefaultPrefix + "alice/audio")

	list, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice/video", list[0].ID)

	members, err := mr.SMembers(DefaultPrefix + "active")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/video"}, members)
}

func TestRedisRegistry_UpdateHeartbeat(t *testing.T) {
	mr, _, reg := setupTestRedis(t)
	ctx := context.Background()

	assert.ErrorIs(t, reg.UpdateHeartbeat(ctx, "alice/video"), ErrStreamNotFound)

	rec := testRecord("alice/video")
	require.NoError(t, reg.Register(ctx, rec))

	mr.FastForward(50 * time.Second)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, reg.UpdateHeartbeat(ctx, "alice/video"))
	assert.Equal(t, time.Minute, mr.TTL(DefaultPrefix+"alice/video"))

	got, err := reg.Get(ctx, "alice/video")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.After(rec.LastHeartbeat))
	assert.Equal(t, StatusActive, got.Status)
}

func TestRedisRegistry_UpdateStatus(t *testing.T) {
	_, _, reg := setupTestRedis(t)
	ctx := context.Background()

	assert.ErrorIs(t, reg.UpdateStatus(ctx, "alice/video", StatusAwaitingKey), ErrStreamNotFound)

	require.NoError(t, reg.Register(ctx, testRecord("alice/video")))
	require.NoError(t, reg.UpdateStatus(ctx, "alice/video", StatusAwaitingKey))

	got, err := reg.Get(ctx, "alice/video")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingKey, got.Status)
	assert.Equal(t, "alice", got.PeerID)
}

func TestRedisRegistry_Expiry(t *testing.T) {
	mr, _, reg := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testRecord("alice/video")))
	mr.FastForward(2 * time.Minute)

	_, err := reg.Get(ctx, "alice/video")
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.ErrorIs(t, reg.UpdateHeartbeat(ctx, "alice/video"), ErrStreamNotFound)
}

func TestRedisRegistry_CustomPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := NewRedisRegistry(client, nil, "test:", 0)
	defer reg.Close()

	require.NoError(t, reg.Register(context.Background(), testRecord("bob/screen")))
	assert.True(t, mr.Exists("test:bob/screen"))
	assert.Equal(t, time.Minute, mr.TTL("test:bob/screen"))
}
