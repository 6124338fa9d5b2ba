package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedis starts a Redis container and returns a connected client.
// Returns a cleanup function that must be called when done.
func setupRedis(t *testing.T) (*RedisClient, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opt, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, &goredis.UniversalOptions{Addrs: []string{opt.Addr}})
	require.NoError(t, err)

	cleanup := func() {
		client.Close()
		_ = container.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisClient_StringsAndTTL(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k1", "v1", 0))
	got, err := client.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", got)

	_, err = client.Get(ctx, "missing")
	require.True(t, errors.Is(err, ErrNil))

	require.NoError(t, client.Set(ctx, "k2", "v2", time.Hour))
	ttl, err := client.TTL(ctx, "k2")
	require.NoError(t, err)
	require.Greater(t, ttl, 59*time.Minute)

	n, err := client.Del(ctx, "k1", "k2", "missing")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestRedisClient_HashesAndMultiRead(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, "h1", map[string]string{"id": "1", "status": "OPEN"}))
	require.NoError(t, client.HSet(ctx, "h2", map[string]string{"id": "2"}))

	fields, err := client.HGetAll(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "OPEN", fields["status"])

	results, err := client.HGetAllMulti(ctx, []string{"h1", "missing", "h2"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "1", results[0]["id"])
	require.Empty(t, results[1])
	require.Equal(t, "2", results[2]["id"])

	v, err := client.HIncrBy(ctx, "h1", "fills", 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestRedisClient_SortedSetsAndSets(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, "z1", 1000, "a"))
	require.NoError(t, client.ZAdd(ctx, "z1", 2000, "b"))
	require.NoError(t, client.ZAdd(ctx, "z1", 3000, "c"))

	members, err := client.ZRange(ctx, "z1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, members)

	members, err = client.ZRangeByScore(ctx, "z1", 1500, 3000, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, members)

	card, err := client.ZCard(ctx, "z1")
	require.NoError(t, err)
	require.Equal(t, int64(3), card)

	require.NoError(t, client.SAdd(ctx, "s1", "x", "y"))
	got, err := client.SMembers(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRedisClient_TxBatch(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	tx := client.Tx()
	tx.HSet("order:1", map[string]string{"id": "1", "status": "OPEN"})
	tx.ZAdd("orders:by_time", 1000, "1")
	tx.SAdd("orders:status:OPEN", "1")
	require.Equal(t, 3, tx.Len())

	n, err := tx.Exec(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	fields, err := client.HGetAll(ctx, "order:1")
	require.NoError(t, err)
	require.Equal(t, "OPEN", fields["status"])

	members, err := client.SMembers(ctx, "orders:status:OPEN")
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, members)
}
