package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient implements Client over go-redis. It accepts a UniversalClient,
// so single-node, cluster, and Sentinel failover topologies all work; which
// one is in play is the caller's concern.
type RedisClient struct {
	rdb redis.UniversalClient
}

// Compile-time interface check.
var _ Client = (*RedisClient)(nil)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts *redis.UniversalOptions) (*RedisClient, error) {
	rdb := redis.NewUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisClient{rdb: rdb}, nil
}

// WrapRedis adapts an existing go-redis client.
func WrapRedis(rdb redis.UniversalClient) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return val, err
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

func (c *RedisClient) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return c.rdb.HSet(ctx, key, flattenFields(fields)...).Err()
}

func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *RedisClient) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return c.rdb.HDel(ctx, key, fields...).Result()
}

func (c *RedisClient) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// HGetAllMulti issues one pipelined HGetAll per key.
func (c *RedisClient) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pipelined hgetall: %w", err)
	}

	out := make([]map[string]string, len(keys))
	for i, cmd := range cmds {
		res, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("pipelined hgetall %s: %w", keys[i], err)
		}
		out[i] = res
	}
	return out, nil
}

func (c *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *RedisClient) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.ZRange(ctx, key, start, stop).Result()
}

func (c *RedisClient) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    formatScore(min, "-inf"),
		Max:    formatScore(max, "+inf"),
		Offset: offset,
		Count:  count,
	}).Result()
}

func (c *RedisClient) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	return c.rdb.ZRem(ctx, key, toAny(members)...).Result()
}

func (c *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	return c.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (c *RedisClient) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return c.rdb.SRem(ctx, key, toAny(members)...).Result()
}

func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *RedisClient) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

// Tx opens an ordered batch backed by a Redis MULTI/EXEC pipeline.
func (c *RedisClient) Tx() Tx {
	return &redisTx{pipe: c.rdb.TxPipeline()}
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// redisTx queues commands on a TxPipeline.
type redisTx struct {
	pipe redis.Pipeliner
	n    int
}

var _ Tx = (*redisTx)(nil)

func (t *redisTx) Set(key, value string, ttl time.Duration) {
	t.pipe.Set(context.Background(), key, value, ttl)
	t.n++
}

func (t *redisTx) Del(keys ...string) {
	t.pipe.Del(context.Background(), keys...)
	t.n++
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	t.pipe.Expire(context.Background(), key, ttl)
	t.n++
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	t.pipe.HSet(context.Background(), key, flattenFields(fields)...)
	t.n++
}

func (t *redisTx) HDel(key string, fields ...string) {
	t.pipe.HDel(context.Background(), key, fields...)
	t.n++
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
	t.n++
}

func (t *redisTx) ZRem(key string, members ...string) {
	t.pipe.ZRem(context.Background(), key, toAny(members)...)
	t.n++
}

func (t *redisTx) SAdd(key string, members ...string) {
	t.pipe.SAdd(context.Background(), key, toAny(members)...)
	t.n++
}

func (t *redisTx) SRem(key string, members ...string) {
	t.pipe.SRem(context.Background(), key, toAny(members)...)
	t.n++
}

func (t *redisTx) Len() int {
	return t.n
}

func (t *redisTx) Exec(ctx context.Context) (int, error) {
	if t.n == 0 {
		return 0, nil
	}
	if _, err := t.pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("exec tx pipeline: %w", err)
	}
	return t.n, nil
}

func flattenFields(fields map[string]string) []interface{} {
	flat := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return flat
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func formatScore(v float64, inf string) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	if math.IsInf(v, 1) {
		return "+inf"
	}
	if math.IsNaN(v) {
		return inf
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
