// Package kv abstracts the hot key-value store behind the command surface
// this core relies on: strings, hashes, sorted sets, sets, and an
// ordered-batch transaction primitive. Connection pooling and failover belong
// to the backend, not to this package.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("kv: nil")

// Client is the command surface of the hot store.
type Client interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	// Pipelined multi-read: one HGetAll per key, results positionally
	// aligned with keys. Missing keys yield empty maps.
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Tx opens an ordered command batch. Queued commands are submitted as
	// one unit on Exec; there are no interactive conditionals mid-batch.
	Tx() Tx

	// Close releases backend resources.
	Close() error
}

// Tx queues write commands for a single ordered-batch submission.
type Tx interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)

	// Len returns the number of queued commands.
	Len() int

	// Exec submits the batch as one unit and returns the number of
	// commands executed.
	Exec(ctx context.Context) (int, error)
}

// Provider couples a live Client with a key namespace. All consumers build
// qualified keys through it; nothing else concatenates key parts.
type Provider struct {
	client    Client
	namespace string
}

// NewProvider creates a Provider over client with the given namespace.
func NewProvider(client Client, namespace string) *Provider {
	if namespace == "" {
		namespace = "tradestore"
	}
	return &Provider{client: client, namespace: namespace}
}

// Client returns the underlying command executor.
func (p *Provider) Client() Client {
	return p.client
}

// Key builds a qualified key: "<namespace>:part1:part2:...".
func (p *Provider) Key(parts ...string) string {
	return p.namespace + ":" + strings.Join(parts, ":")
}
