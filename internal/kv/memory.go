package kv

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryClient is an in-memory implementation of Client for tests and the
// in-process storage mode. Tx batches apply under a single lock, giving the
// same all-at-once visibility as a Redis MULTI/EXEC.
type MemoryClient struct {
	mu      sync.RWMutex
	strings map[string]memoryString
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}

	now func() time.Time
}

type memoryString struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Compile-time interface check.
var _ Client = (*MemoryClient)(nil)

// NewMemoryClient creates an empty in-memory client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		strings: make(map[string]memoryString),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock. Test hook.
func (c *MemoryClient) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryClient) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.strings[key]
	if !ok || c.expired(s) {
		return "", ErrNil
	}
	return s.value, nil
}

func (c *MemoryClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

func (c *MemoryClient) Del(_ context.Context, keys ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delLocked(keys...), nil
}

func (c *MemoryClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key, ttl)
	return nil
}

func (c *MemoryClient) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.strings[key]
	if !ok || c.expired(s) {
		return time.Duration(-2), nil // mirrors go-redis: -2 for missing key
	}
	if s.expiresAt.IsZero() {
		return time.Duration(-1), nil // -1 for no expiry
	}
	return s.expiresAt.Sub(c.now()), nil
}

func (c *MemoryClient) HSet(_ context.Context, key string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hsetLocked(key, fields)
	return nil
}

func (c *MemoryClient) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyHash(c.hashes[key]), nil
}

func (c *MemoryClient) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hdelLocked(key, fields...), nil
}

func (c *MemoryClient) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	cur := parseInt(h[field])
	cur += incr
	h[field] = formatInt(cur)
	return cur, nil
}

func (c *MemoryClient) HGetAllMulti(_ context.Context, keys []string) ([]map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]map[string]string, len(keys))
	for i, key := range keys {
		out[i] = copyHash(c.hashes[key])
	}
	return out, nil
}

func (c *MemoryClient) ZAdd(_ context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zaddLocked(key, score, member)
	return nil
}

func (c *MemoryClient) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	members := c.sortedMembers(key)
	n := int64(len(members))
	if n == 0 {
		return nil, nil
	}

	// Negative indexes count from the end, as in Redis.
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return append([]string(nil), members[start:stop+1]...), nil
}

func (c *MemoryClient) ZRangeByScore(_ context.Context, key string, min, max float64, offset, count int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	zs := c.zsets[key]
	if len(zs) == 0 {
		return nil, nil
	}

	type entry struct {
		member string
		score  float64
	}
	matched := make([]entry, 0, len(zs))
	for m, s := range zs {
		if s >= min && s <= max {
			matched = append(matched, entry{m, s})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score < matched[j].score
		}
		return matched[i].member < matched[j].member
	})

	if offset >= int64(len(matched)) {
		return nil, nil
	}
	matched = matched[offset:]
	if count >= 0 && count < int64(len(matched)) {
		matched = matched[:count]
	}

	out := make([]string, len(matched))
	for i, e := range matched {
		out[i] = e.member
	}
	return out, nil
}

func (c *MemoryClient) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zremLocked(key, members...), nil
}

func (c *MemoryClient) ZCard(_ context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.zsets[key])), nil
}

func (c *MemoryClient) SAdd(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saddLocked(key, members...)
	return nil
}

func (c *MemoryClient) SRem(_ context.Context, key string, members ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sremLocked(key, members...), nil
}

func (c *MemoryClient) SMembers(_ context.Context, key string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.sets[key]
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemoryClient) SCard(_ context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.sets[key])), nil
}

func (c *MemoryClient) Tx() Tx {
	return &memoryTx{client: c}
}

func (c *MemoryClient) Close() error {
	return nil
}

// --- locked helpers shared by direct calls and Tx apply ---

func (c *MemoryClient) setLocked(key, value string, ttl time.Duration) {
	s := memoryString{value: value}
	if ttl > 0 {
		s.expiresAt = c.now().Add(ttl)
	}
	c.strings[key] = s
}

func (c *MemoryClient) delLocked(keys ...string) int64 {
	var removed int64
	for _, key := range keys {
		if _, ok := c.strings[key]; ok {
			delete(c.strings, key)
			removed++
			continue
		}
		if _, ok := c.hashes[key]; ok {
			delete(c.hashes, key)
			removed++
			continue
		}
		if _, ok := c.zsets[key]; ok {
			delete(c.zsets, key)
			removed++
			continue
		}
		if _, ok := c.sets[key]; ok {
			delete(c.sets, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryClient) expireLocked(key string, ttl time.Duration) {
	if s, ok := c.strings[key]; ok {
		s.expiresAt = c.now().Add(ttl)
		c.strings[key] = s
	}
}

func (c *MemoryClient) hsetLocked(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		c.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (c *MemoryClient) hdelLocked(key string, fields ...string) int64 {
	h := c.hashes[key]
	var removed int64
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			removed++
		}
	}
	if len(h) == 0 {
		delete(c.hashes, key)
	}
	return removed
}

func (c *MemoryClient) zaddLocked(key string, score float64, member string) {
	zs, ok := c.zsets[key]
	if !ok {
		zs = make(map[string]float64)
		c.zsets[key] = zs
	}
	zs[member] = score
}

func (c *MemoryClient) zremLocked(key string, members ...string) int64 {
	zs := c.zsets[key]
	var removed int64
	for _, m := range members {
		if _, ok := zs[m]; ok {
			delete(zs, m)
			removed++
		}
	}
	if len(zs) == 0 {
		delete(c.zsets, key)
	}
	return removed
}

func (c *MemoryClient) saddLocked(key string, members ...string) {
	set, ok := c.sets[key]
	if !ok {
		set = make(map[string]struct{})
		c.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

func (c *MemoryClient) sremLocked(key string, members ...string) int64 {
	set := c.sets[key]
	var removed int64
	for _, m := range members {
		if _, ok := set[m]; ok {
			delete(set, m)
			removed++
		}
	}
	if len(set) == 0 {
		delete(c.sets, key)
	}
	return removed
}

func (c *MemoryClient) expired(s memoryString) bool {
	return !s.expiresAt.IsZero() && !c.now().Before(s.expiresAt)
}

// sortedMembers returns zset members ordered by (score, member).
func (c *MemoryClient) sortedMembers(key string) []string {
	return c.sortedMembersRange(key, math.Inf(-1), math.Inf(1))
}

func (c *MemoryClient) sortedMembersRange(key string, min, max float64) []string {
	zs := c.zsets[key]
	if len(zs) == 0 {
		return nil
	}
	members := make([]string, 0, len(zs))
	for m, s := range zs {
		if s >= min && s <= max {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := zs[members[i]], zs[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}

// memoryTx queues commands and applies them under one lock on Exec.
type memoryTx struct {
	client *MemoryClient
	ops    []func(*MemoryClient)
}

var _ Tx = (*memoryTx)(nil)

func (t *memoryTx) Set(key, value string, ttl time.Duration) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.setLocked(key, value, ttl) })
}

func (t *memoryTx) Del(keys ...string) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.delLocked(keys...) })
}

func (t *memoryTx) Expire(key string, ttl time.Duration) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.expireLocked(key, ttl) })
}

func (t *memoryTx) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	frozen := copyHash(fields)
	t.ops = append(t.ops, func(c *MemoryClient) { c.hsetLocked(key, frozen) })
}

func (t *memoryTx) HDel(key string, fields ...string) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.hdelLocked(key, fields...) })
}

func (t *memoryTx) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.zaddLocked(key, score, member) })
}

func (t *memoryTx) ZRem(key string, members ...string) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.zremLocked(key, members...) })
}

func (t *memoryTx) SAdd(key string, members ...string) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.saddLocked(key, members...) })
}

func (t *memoryTx) SRem(key string, members ...string) {
	t.ops = append(t.ops, func(c *MemoryClient) { c.sremLocked(key, members...) })
}

func (t *memoryTx) Len() int {
	return len(t.ops)
}

func (t *memoryTx) Exec(_ context.Context) (int, error) {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()

	for _, op := range t.ops {
		op(t.client)
	}
	n := len(t.ops)
	t.ops = nil
	return n, nil
}

func copyHash(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
