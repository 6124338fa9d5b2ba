package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"tradestore/internal/domain"
	"tradestore/internal/kv"
	"tradestore/internal/observability"
)

// DefaultFactRetentionTTL is how long fact payloads stay readable in the hot
// store when no TTL is configured. The sink keeps the durable copy.
const DefaultFactRetentionTTL = 7 * 24 * time.Hour

// TradeWriter accepts trades for asynchronous delivery to the analytical
// sink.
type TradeWriter interface {
	Write(ctx context.Context, t *domain.Trade) error
}

// AuditWriter accepts audit entries for asynchronous delivery to the
// analytical sink.
type AuditWriter interface {
	Write(ctx context.Context, e *domain.AuditLogEntry) error
}

// TradeLog records immutable trade facts. Each trade is handed to the sink
// writer and kept in the hot store for the retention window: the JSON
// payload under a TTL key, plus time and symbol indexes for recent lookups.
type TradeLog struct {
	kv     *kv.Provider
	writer TradeWriter
	now    func() time.Time
	ttl    time.Duration
	logger *log.Logger
}

// TradeLogOptions configures a TradeLog.
type TradeLogOptions struct {
	KV           *kv.Provider
	Writer       TradeWriter      // nil disables sink delivery
	Now          func() time.Time // defaults to time.Now
	RetentionTTL time.Duration    // defaults to DefaultFactRetentionTTL
	Logger       *log.Logger
}

// NewTradeLog creates a trade log over the provider.
func NewTradeLog(opts TradeLogOptions) *TradeLog {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.RetentionTTL
	if ttl <= 0 {
		ttl = DefaultFactRetentionTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &TradeLog{kv: opts.KV, writer: opts.Writer, now: now, ttl: ttl, logger: logger}
}

func (l *TradeLog) primaryKey(id string) string    { return l.kv.Key("trade", id) }
func (l *TradeLog) timeKey() string                { return l.kv.Key("trades", "by_time") }
func (l *TradeLog) symbolKey(symbol string) string { return l.kv.Key("trades", "symbol", symbol) }

// Record stores a trade fact. A missing id is assigned a ULID. Returns the
// id under which the trade was recorded.
func (l *TradeLog) Record(ctx context.Context, t *domain.Trade) (_ string, err error) {
	defer func() { observability.RecordStoreOperation("trade", "record", err) }()
	if t == nil {
		return "", fmt.Errorf("record trade: %w", ErrInvalidInput)
	}
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.Timestamp == 0 {
		t.Timestamp = l.now().UnixMilli()
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode trade %s: %w", t.ID, err)
	}

	tx := l.kv.Client().Tx()
	tx.Set(l.primaryKey(t.ID), string(payload), l.ttl)
	tx.ZAdd(l.timeKey(), float64(t.Timestamp), t.ID)
	if t.Symbol != "" {
		tx.SAdd(l.symbolKey(t.Symbol), t.ID)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return "", fmt.Errorf("record trade %s: %w", t.ID, err)
	}

	if l.writer != nil {
		if err := l.writer.Write(ctx, t); err != nil {
			return "", fmt.Errorf("queue trade %s: %w", t.ID, err)
		}
	}
	return t.ID, nil
}

// GetByID retrieves a trade still inside the retention window. Returns
// ErrNotFound once the hot copy has expired.
func (l *TradeLog) GetByID(ctx context.Context, id string) (*domain.Trade, error) {
	raw, err := l.kv.Client().Get(ctx, l.primaryKey(id))
	if err == kv.ErrNil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read trade %s: %w", id, err)
	}
	var t domain.Trade
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode trade %s: %w", id, err)
	}
	return &t, nil
}

// Recent retrieves the newest retained trades, newest first. limit <= 0
// returns everything still indexed.
func (l *TradeLog) Recent(ctx context.Context, limit int) ([]*domain.Trade, error) {
	ids, err := l.kv.Client().ZRange(ctx, l.timeKey(), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read trade index: %w", err)
	}
	trades := make([]*domain.Trade, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		t, err := l.GetByID(ctx, ids[i])
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
		if limit > 0 && len(trades) == limit {
			break
		}
	}
	return trades, nil
}

// Cleanup drops index entries older than the cutoff. Payload keys expire on
// their own; this sweeps the time zset and symbol sets that outlive them.
func (l *TradeLog) Cleanup(ctx context.Context, cutoff int64) (int, error) {
	ids, err := l.kv.Client().ZRangeByScore(ctx, l.timeKey(), 0, float64(cutoff-1), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("read stale trade index: %w", err)
	}
	removed := 0
	for _, id := range ids {
		t, err := l.GetByID(ctx, id)
		tx := l.kv.Client().Tx()
		tx.ZRem(l.timeKey(), id)
		tx.Del(l.primaryKey(id))
		if err == nil && t.Symbol != "" {
			tx.SRem(l.symbolKey(t.Symbol), id)
		}
		if _, err := tx.Exec(ctx); err != nil {
			return removed, fmt.Errorf("cleanup trade %s: %w", id, err)
		}
		removed++
	}
	if removed > 0 {
		l.logger.Printf("retention sweep removed %d trade index entries", removed)
	}
	return removed, nil
}

// AuditLog records hash-chained audit facts. The chain head lives in the hot
// store so the chain survives process restarts; appends are serialized by a
// mutex so each entry links to the real predecessor.
type AuditLog struct {
	kv     *kv.Provider
	writer AuditWriter
	now    func() time.Time
	ttl    time.Duration
	logger *log.Logger

	mu sync.Mutex
}

// AuditLogOptions configures an AuditLog.
type AuditLogOptions struct {
	KV           *kv.Provider
	Writer       AuditWriter      // nil disables sink delivery
	Now          func() time.Time // defaults to time.Now
	RetentionTTL time.Duration    // defaults to DefaultFactRetentionTTL
	Logger       *log.Logger
}

// NewAuditLog creates an audit log over the provider.
func NewAuditLog(opts AuditLogOptions) *AuditLog {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.RetentionTTL
	if ttl <= 0 {
		ttl = DefaultFactRetentionTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &AuditLog{kv: opts.KV, writer: opts.Writer, now: now, ttl: ttl, logger: logger}
}

func (l *AuditLog) primaryKey(id string) string { return l.kv.Key("audit", id) }
func (l *AuditLog) timeKey() string             { return l.kv.Key("audit", "by_time") }
func (l *AuditLog) eventKey(t string) string    { return l.kv.Key("audit", "event_type", t) }
func (l *AuditLog) chainHeadKey() string        { return l.kv.Key("audit", "chain_head") }

// Record appends an entry to the chain. PrevHash and Hash are computed here;
// any values supplied by the caller are overwritten.
func (l *AuditLog) Record(ctx context.Context, e *domain.AuditLogEntry) (_ string, err error) {
	defer func() { observability.RecordStoreOperation("audit", "record", err) }()
	if e == nil || e.EventType == "" {
		return "", fmt.Errorf("record audit entry: %w", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.kv.Client().Get(ctx, l.chainHeadKey())
	if err != nil && err != kv.ErrNil {
		return "", fmt.Errorf("read audit chain head: %w", err)
	}

	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().UnixMilli()
	}
	e.PrevHash = head
	e.Hash = e.ComputeHash()

	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}

	tx := l.kv.Client().Tx()
	tx.Set(l.primaryKey(e.ID), string(payload), l.ttl)
	tx.Set(l.chainHeadKey(), e.Hash, 0)
	tx.ZAdd(l.timeKey(), float64(e.Timestamp), e.ID)
	tx.SAdd(l.eventKey(e.EventType), e.ID)
	if _, err := tx.Exec(ctx); err != nil {
		return "", fmt.Errorf("record audit entry %s: %w", e.ID, err)
	}

	if l.writer != nil {
		if err := l.writer.Write(ctx, e); err != nil {
			return "", fmt.Errorf("queue audit entry %s: %w", e.ID, err)
		}
	}
	return e.ID, nil
}

// GetByID retrieves an entry still inside the retention window.
func (l *AuditLog) GetByID(ctx context.Context, id string) (*domain.AuditLogEntry, error) {
	raw, err := l.kv.Client().Get(ctx, l.primaryKey(id))
	if err == kv.ErrNil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read audit entry %s: %w", id, err)
	}
	var e domain.AuditLogEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode audit entry %s: %w", id, err)
	}
	return &e, nil
}

// Recent retrieves the newest retained entries, newest first. limit <= 0
// returns everything still indexed.
func (l *AuditLog) Recent(ctx context.Context, limit int) ([]*domain.AuditLogEntry, error) {
	ids, err := l.kv.Client().ZRange(ctx, l.timeKey(), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read audit index: %w", err)
	}
	entries := make([]*domain.AuditLogEntry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		e, err := l.GetByID(ctx, ids[i])
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

// Verify checks the retained tail of the chain in append order. Entries
// whose predecessors have already expired are verified from the oldest
// retained entry onward.
func (l *AuditLog) Verify(ctx context.Context) (bool, string, error) {
	ids, err := l.kv.Client().ZRange(ctx, l.timeKey(), 0, -1)
	if err != nil {
		return false, "", fmt.Errorf("read audit index: %w", err)
	}
	entries := make([]*domain.AuditLogEntry, 0, len(ids))
	for _, id := range ids {
		e, err := l.GetByID(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return false, "", err
		}
		entries = append(entries, e)
	}
	ok, reason := domain.VerifyChain(entries)
	if !ok {
		l.logger.Printf("audit chain verification failed: %s", reason)
	}
	return ok, reason, nil
}
