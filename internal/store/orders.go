// Package store implements the indexed entity stores of the hot tier: one
// primary hash per record plus derived secondary indexes (time zset, status
// sets, attribute zsets), kept consistent by submitting every mutation's
// index writes as one ordered batch.
//
// Index reads return ids which are then hydrated record-by-record. The N+1
// shape is deliberate: buckets stay small and never duplicate payloads. The
// hydration goes through a single pipelined multi-read. There is no snapshot
// guarantee across two index buckets read at different times; a concurrent
// status move can be observed in neither or transiently in both. Callers that
// need a consistent view of one entity must read it by id.
package store

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"tradestore/internal/domain"
	"tradestore/internal/kv"
	"tradestore/internal/observability"
)

// OrderStore holds order records plus their time, status, symbol, strategy
// and exchange indexes.
type OrderStore struct {
	kv     *kv.Provider
	now    func() time.Time
	logger *log.Logger
}

// OrderStoreOptions configures an OrderStore.
type OrderStoreOptions struct {
	KV     *kv.Provider
	Now    func() time.Time // defaults to time.Now
	Logger *log.Logger
}

// NewOrderStore creates an order store over the provider.
func NewOrderStore(opts OrderStoreOptions) *OrderStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &OrderStore{kv: opts.KV, now: now, logger: logger}
}

func (s *OrderStore) primaryKey(id string) string { return s.kv.Key("order", id) }
func (s *OrderStore) timeKey() string             { return s.kv.Key("orders", "by_time") }
func (s *OrderStore) statusKey(st domain.OrderStatus) string {
	return s.kv.Key("orders", "status", string(st))
}
func (s *OrderStore) symbolKey(symbol string) string {
	return s.kv.Key("orders", "symbol", symbol)
}
func (s *OrderStore) strategyKey(strategy string) string {
	return s.kv.Key("orders", "strategy", strategy)
}
func (s *OrderStore) exchangeKey(exchange string) string {
	return s.kv.Key("orders", "exchange", exchange)
}

// Insert adds a new order and registers it in every implied index within one
// ordered batch. Returns the order id and the number of executed commands.
func (s *OrderStore) Insert(ctx context.Context, o *domain.Order) (_ string, _ int, err error) {
	defer func() { observability.RecordStoreOperation("order", "insert", err) }()
	if o == nil || o.ID == "" {
		return "", 0, fmt.Errorf("insert order: %w", ErrInvalidInput)
	}

	existing, err := s.kv.Client().HGetAll(ctx, s.primaryKey(o.ID))
	if err != nil {
		return "", 0, fmt.Errorf("check order %s: %w", o.ID, err)
	}
	if len(existing) > 0 {
		return "", 0, fmt.Errorf("insert order %s: %w", o.ID, ErrDuplicateKey)
	}

	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = s.now().UnixMilli()
	}
	if o.UpdatedAt == 0 {
		o.UpdatedAt = o.CreatedAt
	}

	tx := s.kv.Client().Tx()
	tx.HSet(s.primaryKey(o.ID), encodeOrder(o))
	tx.ZAdd(s.timeKey(), float64(o.CreatedAt), o.ID)
	tx.SAdd(s.statusKey(o.Status), o.ID)
	if o.Symbol != "" {
		tx.ZAdd(s.symbolKey(o.Symbol), float64(o.CreatedAt), o.ID)
	}
	if o.Strategy != "" {
		tx.ZAdd(s.strategyKey(o.Strategy), float64(o.CreatedAt), o.ID)
	}
	if o.Exchange != "" {
		tx.ZAdd(s.exchangeKey(o.Exchange), float64(o.CreatedAt), o.ID)
	}

	n, err := tx.Exec(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return o.ID, n, nil
}

// Update patches the supplied fields and moves status-index membership when
// the status changes, all within one ordered batch. Status transitions out of
// a terminal state are rejected. Returns the number of executed commands.
func (s *OrderStore) Update(ctx context.Context, id string, upd domain.OrderUpdate) (_ int, err error) {
	defer func() { observability.RecordStoreOperation("order", "update", err) }()
	if id == "" {
		return 0, fmt.Errorf("update order: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return 0, fmt.Errorf("read order %s: %w", id, err)
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("update order %s: %w", id, ErrNotFound)
	}
	prevStatus := domain.OrderStatus(fields["status"])

	nowMs := s.now().UnixMilli()
	patch := map[string]string{"updated_at": formatMillis(nowMs)}

	statusChanged := false
	if upd.Status != nil && *upd.Status != prevStatus {
		if prevStatus.IsTerminal() {
			return 0, fmt.Errorf("update order %s: status %s is terminal: %w", id, prevStatus, ErrInvalidInput)
		}
		patch["status"] = string(*upd.Status)
		statusChanged = true
	}
	if upd.Amount != nil {
		patch["amount"] = formatFloat(*upd.Amount)
	}
	if upd.Filled != nil {
		patch["filled"] = formatFloat(*upd.Filled)
	}
	if upd.Remaining != nil {
		patch["remaining"] = formatFloat(*upd.Remaining)
	}
	if upd.Price != nil {
		patch["price"] = formatFloat(*upd.Price)
	}
	if upd.AveragePrice != nil {
		patch["average_price"] = formatFloat(*upd.AveragePrice)
	}
	if upd.Cost != nil {
		patch["cost"] = formatFloat(*upd.Cost)
	}
	if upd.Fee != nil {
		patch["fee"] = formatFloat(*upd.Fee)
	}
	if upd.ClosedAt != nil {
		patch["closed_at"] = formatMillis(*upd.ClosedAt)
	} else if statusChanged && upd.Status.IsTerminal() && fields["closed_at"] == "" {
		patch["closed_at"] = formatMillis(nowMs)
	}
	if upd.ErrorMessage != nil {
		patch["error_message"] = *upd.ErrorMessage
	}
	if upd.Metadata != nil {
		patch["metadata"] = encodeMeta(upd.Metadata)
	}

	tx := s.kv.Client().Tx()
	tx.HSet(s.primaryKey(id), patch)
	if statusChanged {
		tx.SRem(s.statusKey(prevStatus), id)
		tx.SAdd(s.statusKey(*upd.Status), id)
	}

	n, err := tx.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("update order %s: %w", id, err)
	}
	return n, nil
}

// Delete removes the primary record and every index membership discovered
// from its currently stored attribute values. A missing id is a no-op
// returning zero changes.
func (s *OrderStore) Delete(ctx context.Context, id string) (_ int, err error) {
	defer func() { observability.RecordStoreOperation("order", "delete", err) }()
	if id == "" {
		return 0, fmt.Errorf("delete order: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return 0, fmt.Errorf("read order %s: %w", id, err)
	}
	if len(fields) == 0 {
		return 0, nil
	}

	tx := s.kv.Client().Tx()
	tx.Del(s.primaryKey(id))
	tx.ZRem(s.timeKey(), id)
	if st := fields["status"]; st != "" {
		tx.SRem(s.statusKey(domain.OrderStatus(st)), id)
	}
	if sym := fields["symbol"]; sym != "" {
		tx.ZRem(s.symbolKey(sym), id)
	}
	if strat := fields["strategy"]; strat != "" {
		tx.ZRem(s.strategyKey(strat), id)
	}
	if ex := fields["exchange"]; ex != "" {
		tx.ZRem(s.exchangeKey(ex), id)
	}

	n, err := tx.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete order %s: %w", id, err)
	}
	return n, nil
}

// GetByID retrieves an order by id. Returns ErrNotFound if it does not exist.
func (s *OrderStore) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return nil, fmt.Errorf("read order %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeOrder(fields), nil
}

// GetByStatus retrieves all orders in a status bucket, sorted by creation
// time descending. Status buckets have no inherent order.
func (s *OrderStore) GetByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	ids, err := s.kv.Client().SMembers(ctx, s.statusKey(status))
	if err != nil {
		return nil, fmt.Errorf("read status bucket %s: %w", status, err)
	}
	orders, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt > orders[j].CreatedAt
	})
	return orders, nil
}

// GetBySymbol retrieves orders for a symbol in insertion order.
func (s *OrderStore) GetBySymbol(ctx context.Context, symbol string, limit, offset int64) ([]*domain.Order, error) {
	return s.getByAttr(ctx, s.symbolKey(symbol), limit, offset)
}

// GetByStrategy retrieves orders for a strategy in insertion order.
func (s *OrderStore) GetByStrategy(ctx context.Context, strategy string, limit, offset int64) ([]*domain.Order, error) {
	return s.getByAttr(ctx, s.strategyKey(strategy), limit, offset)
}

// GetByExchange retrieves orders for an exchange in insertion order.
func (s *OrderStore) GetByExchange(ctx context.Context, exchange string, limit, offset int64) ([]*domain.Order, error) {
	return s.getByAttr(ctx, s.exchangeKey(exchange), limit, offset)
}

// GetByTimeRange retrieves orders created within [start, end] milliseconds
// (inclusive), in insertion order. limit <= 0 means no limit.
func (s *OrderStore) GetByTimeRange(ctx context.Context, start, end int64, limit int64) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := s.kv.Client().ZRangeByScore(ctx, s.timeKey(), float64(start), float64(end), 0, limit)
	if err != nil {
		return nil, fmt.Errorf("read time index: %w", err)
	}
	return s.getMany(ctx, ids)
}

// Cleanup deletes terminal orders whose archive timestamp is older than
// retentionDays. Returns the number deleted.
func (s *OrderStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays).UnixMilli()

	deleted := 0
	for _, status := range domain.TerminalOrderStatuses {
		orders, err := s.GetByStatus(ctx, status)
		if err != nil {
			return deleted, fmt.Errorf("cleanup status %s: %w", status, err)
		}
		for _, o := range orders {
			if o.ArchiveTime() >= cutoff {
				continue
			}
			if _, err := s.Delete(ctx, o.ID); err != nil {
				return deleted, fmt.Errorf("cleanup order %s: %w", o.ID, err)
			}
			deleted++
		}
	}
	if deleted > 0 {
		s.logger.Printf("retention sweep removed %d orders", deleted)
	}
	return deleted, nil
}

func (s *OrderStore) getByAttr(ctx context.Context, key string, limit, offset int64) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := s.kv.Client().ZRangeByScore(ctx, key, math.Inf(-1), math.Inf(1), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("read attribute index: %w", err)
	}
	return s.getMany(ctx, ids)
}

// getMany hydrates ids through one pipelined multi-read, preserving input
// order. Ids whose primary record vanished concurrently are skipped.
func (s *OrderStore) getMany(ctx context.Context, ids []string) ([]*domain.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.primaryKey(id)
	}
	hashes, err := s.kv.Client().HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("hydrate orders: %w", err)
	}
	orders := make([]*domain.Order, 0, len(hashes))
	for _, fields := range hashes {
		if len(fields) == 0 {
			continue
		}
		orders = append(orders, decodeOrder(fields))
	}
	return orders, nil
}

func encodeOrder(o *domain.Order) map[string]string {
	fields := map[string]string{
		"id":            o.ID,
		"client_id":     o.ClientID,
		"symbol":        o.Symbol,
		"side":          o.Side,
		"type":          o.Type,
		"status":        string(o.Status),
		"amount":        formatFloat(o.Amount),
		"filled":        formatFloat(o.Filled),
		"remaining":     formatFloat(o.Remaining),
		"price":         formatFloat(o.Price),
		"average_price": formatFloat(o.AveragePrice),
		"cost":          formatFloat(o.Cost),
		"fee":           formatFloat(o.Fee),
		"exchange":      o.Exchange,
		"strategy":      o.Strategy,
		"created_at":    formatMillis(o.CreatedAt),
		"updated_at":    formatMillis(o.UpdatedAt),
		"error_message": o.ErrorMessage,
		"metadata":      encodeMeta(o.Metadata),
	}
	if o.ClosedAt != nil {
		fields["closed_at"] = formatMillis(*o.ClosedAt)
	}
	return fields
}

func decodeOrder(fields map[string]string) *domain.Order {
	return &domain.Order{
		ID:           fields["id"],
		ClientID:     fields["client_id"],
		Symbol:       fields["symbol"],
		Side:         fields["side"],
		Type:         fields["type"],
		Status:       domain.OrderStatus(fields["status"]),
		Amount:       parseFloat(fields["amount"]),
		Filled:       parseFloat(fields["filled"]),
		Remaining:    parseFloat(fields["remaining"]),
		Price:        parseFloat(fields["price"]),
		AveragePrice: parseFloat(fields["average_price"]),
		Cost:         parseFloat(fields["cost"]),
		Fee:          parseFloat(fields["fee"]),
		Exchange:     fields["exchange"],
		Strategy:     fields["strategy"],
		CreatedAt:    parseMillis(fields["created_at"]),
		UpdatedAt:    parseMillis(fields["updated_at"]),
		ClosedAt:     parseMillisPtr(fields["closed_at"]),
		ErrorMessage: fields["error_message"],
		Metadata:     decodeMeta(fields["metadata"]),
	}
}
