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

// PositionStore holds position records plus their time, status, symbol,
// strategy and exchange indexes, and an active-set fast path for the common
// "all open positions" read.
type PositionStore struct {
	kv     *kv.Provider
	now    func() time.Time
	logger *log.Logger
}

// PositionStoreOptions configures a PositionStore.
type PositionStoreOptions struct {
	KV     *kv.Provider
	Now    func() time.Time // defaults to time.Now
	Logger *log.Logger
}

// NewPositionStore creates a position store over the provider.
func NewPositionStore(opts PositionStoreOptions) *PositionStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &PositionStore{kv: opts.KV, now: now, logger: logger}
}

func (s *PositionStore) primaryKey(id string) string { return s.kv.Key("position", id) }
func (s *PositionStore) timeKey() string             { return s.kv.Key("positions", "by_time") }
func (s *PositionStore) activeKey() string           { return s.kv.Key("positions", "active") }
func (s *PositionStore) statusKey(st domain.PositionStatus) string {
	return s.kv.Key("positions", "status", string(st))
}
func (s *PositionStore) symbolKey(symbol string) string {
	return s.kv.Key("positions", "symbol", symbol)
}
func (s *PositionStore) strategyKey(strategy string) string {
	return s.kv.Key("positions", "strategy", strategy)
}
func (s *PositionStore) exchangeKey(exchange string) string {
	return s.kv.Key("positions", "exchange", exchange)
}

// Insert adds a new position and registers every implied index within one
// ordered batch, including the active fast path when the position opens in
// OPEN. Returns the position id and the number of executed commands.
func (s *PositionStore) Insert(ctx context.Context, p *domain.Position) (_ string, _ int, err error) {
	defer func() { observability.RecordStoreOperation("position", "insert", err) }()
	if p == nil || p.ID == "" {
		return "", 0, fmt.Errorf("insert position: %w", ErrInvalidInput)
	}

	existing, err := s.kv.Client().HGetAll(ctx, s.primaryKey(p.ID))
	if err != nil {
		return "", 0, fmt.Errorf("check position %s: %w", p.ID, err)
	}
	if len(existing) > 0 {
		return "", 0, fmt.Errorf("insert position %s: %w", p.ID, ErrDuplicateKey)
	}

	if p.Status == "" {
		p.Status = domain.PositionStatusOpen
	}
	if p.OpenedAt == 0 {
		p.OpenedAt = s.now().UnixMilli()
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = p.OpenedAt
	}

	tx := s.kv.Client().Tx()
	tx.HSet(s.primaryKey(p.ID), encodePosition(p))
	tx.ZAdd(s.timeKey(), float64(p.OpenedAt), p.ID)
	tx.SAdd(s.statusKey(p.Status), p.ID)
	if p.Status == domain.PositionStatusOpen {
		tx.SAdd(s.activeKey(), p.ID)
	}
	if p.Symbol != "" {
		tx.ZAdd(s.symbolKey(p.Symbol), float64(p.OpenedAt), p.ID)
	}
	if p.Strategy != "" {
		tx.ZAdd(s.strategyKey(p.Strategy), float64(p.OpenedAt), p.ID)
	}
	if p.Exchange != "" {
		tx.ZAdd(s.exchangeKey(p.Exchange), float64(p.OpenedAt), p.ID)
	}

	n, err := tx.Exec(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return p.ID, n, nil
}

// Update patches the supplied fields. A status change moves the status-set
// membership and the active fast-path membership in the same ordered batch.
// Transitions out of a terminal status are rejected.
func (s *PositionStore) Update(ctx context.Context, id string, upd domain.PositionUpdate) (_ int, err error) {
	defer func() { observability.RecordStoreOperation("position", "update", err) }()
	if id == "" {
		return 0, fmt.Errorf("update position: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return 0, fmt.Errorf("read position %s: %w", id, err)
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("update position %s: %w", id, ErrNotFound)
	}
	prevStatus := domain.PositionStatus(fields["status"])

	nowMs := s.now().UnixMilli()
	patch := map[string]string{"updated_at": formatMillis(nowMs)}

	statusChanged := false
	if upd.Status != nil && *upd.Status != prevStatus {
		if prevStatus.IsTerminal() {
			return 0, fmt.Errorf("update position %s: status %s is terminal: %w", id, prevStatus, ErrInvalidInput)
		}
		patch["status"] = string(*upd.Status)
		statusChanged = true
	}
	if upd.CurrentPrice != nil {
		patch["current_price"] = formatFloat(*upd.CurrentPrice)
	}
	if upd.Amount != nil {
		patch["amount"] = formatFloat(*upd.Amount)
	}
	if upd.Leverage != nil {
		patch["leverage"] = formatFloat(*upd.Leverage)
	}
	if upd.Margin != nil {
		patch["margin"] = formatFloat(*upd.Margin)
	}
	if upd.UnrealizedPnl != nil {
		patch["unrealized_pnl"] = formatFloat(*upd.UnrealizedPnl)
	}
	if upd.RealizedPnl != nil {
		patch["realized_pnl"] = formatFloat(*upd.RealizedPnl)
	}
	if upd.LiquidationPrice != nil {
		patch["liquidation_price"] = formatFloat(*upd.LiquidationPrice)
	}
	if upd.ClosedAt != nil {
		patch["closed_at"] = formatMillis(*upd.ClosedAt)
	} else if statusChanged && upd.Status.IsTerminal() && fields["closed_at"] == "" {
		patch["closed_at"] = formatMillis(nowMs)
	}
	if upd.Metadata != nil {
		patch["metadata"] = encodeMeta(upd.Metadata)
	}

	tx := s.kv.Client().Tx()
	tx.HSet(s.primaryKey(id), patch)
	if statusChanged {
		tx.SRem(s.statusKey(prevStatus), id)
		tx.SAdd(s.statusKey(*upd.Status), id)
		if *upd.Status == domain.PositionStatusOpen {
			tx.SAdd(s.activeKey(), id)
		} else {
			tx.SRem(s.activeKey(), id)
		}
	}

	n, err := tx.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("update position %s: %w", id, err)
	}
	return n, nil
}

// Delete removes the primary record and every index membership. A missing id
// is a no-op returning zero changes.
func (s *PositionStore) Delete(ctx context.Context, id string) (_ int, err error) {
	defer func() { observability.RecordStoreOperation("position", "delete", err) }()
	if id == "" {
		return 0, fmt.Errorf("delete position: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return 0, fmt.Errorf("read position %s: %w", id, err)
	}
	if len(fields) == 0 {
		return 0, nil
	}

	tx := s.kv.Client().Tx()
	tx.Del(s.primaryKey(id))
	tx.ZRem(s.timeKey(), id)
	tx.SRem(s.activeKey(), id)
	if st := fields["status"]; st != "" {
		tx.SRem(s.statusKey(domain.PositionStatus(st)), id)
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
		return 0, fmt.Errorf("delete position %s: %w", id, err)
	}
	return n, nil
}

// GetByID retrieves a position by id. Returns ErrNotFound if it does not exist.
func (s *PositionStore) GetByID(ctx context.Context, id string) (*domain.Position, error) {
	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return nil, fmt.Errorf("read position %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodePosition(fields), nil
}

// GetActive retrieves all open positions through the fast-path set, sorted
// by open time descending.
func (s *PositionStore) GetActive(ctx context.Context) ([]*domain.Position, error) {
	ids, err := s.kv.Client().SMembers(ctx, s.activeKey())
	if err != nil {
		return nil, fmt.Errorf("read active set: %w", err)
	}
	return s.sortedByOpenTime(ctx, ids)
}

// GetByStatus retrieves all positions in a status bucket, sorted by open
// time descending.
func (s *PositionStore) GetByStatus(ctx context.Context, status domain.PositionStatus) ([]*domain.Position, error) {
	ids, err := s.kv.Client().SMembers(ctx, s.statusKey(status))
	if err != nil {
		return nil, fmt.Errorf("read status bucket %s: %w", status, err)
	}
	return s.sortedByOpenTime(ctx, ids)
}

// GetBySymbol retrieves positions for a symbol in insertion order.
func (s *PositionStore) GetBySymbol(ctx context.Context, symbol string, limit, offset int64) ([]*domain.Position, error) {
	return s.getByAttr(ctx, s.symbolKey(symbol), limit, offset)
}

// GetByStrategy retrieves positions for a strategy in insertion order.
func (s *PositionStore) GetByStrategy(ctx context.Context, strategy string, limit, offset int64) ([]*domain.Position, error) {
	return s.getByAttr(ctx, s.strategyKey(strategy), limit, offset)
}

// GetByExchange retrieves positions for an exchange in insertion order.
func (s *PositionStore) GetByExchange(ctx context.Context, exchange string, limit, offset int64) ([]*domain.Position, error) {
	return s.getByAttr(ctx, s.exchangeKey(exchange), limit, offset)
}

// GetByTimeRange retrieves positions opened within [start, end] milliseconds
// (inclusive), in insertion order. limit <= 0 means no limit.
func (s *PositionStore) GetByTimeRange(ctx context.Context, start, end int64, limit int64) ([]*domain.Position, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := s.kv.Client().ZRangeByScore(ctx, s.timeKey(), float64(start), float64(end), 0, limit)
	if err != nil {
		return nil, fmt.Errorf("read time index: %w", err)
	}
	return s.getMany(ctx, ids)
}

// Cleanup deletes terminal positions whose archive timestamp is older than
// retentionDays. Returns the number deleted.
func (s *PositionStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays).UnixMilli()

	deleted := 0
	for _, status := range domain.TerminalPositionStatuses {
		positions, err := s.GetByStatus(ctx, status)
		if err != nil {
			return deleted, fmt.Errorf("cleanup status %s: %w", status, err)
		}
		for _, p := range positions {
			if p.ArchiveTime() >= cutoff {
				continue
			}
			if _, err := s.Delete(ctx, p.ID); err != nil {
				return deleted, fmt.Errorf("cleanup position %s: %w", p.ID, err)
			}
			deleted++
		}
	}
	if deleted > 0 {
		s.logger.Printf("retention sweep removed %d positions", deleted)
	}
	return deleted, nil
}

func (s *PositionStore) sortedByOpenTime(ctx context.Context, ids []string) ([]*domain.Position, error) {
	positions, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt > positions[j].OpenedAt
	})
	return positions, nil
}

func (s *PositionStore) getByAttr(ctx context.Context, key string, limit, offset int64) ([]*domain.Position, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := s.kv.Client().ZRangeByScore(ctx, key, math.Inf(-1), math.Inf(1), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("read attribute index: %w", err)
	}
	return s.getMany(ctx, ids)
}

func (s *PositionStore) getMany(ctx context.Context, ids []string) ([]*domain.Position, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.primaryKey(id)
	}
	hashes, err := s.kv.Client().HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("hydrate positions: %w", err)
	}
	positions := make([]*domain.Position, 0, len(hashes))
	for _, fields := range hashes {
		if len(fields) == 0 {
			continue
		}
		positions = append(positions, decodePosition(fields))
	}
	return positions, nil
}

func encodePosition(p *domain.Position) map[string]string {
	fields := map[string]string{
		"id":                p.ID,
		"symbol":            p.Symbol,
		"side":              p.Side,
		"entry_price":       formatFloat(p.EntryPrice),
		"current_price":     formatFloat(p.CurrentPrice),
		"amount":            formatFloat(p.Amount),
		"leverage":          formatFloat(p.Leverage),
		"margin":            formatFloat(p.Margin),
		"unrealized_pnl":    formatFloat(p.UnrealizedPnl),
		"realized_pnl":      formatFloat(p.RealizedPnl),
		"liquidation_price": formatFloat(p.LiquidationPrice),
		"exchange":          p.Exchange,
		"strategy":          p.Strategy,
		"status":            string(p.Status),
		"opened_at":         formatMillis(p.OpenedAt),
		"updated_at":        formatMillis(p.UpdatedAt),
		"metadata":          encodeMeta(p.Metadata),
	}
	if p.ClosedAt != nil {
		fields["closed_at"] = formatMillis(*p.ClosedAt)
	}
	return fields
}

func decodePosition(fields map[string]string) *domain.Position {
	return &domain.Position{
		ID:               fields["id"],
		Symbol:           fields["symbol"],
		Side:             fields["side"],
		EntryPrice:       parseFloat(fields["entry_price"]),
		CurrentPrice:     parseFloat(fields["current_price"]),
		Amount:           parseFloat(fields["amount"]),
		Leverage:         parseFloat(fields["leverage"]),
		Margin:           parseFloat(fields["margin"]),
		UnrealizedPnl:    parseFloat(fields["unrealized_pnl"]),
		RealizedPnl:      parseFloat(fields["realized_pnl"]),
		LiquidationPrice: parseFloat(fields["liquidation_price"]),
		Exchange:         fields["exchange"],
		Strategy:         fields["strategy"],
		Status:           domain.PositionStatus(fields["status"]),
		OpenedAt:         parseMillis(fields["opened_at"]),
		UpdatedAt:        parseMillis(fields["updated_at"]),
		ClosedAt:         parseMillisPtr(fields["closed_at"]),
		Metadata:         decodeMeta(fields["metadata"]),
	}
}
