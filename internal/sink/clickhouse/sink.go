package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradestore/internal/domain"
	"tradestore/internal/observability"
	"tradestore/internal/sink"
)

// Sink implements sink.Sink over ClickHouse.
type Sink struct {
	conn *Conn
}

// Compile-time interface check.
var _ sink.Sink = (*Sink)(nil)

// NewSink creates a Sink over an established connection.
func NewSink(conn *Conn) *Sink {
	return &Sink{conn: conn}
}

// InsertOrders appends archived orders as one native batch.
func (s *Sink) InsertOrders(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	start := time.Now()
	err := s.insertOrders(ctx, orders)
	observability.RecordSinkInsert("orders_archive", time.Since(start).Seconds(), err)
	return err
}

func (s *Sink) insertOrders(ctx context.Context, orders []*domain.Order) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO orders_archive (
			id, client_id, symbol, side, type, status,
			amount, filled, remaining, price, average_price, cost, fee,
			exchange, strategy, created_at, updated_at, closed_at,
			error_message, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare orders batch: %w", err)
	}

	for _, o := range orders {
		err = batch.Append(
			o.ID, o.ClientID, o.Symbol, o.Side, o.Type, string(o.Status),
			o.Amount, o.Filled, o.Remaining, o.Price, o.AveragePrice, o.Cost, o.Fee,
			o.Exchange, o.Strategy, msTime(o.CreatedAt), msTime(o.UpdatedAt), msTimePtr(o.ClosedAt),
			o.ErrorMessage, metaJSON(o.Metadata),
		)
		if err != nil {
			return fmt.Errorf("append order %s: %w", o.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send orders batch: %w", err)
	}
	return nil
}

// InsertPositions appends archived positions as one native batch.
func (s *Sink) InsertPositions(ctx context.Context, positions []*domain.Position) error {
	if len(positions) == 0 {
		return nil
	}

	start := time.Now()
	err := s.insertPositions(ctx, positions)
	observability.RecordSinkInsert("positions_archive", time.Since(start).Seconds(), err)
	return err
}

func (s *Sink) insertPositions(ctx context.Context, positions []*domain.Position) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO positions_archive (
			id, symbol, side, entry_price, current_price, amount,
			leverage, margin, unrealized_pnl, realized_pnl, liquidation_price,
			exchange, strategy, status, opened_at, updated_at, closed_at, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare positions batch: %w", err)
	}

	for _, p := range positions {
		err = batch.Append(
			p.ID, p.Symbol, p.Side, p.EntryPrice, p.CurrentPrice, p.Amount,
			p.Leverage, p.Margin, p.UnrealizedPnl, p.RealizedPnl, p.LiquidationPrice,
			p.Exchange, p.Strategy, string(p.Status), msTime(p.OpenedAt), msTime(p.UpdatedAt), msTimePtr(p.ClosedAt),
			metaJSON(p.Metadata),
		)
		if err != nil {
			return fmt.Errorf("append position %s: %w", p.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send positions batch: %w", err)
	}
	return nil
}

// InsertTrades appends trade facts as one native batch.
func (s *Sink) InsertTrades(ctx context.Context, trades []*domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	start := time.Now()
	err := s.insertTrades(ctx, trades)
	observability.RecordSinkInsert("trades", time.Since(start).Seconds(), err)
	return err
}

func (s *Sink) insertTrades(ctx context.Context, trades []*domain.Trade) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trades (
			id, order_id, symbol, side, amount, price, cost, fee,
			exchange, strategy, timestamp, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare trades batch: %w", err)
	}

	for _, t := range trades {
		err = batch.Append(
			t.ID, t.OrderID, t.Symbol, t.Side, t.Amount, t.Price, t.Cost, t.Fee,
			t.Exchange, t.Strategy, msTime(t.Timestamp), metaJSON(t.Metadata),
		)
		if err != nil {
			return fmt.Errorf("append trade %s: %w", t.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send trades batch: %w", err)
	}
	return nil
}

// InsertAuditEntries appends audit facts as one native batch.
func (s *Sink) InsertAuditEntries(ctx context.Context, entries []*domain.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	start := time.Now()
	err := s.insertAuditEntries(ctx, entries)
	observability.RecordSinkInsert("audit_log", time.Since(start).Seconds(), err)
	return err
}

func (s *Sink) insertAuditEntries(ctx context.Context, entries []*domain.AuditLogEntry) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO audit_log (
			id, timestamp, event_type, actor, action, details, prev_hash, hash
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare audit batch: %w", err)
	}

	for _, e := range entries {
		err = batch.Append(
			e.ID, msTime(e.Timestamp), e.EventType, e.Actor, e.Action,
			metaJSON(e.Details), e.PrevHash, e.Hash,
		)
		if err != nil {
			return fmt.Errorf("append audit entry %s: %w", e.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send audit batch: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}

// CountOrders returns the number of archived orders, optionally filtered by
// symbol. Used by the sweep binary for reporting.
func (s *Sink) CountOrders(ctx context.Context, symbol string) (uint64, error) {
	query := "SELECT count(*) FROM orders_archive"
	args := []any{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}

	var count uint64
	if err := s.conn.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count archived orders: %w", err)
	}
	return count, nil
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func msTimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func metaJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(m)
	return string(data)
}
