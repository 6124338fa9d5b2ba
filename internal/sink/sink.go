// Package sink defines the analytical sink the archival pipeline drains
// into. The hot store keeps the working set; everything that ages out or is
// write-once lands here in bulk.
package sink

import (
	"context"

	"tradestore/internal/domain"
)

// Sink accepts batched rows for the archive tables. Implementations must
// tolerate re-delivery: a batch that failed mid-flight may be submitted
// again in full.
type Sink interface {
	InsertOrders(ctx context.Context, orders []*domain.Order) error
	InsertPositions(ctx context.Context, positions []*domain.Position) error
	InsertTrades(ctx context.Context, trades []*domain.Trade) error
	InsertAuditEntries(ctx context.Context, entries []*domain.AuditLogEntry) error
	Close() error
}
