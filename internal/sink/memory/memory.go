// Package memory provides an in-memory Sink for tests and local runs.
package memory

import (
	"context"
	"sync"

	"tradestore/internal/domain"
	"tradestore/internal/sink"
)

// Sink records every batch it receives. FailNext makes the next insert of
// each kind return the configured error, which exercises retry and
// restore-on-failure paths in callers.
type Sink struct {
	mu sync.Mutex

	Orders       []*domain.Order
	Positions    []*domain.Position
	Trades       []*domain.Trade
	AuditEntries []*domain.AuditLogEntry

	// Batches counts insert calls per kind, including failed ones.
	Batches int

	failErr   error
	failCount int
}

// Compile-time interface check.
var _ sink.Sink = (*Sink)(nil)

// New creates an empty recording sink.
func New() *Sink {
	return &Sink{}
}

// FailNext makes the next n insert calls fail with err.
func (s *Sink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = n
	s.failErr = err
}

func (s *Sink) InsertOrders(_ context.Context, orders []*domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches++
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.Orders = append(s.Orders, orders...)
	return nil
}

func (s *Sink) InsertPositions(_ context.Context, positions []*domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches++
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.Positions = append(s.Positions, positions...)
	return nil
}

func (s *Sink) InsertTrades(_ context.Context, trades []*domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches++
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.Trades = append(s.Trades, trades...)
	return nil
}

func (s *Sink) InsertAuditEntries(_ context.Context, entries []*domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches++
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.AuditEntries = append(s.AuditEntries, entries...)
	return nil
}

func (s *Sink) Close() error {
	return nil
}

// OrderCount returns the number of archived orders.
func (s *Sink) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Orders)
}

// TradeCount returns the number of archived trades.
func (s *Sink) TradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Trades)
}

func (s *Sink) takeFailure() error {
	if s.failCount > 0 {
		s.failCount--
		return s.failErr
	}
	return nil
}
