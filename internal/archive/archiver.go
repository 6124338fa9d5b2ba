package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradestore/internal/domain"
	"tradestore/internal/sink"
	"tradestore/internal/store"
)

// Archiver defaults.
const (
	DefaultArchiveAfter = 24 * time.Hour
	DefaultArchiveBatch = 500
)

// Result is the outcome of one archive run. Per-batch failures are collected
// here instead of aborting the run.
type Result struct {
	Archived int      `json:"archived"`
	Deleted  int      `json:"deleted"`
	Errors   []string `json:"errors,omitempty"`
}

// Archiver moves aged terminal records of one entity kind into the sink.
type Archiver interface {
	Kind() string
	Run(ctx context.Context) Result
}

// OrderArchiverOptions configures an OrderArchiver.
type OrderArchiverOptions struct {
	Store *store.OrderStore
	Sink  sink.Sink

	ArchiveAfter       time.Duration // age threshold, defaults to DefaultArchiveAfter
	BatchSize          int           // sink batch size, defaults to DefaultArchiveBatch
	DeleteAfterArchive bool
	Retry              Policy
	Now                func() time.Time // defaults to time.Now
	Logger             *log.Logger
}

// OrderArchiver drains terminal orders older than the cutoff into the sink.
type OrderArchiver struct {
	store     *store.OrderStore
	sink      sink.Sink
	after     time.Duration
	batchSize int
	delete    bool
	retry     Policy
	now       func() time.Time
	logger    *log.Logger
}

// Compile-time interface check.
var _ Archiver = (*OrderArchiver)(nil)

// NewOrderArchiver creates an order archiver.
func NewOrderArchiver(opts OrderArchiverOptions) *OrderArchiver {
	after := opts.ArchiveAfter
	if after <= 0 {
		after = DefaultArchiveAfter
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultArchiveBatch
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &OrderArchiver{
		store:     opts.Store,
		sink:      opts.Sink,
		after:     after,
		batchSize: batchSize,
		delete:    opts.DeleteAfterArchive,
		retry:     opts.Retry,
		now:       now,
		logger:    logger,
	}
}

// Kind identifies this archiver in scheduler stats and notifications.
func (a *OrderArchiver) Kind() string { return "orders" }

// Run selects terminal orders older than the cutoff, writes them to the sink
// in fixed-size batches, and deletes archived records from the hot store
// when enabled. A batch failure is recorded and later batches still run.
func (a *OrderArchiver) Run(ctx context.Context) Result {
	var res Result
	cutoff := a.now().Add(-a.after).UnixMilli()

	var candidates []*domain.Order
	for _, status := range domain.TerminalOrderStatuses {
		orders, err := a.store.GetByStatus(ctx, status)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("select %s orders: %v", status, err))
			continue
		}
		for _, o := range orders {
			if o.ArchiveTime() < cutoff {
				candidates = append(candidates, o)
			}
		}
	}

	for start := 0; start < len(candidates); start += a.batchSize {
		end := start + a.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		err := Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sink.InsertOrders(ctx, batch)
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("archive orders batch: %v", err))
			continue
		}
		res.Archived += len(batch)

		if !a.delete {
			continue
		}
		for _, o := range batch {
			if _, err := a.store.Delete(ctx, o.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("delete order %s: %v", o.ID, err))
				continue
			}
			res.Deleted++
		}
	}

	return res
}

// PositionArchiverOptions configures a PositionArchiver.
type PositionArchiverOptions struct {
	Store *store.PositionStore
	Sink  sink.Sink

	ArchiveAfter       time.Duration
	BatchSize          int
	DeleteAfterArchive bool
	Retry              Policy
	Now                func() time.Time
	Logger             *log.Logger
}

// PositionArchiver drains closed and liquidated positions older than the
// cutoff into the sink.
type PositionArchiver struct {
	store     *store.PositionStore
	sink      sink.Sink
	after     time.Duration
	batchSize int
	delete    bool
	retry     Policy
	now       func() time.Time
	logger    *log.Logger
}

// Compile-time interface check.
var _ Archiver = (*PositionArchiver)(nil)

// NewPositionArchiver creates a position archiver.
func NewPositionArchiver(opts PositionArchiverOptions) *PositionArchiver {
	after := opts.ArchiveAfter
	if after <= 0 {
		after = DefaultArchiveAfter
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultArchiveBatch
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &PositionArchiver{
		store:     opts.Store,
		sink:      opts.Sink,
		after:     after,
		batchSize: batchSize,
		delete:    opts.DeleteAfterArchive,
		retry:     opts.Retry,
		now:       now,
		logger:    logger,
	}
}

// Kind identifies this archiver in scheduler stats and notifications.
func (a *PositionArchiver) Kind() string { return "positions" }

// Run mirrors OrderArchiver.Run for positions.
func (a *PositionArchiver) Run(ctx context.Context) Result {
	var res Result
	cutoff := a.now().Add(-a.after).UnixMilli()

	var candidates []*domain.Position
	for _, status := range domain.TerminalPositionStatuses {
		positions, err := a.store.GetByStatus(ctx, status)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("select %s positions: %v", status, err))
			continue
		}
		for _, p := range positions {
			if p.ArchiveTime() < cutoff {
				candidates = append(candidates, p)
			}
		}
	}

	for start := 0; start < len(candidates); start += a.batchSize {
		end := start + a.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		err := Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sink.InsertPositions(ctx, batch)
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("archive positions batch: %v", err))
			continue
		}
		res.Archived += len(batch)

		if !a.delete {
			continue
		}
		for _, p := range batch {
			if _, err := a.store.Delete(ctx, p.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("delete position %s: %v", p.ID, err))
				continue
			}
			res.Deleted++
		}
	}

	return res
}
