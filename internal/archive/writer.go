package archive

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradestore/internal/observability"
)

// Writer defaults.
const (
	DefaultBatchSize     = 100
	DefaultMaxBufferSize = 10000
	DefaultFlushInterval = 5 * time.Second
)

// WriterStats is a snapshot of a writer's counters.
type WriterStats struct {
	Buffered      int
	Written       int64
	Flushes       int64
	FlushFailures int64
	Restored      int64
}

// WriterOptions configures a Writer.
type WriterOptions[T any] struct {
	// Name tags log lines, e.g. "trades".
	Name string

	// Flush delivers one batch to the sink. Required.
	Flush func(ctx context.Context, batch []T) error

	BatchSize     int           // auto-flush threshold, defaults to DefaultBatchSize
	MaxBufferSize int           // forced inline-flush cap, defaults to DefaultMaxBufferSize
	FlushInterval time.Duration // timer cadence in async mode, defaults to DefaultFlushInterval
	Retry         Policy        // zero value retries once with no backoff

	// Sync bypasses buffering: every Write delivers inline with the same
	// retry policy.
	Sync bool

	// OnFlush, if set, is called after each successful flush with the
	// number of records delivered.
	OnFlush func(written int)

	Logger *log.Logger
}

// Writer batches records in memory and delivers them to the sink in bulk. A
// full batch triggers a background flush; hitting the buffer cap forces an
// inline flush on the writing caller. A failed flush puts the swapped-out
// records back ahead of newer writes, so nothing is dropped.
type Writer[T any] struct {
	name     string
	deliver  func(ctx context.Context, batch []T) error
	batch    int
	maxSize  int
	interval time.Duration
	retry    Policy
	sync     bool
	onFlush  func(written int)
	logger   *log.Logger

	mu       sync.Mutex
	buf      []T
	flushing bool
	stats    WriterStats

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWriter creates a Writer. Panics if opts.Flush is nil, which is a wiring
// bug, not a runtime condition.
func NewWriter[T any](opts WriterOptions[T]) *Writer[T] {
	if opts.Flush == nil {
		panic("archive: WriterOptions.Flush is required")
	}
	name := opts.Name
	if name == "" {
		name = "writer"
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	maxSize := opts.MaxBufferSize
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	// The overflow cap is the hard limit; a batch threshold above it could
	// never trigger.
	if batch > maxSize {
		batch = maxSize
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Writer[T]{
		name:     name,
		deliver:  opts.Flush,
		batch:    batch,
		maxSize:  maxSize,
		interval: interval,
		retry:    opts.Retry,
		sync:     opts.Sync,
		onFlush:  opts.OnFlush,
		logger:   logger,
	}
}

// Write appends one record. In sync mode it delivers inline instead.
func (w *Writer[T]) Write(ctx context.Context, record T) error {
	return w.WriteBatch(ctx, []T{record})
}

// WriteBatch appends records in order. A full batch flushes in the
// background; a buffer at its cap flushes inline on this call, which is the
// backpressure path.
func (w *Writer[T]) WriteBatch(ctx context.Context, records []T) error {
	if len(records) == 0 {
		return nil
	}

	if w.sync {
		return w.flushBatch(ctx, records)
	}

	w.mu.Lock()
	w.buf = append(w.buf, records...)
	size := len(w.buf)
	w.mu.Unlock()
	observability.UpdateBufferDepth(w.name, size)

	if size >= w.maxSize {
		return w.Flush(ctx)
	}
	if size >= w.batch {
		go func() {
			if err := w.Flush(context.Background()); err != nil {
				w.logger.Printf("[%s] background flush: %v", w.name, err)
			}
		}()
	}
	return nil
}

// Flush delivers the whole buffer now. A flush already in progress or an
// empty buffer is a no-op. On exhausted retries the records are restored to
// the front of the buffer and the error is returned.
func (w *Writer[T]) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.flushing || len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.flushing = true
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	err := w.flushBatch(ctx, batch)

	w.mu.Lock()
	w.flushing = false
	if err != nil {
		// Restore ahead of anything written since the swap.
		w.buf = append(batch, w.buf...)
		w.stats.Restored += int64(len(batch))
	}
	depth := len(w.buf)
	w.mu.Unlock()

	if err != nil {
		observability.RecordRestored(w.name, len(batch))
	}
	observability.UpdateBufferDepth(w.name, depth)
	return err
}

// flushBatch delivers one batch under the retry policy and updates counters.
func (w *Writer[T]) flushBatch(ctx context.Context, batch []T) error {
	start := time.Now()
	err := Do(ctx, w.retry, func(ctx context.Context) error {
		return w.deliver(ctx, batch)
	})
	observability.RecordFlush(w.name, len(batch), time.Since(start).Seconds(), err)

	w.mu.Lock()
	if err != nil {
		w.stats.FlushFailures++
	} else {
		w.stats.Flushes++
		w.stats.Written += int64(len(batch))
	}
	w.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush %s: %w", w.name, err)
	}
	if w.onFlush != nil {
		w.onFlush(len(batch))
	}
	return nil
}

// Start launches the flush timer. No-op in sync mode or when already
// started.
func (w *Writer[T]) Start() {
	if w.sync {
		return
	}

	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go func(stopCh, doneCh chan struct{}) {
		defer close(doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := w.Flush(context.Background()); err != nil {
					w.logger.Printf("[%s] timer flush: %v", w.name, err)
				}
			}
		}
	}(w.stopCh, w.doneCh)
}

// Stop halts the timer and performs a final flush. Idempotent.
func (w *Writer[T]) Stop(ctx context.Context) error {
	w.lifecycle.Lock()
	if w.stopCh != nil {
		close(w.stopCh)
		<-w.doneCh
		w.stopCh = nil
		w.doneCh = nil
	}
	w.lifecycle.Unlock()

	return w.Flush(ctx)
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer[T]) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.Buffered = len(w.buf)
	return stats
}
