package archive

import (
	"context"
	"testing"
	"time"

	"tradestore/internal/domain"
	"tradestore/internal/kv"
	memsink "tradestore/internal/sink/memory"
	"tradestore/internal/store"
)

// TestPipeline_EndToEnd drives the full path: orders mutate in the hot
// store, fills flow through the buffered writer, and the scheduler drains
// aged terminal records into the sink.
func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	clock := &fixtureClock{now: time.UnixMilli(1_700_000_000_000)}

	client := kv.NewMemoryClient()
	client.SetClock(clock.Now)
	provider := kv.NewProvider(client, "e2e")
	snk := memsink.New()

	orders := store.NewOrderStore(store.OrderStoreOptions{KV: provider, Now: clock.Now})
	positions := store.NewPositionStore(store.PositionStoreOptions{KV: provider, Now: clock.Now})

	tradeWriter := NewWriter(WriterOptions[*domain.Trade]{
		Name:      "trades",
		Flush:     snk.InsertTrades,
		BatchSize: 100,
		Retry:     noBackoff(1),
	})
	trades := store.NewTradeLog(store.TradeLogOptions{
		KV:     provider,
		Writer: tradeWriter,
		Now:    clock.Now,
	})

	scheduler := NewScheduler(SchedulerOptions{
		Jobs: []Job{
			{Archiver: NewOrderArchiver(OrderArchiverOptions{
				Store:              orders,
				Sink:               snk,
				ArchiveAfter:       24 * time.Hour,
				DeleteAfterArchive: true,
				Retry:              noBackoff(1),
				Now:                clock.Now,
			})},
			{Archiver: NewPositionArchiver(PositionArchiverOptions{
				Store:              positions,
				Sink:               snk,
				ArchiveAfter:       24 * time.Hour,
				DeleteAfterArchive: true,
				Retry:              noBackoff(1),
				Now:                clock.Now,
			})},
		},
		Writers: []Flusher{tradeWriter},
		Now:     clock.Now,
	})
	scheduler.Start()

	// An order fills and its fill is recorded.
	if _, _, err := orders.Insert(ctx, &domain.Order{
		ID:     "ord1",
		Symbol: "BTC/USDT",
		Side:   "buy",
		Amount: 1,
		Status: domain.OrderStatusOpen,
	}); err != nil {
		t.Fatalf("Insert order failed: %v", err)
	}

	filled := domain.OrderStatusFilled
	amount := 1.0
	if _, err := orders.Update(ctx, "ord1", domain.OrderUpdate{Status: &filled, Filled: &amount}); err != nil {
		t.Fatalf("Fill order failed: %v", err)
	}
	if _, err := trades.Record(ctx, &domain.Trade{OrderID: "ord1", Symbol: "BTC/USDT", Side: "buy", Amount: 1, Price: 42000}); err != nil {
		t.Fatalf("Record trade failed: %v", err)
	}

	// A position closes the same day.
	if _, _, err := positions.Insert(ctx, &domain.Position{ID: "pos1", Symbol: "BTC/USDT", Status: domain.PositionStatusOpen}); err != nil {
		t.Fatalf("Insert position failed: %v", err)
	}
	closed := domain.PositionStatusClosed
	if _, err := positions.Update(ctx, "pos1", domain.PositionUpdate{Status: &closed}); err != nil {
		t.Fatalf("Close position failed: %v", err)
	}

	// Too fresh: a sweep archives nothing.
	results := scheduler.RunAll(ctx)
	if results["orders"].Archived != 0 || results["positions"].Archived != 0 {
		t.Errorf("Fresh records should not archive: %v", results)
	}

	// Two days later both terminal records age out.
	clock.Advance(48 * time.Hour)
	results = scheduler.RunAll(ctx)
	if results["orders"].Archived != 1 || results["orders"].Deleted != 1 {
		t.Errorf("Order should archive and delete: %+v", results["orders"])
	}
	if results["positions"].Archived != 1 || results["positions"].Deleted != 1 {
		t.Errorf("Position should archive and delete: %+v", results["positions"])
	}
	if _, err := orders.GetByID(ctx, "ord1"); err == nil {
		t.Error("Archived order should leave the hot store")
	}
	if snk.OrderCount() != 1 {
		t.Errorf("Expected 1 order at sink, got %d", snk.OrderCount())
	}

	// Stop final-flushes the buffered trade.
	if err := scheduler.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if snk.TradeCount() != 1 {
		t.Errorf("Trade should reach the sink on final flush, got %d", snk.TradeCount())
	}

	stats := scheduler.Stats()
	if stats["orders"].Runs != 2 || stats["orders"].Archived != 1 {
		t.Errorf("Unexpected scheduler stats: %+v", stats["orders"])
	}
}
