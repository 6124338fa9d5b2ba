package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradestore/internal/domain"
	"tradestore/internal/kv"
)

// testClock is a settable clock shared by store tests.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *testClock) SetMillis(ms int64)      { c.now = time.UnixMilli(ms) }

func newTestOrderStore() (*OrderStore, *testClock) {
	clock := newTestClock()
	client := kv.NewMemoryClient()
	client.SetClock(clock.Now)
	provider := kv.NewProvider(client, "test")
	return NewOrderStore(OrderStoreOptions{KV: provider, Now: clock.Now}), clock
}

func TestOrderStore_InsertAndGet(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	order := &domain.Order{
		ID:       "ord1",
		ClientID: "cli1",
		Symbol:   "BTC/USDT",
		Side:     "buy",
		Type:     "limit",
		Status:   domain.OrderStatusOpen,
		Amount:   1.5,
		Price:    42000,
		Exchange: "binance",
		Strategy: "momentum",
		Metadata: map[string]string{"source": "api"},
	}

	id, _, err := store.Insert(ctx, order)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if id != "ord1" {
		t.Errorf("Expected id ord1, got %s", id)
	}

	got, err := store.GetByID(ctx, "ord1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Symbol != "BTC/USDT" || got.Amount != 1.5 || got.Price != 42000 {
		t.Errorf("Round-trip mismatch: %+v", got)
	}
	if got.Status != domain.OrderStatusOpen {
		t.Errorf("Expected status OPEN, got %s", got.Status)
	}
	if got.Metadata["source"] != "api" {
		t.Errorf("Metadata not preserved: %v", got.Metadata)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Error("Timestamps not defaulted")
	}
}

func TestOrderStore_DefaultStatus(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	if _, _, err := store.Insert(ctx, &domain.Order{ID: "ord1", Symbol: "BTC/USDT"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "ord1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != domain.OrderStatusPending {
		t.Errorf("Expected default status PENDING, got %s", got.Status)
	}
}

func TestOrderStore_DuplicateKey(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	order := &domain.Order{ID: "ord1", Symbol: "BTC/USDT"}
	if _, _, err := store.Insert(ctx, order); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	_, _, err := store.Insert(ctx, &domain.Order{ID: "ord1", Symbol: "ETH/USDT"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestOrderStore_InvalidInput(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	if _, _, err := store.Insert(ctx, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil, got %v", err)
	}
	if _, _, err := store.Insert(ctx, &domain.Order{ID: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty ID, got %v", err)
	}
}

func TestOrderStore_NotFound(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	if _, err := store.GetByID(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.Update(ctx, "nonexistent", domain.OrderUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for update, got %v", err)
	}
}

func TestOrderStore_StatusMoveRelocatesIndex(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	if _, _, err := store.Insert(ctx, &domain.Order{ID: "ord1", Symbol: "BTC/USDT", Status: domain.OrderStatusOpen}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	filled := domain.OrderStatusFilled
	if _, err := store.Update(ctx, "ord1", domain.OrderUpdate{Status: &filled}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	open, err := store.GetByStatus(ctx, domain.OrderStatusOpen)
	if err != nil {
		t.Fatalf("GetByStatus(OPEN) failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Order still in old status bucket: %d entries", len(open))
	}

	done, err := store.GetByStatus(ctx, domain.OrderStatusFilled)
	if err != nil {
		t.Fatalf("GetByStatus(FILLED) failed: %v", err)
	}
	if len(done) != 1 || done[0].ID != "ord1" {
		t.Errorf("Order missing from new status bucket: %v", done)
	}
}

func TestOrderStore_TerminalStatusRejectsTransition(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	if _, _, err := store.Insert(ctx, &domain.Order{ID: "ord1", Symbol: "BTC/USDT", Status: domain.OrderStatusFilled}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	open := domain.OrderStatusOpen
	_, err := store.Update(ctx, "ord1", domain.OrderUpdate{Status: &open})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput leaving terminal status, got %v", err)
	}

	// Non-status fields on a terminal order remain patchable.
	fee := 0.25
	if _, err := store.Update(ctx, "ord1", domain.OrderUpdate{Fee: &fee}); err != nil {
		t.Errorf("Non-status update on terminal order failed: %v", err)
	}
}

func TestOrderStore_ClosedAtSetOnTerminal(t *testing.T) {
	store, clock := newTestOrderStore()
	ctx := context.Background()

	if _, _, err := store.Insert(ctx, &domain.Order{ID: "ord1", Symbol: "BTC/USDT", Status: domain.OrderStatusOpen}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	clock.Advance(5 * time.Second)
	canceled := domain.OrderStatusCanceled
	if _, err := store.Update(ctx, "ord1", domain.OrderUpdate{Status: &canceled}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.GetByID(ctx, "ord1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.ClosedAt == nil {
		t.Fatal("ClosedAt not set on terminal transition")
	}
	if *got.ClosedAt != clock.Now().UnixMilli() {
		t.Errorf("ClosedAt mismatch: got %d, want %d", *got.ClosedAt, clock.Now().UnixMilli())
	}
}

func TestOrderStore_DeleteRemovesAllIndexes(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	order := &domain.Order{
		ID:       "ord1",
		Symbol:   "BTC/USDT",
		Status:   domain.OrderStatusOpen,
		Exchange: "binance",
		Strategy: "momentum",
	}
	if _, _, err := store.Insert(ctx, order); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	n, err := store.Delete(ctx, "ord1")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n == 0 {
		t.Error("Expected nonzero change count")
	}

	if _, err := store.GetByID(ctx, "ord1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	byStatus, _ := store.GetByStatus(ctx, domain.OrderStatusOpen)
	bySymbol, _ := store.GetBySymbol(ctx, "BTC/USDT", 0, 0)
	byStrategy, _ := store.GetByStrategy(ctx, "momentum", 0, 0)
	byExchange, _ := store.GetByExchange(ctx, "binance", 0, 0)
	if len(byStatus)+len(bySymbol)+len(byStrategy)+len(byExchange) != 0 {
		t.Errorf("Index leftovers after delete: status=%d symbol=%d strategy=%d exchange=%d",
			len(byStatus), len(bySymbol), len(byStrategy), len(byExchange))
	}
}

func TestOrderStore_DeleteMissingIsNoop(t *testing.T) {
	store, _ := newTestOrderStore()
	ctx := context.Background()

	n, err := store.Delete(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 changes, got %d", n)
	}
}

func TestOrderStore_GetByStatusSortedNewestFirst(t *testing.T) {
	store, clock := newTestOrderStore()
	ctx := context.Background()

	for _, id := range []string{"ord1", "ord2", "ord3"} {
		if _, _, err := store.Insert(ctx, &domain.Order{ID: id, Symbol: "BTC/USDT", Status: domain.OrderStatusOpen}); err != nil {
			t.Fatalf("Insert %s failed: %v", id, err)
		}
		clock.Advance(time.Second)
	}

	got, err := store.GetByStatus(ctx, domain.OrderStatusOpen)
	if err != nil {
		t.Fatalf("GetByStatus failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 orders, got %d", len(got))
	}
	if got[0].ID != "ord3" || got[2].ID != "ord1" {
		t.Errorf("Not sorted newest first: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestOrderStore_GetBySymbolPaging(t *testing.T) {
	store, clock := newTestOrderStore()
	ctx := context.Background()

	for _, id := range []string{"ord1", "ord2", "ord3", "ord4"} {
		if _, _, err := store.Insert(ctx, &domain.Order{ID: id, Symbol: "ETH/USDT"}); err != nil {
			t.Fatalf("Insert %s failed: %v", id, err)
		}
		clock.Advance(time.Second)
	}

	page, err := store.GetBySymbol(ctx, "ETH/USDT", 2, 1)
	if err != nil {
		t.Fatalf("GetBySymbol failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 orders, got %d", len(page))
	}
	// Insertion order, offset past the first.
	if page[0].ID != "ord2" || page[1].ID != "ord3" {
		t.Errorf("Unexpected page: %s, %s", page[0].ID, page[1].ID)
	}

	all, err := store.GetBySymbol(ctx, "ETH/USDT", 0, 0)
	if err != nil {
		t.Fatalf("GetBySymbol failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 orders with no limit, got %d", len(all))
	}
}

func TestOrderStore_GetByTimeRange(t *testing.T) {
	store, clock := newTestOrderStore()
	ctx := context.Background()

	base := clock.Now().UnixMilli()
	for i, id := range []string{"ord1", "ord2", "ord3"} {
		clock.SetMillis(base + int64(i)*1000)
		if _, _, err := store.Insert(ctx, &domain.Order{ID: id, Symbol: "BTC/USDT"}); err != nil {
			t.Fatalf("Insert %s failed: %v", id, err)
		}
	}

	got, err := store.GetByTimeRange(ctx, base+500, base+1500, 0)
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ord2" {
		t.Errorf("Expected only ord2 in range, got %v", got)
	}
}

func TestOrderStore_CleanupSweepsOldTerminal(t *testing.T) {
	store, clock := newTestOrderStore()
	ctx := context.Background()

	// Old terminal order: eligible.
	if _, _, err := store.Insert(ctx, &domain.Order{ID: "old_done", Symbol: "BTC/USDT", Status: domain.OrderStatusFilled}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	// Old live order: terminal-only sweep must skip it.
	if _, _, err := store.Insert(ctx, &domain.Order{ID: "old_open", Symbol: "BTC/USDT", Status: domain.OrderStatusOpen}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	clock.Advance(40 * 24 * time.Hour)

	// Fresh terminal order: inside retention.
	if _, _, err := store.Insert(ctx, &domain.Order{ID: "new_done", Symbol: "BTC/USDT", Status: domain.OrderStatusCanceled}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	removed, err := store.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	if _, err := store.GetByID(ctx, "old_done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old_done should be gone, got %v", err)
	}
	if _, err := store.GetByID(ctx, "old_open"); err != nil {
		t.Errorf("old_open should survive, got %v", err)
	}
	if _, err := store.GetByID(ctx, "new_done"); err != nil {
		t.Errorf("new_done should survive, got %v", err)
	}
}
