package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradestore/internal/kv"
)

func newTestConfigStore(depth int64) (*ConfigStore, *testClock) {
	clock := newTestClock()
	client := kv.NewMemoryClient()
	client.SetClock(clock.Now)
	provider := kv.NewProvider(client, "test")
	return NewConfigStore(ConfigStoreOptions{
		KV:           provider,
		Now:          clock.Now,
		HistoryDepth: depth,
	}), clock
}

func TestConfigStore_SetAndGet(t *testing.T) {
	store, clock := newTestConfigStore(0)
	ctx := context.Background()

	version, err := store.Set(ctx, "risk.max_leverage", "5", "hard leverage cap")
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected version 1 for new key, got %d", version)
	}

	got, err := store.Get(ctx, "risk.max_leverage")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Value != "5" || got.Version != 1 || got.Description != "hard leverage cap" {
		t.Errorf("Round-trip mismatch: %+v", got)
	}
	if got.UpdatedAt != clock.Now().UnixMilli() {
		t.Errorf("UpdatedAt mismatch: %d", got.UpdatedAt)
	}
}

func TestConfigStore_NotFound(t *testing.T) {
	store, _ := newTestConfigStore(0)
	ctx := context.Background()

	if _, err := store.Get(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestConfigStore_VersionBumpAndHistory(t *testing.T) {
	store, clock := newTestConfigStore(0)
	ctx := context.Background()

	for i, value := range []string{"5", "10", "3"} {
		if i > 0 {
			clock.Advance(time.Minute)
		}
		version, err := store.Set(ctx, "risk.max_leverage", value, "")
		if err != nil {
			t.Fatalf("Set %s failed: %v", value, err)
		}
		if version != int64(i+1) {
			t.Errorf("Expected version %d, got %d", i+1, version)
		}
	}

	got, err := store.Get(ctx, "risk.max_leverage")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Value != "3" || got.Version != 3 {
		t.Errorf("Current mismatch: %+v", got)
	}

	history, err := store.GetVersionHistory(ctx, "risk.max_leverage")
	if err != nil {
		t.Fatalf("GetVersionHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 prior versions, got %d", len(history))
	}
	// Newest first.
	if history[0].Version != 2 || history[0].Value != "10" {
		t.Errorf("Unexpected history[0]: %+v", history[0])
	}
	if history[1].Version != 1 || history[1].Value != "5" {
		t.Errorf("Unexpected history[1]: %+v", history[1])
	}
}

func TestConfigStore_HistoryCapped(t *testing.T) {
	store, _ := newTestConfigStore(2)
	ctx := context.Background()

	for _, value := range []string{"a", "b", "c", "d", "e"} {
		if _, err := store.Set(ctx, "key", value, ""); err != nil {
			t.Fatalf("Set %s failed: %v", value, err)
		}
	}

	history, err := store.GetVersionHistory(ctx, "key")
	if err != nil {
		t.Fatalf("GetVersionHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected history capped at 2, got %d", len(history))
	}
	if history[0].Version != 4 || history[1].Version != 3 {
		t.Errorf("Unexpected retained versions: %d, %d", history[0].Version, history[1].Version)
	}
}

func TestConfigStore_DescriptionPreserved(t *testing.T) {
	store, _ := newTestConfigStore(0)
	ctx := context.Background()

	if _, err := store.Set(ctx, "key", "v1", "original description"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := store.Set(ctx, "key", "v2", ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Description != "original description" {
		t.Errorf("Description not carried forward: %q", got.Description)
	}
}

func TestConfigStore_List(t *testing.T) {
	store, clock := newTestConfigStore(0)
	ctx := context.Background()

	for _, key := range []string{"alpha", "beta", "gamma"} {
		if _, err := store.Set(ctx, key, "v", ""); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
		clock.Advance(time.Second)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	// Ordered by last update.
	if entries[0].Key != "alpha" || entries[2].Key != "gamma" {
		t.Errorf("Unexpected order: %s, %s, %s", entries[0].Key, entries[1].Key, entries[2].Key)
	}
}

func TestConfigStore_Delete(t *testing.T) {
	store, _ := newTestConfigStore(0)
	ctx := context.Background()

	if _, err := store.Set(ctx, "key", "v1", ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := store.Set(ctx, "key", "v2", ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	n, err := store.Delete(ctx, "key")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n == 0 {
		t.Error("Expected nonzero change count")
	}

	if _, err := store.Get(ctx, "key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	history, _ := store.GetVersionHistory(ctx, "key")
	if len(history) != 0 {
		t.Errorf("History survived delete: %v", history)
	}
	entries, _ := store.List(ctx)
	if len(entries) != 0 {
		t.Errorf("Deleted key still listed: %v", entries)
	}

	// Missing key is a no-op.
	if n, err := store.Delete(ctx, "key"); err != nil || n != 0 {
		t.Errorf("Expected no-op delete, got n=%d err=%v", n, err)
	}
}
