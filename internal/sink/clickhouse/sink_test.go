package clickhouse_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"tradestore/internal/domain"
	"tradestore/internal/sink/clickhouse"
	"tradestore/internal/sink/migrations"
)

// setupSink creates a ClickHouse container with the archive schema applied.
// Returns a cleanup function that must be called when done.
func setupSink(t *testing.T) (*clickhouse.Sink, *clickhouse.Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "test",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port())
	conn, err := clickhouse.NewConn(ctx, dsn)
	require.NoError(t, err)

	require.NoError(t, migrations.Apply(ctx, conn))

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}
	return clickhouse.NewSink(conn), conn, cleanup
}

func TestSink_InsertOrders(t *testing.T) {
	s, conn, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	closedAt := int64(1_700_000_100_000)
	orders := []*domain.Order{
		{
			ID:        "ord1",
			Symbol:    "BTC/USDT",
			Side:      "buy",
			Type:      "limit",
			Status:    domain.OrderStatusFilled,
			Amount:    1.5,
			Filled:    1.5,
			Price:     42000,
			Cost:      63000,
			Exchange:  "binance",
			Strategy:  "momentum",
			CreatedAt: 1_700_000_000_000,
			UpdatedAt: 1_700_000_100_000,
			ClosedAt:  &closedAt,
			Metadata:  map[string]string{"source": "api"},
		},
		{
			ID:        "ord2",
			Symbol:    "ETH/USDT",
			Side:      "sell",
			Status:    domain.OrderStatusCanceled,
			CreatedAt: 1_700_000_000_000,
			UpdatedAt: 1_700_000_000_000,
		},
	}

	require.NoError(t, s.InsertOrders(ctx, orders))

	count, err := s.CountOrders(ctx, "")
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	var status, metadata string
	err = conn.QueryRow(ctx,
		"SELECT status, metadata FROM orders_archive WHERE id = ?", "ord1",
	).Scan(&status, &metadata)
	require.NoError(t, err)
	require.Equal(t, "FILLED", status)
	require.JSONEq(t, `{"source":"api"}`, metadata)

	// Nullable closed_at round-trips for both set and unset.
	var closed *time.Time
	err = conn.QueryRow(ctx,
		"SELECT closed_at FROM orders_archive WHERE id = ?", "ord2",
	).Scan(&closed)
	require.NoError(t, err)
	require.Nil(t, closed)
}

func TestSink_InsertPositionsAndTrades(t *testing.T) {
	s, conn, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	positions := []*domain.Position{
		{
			ID:          "pos1",
			Symbol:      "BTC/USDT",
			Side:        "long",
			EntryPrice:  41000,
			RealizedPnl: 250.5,
			Status:      domain.PositionStatusClosed,
			OpenedAt:    1_700_000_000_000,
			UpdatedAt:   1_700_000_000_000,
		},
	}
	require.NoError(t, s.InsertPositions(ctx, positions))

	trades := []*domain.Trade{
		{ID: "t1", OrderID: "ord1", Symbol: "BTC/USDT", Side: "buy", Amount: 0.5, Price: 42000, Timestamp: 1_700_000_000_000},
		{ID: "t2", OrderID: "ord1", Symbol: "BTC/USDT", Side: "buy", Amount: 1.0, Price: 42010, Timestamp: 1_700_000_001_000},
	}
	require.NoError(t, s.InsertTrades(ctx, trades))

	var pnl float64
	err := conn.QueryRow(ctx,
		"SELECT realized_pnl FROM positions_archive WHERE id = ?", "pos1",
	).Scan(&pnl)
	require.NoError(t, err)
	require.Equal(t, 250.5, pnl)

	var tradeCount uint64
	err = conn.QueryRow(ctx, "SELECT count(*) FROM trades WHERE order_id = ?", "ord1").Scan(&tradeCount)
	require.NoError(t, err)
	require.Equal(t, uint64(2), tradeCount)
}

func TestSink_InsertAuditEntries(t *testing.T) {
	s, conn, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	first := &domain.AuditLogEntry{
		ID:        "a1",
		Timestamp: 1_700_000_000_000,
		EventType: "order",
		Actor:     "system",
		Action:    "create_order",
	}
	first.Hash = first.ComputeHash()
	second := &domain.AuditLogEntry{
		ID:        "a2",
		Timestamp: 1_700_000_001_000,
		EventType: "order",
		Actor:     "system",
		Action:    "cancel_order",
		PrevHash:  first.Hash,
	}
	second.Hash = second.ComputeHash()

	require.NoError(t, s.InsertAuditEntries(ctx, []*domain.AuditLogEntry{first, second}))

	var prevHash string
	err := conn.QueryRow(ctx,
		"SELECT prev_hash FROM audit_log WHERE id = ?", "a2",
	).Scan(&prevHash)
	require.NoError(t, err)
	require.Equal(t, first.Hash, prevHash)
}

func TestSink_EmptyBatchIsNoop(t *testing.T) {
	s, _, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.InsertOrders(ctx, nil))
	require.NoError(t, s.InsertTrades(ctx, nil))

	count, err := s.CountOrders(ctx, "")
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)
}
