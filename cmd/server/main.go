// Package main runs the persistence service: indexed entity stores over
// Redis, buffered writers draining trade and audit facts into ClickHouse,
// and the archive scheduler moving aged terminal records to the cold tier.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tradestore/internal/archive"
	"tradestore/internal/config"
	"tradestore/internal/domain"
	"tradestore/internal/kv"
	"tradestore/internal/observability"
	"tradestore/internal/sink"
	chsink "tradestore/internal/sink/clickhouse"
	memsink "tradestore/internal/sink/memory"
	"tradestore/internal/sink/migrations"
	"tradestore/internal/store"
)

// Server holds the wired persistence components.
type Server struct {
	cfg       config.Config
	orders    *store.OrderStore
	positions *store.PositionStore
	tradeLog  *store.TradeLog
	auditLog  *store.AuditLog
	scheduler *archive.Scheduler
	logger    *log.Logger

	started time.Time
}

func main() {
	// Load .env file if exists
	config.LoadEnvFile()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	redisAddr := flag.String("redis-addr", "", "Redis address (overrides config)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP address (overrides config)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory backends instead of Redis and ClickHouse")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *redisAddr != "" {
		cfg.Redis.Addrs = []string{*redisAddr}
	}
	if *clickhouseDSN != "" {
		cfg.ClickHouse.DSN = *clickhouseDSN
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, snk, cleanup, err := createBackends(ctx, cfg, *useMemory, logger)
	if err != nil {
		logger.Fatalf("Failed to create backends: %v", err)
	}
	defer cleanup()

	server, err := buildServer(cfg, client, snk, logger)
	if err != nil {
		logger.Fatalf("Failed to wire server: %v", err)
	}

	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	go server.startHTTPServer(cfg.Metrics.Addr)
	go observability.TrackUptime(ctx)

	err = server.Run(ctx)
	close(done)

	if err != nil && err != context.Canceled {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// createBackends connects the hot store and the analytical sink. The memory
// pair exists for local runs without infrastructure.
func createBackends(ctx context.Context, cfg config.Config, useMemory bool, logger *log.Logger) (kv.Client, sink.Sink, func(), error) {
	if useMemory {
		logger.Println("Using in-memory backends")
		return kv.NewMemoryClient(), memsink.New(), func() {}, nil
	}

	client, err := kv.NewRedisClient(ctx, &goredis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	conn, err := migrations.Run(ctx, cfg.ClickHouse.DSN)
	if err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("migrate clickhouse: %w", err)
	}
	snk := chsink.NewSink(conn)

	cleanup := func() {
		snk.Close()
		client.Close()
	}
	return client, snk, cleanup, nil
}

// buildServer wires stores, writers, archivers and the scheduler.
func buildServer(cfg config.Config, client kv.Client, snk sink.Sink, logger *log.Logger) (*Server, error) {
	provider := kv.NewProvider(client, cfg.Redis.Namespace)

	orders := store.NewOrderStore(store.OrderStoreOptions{KV: provider, Logger: logger})
	positions := store.NewPositionStore(store.PositionStoreOptions{KV: provider, Logger: logger})

	tradeWriter := archive.NewWriter(archive.WriterOptions[*domain.Trade]{
		Name:          "trades",
		Flush:         snk.InsertTrades,
		BatchSize:     cfg.Writer.BatchSize,
		MaxBufferSize: cfg.Writer.MaxBufferSize,
		FlushInterval: cfg.Writer.FlushInterval.Std(),
		Retry:         archive.DefaultPolicy(),
		Sync:          cfg.Writer.Sync,
		Logger:        logger,
	})
	auditWriter := archive.NewWriter(archive.WriterOptions[*domain.AuditLogEntry]{
		Name:          "audit",
		Flush:         snk.InsertAuditEntries,
		BatchSize:     cfg.Writer.BatchSize,
		MaxBufferSize: cfg.Writer.MaxBufferSize,
		FlushInterval: cfg.Writer.FlushInterval.Std(),
		Retry:         archive.DefaultPolicy(),
		Sync:          cfg.Writer.Sync,
		Logger:        logger,
	})

	tradeLog := store.NewTradeLog(store.TradeLogOptions{KV: provider, Writer: tradeWriter, Logger: logger})
	auditLog := store.NewAuditLog(store.AuditLogOptions{KV: provider, Writer: auditWriter, Logger: logger})

	orderArchiver := archive.NewOrderArchiver(archive.OrderArchiverOptions{
		Store:              orders,
		Sink:               snk,
		ArchiveAfter:       cfg.Archive.ArchiveAfter.Std(),
		BatchSize:          cfg.Archive.BatchSize,
		DeleteAfterArchive: cfg.Archive.DeleteAfterArchive,
		Retry:              archive.DefaultPolicy(),
		Logger:             logger,
	})
	positionArchiver := archive.NewPositionArchiver(archive.PositionArchiverOptions{
		Store:              positions,
		Sink:               snk,
		ArchiveAfter:       cfg.Archive.ArchiveAfter.Std(),
		BatchSize:          cfg.Archive.BatchSize,
		DeleteAfterArchive: cfg.Archive.DeleteAfterArchive,
		Retry:              archive.DefaultPolicy(),
		Logger:             logger,
	})

	scheduler := archive.NewScheduler(archive.SchedulerOptions{
		Jobs: []archive.Job{
			{Archiver: orderArchiver, Interval: cfg.Archive.OrderInterval.Std()},
			{Archiver: positionArchiver, Interval: cfg.Archive.PositionInterval.Std()},
		},
		Writers: []archive.Flusher{tradeWriter, auditWriter},
		Logger:  logger,
	})

	return &Server{
		cfg:       cfg,
		orders:    orders,
		positions: positions,
		tradeLog:  tradeLog,
		auditLog:  auditLog,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

// Run starts the scheduler and the retention sweeper, then blocks until the
// context is cancelled. Shutdown stops the scheduler, which final-flushes
// every writer.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()
	s.scheduler.Start()
	s.logger.Println("Archive scheduler started")

	go s.runRetentionSweeper(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.scheduler.Stop(shutdownCtx); err != nil {
		s.logger.Printf("Scheduler stop: %v", err)
	}
	return ctx.Err()
}

// runRetentionSweeper removes terminal records past the retention window
// from the hot store once a day. Archival handles the younger records; this
// sweep is the backstop for anything archival missed.
func (s *Server) runRetentionSweeper(ctx context.Context) {
	if s.cfg.Retention.Days <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRetentionSweep(ctx)
		}
	}
}

func (s *Server) runRetentionSweep(ctx context.Context) {
	days := s.cfg.Retention.Days
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	if n, err := s.orders.Cleanup(ctx, days); err != nil {
		s.logger.Printf("Order retention sweep: %v", err)
	} else if n > 0 {
		s.logger.Printf("Order retention sweep removed %d records", n)
	}
	if n, err := s.positions.Cleanup(ctx, days); err != nil {
		s.logger.Printf("Position retention sweep: %v", err)
	} else if n > 0 {
		s.logger.Printf("Position retention sweep removed %d records", n)
	}
	if n, err := s.tradeLog.Cleanup(ctx, cutoff); err != nil {
		s.logger.Printf("Trade retention sweep: %v", err)
	} else if n > 0 {
		s.logger.Printf("Trade retention sweep removed %d records", n)
	}
}

// startHTTPServer serves health, metrics and status.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Status  string                       `json:"status"`
	Uptime  string                       `json:"uptime"`
	Archive map[string]archive.KindStats `json:"archive"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  "running",
		Uptime:  time.Since(s.started).String(),
		Archive: s.scheduler.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
