// Package main runs one manual archive sweep: every archiver once, results
// printed as JSON. Exits non-zero when any kind reported errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tradestore/internal/archive"
	"tradestore/internal/config"
	"tradestore/internal/kv"
	"tradestore/internal/sink/migrations"
	"tradestore/internal/store"

	chsink "tradestore/internal/sink/clickhouse"
)

func main() {
	config.LoadEnvFile()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	redisAddr := flag.String("redis-addr", "", "Redis address (overrides config)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides config)")
	keep := flag.Bool("keep", false, "Keep archived records in the hot store")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall sweep timeout")
	flag.Parse()

	logger := log.New(os.Stderr, "[sweep] ", log.LstdFlags)

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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := kv.NewRedisClient(ctx, &goredis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatalf("Failed to connect redis: %v", err)
	}
	defer client.Close()

	conn, err := migrations.Run(ctx, cfg.ClickHouse.DSN)
	if err != nil {
		logger.Fatalf("Failed to migrate clickhouse: %v", err)
	}
	snk := chsink.NewSink(conn)
	defer snk.Close()

	provider := kv.NewProvider(client, cfg.Redis.Namespace)
	orders := store.NewOrderStore(store.OrderStoreOptions{KV: provider, Logger: logger})
	positions := store.NewPositionStore(store.PositionStoreOptions{KV: provider, Logger: logger})

	deleteAfter := cfg.Archive.DeleteAfterArchive && !*keep

	scheduler := archive.NewScheduler(archive.SchedulerOptions{
		Jobs: []archive.Job{
			{Archiver: archive.NewOrderArchiver(archive.OrderArchiverOptions{
				Store:              orders,
				Sink:               snk,
				ArchiveAfter:       cfg.Archive.ArchiveAfter.Std(),
				BatchSize:          cfg.Archive.BatchSize,
				DeleteAfterArchive: deleteAfter,
				Retry:              archive.DefaultPolicy(),
				Logger:             logger,
			})},
			{Archiver: archive.NewPositionArchiver(archive.PositionArchiverOptions{
				Store:              positions,
				Sink:               snk,
				ArchiveAfter:       cfg.Archive.ArchiveAfter.Std(),
				BatchSize:          cfg.Archive.BatchSize,
				DeleteAfterArchive: deleteAfter,
				Retry:              archive.DefaultPolicy(),
				Logger:             logger,
			})},
		},
		Logger: logger,
	})

	start := time.Now()
	results := scheduler.RunAll(ctx)
	logger.Printf("Sweep completed in %v", time.Since(start))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		logger.Fatalf("Failed to encode results: %v", err)
	}

	for kind, res := range results {
		if len(res.Errors) > 0 {
			logger.Printf("Sweep for %s finished with %d errors", kind, len(res.Errors))
			os.Exit(1)
		}
	}
}
