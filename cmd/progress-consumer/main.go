package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/listing-scraper/internal/config"
	"github.com/maltedev/listing-scraper/internal/events"
	"github.com/maltedev/listing-scraper/internal/models"
)

func main() {
	var (
		sessionID = flag.String("session", "", "Only follow this session and exit when it finishes")
		group     = flag.String("group", "progress-consumer-group", "Consumer group name")
		consumer  = flag.String("consumer", "consumer-1", "Consumer name within the group")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Redis", "addr", cfg.Redis.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	reader := events.NewStreamReader(rdb, events.ReaderConfig{
		Stream:   cfg.Events.ProgressStream,
		Group:    *group,
		Consumer: *consumer,
	}, logger)

	err = reader.Run(ctx, func(_ context.Context, id string, e models.ProgressEvent) error {
		if *sessionID != "" && id != *sessionID {
			return nil
		}
		logger.Info("progress",
			"session_id", id,
			"status", e.Status,
			"percent", e.ProgressPercent,
			"units_remaining", e.UnitsRemaining,
			"businesses", e.BusinessesFound,
			"pending_lookups", e.PendingLookups,
			"eta_ms", e.EstimatedTimeRemainingMs)
		if *sessionID != "" && e.Status.IsTerminal() {
			cancel()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
}
