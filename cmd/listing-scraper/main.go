package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/listing-scraper/internal/api"
	"github.com/maltedev/listing-scraper/internal/batch"
	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/captcha"
	"github.com/maltedev/listing-scraper/internal/checkpoint"
	"github.com/maltedev/listing-scraper/internal/config"
	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/events"
	"github.com/maltedev/listing-scraper/internal/lookup"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/orchestrator"
	"github.com/maltedev/listing-scraper/internal/parser"
	"github.com/maltedev/listing-scraper/internal/queue"
	"github.com/maltedev/listing-scraper/internal/ratelimit"
	"github.com/maltedev/listing-scraper/internal/retry"
	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := database.New(ctx, database.Config{
		URL:      cfg.Database.URL,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Redis backs checkpoints, the provider cache, the active-session lock and the streams
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// Relay outbox events to redis streams
	relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
		PollInterval: cfg.Events.RelayPollInterval,
		BatchSize:    cfg.Events.RelayBatchSize,
		StreamMaxLen: cfg.Events.OutboxStreamMaxLen,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	// Browser setup
	b, err := browser.New(&browser.Options{
		Headless:       cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout,
		UserAgent:      browser.DefaultOptions().UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		AcceptLanguage: cfg.Browser.AcceptLanguage,
		TimezoneID:     cfg.Browser.TimezoneID,
		Locale:         cfg.Browser.Locale,
		ProxyServer:    cfg.Browser.ProxyServer,
		Humanize:       cfg.Browser.Humanize,
		ExtraHeaders:   browser.DefaultOptions().ExtraHeaders,
	})
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	checkpoints, err := newCheckpointStore(cfg.Checkpoint, redisClient)
	if err != nil {
		logger.Error("failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}

	// Scraping services
	strategy := retry.New(cfg.Scraper.MaxRetries, cfg.Scraper.RetryBaseDelay, retry.WithLogger(logger))
	detector := captcha.NewDetector()

	mapSearch := scraper.NewMapSearch(parser.NewMapsParser(), detector, scraper.MapSearchOptions{
		BaseURL:     cfg.Scraper.MapsBaseURL,
		ScrollTimes: cfg.Scraper.ScrollTimes,
	})
	searchWorker := worker.New(b, mapSearch, strategy,
		worker.WithOperationTimeout(cfg.Scraper.OperationTimeout),
		worker.WithLimiter(ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.RateLimitMin, cfg.Scraper.RateLimitMax)),
		worker.WithLogger(logger),
	)

	batches := batch.NewManager(batch.Config{
		MaxBatchSize:     cfg.Batch.MaxBatchSize,
		ItemDelay:        cfg.Batch.ItemDelay,
		MinBatchDelay:    cfg.Batch.MinBatchDelay,
		MaxBatchDelay:    cfg.Batch.MaxBatchDelay,
		Cooldown:         cfg.Batch.Cooldown,
		MaxCooldown:      cfg.Batch.MaxCooldown,
		SuccessThreshold: cfg.Batch.SuccessThreshold,
		MaxRequeues:      cfg.Batch.MaxRequeues,
	}, strategy, batch.WithLogger(logger))
	providerForm := scraper.NewProviderForm(parser.NewProviderFormParser(), detector, scraper.ProviderFormOptions{
		FormURL: cfg.Lookup.FormURL,
	})
	lookupService := lookup.NewService(b, batches, providerForm, lookup.NewRedisCache(redisClient, cfg.Lookup.CacheTTL), logger)

	// Persistence and progress
	businesses := database.NewBusinessRepository(db)
	sessionRows := database.NewSessionRepository(db)
	broker := events.NewBroker(logger, events.WithMaxClients(cfg.Events.MaxClients))
	progress := events.Fanout{
		broker,
		events.NewRedisStreamSink(redisClient, cfg.Events.ProgressStream, cfg.Events.StreamMaxLen),
	}

	factory := func(sessionID string, req models.ScrapeRequest, finished func(models.Session)) queue.Runner {
		return orchestrator.New(sessionID, req, orchestrator.Deps{
			Searcher:    searchWorker,
			Enricher:    lookupService,
			Records:     businesses,
			Checkpoints: checkpoints,
			Sink:        progress,
			BatchState:  batches,
		}, orchestrator.Config{MaxWorkers: cfg.Scraper.MaxWorkers},
			orchestrator.WithLogger(logger),
			orchestrator.WithOwner(req.OwnerID),
			orchestrator.WithStateListener(func(s models.Session) {
				if err := sessionRows.Save(context.Background(), s); err != nil {
					logger.Warn("failed to persist session", "session_id", s.ID, "error", err)
				}
			}),
			orchestrator.WithOnFinished(func(s models.Session) {
				finished(s)
				// Late subscribers still get the final event for a while.
				time.AfterFunc(5*time.Minute, func() { broker.Forget(s.ID) })
			}),
		)
	}

	manager := queue.NewManager(ctx, factory, queue.Config{
		DefaultSessionDuration: cfg.Queue.DefaultSessionDuration,
		RefreshInterval:        cfg.Queue.RefreshInterval,
	},
		queue.WithLogger(logger),
		queue.WithLock(queue.NewRedisLock(redisClient, cfg.Queue.LockKey, cfg.Queue.LockTTL)),
		queue.WithSessionStore(sessionRows),
	)

	recovered, err := manager.Recover(ctx)
	if err != nil {
		logger.Error("failed to recover sessions", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered unfinished sessions", "count", recovered)
	}
	go manager.Run(ctx)

	handlers := api.NewHandlers(manager, businesses, broker, logger).WithHistory(sessionRows)

	// Setup Chi router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Owner-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		stats, err := relay.Stats(r.Context())
		health := map[string]any{
			"status": "ok",
			"outbox": map[string]any{
				"pending":     stats.Pending,
				"dead_letter": stats.DeadLetter,
			},
			"browser_sessions": b.OpenSessions(),
			"lookup_sessions":  lookupService.OpenSessions(),
			"sse_clients":      broker.ClientCount(),
		}

		status := http.StatusOK
		switch {
		case err != nil:
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			status = http.StatusServiceUnavailable
		case stats.DeadLetter > 100:
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		case stats.Pending > 1000:
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if id, ok := manager.Active(); ok {
			health["active_session"] = id
		}

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	// API Routes
	r.Mount("/api/v1", handlers.Routes())

	// Start server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("session shutdown failed", "error", err)
		}
		if err := lookupService.Cleanup(); err != nil {
			logger.Warn("failed to close lookup sessions", "error", err)
		}
		broker.Close()
		cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func newCheckpointStore(cfg config.CheckpointConfig, client redis.Cmdable) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "redis":
		return checkpoint.NewRedisStore(client, cfg.TTL), nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}
