package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

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
	"github.com/maltedev/listing-scraper/internal/ratelimit"
	"github.com/maltedev/listing-scraper/internal/retry"
	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/worker"
)

func main() {
	var (
		towns         = flag.String("towns", "", "Comma-separated list of towns")
		industries    = flag.String("industries", "", "Comma-separated list of industries; empty searches the towns literally")
		inputFile     = flag.String("file", "", "File containing towns (one per line)")
		sessionID     = flag.String("session", "", "Session id to resume from its checkpoint")
		checkpointDir = flag.String("checkpoint-dir", "checkpoints", "Directory for checkpoint files")
		output        = flag.String("output", "stdout", "Output format: stdout, json, csv")
		headless      = flag.Bool("headless", true, "Run browser in headless mode")
		useDB         = flag.Bool("db", false, "Store businesses in postgres")
		townWorkers   = flag.Int("town-workers", 1, "Towns scraped concurrently")
		industryPar   = flag.Int("industry-workers", 1, "Industries scraped concurrently")
		lookups       = flag.Int("lookups", 1, "Concurrent provider lookup batches")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	req := models.ScrapeRequest{
		Towns:                   splitList(*towns),
		Industries:              splitList(*industries),
		MaxConcurrentTowns:      *townWorkers,
		MaxConcurrentIndustries: *industryPar,
		MaxConcurrentLookups:    *lookups,
	}
	if *inputFile != "" {
		fileTowns, err := readLines(*inputFile)
		if err != nil {
			logger.Error("failed to load towns", "error", err)
			os.Exit(1)
		}
		req.Towns = append(req.Towns, fileTowns...)
	}
	req = req.WithDefaults()
	if errs := req.Validate(); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "invalid request:", strings.Join(errs, "; "))
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	opts := browser.DefaultOptions()
	opts.Headless = *headless && cfg.Browser.Headless
	opts.Timeout = cfg.Browser.Timeout
	opts.ProxyServer = cfg.Browser.ProxyServer
	b, err := browser.New(opts)
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	checkpoints, err := checkpoint.NewFileStore(*checkpointDir)
	if err != nil {
		logger.Error("failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}

	var records orchestrator.RecordStore = discardRecords{}
	if *useDB {
		db, err := database.New(ctx, database.Config{
			URL:      cfg.Database.URL,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
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
		records = database.NewBusinessRepository(db)
	}

	strategy := retry.New(cfg.Scraper.MaxRetries, cfg.Scraper.RetryBaseDelay, retry.WithLogger(logger))
	detector := captcha.NewDetector()
	searchWorker := worker.New(b,
		scraper.NewMapSearch(parser.NewMapsParser(), detector, scraper.DefaultMapSearchOptions()),
		strategy,
		worker.WithOperationTimeout(cfg.Scraper.OperationTimeout),
		worker.WithLimiter(ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.RateLimitMin, cfg.Scraper.RateLimitMax)),
		worker.WithLogger(logger),
	)
	batches := batch.NewManager(batch.DefaultConfig(), strategy, batch.WithLogger(logger))
	lookupService := lookup.NewService(b, batches,
		scraper.NewProviderForm(parser.NewProviderFormParser(), detector, scraper.DefaultProviderFormOptions()),
		lookup.NewMemoryCache(cfg.Lookup.CacheTTL), logger)
	defer lookupService.Cleanup()

	id := *sessionID
	if id == "" {
		id = uuid.NewString()
	}

	o := orchestrator.New(id, req, orchestrator.Deps{
		Searcher:    searchWorker,
		Enricher:    lookupService,
		Records:     records,
		Checkpoints: checkpoints,
		Sink: events.SinkFunc(func(_ context.Context, _ string, e models.ProgressEvent) error {
			logger.Info("progress",
				"status", e.Status,
				"percent", fmt.Sprintf("%.1f", e.ProgressPercent),
				"units_remaining", e.UnitsRemaining,
				"businesses", e.BusinessesFound,
				"pending_lookups", e.PendingLookups,
				"eta_ms", e.EstimatedTimeRemainingMs)
			return nil
		}),
		BatchState: batches,
	}, orchestrator.Config{MaxWorkers: cfg.Scraper.MaxWorkers}, orchestrator.WithLogger(logger))

	logger.Info("starting scrape", "session_id", id, "units", req.UnitCount())
	if err := o.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	o.Wait()

	snap := o.Snapshot()
	if err := outputResults(os.Stdout, snap.Businesses, *output); err != nil {
		logger.Error("failed to output results", "error", err)
	}

	switch snap.Status {
	case models.StatusCompleted:
		logger.Info("scraping completed", "businesses", snap.BusinessesFound, "failed_units", snap.UnitsFailed)
	case models.StatusError:
		logger.Error("scraping failed", "error", snap.Error)
		os.Exit(1)
	default:
		logger.Info("scraping interrupted; resume with -session", "session_id", id, "status", snap.Status)
	}
}

// discardRecords keeps businesses only in the session snapshot.
type discardRecords struct{}

func (discardRecords) AppendBusinesses(context.Context, string, []models.Business) error {
	return nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func outputResults(w io.Writer, businesses []models.Business, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(businesses)
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"name", "phone", "provider", "town", "industry", "category", "address"}); err != nil {
			return err
		}
		for _, b := range businesses {
			if err := cw.Write([]string{b.Name, b.NormalizedPhone, b.Provider, b.Town, b.Industry, b.Category, b.Address}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		for _, b := range businesses {
			fmt.Fprintf(w, "Business: %s\n", b.Name)
			fmt.Fprintf(w, "Phone: %s\n", b.NormalizedPhone)
			fmt.Fprintf(w, "Provider: %s\n", b.Provider)
			fmt.Fprintf(w, "Location: %s (%s)\n", b.Town, b.Industry)
			fmt.Fprintln(w, "---")
		}
		return nil
	}
}
