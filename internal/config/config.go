package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Browser    BrowserConfig
	Scraper    ScraperConfig
	Lookup     LookupConfig
	Batch      BatchConfig
	Queue      QueueConfig
	Checkpoint CheckpointConfig
	Events     EventsConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	// Addr is required by the server; cmd/scrape runs without redis.
	Addr     string
	Password string
	DB       int
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	Humanize       bool
}

type ScraperConfig struct {
	MaxWorkers       int
	MaxRetries       int
	RetryBaseDelay   time.Duration
	OperationTimeout time.Duration
	RateLimitMin     time.Duration
	RateLimitMax     time.Duration
	MapsBaseURL      string
	ScrollTimes      int
}

type LookupConfig struct {
	FormURL  string
	CacheTTL time.Duration
}

type BatchConfig struct {
	MaxBatchSize     int
	ItemDelay        time.Duration
	MinBatchDelay    time.Duration
	MaxBatchDelay    time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	SuccessThreshold float64
	MaxRequeues      int
}

type QueueConfig struct {
	DefaultSessionDuration time.Duration
	RefreshInterval        time.Duration
	LockKey                string
	LockTTL                time.Duration
}

type CheckpointConfig struct {
	// Backend is one of redis, file or memory.
	Backend string
	Dir     string
	TTL     time.Duration
}

type EventsConfig struct {
	ProgressStream     string
	StreamMaxLen       int64
	MaxClients         int
	RelayPollInterval  time.Duration
	RelayBatchSize     int
	OutboxStreamMaxLen int64
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8084),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "listing_scraper"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Browser: BrowserConfig{
			Headless:       getEnvBool("BROWSER_HEADLESS", true),
			Timeout:        getEnvDuration("BROWSER_TIMEOUT", 45*time.Second),
			ViewportWidth:  getEnvInt("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getEnvInt("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnv("BROWSER_ACCEPT_LANGUAGE", "de-DE,de;q=0.9,en;q=0.8"),
			TimezoneID:     getEnv("BROWSER_TIMEZONE", "Europe/Berlin"),
			Locale:         getEnv("BROWSER_LOCALE", "de-DE"),
			ProxyServer:    getEnv("BROWSER_PROXY", ""),
			Humanize:       getEnvBool("BROWSER_HUMANIZE", true),
		},
		Scraper: ScraperConfig{
			MaxWorkers:       getEnvInt("ORCH_MAX_WORKERS", 6),
			MaxRetries:       getEnvInt("SCRAPER_MAX_RETRIES", 3),
			RetryBaseDelay:   getEnvDuration("SCRAPER_RETRY_DELAY", time.Second),
			OperationTimeout: getEnvDuration("SCRAPER_OPERATION_TIMEOUT", 45*time.Second),
			RateLimitMin:     getEnvDuration("SCRAPER_RATE_LIMIT_MIN", 2*time.Second),
			RateLimitMax:     getEnvDuration("SCRAPER_RATE_LIMIT_MAX", 5*time.Second),
			MapsBaseURL:      getEnv("SCRAPER_MAPS_URL", "https://www.google.com/maps/search/"),
			ScrollTimes:      getEnvInt("SCRAPER_SCROLL_TIMES", 8),
		},
		Lookup: LookupConfig{
			FormURL:  getEnv("LOOKUP_FORM_URL", "https://www.bundesnetzagentur.de/rufnummernabfrage"),
			CacheTTL: getEnvDuration("LOOKUP_CACHE_TTL", 30*24*time.Hour),
		},
		Batch: BatchConfig{
			MaxBatchSize:     getEnvInt("BATCH_MAX_SIZE", 5),
			ItemDelay:        getEnvDuration("BATCH_ITEM_DELAY", 500*time.Millisecond),
			MinBatchDelay:    getEnvDuration("BATCH_MIN_DELAY", 2*time.Second),
			MaxBatchDelay:    getEnvDuration("BATCH_MAX_DELAY", 5*time.Second),
			Cooldown:         getEnvDuration("BATCH_COOLDOWN", 10*time.Second),
			MaxCooldown:      getEnvDuration("BATCH_MAX_COOLDOWN", 60*time.Second),
			SuccessThreshold: getEnvFloat("BATCH_SUCCESS_THRESHOLD", 0.5),
			MaxRequeues:      getEnvInt("BATCH_MAX_REQUEUES", 2),
		},
		Queue: QueueConfig{
			DefaultSessionDuration: getEnvDuration("QUEUE_DEFAULT_SESSION_DURATION", 10*time.Minute),
			RefreshInterval:        getEnvDuration("QUEUE_REFRESH_INTERVAL", 30*time.Second),
			LockKey:                getEnv("QUEUE_LOCK_KEY", "scraper:active_session"),
			LockTTL:                getEnvDuration("QUEUE_LOCK_TTL", 2*time.Minute),
		},
		Checkpoint: CheckpointConfig{
			Backend: getEnv("CHECKPOINT_BACKEND", "redis"),
			Dir:     getEnv("CHECKPOINT_DIR", "checkpoints"),
			TTL:     getEnvDuration("CHECKPOINT_TTL", 7*24*time.Hour),
		},
		Events: EventsConfig{
			ProgressStream:     getEnv("EVENTS_PROGRESS_STREAM", "stream:scrape_progress"),
			StreamMaxLen:       int64(getEnvInt("EVENTS_STREAM_MAX_LEN", 10000)),
			MaxClients:         getEnvInt("EVENTS_MAX_CLIENTS", 100),
			RelayPollInterval:  getEnvDuration("RELAY_POLL_INTERVAL", 5*time.Second),
			RelayBatchSize:     getEnvInt("RELAY_BATCH_SIZE", 100),
			OutboxStreamMaxLen: int64(getEnvInt("RELAY_STREAM_MAX_LEN", 100000)),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Database.URL == "" && c.Database.Host == "" {
		errs = append(errs, errors.New("database host is required"))
	}
	if c.Database.URL == "" && c.Database.Name == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	if c.Scraper.MaxWorkers < 1 {
		errs = append(errs, errors.New("ORCH_MAX_WORKERS must be at least 1"))
	}
	if c.Scraper.MaxRetries < 1 {
		errs = append(errs, errors.New("SCRAPER_MAX_RETRIES must be at least 1"))
	}
	if c.Scraper.RateLimitMin > c.Scraper.RateLimitMax {
		errs = append(errs, errors.New("SCRAPER_RATE_LIMIT_MIN cannot be greater than SCRAPER_RATE_LIMIT_MAX"))
	}
	if c.Batch.MaxBatchSize < 1 {
		errs = append(errs, errors.New("BATCH_MAX_SIZE must be at least 1"))
	}
	if c.Batch.MinBatchDelay > c.Batch.MaxBatchDelay {
		errs = append(errs, errors.New("BATCH_MIN_DELAY cannot be greater than BATCH_MAX_DELAY"))
	}
	if c.Batch.SuccessThreshold < 0 || c.Batch.SuccessThreshold > 1 {
		errs = append(errs, errors.New("BATCH_SUCCESS_THRESHOLD must be between 0 and 1"))
	}
	switch c.Checkpoint.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("CHECKPOINT_BACKEND=redis requires REDIS_ADDR"))
		}
	case "file":
		if c.Checkpoint.Dir == "" {
			errs = append(errs, errors.New("CHECKPOINT_DIR is required for the file backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend: %q", c.Checkpoint.Backend))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
