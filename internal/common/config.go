package common

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Pipeline PipelineConfig
	Scraper  ScraperConfig
	LLM      LLMConfig
	Report   ReportConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Ingest   IngestConfig
	Log      LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // "postgres" or "sqlite"
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr    string
	MetricsAddr string
}

// PipelineConfig holds the retry, stall and scheduling policy.
type PipelineConfig struct {
	MaxRetries          int
	MaxAnalysisAttempts int
	StallTimeout        time.Duration
	PollInterval        time.Duration
	RetryBackoff        time.Duration
	RetryBackoffMax     time.Duration
	Workers             int
	QueueSize           int
	ProcessTimeout      time.Duration
	SweepSchedule       string
	SweepMinAge         time.Duration
	SweepBatch          int
	PlatformHostsFile   string
}

// ScraperConfig holds scraping collaborator configuration
type ScraperConfig struct {
	Mode          string // "remote" (async run API) or "direct" (in-process fetch)
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	UserAgent     string
}

// LLMConfig holds analysis collaborator configuration
type LLMConfig struct {
	Provider    string // "openai" or "anthropic"
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int64
	Timeout     time.Duration
}

// ReportConfig holds report rendering/storage configuration
type ReportConfig struct {
	Store         string // "fs" or "s3"
	Dir           string
	PublicBaseURL string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3UseSSL      bool
	Timeout       time.Duration
}

// RedisConfig holds the distributed lock backend; empty Addr means in-process locking.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// KafkaConfig holds the event publisher; no brokers means events are only logged.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// IngestConfig holds the URL-list inbox; empty Dir disables it.
type IngestConfig struct {
	Dir      string
	Debounce time.Duration
	SeenSize int
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			GRPCAddr:    getEnv("GRPC_ADDR", ":8080"),
			MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		},
		Pipeline: PipelineConfig{
			MaxRetries:          getEnvAsInt("PIPELINE_MAX_RETRIES", constants.DefaultMaxRetries),
			MaxAnalysisAttempts: getEnvAsInt("PIPELINE_MAX_ANALYSIS_ATTEMPTS", constants.DefaultMaxAnalysisAttempts),
			StallTimeout:        getEnvAsDuration("PIPELINE_STALL_TIMEOUT", 5*time.Minute),
			PollInterval:        getEnvAsDuration("PIPELINE_POLL_INTERVAL", 15*time.Second),
			RetryBackoff:        getEnvAsDuration("PIPELINE_RETRY_BACKOFF", 10*time.Second),
			RetryBackoffMax:     getEnvAsDuration("PIPELINE_RETRY_BACKOFF_MAX", 2*time.Minute),
			Workers:             getEnvAsInt("PIPELINE_WORKERS", 4),
			QueueSize:           getEnvAsInt("PIPELINE_QUEUE_SIZE", 256),
			ProcessTimeout:      getEnvAsDuration("PIPELINE_PROCESS_TIMEOUT", 5*time.Minute),
			SweepSchedule:       getEnv("PIPELINE_SWEEP_SCHEDULE", "@every 1m"),
			SweepMinAge:         getEnvAsDuration("PIPELINE_SWEEP_MIN_AGE", 30*time.Second),
			SweepBatch:          getEnvAsInt("PIPELINE_SWEEP_BATCH", 100),
			PlatformHostsFile:   getEnv("PLATFORM_HOSTS_FILE", ""),
		},
		Scraper: ScraperConfig{
			Mode:          getEnv("SCRAPER_MODE", "remote"),
			BaseURL:       getEnv("SCRAPER_BASE_URL", ""),
			APIKey:        getEnv("SCRAPER_API_KEY", ""),
			Timeout:       getEnvAsDuration("SCRAPER_TIMEOUT", 60*time.Second),
			RatePerSecond: getEnvAsFloat64("SCRAPER_RATE_PER_SECOND", 2),
			Burst:         getEnvAsInt("SCRAPER_BURST", 4),
			UserAgent:     getEnv("SCRAPER_USER_AGENT", "listing-diagnostics/1.0"),
		},
		LLM: LLMConfig{
			Provider:    getEnv("LLM_PROVIDER", "openai"),
			Model:       getEnv("LLM_MODEL", ""),
			APIKey:      getEnv("LLM_API_KEY", ""),
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			Temperature: getEnvAsFloat32("LLM_TEMPERATURE", 0.2),
			MaxTokens:   int64(getEnvAsInt("LLM_MAX_TOKENS", 4096)),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 90*time.Second),
		},
		Report: ReportConfig{
			Store:         getEnv("REPORT_STORE", "fs"),
			Dir:           getEnv("REPORT_DIR", "./reports"),
			PublicBaseURL: getEnv("REPORT_PUBLIC_BASE_URL", "http://localhost:8081/reports"),
			S3Endpoint:    getEnv("REPORT_S3_ENDPOINT", ""),
			S3AccessKey:   getEnv("REPORT_S3_ACCESS_KEY", ""),
			S3SecretKey:   getEnv("REPORT_S3_SECRET_KEY", ""),
			S3Bucket:      getEnv("REPORT_S3_BUCKET", "reports"),
			S3UseSSL:      getEnvAsBool("REPORT_S3_USE_SSL", true),
			Timeout:       getEnvAsDuration("REPORT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", 10*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "submission-events"),
		},
		Ingest: IngestConfig{
			Dir:      getEnv("INGEST_DIR", ""),
			Debounce: getEnvAsDuration("INGEST_DEBOUNCE", 2*time.Second),
			SeenSize: getEnvAsInt("INGEST_SEEN_SIZE", 1024),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("DB_DRIVER %q must be postgres or sqlite", c.Database.Driver), ErrInvalidInput)
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "LLM_API_KEY is required", ErrInvalidInput)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("LLM_PROVIDER %q must be openai or anthropic", c.LLM.Provider), ErrInvalidInput)
	}
	switch c.Scraper.Mode {
	case "remote":
		if c.Scraper.BaseURL == "" {
			return NewAppError("CONFIG_ERROR", "SCRAPER_BASE_URL is required in remote mode", ErrInvalidInput)
		}
	case "direct":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("SCRAPER_MODE %q must be remote or direct", c.Scraper.Mode), ErrInvalidInput)
	}
	if c.Report.Store == "s3" && c.Report.S3Endpoint == "" {
		return NewAppError("CONFIG_ERROR", "REPORT_S3_ENDPOINT is required for the s3 report store", ErrInvalidInput)
	}
	if c.Pipeline.MaxRetries <= 0 || c.Pipeline.MaxAnalysisAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "retry limits must be positive", ErrInvalidInput)
	}
	if c.Pipeline.StallTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_STALL_TIMEOUT must be positive", ErrInvalidInput)
	}
	// A collaborator call that outlives the stall timeout would race the stall recovery.
	if c.LLM.Timeout >= c.Pipeline.StallTimeout || c.Scraper.Timeout >= c.Pipeline.StallTimeout {
		return NewAppError("CONFIG_ERROR", "LLM_TIMEOUT and SCRAPER_TIMEOUT must be shorter than PIPELINE_STALL_TIMEOUT", ErrInvalidInput)
	}
	if c.Pipeline.RetryBackoffMax < c.Pipeline.RetryBackoff {
		return NewAppError("CONFIG_ERROR", "PIPELINE_RETRY_BACKOFF_MAX must not be below PIPELINE_RETRY_BACKOFF", ErrInvalidInput)
	}
	return nil
}

// NewLogger builds the process logger from LogConfig.
func NewLogger(cfg LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
