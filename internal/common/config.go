package common

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Server   ServerConfig
	Redis    RedisConfig
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

// QueueConfig holds the coordination parameters shared by every worker.
type QueueConfig struct {
	MaxAttempts      int
	LeaseTimeout     time.Duration
	SweepInterval    time.Duration
	BatchSize        int
	ReviewConfidence float64
	PermanentBypass  bool
	PromoteBatch     int
}

// WorkerConfig holds worker-process configuration
type WorkerConfig struct {
	ID               string
	Concurrency      int
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	ExtractorCmd     string
	ExtractorTimeout time.Duration
	ArtifactDir      string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
}

// RedisConfig configures the optional wake-up channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	QueueKey string
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is applied first when present.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Queue: QueueConfig{
			MaxAttempts:      getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			LeaseTimeout:     getEnvAsDuration("QUEUE_LEASE_TIMEOUT", 180*time.Second),
			SweepInterval:    getEnvAsDuration("QUEUE_SWEEP_INTERVAL", 30*time.Second),
			BatchSize:        getEnvAsInt("QUEUE_BATCH_SIZE", 1),
			ReviewConfidence: getEnvAsFloat64("QUEUE_REVIEW_CONFIDENCE", 0.6),
			PermanentBypass:  getEnvAsBool("QUEUE_PERMANENT_BYPASS", true),
			PromoteBatch:     getEnvAsInt("QUEUE_PROMOTE_BATCH", 500),
		},
		Worker: WorkerConfig{
			ID:               getEnv("WORKER_ID", ""),
			Concurrency:      getEnvAsInt("WORKER_CONCURRENCY", 4),
			PollInterval:     getEnvAsDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			MaxBackoff:       getEnvAsDuration("WORKER_MAX_BACKOFF", 30*time.Second),
			ExtractorCmd:     getEnv("EXTRACTOR_CMD", ""),
			ExtractorTimeout: getEnvAsDuration("EXTRACTOR_TIMEOUT", 2*time.Minute),
			ArtifactDir:      getEnv("ARTIFACT_DIR", "./artifacts"),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8081"),
			GRPCAddr: getEnv("GRPC_ADDR", ":8080"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			QueueKey: getEnv("REDIS_QUEUE_KEY", "tender:wake"),
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

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
		}
	case "sqlite":
		// an empty DSN selects an in-memory database
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Queue.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "QUEUE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	if c.Queue.LeaseTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "QUEUE_LEASE_TIMEOUT must be positive", ErrInvalidInput)
	}
	if c.Queue.SweepInterval <= 0 {
		return NewAppError("CONFIG_ERROR", "QUEUE_SWEEP_INTERVAL must be positive", ErrInvalidInput)
	}
	if c.Queue.BatchSize < 1 {
		return NewAppError("CONFIG_ERROR", "QUEUE_BATCH_SIZE must be at least 1", ErrInvalidInput)
	}
	if c.Queue.ReviewConfidence < 0 || c.Queue.ReviewConfidence > 1 {
		return NewAppError("CONFIG_ERROR", "QUEUE_REVIEW_CONFIDENCE must be within [0, 1]", ErrInvalidInput)
	}
	if c.Worker.Concurrency < 1 {
		return NewAppError("CONFIG_ERROR", "WORKER_CONCURRENCY must be at least 1", ErrInvalidInput)
	}
	if c.Worker.PollInterval <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_POLL_INTERVAL must be positive", ErrInvalidInput)
	}
	return nil
}

// NewLogger builds the process logger from LogConfig.
func NewLogger(c LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
