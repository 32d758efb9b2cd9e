// Package config loads the orchestrator's immutable runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Dedup prior-ordering policies.
const (
	DedupPriorAnyRun   = "any_run"
	DedupPriorEarliest = "earliest"
)

// Config holds all application configuration. It is built once by Load and
// passed by pointer; nothing mutates it afterwards.
type Config struct {
	App          AppConfig
	Server       ServerConfig
	Store        StoreConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Log          LogConfig
	RateLimit    RateLimitConfig
	Dispatcher   DispatcherConfig
	Scheduler    SchedulerConfig
	Reclaim      ReclaimConfig
	Webhook      WebhookConfig
	Progress     ProgressConfig
	Dedup        DedupConfig
	Executor     ExecutorConfig
	Asynq        AsynqConfig
	ScenarioFile string
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name string
	Env  string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodySize     int64
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration. Redis is optional; an empty Host
// disables the wakeup notifier, the shared dedupe set and asynq.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level             string
	Format            string
	SamplingEnabled   bool
	SamplingThreshold int
}

// RateLimitConfig holds per-IP API rate limiting configuration.
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration
}

// DispatcherConfig controls run claiming and execution.
type DispatcherConfig struct {
	Enabled           bool
	PollInterval      time.Duration
	WorkerConcurrency int
	WorkerID          string
	ExecutionTimeout  time.Duration
}

// SchedulerConfig controls cron triggering.
type SchedulerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
}

// ReclaimConfig controls the stale-run sweep. Disabled unless explicitly enabled.
type ReclaimConfig struct {
	Enabled    bool
	MaxRunning time.Duration
	Interval   time.Duration
	BatchSize  int
}

// WebhookConfig controls notification delivery.
type WebhookConfig struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	FailureThreshold int
	Timeout          time.Duration
	AllowPrivate     bool
	DedupeWindow     time.Duration
}

// ProgressConfig controls the SSE progress stream.
type ProgressConfig struct {
	PollInterval time.Duration
}

// DedupConfig selects how "prior" findings are determined.
type DedupConfig struct {
	PriorOrder string
}

// ExecutorConfig points at the remote test executor. An empty URL selects
// the built-in static executor.
type ExecutorConfig struct {
	URL     string
	Timeout time.Duration
}

// AsynqConfig controls background delivery of webhook events through asynq.
type AsynqConfig struct {
	Enabled     bool
	Concurrency int
	Queue       string
}

// Load reads configuration from the environment. A .env file in the working
// directory, or the file named by ENV_FILE, seeds variables that are not set.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		App: AppConfig{
			Name: getEnv("APP_NAME", "orchestrator"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 0), // SSE streams are long-lived
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodySize:     getEnvInt64("SERVER_MAX_BODY_SIZE", 1<<20),
			AllowedOrigins:  getEnvSlice("WS_ALLOWED_ORIGINS"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "orchestrator"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "orchestrator"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", ""),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
		},
		Log: LogConfig{
			Level:             getEnv("LOG_LEVEL", "info"),
			Format:            getEnv("LOG_FORMAT", "json"),
			SamplingEnabled:   getEnvBool("LOG_SAMPLING_ENABLED", false),
			SamplingThreshold: getEnvInt("LOG_SAMPLING_THRESHOLD", 100),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerSec:  getEnvFloat("RATE_LIMIT_RPS", 50),
			Burst:           getEnvInt("RATE_LIMIT_BURST", 100),
			CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP", time.Minute),
		},
		Dispatcher: DispatcherConfig{
			Enabled:           getEnvBool("DISPATCHER_ENABLED", true),
			PollInterval:      getEnvDuration("DISPATCHER_POLL_INTERVAL", 5*time.Second),
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
			WorkerID:          getEnv("WORKER_ID", hostname),
			ExecutionTimeout:  getEnvDuration("DISPATCHER_EXECUTION_TIMEOUT", 0),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getEnvBool("SCHEDULER_ENABLED", true),
			PollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getEnvInt("SCHEDULER_BATCH_SIZE", 50),
		},
		Reclaim: ReclaimConfig{
			Enabled:    getEnvBool("RECLAIM_ENABLED", false),
			MaxRunning: getEnvDuration("RECLAIM_MAX_RUNNING", time.Hour),
			Interval:   getEnvDuration("RECLAIM_INTERVAL", time.Minute),
			BatchSize:  getEnvInt("RECLAIM_BATCH_SIZE", 100),
		},
		Webhook: WebhookConfig{
			MaxAttempts:      getEnvInt("WEBHOOK_MAX_ATTEMPTS", 3),
			BackoffBase:      getEnvDuration("WEBHOOK_BACKOFF_BASE", time.Second),
			FailureThreshold: getEnvInt("WEBHOOK_FAILURE_THRESHOLD", 10),
			Timeout:          getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			AllowPrivate:     getEnvBool("WEBHOOK_ALLOW_PRIVATE", false),
			DedupeWindow:     getEnvDuration("WEBHOOK_DEDUPE_WINDOW", 10*time.Minute),
		},
		Progress: ProgressConfig{
			PollInterval: getEnvDuration("PROGRESS_POLL_INTERVAL", time.Second),
		},
		Dedup: DedupConfig{
			PriorOrder: strings.ToLower(getEnv("DEDUP_PRIOR_ORDER", DedupPriorAnyRun)),
		},
		Executor: ExecutorConfig{
			URL:     getEnv("EXECUTOR_URL", ""),
			Timeout: getEnvDuration("EXECUTOR_TIMEOUT", 30*time.Minute),
		},
		Asynq: AsynqConfig{
			Enabled:     getEnvBool("ASYNQ_ENABLED", false),
			Concurrency: getEnvInt("ASYNQ_CONCURRENCY", 10),
			Queue:       getEnv("ASYNQ_QUEUE", "notifications"),
		},
		ScenarioFile: getEnv("SCENARIOS_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() error {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if c.IsProduction() {
		return c.validateProduction()
	}
	return nil
}

func (c *Config) validateBasic() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if !slices.Contains([]string{StoreDriverPostgres, StoreDriverMemory}, c.Store.Driver) {
		return fmt.Errorf("invalid STORE_DRIVER: %s (must be postgres or memory)", c.Store.Driver)
	}
	if c.Store.Driver == StoreDriverPostgres && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if !slices.Contains([]string{"json", "text", ""}, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}
	if c.Asynq.Enabled && !c.RedisEnabled() {
		return fmt.Errorf("ASYNQ_ENABLED requires REDIS_HOST")
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("DISPATCHER_POLL_INTERVAL must be positive")
	}
	if c.Dispatcher.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Dispatcher.WorkerConcurrency)
	}
	if c.Dispatcher.WorkerID == "" {
		return fmt.Errorf("WORKER_ID is required")
	}
	if c.Scheduler.PollInterval <= 0 || c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler poll interval and batch size must be positive")
	}
	if c.Reclaim.Enabled && (c.Reclaim.MaxRunning <= 0 || c.Reclaim.Interval <= 0) {
		return fmt.Errorf("RECLAIM_MAX_RUNNING and RECLAIM_INTERVAL must be positive when reclaim is enabled")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.Webhook.MaxAttempts)
	}
	if c.Webhook.FailureThreshold < 1 {
		return fmt.Errorf("WEBHOOK_FAILURE_THRESHOLD must be at least 1, got %d", c.Webhook.FailureThreshold)
	}
	if c.Progress.PollInterval <= 0 {
		return fmt.Errorf("PROGRESS_POLL_INTERVAL must be positive")
	}
	if !slices.Contains([]string{DedupPriorAnyRun, DedupPriorEarliest}, c.Dedup.PriorOrder) {
		return fmt.Errorf("invalid DEDUP_PRIOR_ORDER: %s (must be any_run or earliest)", c.Dedup.PriorOrder)
	}
	return nil
}

func (c *Config) validateProduction() error {
	if c.Store.Driver != StoreDriverPostgres {
		return fmt.Errorf("memory store is not allowed in production")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("database password must be set in production")
	}
	if c.Webhook.AllowPrivate {
		return fmt.Errorf("WEBHOOK_ALLOW_PRIVATE must be false in production")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
