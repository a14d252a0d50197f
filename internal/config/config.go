// Package config loads jrow's server configuration from environment
// variables (optionally seeded from a .env file), validates it, and
// exposes it for structured startup logging.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env:        environment variable name
//	envDefault: value applied when the variable is unset
type Config struct {
	// Server basics
	Addr        string `env:"JROW_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"JROW_METRICS_ADDR" envDefault:":9090"`
	StorePath   string `env:"JROW_STORE_PATH" envDefault:"./data/jrow.db"`

	// Resource limits (from container, see internal/platform)
	CPULimit    float64 `env:"JROW_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"JROW_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Capacity
	MaxConnections int `env:"JROW_MAX_CONNECTIONS" envDefault:"0"` // 0 = derive from MemoryLimit, see internal/platform
	ConnSendBuffer int `env:"JROW_CONN_SEND_BUFFER" envDefault:"1024"`

	// Batch processing (C7)
	BatchMaxSize int    `env:"JROW_BATCH_MAX_SIZE" envDefault:"100"` // 0 = unlimited
	BatchMode    string `env:"JROW_BATCH_MODE" envDefault:"parallel"`

	// Worker pool (A5) sizing the publish fanout and parallel batch dispatch
	WorkerCount    int `env:"JROW_WORKER_COUNT" envDefault:"0"` // 0 = runtime.GOMAXPROCS(0)*4
	WorkerQueueLen int `env:"JROW_WORKER_QUEUE_LEN" envDefault:"4096"`

	// Rate limiting (A6)
	MsgRatePerSec     float64       `env:"JROW_MSG_RATE_PER_SEC" envDefault:"50"`
	MsgRateBurst      int           `env:"JROW_MSG_RATE_BURST" envDefault:"100"`
	AcceptIPBurst     int           `env:"JROW_ACCEPT_IP_BURST" envDefault:"10"`
	AcceptIPRate      float64       `env:"JROW_ACCEPT_IP_RATE" envDefault:"1.0"`
	AcceptIPTTL       time.Duration `env:"JROW_ACCEPT_IP_TTL" envDefault:"5m"`
	AcceptGlobalBurst int           `env:"JROW_ACCEPT_GLOBAL_BURST" envDefault:"300"`
	AcceptGlobalRate  float64       `env:"JROW_ACCEPT_GLOBAL_RATE" envDefault:"50.0"`

	// CPU safety thresholds, relative to container CPU allocation (see
	// internal/platform). Non-containerized deployments fall back to host
	// CPU percentage.
	CPURejectThreshold float64 `env:"JROW_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"JROW_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Durable storage retention (C10)
	RetentionInterval           time.Duration `env:"JROW_RETENTION_INTERVAL" envDefault:"1m"`
	PersistentInactivityTimeout time.Duration `env:"JROW_PERSISTENT_INACTIVITY_TIMEOUT" envDefault:"0"` // 0 = disabled

	// Monitoring
	MetricsInterval time.Duration `env:"JROW_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"JROW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"JROW_LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"JROW_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, with environment variables taking priority, then validates
// the result. logger may be nil, in which case only the missing-.env notice
// is printed, to stdout; the other status messages are skipped.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		} else {
			fmt.Println("info: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated")
	}
	return cfg, nil
}

var validBatchModes = map[string]bool{"parallel": true, "sequential": true}
var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"json": true, "console": true}

// Validate checks configuration for internally inconsistent or out-of-range
// values that env.Parse's type coercion can't catch on its own.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("JROW_ADDR is required")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("JROW_MAX_CONNECTIONS must be >= 0, got %d", c.MaxConnections)
	}
	if c.ConnSendBuffer < 1 {
		return fmt.Errorf("JROW_CONN_SEND_BUFFER must be > 0, got %d", c.ConnSendBuffer)
	}
	if c.BatchMaxSize < 0 {
		return fmt.Errorf("JROW_BATCH_MAX_SIZE must be >= 0, got %d", c.BatchMaxSize)
	}
	if !validBatchModes[c.BatchMode] {
		return fmt.Errorf("JROW_BATCH_MODE must be one of: parallel, sequential (got: %s)", c.BatchMode)
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("JROW_WORKER_COUNT must be >= 0, got %d", c.WorkerCount)
	}
	if c.WorkerQueueLen < 1 {
		return fmt.Errorf("JROW_WORKER_QUEUE_LEN must be > 0, got %d", c.WorkerQueueLen)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("JROW_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("JROW_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("JROW_CPU_PAUSE_THRESHOLD (%.1f) must be >= JROW_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("JROW_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("JROW_LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a single structured log
// line, for correlating behavior with the settings a given process
// started under.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("metrics_addr", c.MetricsAddr).
		Str("store_path", c.StorePath).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_connections", c.MaxConnections).
		Int("conn_send_buffer", c.ConnSendBuffer).
		Int("batch_max_size", c.BatchMaxSize).
		Str("batch_mode", c.BatchMode).
		Int("worker_count", c.WorkerCount).
		Int("worker_queue_len", c.WorkerQueueLen).
		Float64("msg_rate_per_sec", c.MsgRatePerSec).
		Int("msg_rate_burst", c.MsgRateBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("retention_interval", c.RetentionInterval).
		Dur("persistent_inactivity_timeout", c.PersistentInactivityTimeout).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

// NewLogger builds the process-wide zerolog.Logger per LogLevel/LogFormat,
// defaulting to JSON output suitable for log aggregation and switching to
// zerolog's console writer for local development.
func NewLogger(cfg *Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger.Level(level), nil
}
