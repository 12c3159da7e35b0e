// Package config provides centralized configuration management for the
// service. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast
// on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Import   ImportConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// forwarding headers may be believed
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// QueueConfig holds durable work queue settings.
type QueueConfig struct {
	// Path is the SQLite file backing the work queue (default: queue.db)
	Path string `env:"QUEUE_PATH" default:"queue.db"`

	// ImportWorkers is the number of concurrent import workers (default: 2)
	ImportWorkers int `env:"QUEUE_IMPORT_WORKERS" default:"2"`

	// WebhookWorkers is the number of concurrent delivery workers (default: 4)
	WebhookWorkers int `env:"QUEUE_WEBHOOK_WORKERS" default:"4"`

	// PollInterval is the idle poll cadence for workers (default: 500ms)
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" default:"500ms"`

	// Lease is how long a dequeued item stays invisible (default: 5m)
	Lease time.Duration `env:"QUEUE_LEASE" default:"5m"`

	// ReapInterval is how often expired leases are returned to the
	// queue (default: 30s)
	ReapInterval time.Duration `env:"QUEUE_REAP_INTERVAL" default:"30s"`
}

// ImportConfig holds CSV import processing settings.
type ImportConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// BatchSize is the number of rows to upsert per batch (default: 1000)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"1000"`

	// UploadDir is where submitted files are spooled until a worker
	// picks them up (default: uploads)
	UploadDir string `env:"IMPORT_UPLOAD_DIR" default:"uploads"`
}

// WebhookConfig holds outbound delivery settings.
type WebhookConfig struct {
	// RetryBackoff is the base of the linear retry schedule; attempt n
	// is redelivered after RetryBackoff * (n+1) (default: 60s)
	RetryBackoff time.Duration `env:"WEBHOOK_RETRY_BACKOFF" default:"60s"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}
