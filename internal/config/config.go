// Package config loads the importer's settings from environment variables,
// applies defaults and validates everything once at startup.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Upload   UploadConfig
	Import   ImportConfig
	Relay    RelayConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout covers reading the request, including upload bodies.
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout stays zero so progress streams are not cut off.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// TrustedProxies is a comma-separated list of CIDRs or IPs whose
	// X-Real-IP and X-Forwarded-For headers are honored.
	TrustedProxies string `env:"SERVER_TRUSTED_PROXIES"`
}

// DatabaseConfig holds Postgres pool settings.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL" envAlt:"DATABASE_PRIVATE_URL" required:"true"`
	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RedisConfig holds the broker connection; it carries the job queue,
// progress channels and cached status.
type RedisConfig struct {
	URL string `env:"REDIS_URL" envAlt:"REDIS_PRIVATE_URL" default:"redis://localhost:6379/0"`

	// StatusTTL is how long the last snapshot of a job stays readable.
	StatusTTL time.Duration `env:"STATUS_TTL" default:"1h"`
}

// UploadConfig holds upload persistence settings.
type UploadConfig struct {
	Dir         string `env:"UPLOAD_DIR" default:"uploads"`
	MaxFileSize int64  `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// Inputs of failed jobs stay on disk until they are older than
	// Retention. A zero SweepInterval disables sweeping.
	Retention     time.Duration `env:"UPLOAD_RETENTION" default:"24h"`
	SweepInterval time.Duration `env:"UPLOAD_SWEEP_INTERVAL" default:"1h"`
}

// ImportConfig tunes the pipeline and its worker pool.
type ImportConfig struct {
	BatchSize        int           `env:"IMPORT_BATCH_SIZE" default:"1000"`
	ProgressRows     int           `env:"IMPORT_PROGRESS_ROWS" default:"100"`
	ProgressInterval time.Duration `env:"IMPORT_PROGRESS_INTERVAL" default:"500ms"`
	Workers          int           `env:"IMPORT_WORKERS" default:"2"`

	// MaxAttempts of 1 disables retries.
	MaxAttempts int           `env:"IMPORT_MAX_ATTEMPTS" default:"1"`
	PollTimeout time.Duration `env:"IMPORT_POLL_TIMEOUT" default:"5s"`
}

// RelayConfig holds progress stream settings.
type RelayConfig struct {
	IdleTimeout time.Duration `env:"RELAY_IDLE_TIMEOUT" default:"30s"`
}

// WebhookConfig holds change-event delivery settings.
type WebhookConfig struct {
	Workers     int           `env:"WEBHOOK_WORKERS" default:"4"`
	QueueSize   int           `env:"WEBHOOK_QUEUE_SIZE" default:"10000"`
	Timeout     time.Duration `env:"WEBHOOK_TIMEOUT" default:"10s"`
	MaxInFlight int           `env:"WEBHOOK_MAX_IN_FLIGHT" default:"16"`

	// RatePerSecond of zero means unlimited.
	RatePerSecond float64 `env:"WEBHOOK_RATE_PER_SECOND" default:"0"`
	Burst         int     `env:"WEBHOOK_BURST" default:"10"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TrustedProxyList splits TrustedProxies, dropping empty entries.
func (c *ServerConfig) TrustedProxyList() []string {
	var out []string
	for _, p := range strings.Split(c.TrustedProxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
