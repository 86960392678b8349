package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv, fills defaults and
// validates the result.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadStruct walks nested structs and sets every field carrying an env tag.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fv, getenv); err != nil {
				return err
			}
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}

		value := getenv(name)
		if alt := field.Tag.Get("envAlt"); value == "" && alt != "" {
			value = getenv(alt)
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", name)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fv, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, value, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, value string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		fv.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		fv.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type: %s", fv.Kind())
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, name+" must be positive")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	positive("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout > 0)

	// Database
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	positive("DB_MAX_CONNS", c.Database.MaxConns > 0)
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	// Redis
	if u, err := url.Parse(c.Redis.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		errs = append(errs, fmt.Sprintf("REDIS_URL (%q) must be a redis:// or rediss:// URL", c.Redis.URL))
	}
	positive("STATUS_TTL", c.Redis.StatusTTL > 0)

	// Upload and import
	if strings.TrimSpace(c.Upload.Dir) == "" {
		errs = append(errs, "UPLOAD_DIR must not be empty")
	}
	positive("UPLOAD_MAX_FILE_SIZE", c.Upload.MaxFileSize > 0)
	if c.Upload.SweepInterval < 0 {
		errs = append(errs, "UPLOAD_SWEEP_INTERVAL must be non-negative")
	}
	if c.Upload.SweepInterval > 0 {
		positive("UPLOAD_RETENTION", c.Upload.Retention > 0)
	}
	positive("IMPORT_BATCH_SIZE", c.Import.BatchSize > 0)
	positive("IMPORT_PROGRESS_ROWS", c.Import.ProgressRows > 0)
	positive("IMPORT_PROGRESS_INTERVAL", c.Import.ProgressInterval > 0)
	positive("IMPORT_WORKERS", c.Import.Workers > 0)
	positive("IMPORT_MAX_ATTEMPTS", c.Import.MaxAttempts > 0)
	positive("IMPORT_POLL_TIMEOUT", c.Import.PollTimeout > 0)

	// Relay and webhooks
	positive("RELAY_IDLE_TIMEOUT", c.Relay.IdleTimeout > 0)
	positive("WEBHOOK_WORKERS", c.Webhook.Workers > 0)
	positive("WEBHOOK_QUEUE_SIZE", c.Webhook.QueueSize > 0)
	positive("WEBHOOK_TIMEOUT", c.Webhook.Timeout > 0)
	positive("WEBHOOK_MAX_IN_FLIGHT", c.Webhook.MaxInFlight > 0)
	if c.Webhook.RatePerSecond < 0 {
		errs = append(errs, "WEBHOOK_RATE_PER_SECOND must be non-negative")
	}
	if c.Webhook.RatePerSecond > 0 && c.Webhook.Burst <= 0 {
		errs = append(errs, "WEBHOOK_BURST must be positive when WEBHOOK_RATE_PER_SECOND is set")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String renders the config for logs with connection strings masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Addr: %q}, ", c.Server.Addr())
	fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ", c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Redis: {URL: [MASKED], StatusTTL: %s}, ", c.Redis.StatusTTL)
	fmt.Fprintf(&b, "Import: {BatchSize: %d, Workers: %d, MaxAttempts: %d}, ", c.Import.BatchSize, c.Import.Workers, c.Import.MaxAttempts)
	fmt.Fprintf(&b, "Webhook: {Workers: %d, MaxInFlight: %d, RatePerSecond: %g}, ", c.Webhook.Workers, c.Webhook.MaxInFlight, c.Webhook.RatePerSecond)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
