// Package config loads and validates worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Diff        DiffConfig        `mapstructure:"diff"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Events      EventsConfig      `mapstructure:"events"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" validate:"required"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1"`
}

// WorkerConfig governs claiming and processing.
type WorkerConfig struct {
	BatchSize      int           `mapstructure:"batch_size" validate:"gte=1"`
	PollIntervalMS int           `mapstructure:"poll_interval_ms" validate:"gte=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=1"`
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout" validate:"gt=0"`
}

// FetchConfig bounds page retrieval.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes" validate:"gte=1"`
	UserAgent      string        `mapstructure:"user_agent" validate:"required"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" validate:"gte=1"`
}

// DiffConfig bounds the stored diff artifacts, in characters.
type DiffConfig struct {
	WindowChars          int `mapstructure:"window_chars" validate:"gte=1"`
	ExcerptChars         int `mapstructure:"excerpt_chars" validate:"gte=1"`
	FallbackExcerptChars int `mapstructure:"fallback_excerpt_chars" validate:"gte=1"`
}

// ArchiveConfig selects where raw HTML is kept.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider" validate:"oneof=none memory local gcs"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir" validate:"required_if=Provider local"`
	GCSBucket string `mapstructure:"gcs_bucket" validate:"required_if=Provider gcs"`
}

// EventsConfig selects the change-event fan-out.
type EventsConfig struct {
	Provider  string `mapstructure:"provider" validate:"oneof=none memory pubsub"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Provider pubsub"`
	Topic     string `mapstructure:"topic" validate:"required_unless=Provider none"`
}

// MaintenanceConfig holds the cron specs of the housekeeping tasks.
type MaintenanceConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ReclaimSchedule string `mapstructure:"reclaim_schedule"`
	EnqueueSchedule string `mapstructure:"enqueue_schedule"`
	PurgeSchedule   string `mapstructure:"purge_schedule"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig configures zap and the optional rotating file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"gte=0"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	Exporter    string  `mapstructure:"exporter" validate:"oneof=none gcp"`
	ProjectID   string  `mapstructure:"project_id" validate:"required_if=Exporter gcp"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// PollInterval returns the idle sleep between empty claims.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// legacyEnv maps config keys to the unprefixed variable names deployments already use.
var legacyEnv = map[string]string{
	"database.url":            "DATABASE_URL",
	"worker.batch_size":       "WORKER_BATCH_SIZE",
	"worker.poll_interval_ms": "WORKER_POLL_INTERVAL_MS",
	"worker.max_attempts":     "WORKER_MAX_ATTEMPTS",
}

// LoadDotEnv loads variables from the given .env files. Missing files are skipped and
// variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "PAGEWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("worker.batch_size", 5)
	v.SetDefault("worker.poll_interval_ms", 5000)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.lease_timeout", "15m")
	v.SetDefault("fetch.timeout", "12s")
	v.SetDefault("fetch.max_body_bytes", 1_500_000)
	v.SetDefault("fetch.user_agent", "PagewatchMonitor/0.1 (+https://github.com/JakeFAU/pagewatch)")
	v.SetDefault("fetch.rate_limit_rps", 0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("diff.window_chars", 480)
	v.SetDefault("diff.excerpt_chars", 600)
	v.SetDefault("diff.fallback_excerpt_chars", 400)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "html")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("events.provider", "none")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "")
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.reclaim_schedule", "@every 1m")
	v.SetDefault("maintenance.enqueue_schedule", "@every 1m")
	v.SetDefault("maintenance.purge_schedule", "@hourly")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "pagewatch")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		key := strings.TrimPrefix(e.Namespace(), "Config.")
		msg := fmt.Sprintf("%s failed %q", key, e.Tag())
		if e.Param() != "" {
			msg += fmt.Sprintf(" (%s)", e.Param())
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
