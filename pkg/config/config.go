// Package config loads the operational knobs: defaults, then an optional
// YAML profile named by BILLSTREAM_CONFIG, then environment overrides.
// Validation is fail-fast; a process with a bad profile never starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RetentionForever is the only accepted log retention. The event log is the
// source of truth; nothing may expire out of it.
const RetentionForever = "forever"

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogConfig covers the event log.
type LogConfig struct {
	Retention string `yaml:"retention"`
}

// RouterConfig covers the command router.
type RouterConfig struct {
	CacheSize       int `yaml:"cacheSize"`
	RetryOnConflict int `yaml:"retryOnConflict"`
	AppendRetries   int `yaml:"appendRetries"`
}

// ConsumerConfig covers one named log consumer.
type ConsumerConfig struct {
	BatchSize    int `yaml:"batchSize"`
	PoisonBudget int `yaml:"poisonBudget"`
}

// OcrConfig covers the OCR adapter.
type OcrConfig struct {
	URL            string   `yaml:"url"`
	Timeout        Duration `yaml:"timeout"`
	Attempts       int      `yaml:"attempts"`
	MaxAutoRetries int      `yaml:"maxAutoRetries"`
}

// BlobConfig covers the blob adapter. Driver selects the backend; the
// driver-specific fields are ignored by the other drivers.
type BlobConfig struct {
	Driver  string   `yaml:"driver"` // file, s3, gcs, memory
	Timeout Duration `yaml:"timeout"`

	// file driver
	Root string `yaml:"root"`

	// s3 driver
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// SMTPConfig covers the notification adapter. An empty Addr selects the
// log-only notifier.
type SMTPConfig struct {
	Addr       string   `yaml:"addr"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
	Timeout    Duration `yaml:"timeout"`
}

// FileConfig bounds accepted uploads.
type FileConfig struct {
	MaxBytes            int64    `yaml:"maxBytes"`
	AllowedContentTypes []string `yaml:"allowedContentTypes"`
}

// QueryConfig covers the read side.
type QueryConfig struct {
	PresignTTL Duration `yaml:"presignTTL"`
}

// HTTPConfig covers the intake surface.
type HTTPConfig struct {
	Addr           string  `yaml:"addr"`
	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
}

// OtelConfig covers telemetry export.
type OtelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}

// Config is the full operational configuration.
type Config struct {
	Log       LogConfig                 `yaml:"log"`
	Router    RouterConfig              `yaml:"router"`
	Consumers map[string]ConsumerConfig `yaml:"consumer"`
	Ocr       OcrConfig                 `yaml:"ocr"`
	Blob      BlobConfig                `yaml:"blob"`
	SMTP      SMTPConfig                `yaml:"smtp"`
	File      FileConfig                `yaml:"file"`
	Query     QueryConfig               `yaml:"query"`
	HTTP      HTTPConfig                `yaml:"http"`
	Otel      OtelConfig                `yaml:"otel"`

	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`
	// DataDir holds the SQLite files and local blobs in lite mode.
	DataDir string `yaml:"dataDir"`
}

// Default returns the configuration every knob falls back to.
func Default() *Config {
	return &Config{
		Log: LogConfig{Retention: RetentionForever},
		Router: RouterConfig{
			CacheSize:       1024,
			RetryOnConflict: 3,
			AppendRetries:   3,
		},
		Ocr: OcrConfig{
			Timeout:        Duration(30 * time.Second),
			Attempts:       3,
			MaxAutoRetries: 3,
		},
		Blob: BlobConfig{
			Driver:  "file",
			Timeout: Duration(10 * time.Second),
		},
		SMTP: SMTPConfig{Timeout: Duration(10 * time.Second)},
		File: FileConfig{
			MaxBytes:            10 << 20,
			AllowedContentTypes: []string{"application/pdf", "image/png", "image/jpeg", "image/tiff"},
		},
		Query: QueryConfig{PresignTTL: Duration(15 * time.Minute)},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Otel:    OtelConfig{SampleRate: 1},
		DataDir: "data",
	}
}

// Load builds the configuration from defaults, the YAML profile named by
// BILLSTREAM_CONFIG (if set), and environment overrides, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("BILLSTREAM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config profile: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config profile %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setString("LOG_RETENTION", &c.Log.Retention)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("REDIS_URL", &c.RedisURL)
	setString("OCR_SERVICE_URL", &c.Ocr.URL)
	setString("HTTP_ADDR", &c.HTTP.Addr)
	setString("BLOB_DRIVER", &c.Blob.Driver)
	setString("SMTP_ADDR", &c.SMTP.Addr)
	setString("DATA_DIR", &c.DataDir)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Otel.Endpoint)

	for name, dst := range map[string]*int{
		"ROUTER_CACHE_SIZE":        &c.Router.CacheSize,
		"ROUTER_RETRY_ON_CONFLICT": &c.Router.RetryOnConflict,
	} {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s must be an integer: %w", name, err)
			}
			*dst = n
		}
	}
	if v := os.Getenv("FILE_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FILE_MAX_BYTES must be an integer: %w", err)
		}
		c.File.MaxBytes = n
	}
	return nil
}

// Validate rejects configurations the process must not start with.
func (c *Config) Validate() error {
	if c.Log.Retention != RetentionForever {
		return fmt.Errorf("log.retention must be %q, got %q", RetentionForever, c.Log.Retention)
	}
	if c.Router.CacheSize <= 0 {
		return fmt.Errorf("router.cacheSize must be positive, got %d", c.Router.CacheSize)
	}
	if c.Router.RetryOnConflict < 0 || c.Router.AppendRetries < 0 {
		return fmt.Errorf("router retry counts must not be negative")
	}
	switch c.Blob.Driver {
	case "file", "s3", "gcs", "memory":
	default:
		return fmt.Errorf("blob.driver must be one of file, s3, gcs, memory; got %q", c.Blob.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required for the s3 driver")
	}
	if c.Blob.Driver == "gcs" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required for the gcs driver")
	}
	if c.File.MaxBytes <= 0 {
		return fmt.Errorf("file.maxBytes must be positive, got %d", c.File.MaxBytes)
	}
	if c.Ocr.Attempts < 1 {
		return fmt.Errorf("ocr.attempts must be at least 1, got %d", c.Ocr.Attempts)
	}
	if c.Ocr.MaxAutoRetries < 0 {
		return fmt.Errorf("ocr.maxAutoRetries must not be negative, got %d", c.Ocr.MaxAutoRetries)
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("http.rateLimitRPS must not be negative")
	}
	for name, consumer := range c.Consumers {
		if consumer.BatchSize < 0 || consumer.PoisonBudget < 0 {
			return fmt.Errorf("consumer.%s values must not be negative", name)
		}
	}
	return nil
}

// Lite reports whether the process runs without Postgres, on local SQLite
// files under DataDir.
func (c *Config) Lite() bool { return c.DatabaseURL == "" }

// Consumer returns the named consumer's settings with defaults filled in.
func (c *Config) Consumer(name string) ConsumerConfig {
	settings := c.Consumers[name]
	if settings.BatchSize == 0 {
		settings.BatchSize = 1
	}
	if settings.PoisonBudget == 0 {
		settings.PoisonBudget = 5
	}
	return settings
}
