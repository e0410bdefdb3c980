// Package config loads service configuration from the environment (and an optional .env file).
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	CareAPIURL   string        `mapstructure:"CARE_API_URL"`
	HTTPTimeout  time.Duration `mapstructure:"HTTP_TIMEOUT"`
	CarePageSize int           `mapstructure:"CARE_PAGE_SIZE"`

	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	ServiceCredential string `mapstructure:"SERVICE_CREDENTIAL"`
	// ServiceToken, when set, replaces the stored credential on startup
	ServiceToken      string `mapstructure:"SERVICE_TOKEN"`

	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	NotificationTopic string   `mapstructure:"NOTIFICATION_TOPIC"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	CacheStaleAfter time.Duration `mapstructure:"CACHE_STALE_AFTER"`
	CacheDedupe     bool          `mapstructure:"CACHE_DEDUPE"`
	BreakerEnabled  bool          `mapstructure:"BREAKER_ENABLED"`

	ChartWorkers int      `mapstructure:"CHART_WORKERS"`
	ChartMaxDays int      `mapstructure:"CHART_MAX_DAYS"`
	Timezone     string   `mapstructure:"TIMEZONE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"CARE_API_URL", "HTTP_TIMEOUT", "CARE_PAGE_SIZE",
	"DATABASE_URL", "SERVICE_CREDENTIAL", "SERVICE_TOKEN",
	"KAFKA_BROKERS", "NOTIFICATION_TOPIC",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"CACHE_STALE_AFTER", "CACHE_DEDUPE", "BREAKER_ENABLED",
	"CHART_WORKERS", "CHART_MAX_DAYS", "TIMEZONE", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("CARE_PAGE_SIZE", 1000)
	v.SetDefault("SERVICE_CREDENTIAL", "mar-service")
	v.SetDefault("NOTIFICATION_TOPIC", "mar.notifications")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("CACHE_STALE_AFTER", "30s")
	v.SetDefault("CACHE_DEDUPE", true)
	v.SetDefault("BREAKER_ENABLED", true)
	v.SetDefault("CHART_WORKERS", 8)
	v.SetDefault("CHART_MAX_DAYS", 31)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("CORS_ORIGINS", "*")

	for _, key := range keys {
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. Validate has already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Level resolves LOG_LEVEL
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// NotificationsEnabled reports whether notifications go to Redpanda as well as the log
func (c *Config) NotificationsEnabled() bool { return len(c.KafkaBrokers) > 0 }

// StoreEnabled reports whether service credentials are read from Postgres
func (c *Config) StoreEnabled() bool { return c.DatabaseURL != "" }

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.ServiceToken != "" && c.DatabaseURL == "" {
		return fmt.Errorf("SERVICE_TOKEN requires DATABASE_URL")
	}
	if c.CareAPIURL == "" {
		return fmt.Errorf("CARE_API_URL is required")
	}
	u, err := url.Parse(c.CareAPIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CARE_API_URL must be an absolute URL, got %q", c.CareAPIURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("CARE_API_URL must use https in production")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.CacheStaleAfter < 0 {
		return fmt.Errorf("CACHE_STALE_AFTER must not be negative, got %s", c.CacheStaleAfter)
	}
	if c.ChartWorkers <= 0 {
		return fmt.Errorf("CHART_WORKERS must be positive, got %d", c.ChartWorkers)
	}
	if c.ChartMaxDays <= 0 {
		return fmt.Errorf("CHART_MAX_DAYS must be positive, got %d", c.ChartMaxDays)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q is not a known location: %w", c.Timezone, err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not valid: %w", c.LogLevel, err)
	}
	if c.NotificationsEnabled() && c.NotificationTopic == "" {
		return fmt.Errorf("NOTIFICATION_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// splitList flattens comma separated entries and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
