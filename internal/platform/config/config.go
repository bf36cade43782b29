package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the research backend
type Config struct {
	Finnhub       FinnhubConfig       `mapstructure:"finnhub"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// FinnhubConfig holds market-data API and governor settings
type FinnhubConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Deduplication     bool          `mapstructure:"deduplication"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// OpenAIConfig holds chat-completion API settings
type OpenAIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether analyses can be generated
func (c OpenAIConfig) Enabled() bool {
	return c.APIKey != ""
}

// CacheConfig holds per-namespace cache settings and the warmup schedule
type CacheConfig struct {
	Quotes        NamespaceConfig `mapstructure:"quotes"`
	Profiles      NamespaceConfig `mapstructure:"profiles"`
	Analyses      NamespaceConfig `mapstructure:"analyses"`
	SweepInterval time.Duration   `mapstructure:"sweep_interval"`
	Watchlist     []string        `mapstructure:"watchlist"`
	WarmSchedule  string          `mapstructure:"warm_schedule"`
}

// NamespaceConfig sizes one cache namespace
type NamespaceConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load loads configuration from file and environment variables.
// FINNHUB_API_KEY overrides finnhub.api_key, and so on for every key.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Finnhub defaults (free tier: 60 calls/minute)
	v.SetDefault("finnhub.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("finnhub.api_key", "")
	v.SetDefault("finnhub.requests_per_minute", 60)
	v.SetDefault("finnhub.max_retries", 3)
	v.SetDefault("finnhub.max_backoff", "60s")
	v.SetDefault("finnhub.deduplication", true)
	v.SetDefault("finnhub.timeout", "10s")

	// OpenAI defaults
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.requests_per_minute", 20)
	v.SetDefault("openai.max_attempts", 3)
	v.SetDefault("openai.timeout", "60s")

	// Cache defaults
	v.SetDefault("cache.quotes.capacity", 500)
	v.SetDefault("cache.quotes.ttl", "60s")
	v.SetDefault("cache.profiles.capacity", 500)
	v.SetDefault("cache.profiles.ttl", "1h")
	v.SetDefault("cache.analyses.capacity", 200)
	v.SetDefault("cache.analyses.ttl", "5m")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.watchlist", []string{"AAPL", "MSFT", "NVDA"})
	v.SetDefault("cache.warm_schedule", "@every 30m")

	// Observability defaults
	v.SetDefault("observability.service_name", "quant-research")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")

	// HTTP defaults
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.request_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "10s")
}

// normalize canonicalizes values that come in loosely formatted
func (c *Config) normalize() {
	c.Observability.Logging.Level = strings.ToLower(c.Observability.Logging.Level)
	c.Observability.Logging.Format = strings.ToLower(c.Observability.Logging.Format)

	watchlist := make([]string, 0, len(c.Cache.Watchlist))
	for _, s := range c.Cache.Watchlist {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			watchlist = append(watchlist, s)
		}
	}
	c.Cache.Watchlist = watchlist
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Finnhub validation
	if c.Finnhub.APIKey == "" {
		return fmt.Errorf("finnhub API key is required")
	}
	if c.Finnhub.BaseURL == "" {
		return fmt.Errorf("finnhub base URL is required")
	}
	if c.Finnhub.RequestsPerMinute <= 0 {
		return fmt.Errorf("finnhub requests per minute must be > 0")
	}
	if c.Finnhub.MaxRetries < 0 {
		return fmt.Errorf("finnhub max retries must be >= 0")
	}

	// OpenAI validation
	if c.OpenAI.Enabled() && c.OpenAI.RequestsPerMinute <= 0 {
		return fmt.Errorf("openai requests per minute must be > 0")
	}

	// Cache validation
	for name, ns := range map[string]NamespaceConfig{
		"quotes":   c.Cache.Quotes,
		"profiles": c.Cache.Profiles,
		"analyses": c.Cache.Analyses,
	} {
		if ns.Capacity <= 0 {
			return fmt.Errorf("cache %s capacity must be > 0", name)
		}
		if ns.TTL <= 0 {
			return fmt.Errorf("cache %s ttl must be > 0", name)
		}
	}
	if c.Cache.WarmSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.WarmSchedule); err != nil {
			return fmt.Errorf("invalid cache warm schedule %q: %w", c.Cache.WarmSchedule, err)
		}
	}

	// Observability validation
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	// HTTP validation
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}

	return nil
}
