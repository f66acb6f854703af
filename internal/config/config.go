// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory; environment variables
// take precedence. A .env file is loaded first when present.
//
// Handlers never hold a Config directly — they read a snapshot from a Store
// on every request, so configuration changes apply to the next request
// without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. 0 selects a port
	// automatically: the preferred list is tried first, then the OS assigns
	// one. Default: 0.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Backend selects the upstream invoker: anthropic, openai, or gemini.
	// Default: openai.
	Backend string

	// API keys for the selectable backends. Only the selected backend's key
	// is required.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	// BackendBaseURL overrides the selected backend's API endpoint.
	// Useful for local mocks. Ignored by the gemini backend.
	BackendBaseURL string

	// Timeout is the per-request wall-clock budget for one backend
	// invocation, streaming included. Default: 300s.
	Timeout time.Duration

	// MaxRetries bounds retry attempts for retryable backend failures on the
	// buffered path. Values below 1 fall back to the queue's default of 3.
	// Default: 3.
	MaxRetries int

	// MaxConcurrent bounds how many buffered backend invocations run at
	// once. Streaming requests are not subject to this limit. Default: 3.
	MaxConcurrent int

	// Cache controls the buffered-response cache.
	Cache CacheConfig

	// RateLimit controls the optional global requests-per-minute limit.
	RateLimit RateLimitConfig

	// Redis holds the connection URL for the rate limiter backend.
	// Required only when RateLimit.RPMLimit > 0.
	Redis RedisConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] (default)
	// allows any origin.
	CORSOrigins []string

	// Models overrides the served model catalog with the given model IDs.
	// Empty (default) serves the selected backend's default catalog.
	Models []string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled toggles buffered-response caching. Default: true.
	Enabled bool

	// MaxAge is the per-entry time-to-live. Default: 5m.
	MaxAge time.Duration

	// MaxBytes is the total estimated-size budget. Default: 50 MiB.
	MaxBytes int
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// PreferredPorts is tried in order when Port is 0 before falling back to an
// OS-assigned port.
var PreferredPorts = []int{8787, 8788, 8789, 8790}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BACKEND", "openai")
	v.SetDefault("TIMEOUT", "300s")
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("MAX_CONCURRENT", 3)
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MAX_AGE", "5m")
	v.SetDefault("CACHE_MAX_BYTES", 50*1024*1024)
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Backend:  strings.ToLower(v.GetString("BACKEND")),

		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		GeminiAPIKey:    v.GetString("GOOGLE_API_KEY"),
		BackendBaseURL:  v.GetString("BACKEND_BASE_URL"),

		Timeout:       v.GetDuration("TIMEOUT"),
		MaxRetries:    v.GetInt("MAX_RETRIES"),
		MaxConcurrent: v.GetInt("MAX_CONCURRENT"),

		Cache: CacheConfig{
			Enabled:  v.GetBool("CACHE_ENABLED"),
			MaxAge:   v.GetDuration("CACHE_MAX_AGE"),
			MaxBytes: v.GetInt("CACHE_MAX_BYTES"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		Models:      v.GetStringSlice("MODELS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Backend {
	case "anthropic", "openai", "gemini":
	default:
		return fmt.Errorf("config: invalid BACKEND %q; must be one of: anthropic, openai, gemini", c.Backend)
	}

	if c.BackendKey() == "" {
		return fmt.Errorf("config: backend %q selected but its API key is empty "+
			"(set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GOOGLE_API_KEY to match BACKEND)", c.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("config: TIMEOUT must be a positive duration")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.Cache.MaxBytes < 1 {
		return fmt.Errorf("config: CACHE_MAX_BYTES must be >= 1, got %d", c.Cache.MaxBytes)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	return nil
}

// BackendKey returns the API key for the selected backend.
func (c *Config) BackendKey() string {
	switch c.Backend {
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return c.OpenAIAPIKey
	}
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
