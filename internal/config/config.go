// Package config loads the service configuration.
//
// Loading order, lowest to highest priority:
//  1. Defaults (in code)
//  2. YAML file, if a path is given
//  3. BIFMON_* environment variables
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/alexshd/bifmon"
)

var validate = validator.New()

// Config is the full service configuration.
type Config struct {
	Monitor    MonitorConfig    `yaml:"monitor"`
	Compressor string           `yaml:"compressor" validate:"oneof=deflate gzip zlib zstd shannon"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Watch      WatchConfig      `yaml:"watch"`
	LogLevel   string           `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// MonitorConfig mirrors bifmon.Config.
type MonitorConfig struct {
	WindowSize         int     `yaml:"window_size" validate:"min=1,max=1000"`
	CriticalThreshold  float64 `yaml:"critical_threshold" validate:"gt=0"`
	CriticalMultiplier float64 `yaml:"critical_multiplier" validate:"gte=1"`
	MinBaseline        int     `yaml:"min_baseline" validate:"min=1"`
}

// ExtractionConfig selects the entity extraction chain.
type ExtractionConfig struct {
	Provider  string        `yaml:"provider" validate:"oneof=none anthropic openai groq deepinfra custom gemini"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"`
	MaxTokens int           `yaml:"max_tokens" validate:"min=0"`
	Timeout   time.Duration `yaml:"timeout" validate:"min=0"`
	CacheSize int           `yaml:"cache_size" validate:"min=0"`
	CacheTTL  time.Duration `yaml:"cache_ttl" validate:"min=0"`
	Breaker   bool          `yaml:"breaker"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"min=1"`
}

// StoreConfig configures the event journal. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WatchConfig configures directory ingestion.
type WatchConfig struct {
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce" validate:"min=0"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	m := bifmon.DefaultConfig()
	return &Config{
		Monitor: MonitorConfig{
			WindowSize:         m.WindowSize,
			CriticalThreshold:  m.CriticalThreshold,
			CriticalMultiplier: m.CriticalMultiplier,
			MinBaseline:        m.MinBaseline,
		},
		Compressor: "deflate",
		Extraction: ExtractionConfig{
			Provider:  "none",
			Timeout:   bifmon.DefaultExtractionTimeout,
			CacheSize: bifmon.DefaultCacheSize,
			CacheTTL:  bifmon.DefaultCacheTTL,
			Breaker:   true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// MonitorConfig returns the library configuration.
func (c *Config) MonitorConfig() bifmon.Config {
	return bifmon.Config{
		WindowSize:         c.Monitor.WindowSize,
		CriticalThreshold:  c.Monitor.CriticalThreshold,
		CriticalMultiplier: c.Monitor.CriticalMultiplier,
		MinBaseline:        c.Monitor.MinBaseline,
	}
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLevel(c.LogLevel)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c *Config) normalize() {
	c.Compressor = strings.ToLower(strings.TrimSpace(c.Compressor))
	c.Extraction.Provider = strings.ToLower(strings.TrimSpace(c.Extraction.Provider))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.Extraction.Provider == "" {
		c.Extraction.Provider = "none"
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays BIFMON_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	integer("BIFMON_WINDOW_SIZE", &c.Monitor.WindowSize)
	float("BIFMON_CRITICAL_THRESHOLD", &c.Monitor.CriticalThreshold)
	float("BIFMON_CRITICAL_MULTIPLIER", &c.Monitor.CriticalMultiplier)
	integer("BIFMON_MIN_BASELINE", &c.Monitor.MinBaseline)

	str("BIFMON_COMPRESSOR", &c.Compressor)

	str("BIFMON_PROVIDER", &c.Extraction.Provider)
	str("BIFMON_MODEL", &c.Extraction.Model)
	str("BIFMON_API_KEY", &c.Extraction.APIKey)
	str("BIFMON_BASE_URL", &c.Extraction.BaseURL)
	duration("BIFMON_EXTRACTION_TIMEOUT", &c.Extraction.Timeout)
	integer("BIFMON_CACHE_SIZE", &c.Extraction.CacheSize)
	duration("BIFMON_CACHE_TTL", &c.Extraction.CacheTTL)
	boolean("BIFMON_BREAKER", &c.Extraction.Breaker)

	str("BIFMON_ADDR", &c.Server.Addr)
	str("BIFMON_DB", &c.Store.Path)
	str("BIFMON_WATCH_DIR", &c.Watch.Dir)
	duration("BIFMON_WATCH_DEBOUNCE", &c.Watch.Debounce)
	str("BIFMON_LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}
