// Package config loads framestore settings from defaults, an optional file
// and FRAMESTORE_* environment variables.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	fserr "github.com/rcliao/framestore/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. FRAMESTORE_STORE_PATH.
const EnvPrefix = "FRAMESTORE"

// Config is the top-level framestore configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Index     IndexConfig     `mapstructure:"index"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig locates the store file.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// EnrichConfig sizes the enrichment worker pool.
type EnrichConfig struct {
	Workers      int           `mapstructure:"workers"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// Resume re-enqueues unfinished enrichment when a store is opened.
	Resume bool `mapstructure:"resume"`
}

// IndexConfig tunes soft index field weights.
type IndexConfig struct {
	TitleBoost float64 `mapstructure:"title_boost"`
	TagBoost   float64 `mapstructure:"tag_boost"`
	FacetBoost float64 `mapstructure:"facet_boost"`
}

// EmbeddingConfig selects the embedding provider. An empty provider
// disables embeddings.
type EmbeddingConfig struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	Dims     int           `mapstructure:"dims"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Debug  bool `mapstructure:"debug"`
	JSON   bool `mapstructure:"json"`
	Pretty bool `mapstructure:"pretty"`
	Source bool `mapstructure:"source"`
	// File, when set, also receives every Info and higher record as JSON.
	File string `mapstructure:"file"`
}

// DefaultPath is the store location used when none is configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".framestore", "frames.db")
	}
	return filepath.Join(home, ".framestore", "frames.db")
}

// Load reads configuration from path (optional) with environment variable
// overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store.path", DefaultPath())
	v.SetDefault("enrich.workers", 3)
	v.SetDefault("enrich.max_retries", 3)
	v.SetDefault("enrich.retry_backoff", "200ms")
	v.SetDefault("enrich.resume", true)
	v.SetDefault("index.title_boost", 3.0)
	v.SetDefault("index.tag_boost", 2.5)
	v.SetDefault("index.facet_boost", 1.5)
	v.SetDefault("embedding.provider", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dims", 0)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("log.debug", false)
	v.SetDefault("log.json", false)
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fserr.Wrap(err, fserr.CodeConfigLoadReadFailure, "read config", fserr.FieldPath(path))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fserr.Wrap(err, fserr.CodeConfigValidateInvalid, "decode config")
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fserr.Wrap(errors.Join(errs...), fserr.CodeConfigValidateInvalid, "validate config")
	}
	return &cfg, nil
}

// Validate returns every problem found rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fserr.Errorf(fserr.CodeConfigValidateInvalid, "config: "+format, args...))
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		invalid("store.path must not be empty")
	}
	if c.Enrich.Workers < 1 {
		invalid("enrich.workers must be at least 1, got %d", c.Enrich.Workers)
	}
	if c.Enrich.MaxRetries < 0 {
		invalid("enrich.max_retries must not be negative, got %d", c.Enrich.MaxRetries)
	}
	if c.Enrich.RetryBackoff < 0 {
		invalid("enrich.retry_backoff must not be negative, got %s", c.Enrich.RetryBackoff)
	}
	if c.Index.TitleBoost <= 0 || c.Index.TagBoost <= 0 || c.Index.FacetBoost <= 0 {
		invalid("index boosts must be positive")
	}

	switch c.Embedding.Provider {
	case "", "ollama", "openai":
	default:
		invalid("embedding.provider must be one of [ollama, openai] or empty, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dims < 0 {
		invalid("embedding.dims must not be negative, got %d", c.Embedding.Dims)
	}
	return errs
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
