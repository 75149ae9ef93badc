package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	OpenAI        OpenAIConfig        `yaml:"openai" mapstructure:"openai"`
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Label         LabelConfig         `yaml:"label" mapstructure:"label"`
	Enrich        EnrichConfig        `yaml:"enrich" mapstructure:"enrich"`
	Fetch         FetchConfig         `yaml:"fetch" mapstructure:"fetch"`
	Typesense     TypesenseConfig     `yaml:"typesense" mapstructure:"typesense"`
	Commercetools CommercetoolsConfig `yaml:"commercetools" mapstructure:"commercetools"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	Organization string `yaml:"organization" mapstructure:"organization"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Model        string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// LabelConfig selects and tunes the vision labeling provider.
type LabelConfig struct {
	Provider   string `yaml:"provider" mapstructure:"provider"` // "anthropic" or "openai"
	MaxImagePx int    `yaml:"max_image_px" mapstructure:"max_image_px"`
}

// EnrichConfig configures the enrichment run.
type EnrichConfig struct {
	Mode              string  `yaml:"mode" mapstructure:"mode"` // "sync" or "batch"
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	JitterFraction    float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	RequestsPerMinute int     `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	BatchAttempts     int     `yaml:"batch_attempts" mapstructure:"batch_attempts"`
	BatchPollTimeout  int     `yaml:"batch_poll_timeout_mins" mapstructure:"batch_poll_timeout_mins"`
	LogPath           string  `yaml:"log_path" mapstructure:"log_path"`
	AssetDir          string  `yaml:"asset_dir" mapstructure:"asset_dir"`
}

// FetchConfig configures image downloads.
type FetchConfig struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs       int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// TypesenseConfig holds search engine settings.
type TypesenseConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	Key        string `yaml:"key" mapstructure:"key"`
	Collection string `yaml:"collection" mapstructure:"collection"`
	PerPage    int    `yaml:"per_page" mapstructure:"per_page"`
}

// CommercetoolsConfig holds catalog service credentials.
type CommercetoolsConfig struct {
	AuthURL       string `yaml:"auth_url" mapstructure:"auth_url"`
	APIURL        string `yaml:"api_url" mapstructure:"api_url"`
	ProjectKey    string `yaml:"project_key" mapstructure:"project_key"`
	ClientID      string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret  string `yaml:"client_secret" mapstructure:"client_secret"`
	Locale        string `yaml:"locale" mapstructure:"locale"`
	StorefrontURL string `yaml:"storefront_url" mapstructure:"storefront_url"`
}

// StoreConfig configures the run audit database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment wins over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets have empty defaults so Unmarshal sees their env vars.
	for _, key := range []string{
		"openai.key", "openai.organization", "openai.base_url", "anthropic.key",
		"typesense.key", "commercetools.project_key",
		"commercetools.client_id", "commercetools.client_secret",
	} {
		v.SetDefault(key, "")
	}

	// Defaults
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("label.provider", "anthropic")
	v.SetDefault("label.max_image_px", 512)
	v.SetDefault("enrich.mode", "sync")
	v.SetDefault("enrich.concurrency", 1)
	v.SetDefault("enrich.max_attempts", 5)
	v.SetDefault("enrich.initial_backoff_ms", 500)
	v.SetDefault("enrich.max_backoff_ms", 10000)
	v.SetDefault("enrich.jitter_fraction", 0.0)
	v.SetDefault("enrich.requests_per_minute", 0)
	v.SetDefault("enrich.batch_attempts", 1)
	v.SetDefault("enrich.batch_poll_timeout_mins", 60)
	v.SetDefault("enrich.log_path", "image_analysis.csv")
	v.SetDefault("enrich.asset_dir", "images")
	v.SetDefault("fetch.concurrency", 32)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.requests_per_second", 20)
	v.SetDefault("typesense.url", "http://localhost:8108")
	v.SetDefault("typesense.collection", "products")
	v.SetDefault("typesense.per_page", 10)
	v.SetDefault("commercetools.auth_url", "https://auth.europe-west1.gcp.commercetools.com")
	v.SetDefault("commercetools.api_url", "https://api.europe-west1.gcp.commercetools.com")
	v.SetDefault("commercetools.locale", "en-GB")
	v.SetDefault("commercetools.storefront_url", "https://www.lovecrafts.com/en-gb/p/")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pattern-search.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the keys required by a command mode are present.
// Modes: "enrich", "fetch", "index", "search", "serve", "runs".
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, key string) {
		if !ok {
			errs = append(errs, key+" is required")
		}
	}

	labelKeys := func() {
		switch c.Label.Provider {
		case "anthropic":
			require(c.Anthropic.Key != "", "anthropic.key")
		case "openai":
			require(c.OpenAI.Key != "", "openai.key")
		default:
			errs = append(errs, fmt.Sprintf("label.provider must be anthropic or openai, got %q", c.Label.Provider))
		}
	}
	searchKeys := func() {
		require(c.Typesense.URL != "", "typesense.url")
		require(c.Typesense.Key != "", "typesense.key")
		require(c.Commercetools.ProjectKey != "", "commercetools.project_key")
		require(c.Commercetools.ClientID != "", "commercetools.client_id")
		require(c.Commercetools.ClientSecret != "", "commercetools.client_secret")
	}

	switch mode {
	case "enrich":
		labelKeys()
		require(c.Enrich.LogPath != "", "enrich.log_path")
		require(c.Store.DatabaseURL != "", "store.database_url")
		switch c.Enrich.Mode {
		case "sync":
		case "batch":
			if c.Label.Provider != "anthropic" {
				errs = append(errs, "enrich.mode=batch requires label.provider=anthropic")
			}
		default:
			errs = append(errs, fmt.Sprintf("enrich.mode must be sync or batch, got %q", c.Enrich.Mode))
		}
		if c.Enrich.Concurrency < 1 || c.Enrich.Concurrency > 64 {
			errs = append(errs, "enrich.concurrency must be between 1 and 64")
		}
	case "fetch":
		require(c.Enrich.AssetDir != "", "enrich.asset_dir")
	case "index":
		require(c.Typesense.URL != "", "typesense.url")
		require(c.Typesense.Key != "", "typesense.key")
		require(c.Enrich.LogPath != "", "enrich.log_path")
	case "search":
		labelKeys()
		searchKeys()
	case "serve":
		labelKeys()
		searchKeys()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "runs":
		require(c.Store.DatabaseURL != "", "store.database_url")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
