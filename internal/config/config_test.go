package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pattern-search.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.Label.Provider)
	assert.Equal(t, 512, cfg.Label.MaxImagePx)
	assert.Equal(t, "sync", cfg.Enrich.Mode)
	assert.Equal(t, 1, cfg.Enrich.Concurrency)
	assert.Equal(t, 5, cfg.Enrich.MaxAttempts)
	assert.Equal(t, 500, cfg.Enrich.InitialBackoffMs)
	assert.Equal(t, 10000, cfg.Enrich.MaxBackoffMs)
	assert.Equal(t, 1, cfg.Enrich.BatchAttempts)
	assert.Equal(t, "image_analysis.csv", cfg.Enrich.LogPath)
	assert.Equal(t, "images", cfg.Enrich.AssetDir)
	assert.Equal(t, 32, cfg.Fetch.Concurrency)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, "products", cfg.Typesense.Collection)
	assert.Equal(t, "en-GB", cfg.Commercetools.Locale)
	assert.Equal(t, "https://www.lovecrafts.com/en-gb/p/", cfg.Commercetools.StorefrontURL)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
  format: console
enrich:
  mode: batch
  concurrency: 4
typesense:
  collection: products_v2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "batch", cfg.Enrich.Mode)
	assert.Equal(t, 4, cfg.Enrich.Concurrency)
	assert.Equal(t, "products_v2", cfg.Typesense.Collection)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Enrich.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PSEARCH_STORE_DRIVER", "sqlite")
	t.Setenv("PSEARCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PSEARCH_TYPESENSE_KEY=from-dotenv\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("PSEARCH_TYPESENSE_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Typesense.Key)
}

func TestLoadDotEnvDoesNotOverrideEnv(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PSEARCH_SERVER_PORT=1111\n"), 0600))
	t.Setenv("PSEARCH_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the defaults that matter for validation.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Label.Provider = "anthropic"
	cfg.Enrich.Mode = "sync"
	cfg.Enrich.Concurrency = 1
	cfg.Enrich.LogPath = "image_analysis.csv"
	cfg.Enrich.AssetDir = "images"
	cfg.Store.DatabaseURL = "pattern-search.db"
	cfg.Typesense.URL = "http://localhost:8108"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateEnrich_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "test-key"

	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateEnrich_MissingKey(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateEnrich_OpenAIProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.Label.Provider = "openai"

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai.key is required")

	cfg.OpenAI.Key = "test-key"
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateEnrich_BatchNeedsAnthropic(t *testing.T) {
	cfg := validDefaults()
	cfg.Label.Provider = "openai"
	cfg.OpenAI.Key = "test-key"
	cfg.Enrich.Mode = "batch"

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires label.provider=anthropic")
}

func TestValidateEnrich_BadModeAndConcurrency(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "test-key"
	cfg.Enrich.Mode = "parallel"
	cfg.Enrich.Concurrency = 0

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrich.mode must be sync or batch")
	assert.Contains(t, err.Error(), "enrich.concurrency must be between 1 and 64")
}

func TestValidateSearch_MissingCatalogCredentials(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "test-key"
	cfg.Typesense.Key = "ts-key"

	err := cfg.Validate("search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commercetools.project_key is required")
	assert.Contains(t, err.Error(), "commercetools.client_id is required")
	assert.Contains(t, err.Error(), "commercetools.client_secret is required")
}

func TestValidateIndex(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("index")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typesense.key is required")

	cfg.Typesense.Key = "ts-key"
	assert.NoError(t, cfg.Validate("index"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "test-key"
	cfg.Typesense.Key = "ts-key"
	cfg.Commercetools.ProjectKey = "proj"
	cfg.Commercetools.ClientID = "id"
	cfg.Commercetools.ClientSecret = "secret"
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
