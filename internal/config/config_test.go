package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"MODULECONV_STORE", "MODULECONV_QUEUE", "MODULECONV_CACHE", "MODULECONV_WORKERS"} {
		t.Setenv(key, "")
	}
	t.Setenv("MODULECONV_CACHE_TTL", "")

	cfg := Load()
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, QueueMemory, cfg.QueueBackend)
	assert.Equal(t, 2, cfg.QueueWorkers)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MODULECONV_STORE", "surrealdb")
	t.Setenv("MODULECONV_QUEUE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MODULECONV_WORKERS", "8")
	t.Setenv("MODULECONV_CACHE_TTL", "90m")
	t.Setenv("MODULECONV_ALLOW_PLAINTEXT_SECRETS", "true")
	t.Setenv("MODULECONV_LOG_LEVEL", "warning")
	t.Setenv("MODULECONV_SOURCE_LOOKUP", "false")
	t.Setenv("MODULECONV_GITHUB_API_URL", "https://ghe.example.com/api/v3")

	cfg := Load()
	assert.Equal(t, StoreSurrealDB, cfg.StoreBackend)
	assert.Equal(t, 8, cfg.QueueWorkers)
	assert.Equal(t, 90*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.AllowPlaintextSecrets)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.False(t, cfg.SourceLookup)
	assert.Equal(t, "https://ghe.example.com/api/v3", cfg.GitHubAPIURL)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := Config{StoreBackend: StoreMemory, QueueBackend: QueueMemory, CacheBackend: CacheNone}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown store", func(c *Config) { c.StoreBackend = "postgres" }, false},
		{"redis queue without url", func(c *Config) { c.QueueBackend = QueueRedis }, false},
		{"rabbitmq with url", func(c *Config) { c.QueueBackend = QueueRabbitMQ; c.AMQPURL = "amqp://localhost" }, true},
		{"rabbitmq without url", func(c *Config) { c.QueueBackend = QueueRabbitMQ }, false},
		{"redis cache without url", func(c *Config) { c.CacheBackend = CacheRedis }, false},
		{"unknown cache", func(c *Config) { c.CacheBackend = "memcached" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

const catalogYAML = `
providers:
  - id: openai-primary
    name: OpenAI
    provider: openai
    model: gpt-4o
    api_key_encrypted: env:OPENAI_API_KEY
    priority: 10
    retry_delay: 2s
    is_active: true
  - id: local
    provider: ollama
    model: llama3
    priority: 20
    is_active: true
templates:
  - id: billing
    name: Billing module
    module_type: domain
    package_name: acme.billing
    target_spec:
      language: go
    validation_schema:
      required_markers: ["package billing"]
    is_active: true
staging_targets:
  - id: modules-repo
    owner: acme
    repo: modules
    labels: [converted]
    is_active: true
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	require.Len(t, c.Providers, 2)
	assert.Equal(t, models.ProviderOpenAI, c.Providers[0].Provider)
	assert.Equal(t, 2*time.Second, c.Providers[0].RetryDelay)
	require.Len(t, c.Templates, 1)
	assert.Equal(t, "go", c.Templates[0].FileExtension())
	require.Len(t, c.StagingTargets, 1)
	assert.Equal(t, []string{"converted"}, c.StagingTargets[0].Labels)
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "providers:\n  - id: a\n    provider: openai\n    colour: blue\n"},
		{"missing id", "providers:\n  - provider: openai\n"},
		{"missing kind", "providers:\n  - id: a\n"},
		{"duplicate template", "templates:\n  - id: t\n  - id: t\n"},
		{"target without repo", "staging_targets:\n  - id: gh\n    owner: acme\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseCatalogEmpty(t *testing.T) {
	c, err := ParseCatalog(nil)
	require.NoError(t, err)
	assert.Empty(t, c.Providers)
}

func TestLoadCatalogAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, c.Seed(ctx, mem))

	configs, err := mem.ListProviderConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "openai-primary", configs[0].ID)

	tpl, err := mem.GetTemplate(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "acme.billing", tpl.PackageName)

	target, err := mem.GetStagingTarget(ctx, "modules-repo")
	require.NoError(t, err)
	assert.Equal(t, "modules", target.Repo)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("conversion created", "job_id", "conv-1")

	assert.Contains(t, stderr.String(), "job_id=conv-1")
	assert.Contains(t, file.String(), `"job_id":"conv-1"`)
	assert.NotContains(t, stderr.String(), "hidden")

	app := appName()
	assert.NotEmpty(t, app)
	assert.Contains(t, stderr.String(), "app="+app)
	assert.Contains(t, file.String(), `"app":"`+app+`"`)
}

func TestSetupLoggerWithoutFile(t *testing.T) {
	var stderr bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, nil, slog.LevelInfo)
	logger.Info("conversion created", "job_id", "conv-1")
	assert.Contains(t, stderr.String(), "job_id=conv-1")
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name     string
		logFile  func(t *testing.T) string
		wantFile bool
	}{
		{"stderr only", func(*testing.T) string { return "" }, false},
		{"json file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "moduleconv.log") }, true},
		{"unwritable file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing", "moduleconv.log") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.logFile(t)
			logger, closeLogger := SetupLogger(path, slog.LevelInfo)
			require.NotNil(t, logger)
			logger.Info("conversion created", "job_id", "conv-1")
			require.NoError(t, closeLogger())

			if !tt.wantFile {
				if path != "" {
					assert.NoFileExists(t, path)
				}
				return
			}
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"job_id":"conv-1"`)
			assert.Contains(t, string(data), `"app":`)
		})
	}
}

func TestLoadEmptyLogFile(t *testing.T) {
	t.Setenv("MODULECONV_LOG_FILE", "")
	assert.Empty(t, Load().LogFile)
}
