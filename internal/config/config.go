// Package config loads runtime settings from the environment and the
// provider/template/staging catalog from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// Store backends.
const (
	StoreSurrealDB = "surrealdb"
	StoreSQLite    = "sqlite"
	StoreMemory    = "memory"
)

// Queue backends.
const (
	QueueMemory   = "memory"
	QueueRedis    = "redis"
	QueueRabbitMQ = "rabbitmq"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all configuration values.
type Config struct {
	// Job store
	StoreBackend string
	SQLitePath   string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Job queue
	QueueBackend string
	QueueWorkers int
	RedisURL     string
	AMQPURL      string

	// LLM response cache
	CacheBackend string
	CacheSize    int
	CacheTTL     time.Duration

	// Ollama daemon used for "ollama" configurations without an endpoint
	OllamaHost string

	// Credentials
	AgeIdentityFile       string
	AllowPlaintextSecrets bool

	// Catalog seeded into the store at startup
	CatalogFile string

	// GitHub repository lookups of the analyze step
	SourceLookup bool
	GitHubToken  string
	GitHubAPIURL string

	// HTTP
	ServerAddr string
	ServerURL  string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		StoreBackend: getEnv("MODULECONV_STORE", StoreSQLite),
		SQLitePath:   getEnv("MODULECONV_SQLITE_PATH", defaultDataPath("moduleconv.db")),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "moduleconv"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "conversions"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		QueueBackend: getEnv("MODULECONV_QUEUE", QueueMemory),
		QueueWorkers: getEnvInt("MODULECONV_WORKERS", 2),
		RedisURL:     getEnv("REDIS_URL", ""),
		AMQPURL:      getEnv("AMQP_URL", ""),

		CacheBackend: getEnv("MODULECONV_CACHE", CacheMemory),
		CacheSize:    getEnvInt("MODULECONV_CACHE_SIZE", 256),
		CacheTTL:     getEnvDuration("MODULECONV_CACHE_TTL", 24*time.Hour),

		OllamaHost: getEnv("OLLAMA_HOST", "http://localhost:11434"),

		AgeIdentityFile:       getEnv("MODULECONV_AGE_IDENTITY", ""),
		AllowPlaintextSecrets: getEnv("MODULECONV_ALLOW_PLAINTEXT_SECRETS", "false") == "true",

		CatalogFile: getEnv("MODULECONV_CATALOG", ""),

		SourceLookup: getEnv("MODULECONV_SOURCE_LOOKUP", "true") == "true",
		GitHubToken:  getEnv("GITHUB_TOKEN", ""),
		GitHubAPIURL: getEnv("MODULECONV_GITHUB_API_URL", models.DefaultGitHubAPIBase),

		ServerAddr: getEnv("MODULECONV_SERVER_ADDR", ":8585"),
		ServerURL:  getEnv("MODULECONV_SERVER_URL", ""),

		LogFile:  lookupEnv("MODULECONV_LOG_FILE", "/tmp/moduleconv.log"),
		LogLevel: parseLogLevel(getEnv("MODULECONV_LOG_LEVEL", "INFO")),
	}
}

// Validate rejects unknown backends and missing connection settings.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreSurrealDB, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("queue backend %q requires REDIS_URL", c.QueueBackend)
		}
	case QueueRabbitMQ:
		if c.AMQPURL == "" {
			return fmt.Errorf("queue backend %q requires AMQP_URL", c.QueueBackend)
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	switch c.CacheBackend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("cache backend %q requires REDIS_URL", c.CacheBackend)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	return nil
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return dir + "/moduleconv/" + name
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// lookupEnv differs from getEnv in that an empty value overrides the default.
func lookupEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
