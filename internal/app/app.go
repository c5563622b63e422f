// Package app wires the conversion pipeline from configuration. Both binaries
// build their dependencies through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/moduleconv/internal/config"
	"github.com/raphaelgruber/moduleconv/internal/conversion"
	"github.com/raphaelgruber/moduleconv/internal/db"
	"github.com/raphaelgruber/moduleconv/internal/llm"
	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/queue"
	"github.com/raphaelgruber/moduleconv/internal/secrets"
	"github.com/raphaelgruber/moduleconv/internal/sqlite"
	"github.com/raphaelgruber/moduleconv/internal/staging"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// App holds every long-lived dependency.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        store.Store
	Keyring      *secrets.Keyring
	Registry     *llm.Registry
	Orchestrator *llm.Orchestrator
	Service      *conversion.Service
	Metrics      *metrics.Collector
	Prometheus   *metrics.Prometheus

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	store     store.Store
	observers []conversion.Observer
}

// WithStore uses st instead of opening the configured backend.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithObserver registers an observer on the conversion service.
func WithObserver(obs conversion.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// New opens the store, seeds the catalog and builds the LLM and conversion
// layers. On error everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	prom := metrics.NewPrometheus()
	a := &App{
		Config:     cfg,
		Logger:     logger,
		Prometheus: prom,
		Metrics:    metrics.NewCollector(prom),
	}

	st := o.store
	if st == nil {
		var err error
		st, err = openStore(ctx, cfg, logger, a.Metrics)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
	}
	a.Store = st

	if cfg.CatalogFile != "" {
		catalog, err := config.LoadCatalog(cfg.CatalogFile)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		if err := catalog.Seed(ctx, st); err != nil {
			_ = a.Close()
			return nil, err
		}
		logger.Info("catalog loaded", "file", cfg.CatalogFile,
			"providers", len(catalog.Providers), "templates", len(catalog.Templates), "staging_targets", len(catalog.StagingTargets))
	}

	keyring, err := secrets.NewKeyring(cfg.AgeIdentityFile, cfg.AllowPlaintextSecrets)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	a.Keyring = keyring

	cache, err := a.openCache(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Registry = llm.NewRegistry()
	a.Registry.Register(models.ProviderOllama, ollamaWithHost(cfg.OllamaHost))

	orchOpts := []llm.Option{llm.WithMetrics(a.Metrics), llm.WithLogger(logger)}
	if cache != nil {
		orchOpts = append(orchOpts, llm.WithCache(cache))
	}
	a.Orchestrator = llm.NewOrchestrator(st, a.Registry, keyring, orchOpts...)

	svcOpts := []conversion.Option{
		conversion.WithCredentials(keyring),
		conversion.WithMetrics(a.Metrics),
		conversion.WithLogger(logger),
		conversion.WithStagerFactory(conversion.GitHubStagerFactory(keyring,
			staging.WithMetrics(a.Metrics), staging.WithLogger(logger))),
	}
	if cfg.SourceLookup {
		svcOpts = append(svcOpts, conversion.WithSourceInspector(staging.New(cfg.GitHubToken, cfg.GitHubAPIURL,
			staging.WithMetrics(a.Metrics), staging.WithLogger(logger))))
	}
	for _, obs := range o.observers {
		svcOpts = append(svcOpts, conversion.WithObserver(obs))
	}
	a.Service = conversion.NewService(st, a.Orchestrator, svcOpts...)
	return a, nil
}

// RegisterExtensions adds the operator-supplied provider kinds: bedrock,
// mistral and custom OpenAI-compatible endpoints.
func (a *App) RegisterExtensions() {
	a.Registry.Register(models.ProviderBedrock, llm.NewBedrock)
	a.Registry.Register(models.ProviderMistral, llm.NewMistral)
	a.Registry.Register(models.ProviderCustom, llm.NewOpenAICompatible)
}

// OpenQueue connects the configured queue backend. The caller owns it.
func (a *App) OpenQueue(ctx context.Context) (queue.Queue, error) {
	switch a.Config.QueueBackend {
	case config.QueueRedis:
		return queue.NewRedisQueue(ctx, queue.RedisConfig{URL: a.Config.RedisURL}, a.Logger)
	case config.QueueRabbitMQ:
		return queue.NewRabbitMQQueue(queue.RabbitMQConfig{URL: a.Config.AMQPURL, Prefetch: a.Config.QueueWorkers}, a.Logger)
	default:
		return queue.NewMemoryQueue(0), nil
	}
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, mc *metrics.Collector) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreSurrealDB:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger, mc)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		return client, nil
	case config.StoreSQLite:
		return sqlite.Open(cfg.SQLitePath, logger, mc)
	default:
		return store.NewMemory(), nil
	}
}

func (a *App) openCache(ctx context.Context) (llm.Cache, error) {
	switch a.Config.CacheBackend {
	case config.CacheRedis:
		c, err := llm.NewRedisCache(ctx, llm.RedisCacheConfig{URL: a.Config.RedisURL, TTL: a.Config.CacheTTL})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	case config.CacheMemory:
		c, err := llm.NewMemoryCache(a.Config.CacheSize)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, nil
	}
}

// ollamaWithHost fills in the configured daemon address for configurations
// without an endpoint.
func ollamaWithHost(host string) llm.Factory {
	return func(opts llm.ProviderOptions) (llm.Provider, error) {
		if opts.Endpoint == "" {
			opts.Endpoint = host
		}
		return llm.NewOllama(opts)
	}
}
