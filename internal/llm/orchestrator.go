package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
	"golang.org/x/sync/semaphore"
)

// ErrNoConfigurations is returned when no active configuration can serve a call.
var ErrNoConfigurations = errors.New("no active LLM configurations")

// ErrConfigNotFound is returned when a requested configuration does not exist.
var ErrConfigNotFound = errors.New("LLM configuration not found")

// ConfigSource supplies provider configurations. The orchestrator never
// mutates them.
type ConfigSource interface {
	ListProviderConfigs(ctx context.Context) ([]models.ProviderConfiguration, error)
	GetProviderConfig(ctx context.Context, id string) (*models.ProviderConfiguration, error)
}

// Decrypter turns a stored credential into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// CompleteRequest is the input of Orchestrator.Complete.
type CompleteRequest struct {
	Messages    []Message
	ConfigID    string
	Temperature float64
	MaxTokens   int
	UseCache    bool
}

// Orchestrator runs completions against a priority-ordered fallback chain of
// configurations with per-configuration concurrency slots and retries.
type Orchestrator struct {
	configs  ConfigSource
	registry *Registry
	secrets  Decrypter
	cache    Cache
	metrics  *metrics.Collector
	logger   *slog.Logger
	newTimer func() backoff.Timer

	mu       sync.Mutex
	limiters map[string]*semaphore.Weighted
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCache enables response caching.
func WithCache(c Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithMetrics records call timings and token usage.
func WithMetrics(mc *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = mc }
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTimer replaces the timer used between retries.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(o *Orchestrator) { o.newTimer = newTimer }
}

// NewOrchestrator creates an orchestrator. The cache, when given, is owned by
// this instance.
func NewOrchestrator(configs ConfigSource, registry *Registry, secrets Decrypter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		configs:  configs,
		registry: registry,
		secrets:  secrets,
		logger:   slog.Default(),
		limiters: make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Complete returns the first successful response along the fallback chain.
func (o *Orchestrator) Complete(ctx context.Context, req CompleteRequest) (*ProviderResponse, error) {
	candidates, err := o.candidates(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}

	if req.UseCache && o.cache != nil {
		key := CacheKey(candidates[0].ID, req.Temperature, req.Messages)
		if cached, ok := o.cache.Get(ctx, key); ok {
			o.logger.Debug("llm cache hit", "config_id", candidates[0].ID)
			cached.ConfigID = candidates[0].ID
			cached.Cached = true
			return cached, nil
		}
	}

	var failures []ProviderFailure
	for _, cfg := range candidates {
		resp, attempts, err := o.completeWith(ctx, cfg, req)
		if err != nil {
			o.logger.Warn("llm provider exhausted",
				"provider", cfg.Provider, "config_id", cfg.ID, "attempts", attempts, "error", err)
			failures = append(failures, ProviderFailure{Provider: string(cfg.Provider), ConfigID: cfg.ID, Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if req.UseCache && o.cache != nil {
			o.cache.Set(ctx, CacheKey(cfg.ID, req.Temperature, req.Messages), resp)
		}

		out := *resp
		out.ConfigID = cfg.ID
		out.Attempts = attempts
		out.Fallbacks = failures
		return &out, nil
	}

	return nil, &AllProvidersFailedError{Failures: failures}
}

// completeWith holds one concurrency slot of cfg for every attempt against it.
func (o *Orchestrator) completeWith(ctx context.Context, cfg models.ProviderConfiguration, req CompleteRequest) (*ProviderResponse, int, error) {
	provider, err := o.provider(ctx, cfg)
	if err != nil {
		return nil, 0, err
	}

	limiter := o.limiter(cfg)
	if err := limiter.Acquire(ctx, 1); err != nil {
		return nil, 0, fmt.Errorf("acquire slot: %w", err)
	}
	defer limiter.Release(1)

	call := Request{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        cfg.TopP,
	}
	if call.MaxTokens <= 0 {
		call.MaxTokens = cfg.MaxTokens
	}

	var (
		resp     *ProviderResponse
		attempts int
	)
	operation := func() error {
		attempts++
		start := time.Now()
		r, err := provider.Complete(ctx, call)
		if err != nil {
			o.metrics.RecordProviderCall(string(cfg.Provider), metrics.OutcomeError, time.Since(start))
			var unsupported *UnsupportedProviderError
			if errors.As(err, &unsupported) {
				return backoff.Permanent(err)
			}
			return err
		}
		o.metrics.RecordProviderCall(string(cfg.Provider), metrics.OutcomeSuccess, time.Since(start))
		o.metrics.RecordLLMUsage(metrics.OpLLMGenerate, time.Since(start), int64(r.PromptTokens), int64(r.CompletionTokens))
		resp = r
		return nil
	}
	notify := func(err error, delay time.Duration) {
		o.logger.Info("llm call failed, retrying",
			"provider", cfg.Provider, "config_id", cfg.ID, "attempt", attempts, "delay", delay, "error", err)
	}

	err = backoff.RetryNotifyWithTimer(operation, o.backoffFor(ctx, cfg), notify, o.timer())
	return resp, attempts, err
}

// backoffFor allows cfg.Retries() attempts, waiting initial, 2*initial, ...
// between them.
func (o *Orchestrator) backoffFor(ctx context.Context, cfg models.ProviderConfiguration) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay()
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = time.Hour
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.Retries()-1)), ctx)
}

func (o *Orchestrator) timer() backoff.Timer {
	if o.newTimer != nil {
		return o.newTimer()
	}
	return nil
}

// Stream streams from the first configuration that starts producing output.
// A configuration that fails before its first chunk is skipped; a failure
// after output has been yielded ends the stream with that error.
func (o *Orchestrator) Stream(ctx context.Context, req CompleteRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		candidates, err := o.candidates(ctx, req.ConfigID)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}

		var failures []ProviderFailure
		for _, cfg := range candidates {
			started, err := o.streamWith(ctx, cfg, req, yield)
			switch {
			case err == nil, errors.Is(err, errStreamStopped):
				return
			case started:
				yield(StreamChunk{}, err)
				return
			}
			o.logger.Warn("llm streaming provider failed", "provider", cfg.Provider, "config_id", cfg.ID, "error", err)
			failures = append(failures, ProviderFailure{Provider: string(cfg.Provider), ConfigID: cfg.ID, Err: err})
		}
		yield(StreamChunk{}, &AllProvidersFailedError{Failures: failures})
	}
}

var errStreamStopped = errors.New("stream stopped by consumer")

func (o *Orchestrator) streamWith(ctx context.Context, cfg models.ProviderConfiguration, req CompleteRequest, yield func(StreamChunk, error) bool) (bool, error) {
	provider, err := o.provider(ctx, cfg)
	if err != nil {
		return false, err
	}

	limiter := o.limiter(cfg)
	if err := limiter.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	defer limiter.Release(1)

	start := time.Now()
	started := false
	for chunk, err := range provider.Stream(ctx, Request{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        cfg.TopP,
	}) {
		if err != nil {
			o.metrics.RecordProviderCall(string(cfg.Provider), metrics.OutcomeError, time.Since(start))
			return started, err
		}
		started = true
		if !yield(chunk, nil) {
			return true, errStreamStopped
		}
	}
	o.metrics.RecordProviderCall(string(cfg.Provider), metrics.OutcomeSuccess, time.Since(start))
	o.metrics.RecordTiming(metrics.OpLLMStream, time.Since(start))
	return started, nil
}

// ClearCache drops every cached response.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Clear(ctx)
}

// TestConnection builds the adapter for a configuration and runs its health check.
func (o *Orchestrator) TestConnection(ctx context.Context, configID string) (bool, error) {
	cfg, err := o.configs.GetProviderConfig(ctx, configID)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		return false, fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
	}
	provider, err := o.provider(ctx, *cfg)
	if err != nil {
		return false, err
	}
	return provider.ValidateConnection(ctx), nil
}

// DefaultConfig returns the active configuration flagged as default, or nil.
func (o *Orchestrator) DefaultConfig(ctx context.Context) (*models.ProviderConfiguration, error) {
	all, err := o.configs.ListProviderConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	for _, cfg := range all {
		if cfg.IsActive && cfg.IsDefault {
			return &cfg, nil
		}
	}
	return nil, nil
}

// candidates resolves the ordered fallback chain.
func (o *Orchestrator) candidates(ctx context.Context, configID string) ([]models.ProviderConfiguration, error) {
	if configID != "" {
		cfg, err := o.configs.GetProviderConfig(ctx, configID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
		}
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
		}
		if !cfg.IsActive {
			return nil, fmt.Errorf("%w: %s is inactive", ErrNoConfigurations, configID)
		}
		return []models.ProviderConfiguration{*cfg}, nil
	}

	all, err := o.configs.ListProviderConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	active := make([]models.ProviderConfiguration, 0, len(all))
	for _, cfg := range all {
		if cfg.IsActive {
			active = append(active, cfg)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoConfigurations
	}
	slices.SortStableFunc(active, func(a, b models.ProviderConfiguration) int {
		return a.Priority - b.Priority
	})
	return active, nil
}

func (o *Orchestrator) provider(ctx context.Context, cfg models.ProviderConfiguration) (Provider, error) {
	var apiKey string
	if cfg.APIKeyEncrypted != "" {
		key, err := o.secrets.Decrypt(ctx, cfg.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential for %s: %w", cfg.ID, err)
		}
		apiKey = key
	}
	return o.registry.FromConfig(cfg, apiKey)
}

// limiter returns the shared counting semaphore for cfg.
func (o *Orchestrator) limiter(cfg models.ProviderConfiguration) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.limiters[cfg.ID]
	if !ok {
		sem = semaphore.NewWeighted(cfg.ConcurrencySlots())
		o.limiters[cfg.ID] = sem
	}
	return sem
}
