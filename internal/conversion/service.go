// Package conversion drives conversion jobs through analysis, LLM transform,
// validation and optional staging.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/llm"
	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/staging"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// Completer runs a chat completion along a provider fallback chain.
// *llm.Orchestrator implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompleteRequest) (*llm.ProviderResponse, error)
}

// Stager publishes a change set to a staging target.
// *staging.Client implements it.
type Stager interface {
	Stage(ctx context.Context, target models.StagingTarget, cs staging.ChangeSet) (*staging.Result, error)
}

// SourceInspector looks up metadata of a GitHub source repository.
// *staging.Client implements it.
type SourceInspector interface {
	GetRepository(ctx context.Context, owner, repo string) (*staging.Repository, error)
}

// StagerFactory builds a Stager for one target.
type StagerFactory func(ctx context.Context, target models.StagingTarget) (Stager, error)

// Observer is notified with a copy of a job whenever it is persisted.
type Observer interface {
	JobUpdated(job *models.ConversionJob)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(job *models.ConversionJob)

func (f ObserverFunc) JobUpdated(job *models.ConversionJob) { f(job) }

// Service owns the lifecycle of conversion jobs.
type Service struct {
	store     store.Store
	llm       Completer
	secrets   llm.Decrypter
	newStager StagerFactory
	sources   SourceInspector
	metrics   *metrics.Collector
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time

	mu        sync.Mutex
	running   map[string]bool
	cancelled map[string]bool
}

// Option customizes a Service.
type Option func(*Service)

// WithCredentials sets the decrypter used for staging tokens.
func WithCredentials(d llm.Decrypter) Option {
	return func(s *Service) { s.secrets = d }
}

// WithStagerFactory replaces the GitHub staging client factory.
func WithStagerFactory(f StagerFactory) Option {
	return func(s *Service) { s.newStager = f }
}

// WithSourceInspector enables repository lookups in the analyze step.
func WithSourceInspector(i SourceInspector) Option {
	return func(s *Service) { s.sources = i }
}

// WithMetrics records job and step metrics.
func WithMetrics(mc *metrics.Collector) Option {
	return func(s *Service) { s.metrics = mc }
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithObserver registers an observer of job updates.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a conversion service.
func NewService(st store.Store, completer Completer, opts ...Option) *Service {
	s := &Service{
		store:     st,
		llm:       completer,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]bool),
		cancelled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newStager == nil {
		s.newStager = GitHubStagerFactory(s.secrets, staging.WithMetrics(s.metrics), staging.WithLogger(s.logger))
	}
	return s
}

// GitHubStagerFactory returns a factory building REST clients for the
// target's API base, authenticated with its decrypted token.
func GitHubStagerFactory(secrets llm.Decrypter, opts ...staging.Option) StagerFactory {
	return func(ctx context.Context, target models.StagingTarget) (Stager, error) {
		var token string
		if target.TokenEncrypted != "" {
			if secrets == nil {
				return nil, fmt.Errorf("staging target %s has a token but no decrypter is configured", target.ID)
			}
			t, err := secrets.Decrypt(ctx, target.TokenEncrypted)
			if err != nil {
				return nil, fmt.Errorf("decrypt token for staging target %s: %w", target.ID, err)
			}
			token = t
		}
		return staging.New(token, target.WithDefaults().APIBaseURL, opts...), nil
	}
}

// CreateRequest holds the inputs of a new conversion.
type CreateRequest struct {
	TemplateID       string
	Source           models.Source
	ProviderConfigID string
	InputData        map[string]any
	TenantID         string
	CreatedBy        string
}

// CreateConversion validates the request and stores a pending job.
func (s *Service) CreateConversion(ctx context.Context, req CreateRequest) (*models.ConversionJob, error) {
	if req.TemplateID == "" {
		return nil, fmt.Errorf("%w: template id is required", ErrInvalidRequest)
	}
	tpl, err := s.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", req.TemplateID, err)
	}
	if !tpl.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrTemplateInactive, req.TemplateID)
	}
	source, err := normalizeSource(req.Source)
	if err != nil {
		return nil, err
	}

	input := make(map[string]any, len(req.InputData))
	for k, v := range req.InputData {
		input[k] = v
	}

	job := &models.ConversionJob{
		ID:               models.NewJobID(),
		TemplateID:       req.TemplateID,
		ProviderConfigID: req.ProviderConfigID,
		TenantID:         req.TenantID,
		CreatedBy:        req.CreatedBy,
		Status:           models.StatusPending,
		Source:           source,
		InputData:        input,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("conversion created", "job_id", job.ID, "template_id", job.TemplateID, "source", job.Source.Kind)
	s.metrics.RecordJobStatus(string(job.Status))
	s.notify(job)
	return job, nil
}

func normalizeSource(src models.Source) (models.Source, error) {
	if src.Kind == "" {
		if src.Location != "" {
			src.Kind = models.SourceGitHub
		} else {
			src.Kind = models.SourceUpload
		}
	}
	switch src.Kind {
	case models.SourceGitHub:
		if src.Location == "" {
			return src, fmt.Errorf("%w: github source requires a location", ErrInvalidRequest)
		}
	case models.SourceUpload:
	default:
		return src, fmt.Errorf("%w: unknown source kind %q", ErrInvalidRequest, src.Kind)
	}
	return src, nil
}

// GetConversion returns the current state of a job.
func (s *Service) GetConversion(ctx context.Context, id string) (*models.ConversionJob, error) {
	return s.store.GetJob(ctx, id)
}

// ListOption narrows ListConversions.
type ListOption func(*store.ListOptions)

// WithStatus keeps jobs in status.
func WithStatus(status models.ConversionStatus) ListOption {
	return func(o *store.ListOptions) { o.Status = status }
}

// WithTenant keeps jobs of one tenant.
func WithTenant(tenantID string) ListOption {
	return func(o *store.ListOptions) { o.TenantID = tenantID }
}

// WithTemplate keeps jobs created from one template.
func WithTemplate(templateID string) ListOption {
	return func(o *store.ListOptions) { o.TemplateID = templateID }
}

// WithPage sets limit and offset.
func WithPage(limit, offset int) ListOption {
	return func(o *store.ListOptions) {
		o.Limit = limit
		o.Offset = max(offset, 0)
	}
}

// ListConversions returns matching jobs newest first and the total count.
func (s *Service) ListConversions(ctx context.Context, opts ...ListOption) ([]models.ConversionJob, int, error) {
	var lo store.ListOptions
	for _, opt := range opts {
		opt(&lo)
	}
	return s.store.ListJobs(ctx, lo)
}

// GetSteps returns the step log of a job in step order.
func (s *Service) GetSteps(ctx context.Context, id string) ([]models.ConversionStep, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, id)
}

// CancelConversion marks a non-terminal job cancelled. A running job stops
// at its next step boundary. It reports false for unknown or terminal jobs.
func (s *Service) CancelConversion(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.CancelJob(ctx, id, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	if s.running[id] {
		s.cancelled[id] = true
	}
	s.mu.Unlock()

	s.logger.Info("conversion cancelled", "job_id", id)
	s.metrics.RecordJobStatus(string(models.StatusCancelled))
	if job, err := s.store.GetJob(ctx, id); err == nil {
		s.notify(job)
	}
	return true, nil
}

// RetryConversion creates a new pending job with the inputs of a failed or
// cancelled one. The original job is left untouched.
func (s *Service) RetryConversion(ctx context.Context, id string) (*models.ConversionJob, error) {
	prev, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.StatusFailed && prev.Status != models.StatusCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, prev.Status)
	}

	job, err := s.CreateConversion(ctx, CreateRequest{
		TemplateID:       prev.TemplateID,
		Source:           prev.Source,
		ProviderConfigID: prev.ProviderConfigID,
		InputData:        prev.InputData,
		TenantID:         prev.TenantID,
		CreatedBy:        prev.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	job.RetryOf = prev.ID
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("link retry to %s: %w", prev.ID, err)
	}
	s.logger.Info("conversion retried", "job_id", job.ID, "retry_of", prev.ID)
	return job, nil
}

// FailInterrupted marks jobs left mid-pipeline by a previous process as
// failed. Jobs running in this process are skipped. It returns the number
// of jobs marked.
func (s *Service) FailInterrupted(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobsByStatus(ctx,
		models.StatusProcessing, models.StatusValidating, models.StatusStaging)
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}
	if len(jobs) == 0 {
		s.logger.Debug("no interrupted conversions")
		return 0, nil
	}

	marked := 0
	for i := range jobs {
		job := &jobs[i]
		if s.isRunning(job.ID) {
			continue
		}
		now := s.now()
		last := job.Status
		job.Status = models.StatusFailed
		job.ErrorMessage = "conversion interrupted before completion"
		job.ErrorDetails = map[string]any{"error_type": "interrupted", "last_status": string(last)}
		job.CompletedAt = &now
		if err := s.store.UpdateJob(ctx, job); err != nil {
			if errors.Is(err, store.ErrJobTerminal) {
				continue
			}
			s.logger.Warn("failed to mark interrupted conversion", "job_id", job.ID, "error", err)
			continue
		}
		marked++
		s.metrics.RecordJobStatus(string(models.StatusFailed))
		s.notify(job)
		s.logger.Warn("conversion interrupted", "job_id", job.ID)
	}
	return marked, nil
}

func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *Service) notify(job *models.ConversionJob) {
	for _, o := range s.observers {
		o.JobUpdated(job.Clone())
	}
}
