// Package store defines the persistence contracts of the conversion pipeline
// and an in-memory implementation. SurrealDB and SQLite backends live in
// internal/db and internal/sqlite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a record with the same ID exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrJobTerminal indicates a write to a job that already reached a
	// terminal status. Terminal jobs are immutable.
	ErrJobTerminal = errors.New("job is in a terminal status")
)

// ListOptions filters and pages ListJobs. Zero values mean "any".
type ListOptions struct {
	Status     models.ConversionStatus
	TenantID   string
	TemplateID string
	Limit      int
	Offset     int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 50

// EffectiveLimit returns Limit or the default.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// JobStore persists conversion jobs and their step logs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ConversionJob) error
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	// UpdateJob replaces a job. It fails with ErrJobTerminal when the stored
	// job is already terminal.
	UpdateJob(ctx context.Context, job *models.ConversionJob) error
	// CancelJob atomically moves a non-terminal job to cancelled. It reports
	// false when the job is already terminal.
	CancelJob(ctx context.Context, id string, at time.Time) (bool, error)
	// ListJobs returns matching jobs newest first and the total match count.
	ListJobs(ctx context.Context, opts ListOptions) ([]models.ConversionJob, int, error)
	// ListJobsByStatus returns every job in one of statuses, oldest first.
	ListJobsByStatus(ctx context.Context, statuses ...models.ConversionStatus) ([]models.ConversionJob, error)

	AppendStep(ctx context.Context, step *models.ConversionStep) error
	UpdateStep(ctx context.Context, step *models.ConversionStep) error
	ListSteps(ctx context.Context, jobID string) ([]models.ConversionStep, error)
}

// Catalog serves templates, provider configurations and staging targets.
// It is read-mostly configuration managed outside the pipeline.
type Catalog interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context, tenantID string) ([]models.Template, error)
	SaveTemplate(ctx context.Context, t *models.Template) error

	ListProviderConfigs(ctx context.Context) ([]models.ProviderConfiguration, error)
	GetProviderConfig(ctx context.Context, id string) (*models.ProviderConfiguration, error)
	SaveProviderConfig(ctx context.Context, cfg *models.ProviderConfiguration) error

	GetStagingTarget(ctx context.Context, id string) (*models.StagingTarget, error)
	ListStagingTargets(ctx context.Context) ([]models.StagingTarget, error)
	SaveStagingTarget(ctx context.Context, t *models.StagingTarget) error
}

// Store combines both contracts; every backend implements it.
type Store interface {
	JobStore
	Catalog
	Close() error
}

// TemplateVisible reports whether t is listed for tenantID: own templates
// plus public ones, active only. An empty tenant sees everything active.
func TemplateVisible(t models.Template, tenantID string) bool {
	if !t.IsActive {
		return false
	}
	return tenantID == "" || t.TenantID == tenantID || t.IsPublic
}

// MatchesJob applies the filter part of opts to job.
func MatchesJob(job models.ConversionJob, opts ListOptions) bool {
	if opts.Status != "" && job.Status != opts.Status {
		return false
	}
	if opts.TenantID != "" && job.TenantID != opts.TenantID {
		return false
	}
	if opts.TemplateID != "" && job.TemplateID != opts.TemplateID {
		return false
	}
	return true
}
