package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raphaelgruber/moduleconv/internal/app"
	"github.com/raphaelgruber/moduleconv/internal/client"
	"github.com/raphaelgruber/moduleconv/internal/conversion"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/server"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// errNotFound unifies the not-found errors of both backends.
var errNotFound = errors.New("not found")

// backend runs commands either in-process or against moduleconv-server.
type backend interface {
	Create(ctx context.Context, req server.CreateConversionRequest) (*models.ConversionJob, error)
	Get(ctx context.Context, id string) (*models.ConversionJob, error)
	List(ctx context.Context, opts client.ListOptions) ([]models.ConversionJob, int, error)
	Steps(ctx context.Context, id string) ([]models.ConversionStep, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Retry(ctx context.Context, id, stagingTargetID string) (*models.ConversionJob, error)
	TestProvider(ctx context.Context, configID string) (bool, error)

	// Follow drives or watches job until it is terminal, reporting every
	// snapshot to onUpdate. stagingTargetID is only used by backends that
	// execute the job themselves.
	Follow(ctx context.Context, job *models.ConversionJob, stagingTargetID string, onUpdate func(*models.ConversionJob)) (*models.ConversionJob, error)

	// Detached reports whether jobs keep running after the CLI exits.
	Detached() bool
}

// localBackend executes conversions in this process.
type localBackend struct {
	app *app.App

	mu       sync.Mutex
	watchers map[string]func(*models.ConversionJob)
}

func newLocalBackend(a *app.App) *localBackend {
	return &localBackend{app: a, watchers: make(map[string]func(*models.ConversionJob))}
}

// JobUpdated forwards service notifications to the follower of the job.
func (b *localBackend) JobUpdated(job *models.ConversionJob) {
	b.mu.Lock()
	fn := b.watchers[job.ID]
	b.mu.Unlock()
	if fn != nil {
		fn(job)
	}
}

func (b *localBackend) Create(ctx context.Context, req server.CreateConversionRequest) (*models.ConversionJob, error) {
	return b.app.Service.CreateConversion(ctx, conversion.CreateRequest{
		TemplateID:       req.TemplateID,
		Source:           req.Source,
		ProviderConfigID: req.ProviderConfigID,
		InputData:        req.InputData,
		TenantID:         req.TenantID,
		CreatedBy:        req.CreatedBy,
	})
}

func (b *localBackend) Get(ctx context.Context, id string) (*models.ConversionJob, error) {
	job, err := b.app.Service.GetConversion(ctx, id)
	return job, localErr(err)
}

func (b *localBackend) List(ctx context.Context, opts client.ListOptions) ([]models.ConversionJob, int, error) {
	lo := []conversion.ListOption{conversion.WithPage(opts.Limit, opts.Offset)}
	if opts.Status != "" {
		lo = append(lo, conversion.WithStatus(models.ConversionStatus(opts.Status)))
	}
	if opts.TenantID != "" {
		lo = append(lo, conversion.WithTenant(opts.TenantID))
	}
	if opts.TemplateID != "" {
		lo = append(lo, conversion.WithTemplate(opts.TemplateID))
	}
	return b.app.Service.ListConversions(ctx, lo...)
}

func (b *localBackend) Steps(ctx context.Context, id string) ([]models.ConversionStep, error) {
	steps, err := b.app.Service.GetSteps(ctx, id)
	return steps, localErr(err)
}

func (b *localBackend) Cancel(ctx context.Context, id string) (bool, error) {
	return b.app.Service.CancelConversion(ctx, id)
}

func (b *localBackend) Retry(ctx context.Context, id, _ string) (*models.ConversionJob, error) {
	job, err := b.app.Service.RetryConversion(ctx, id)
	return job, localErr(err)
}

func (b *localBackend) TestProvider(ctx context.Context, configID string) (bool, error) {
	ok, err := b.app.Orchestrator.TestConnection(ctx, configID)
	return ok, localErr(err)
}

func (b *localBackend) Follow(ctx context.Context, job *models.ConversionJob, stagingTargetID string, onUpdate func(*models.ConversionJob)) (*models.ConversionJob, error) {
	b.mu.Lock()
	b.watchers[job.ID] = onUpdate
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.watchers, job.ID)
		b.mu.Unlock()
	}()

	onUpdate(job)
	return b.app.Service.ExecuteConversion(ctx, job.ID, stagingTargetID)
}

func (b *localBackend) Detached() bool { return false }

func localErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", errNotFound, err)
	}
	return err
}

// remoteBackend talks to moduleconv-server, which enqueues and executes jobs.
type remoteBackend struct {
	client *client.Client
}

func (b *remoteBackend) Create(ctx context.Context, req server.CreateConversionRequest) (*models.ConversionJob, error) {
	return b.client.CreateConversion(ctx, req)
}

func (b *remoteBackend) Get(ctx context.Context, id string) (*models.ConversionJob, error) {
	job, err := b.client.GetConversion(ctx, id)
	return job, remoteErr(err)
}

func (b *remoteBackend) List(ctx context.Context, opts client.ListOptions) ([]models.ConversionJob, int, error) {
	return b.client.ListConversions(ctx, opts)
}

func (b *remoteBackend) Steps(ctx context.Context, id string) ([]models.ConversionStep, error) {
	steps, err := b.client.GetSteps(ctx, id)
	return steps, remoteErr(err)
}

func (b *remoteBackend) Cancel(ctx context.Context, id string) (bool, error) {
	return b.client.CancelConversion(ctx, id)
}

func (b *remoteBackend) Retry(ctx context.Context, id, stagingTargetID string) (*models.ConversionJob, error) {
	job, err := b.client.RetryConversion(ctx, id, stagingTargetID)
	return job, remoteErr(err)
}

func (b *remoteBackend) TestProvider(ctx context.Context, configID string) (bool, error) {
	ok, err := b.client.TestProvider(ctx, configID)
	return ok, remoteErr(err)
}

func (b *remoteBackend) Follow(ctx context.Context, job *models.ConversionJob, _ string, onUpdate func(*models.ConversionJob)) (*models.ConversionJob, error) {
	last, err := b.client.Watch(ctx, job.ID, func(j *models.ConversionJob) error {
		onUpdate(j)
		return nil
	})
	return last, remoteErr(err)
}

func (b *remoteBackend) Detached() bool { return true }

func remoteErr(err error) error {
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("%w: %w", errNotFound, err)
	}
	return err
}
