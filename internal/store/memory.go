package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// Memory is a process-local Store. Values are copied on the way in and out
// so callers never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]*models.ConversionJob
	steps     map[string][]models.ConversionStep
	templates map[string]models.Template
	providers map[string]models.ProviderConfiguration
	targets   map[string]models.StagingTarget
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*models.ConversionJob),
		steps:     make(map[string][]models.ConversionStep),
		templates: make(map[string]models.Template),
		providers: make(map[string]models.ProviderConfiguration),
		targets:   make(map[string]models.StagingTarget),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateJob(_ context.Context, job *models.ConversionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s", ErrAlreadyExists, job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.ConversionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (m *Memory) UpdateJob(_ context.Context, job *models.ConversionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, job.ID)
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, job.ID, existing.Status)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) CancelJob(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = models.StatusCancelled
	job.CompletedAt = &at
	return true, nil
}

func (m *Memory) ListJobs(_ context.Context, opts ListOptions) ([]models.ConversionJob, int, error) {
	m.mu.RLock()
	matched := make([]models.ConversionJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if MatchesJob(*job, opts) {
			matched = append(matched, *job.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b models.ConversionJob) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(b.ID, a.ID)
	})

	total := len(matched)
	if opts.Offset >= total {
		return []models.ConversionJob{}, total, nil
	}
	end := min(opts.Offset+opts.EffectiveLimit(), total)
	return matched[opts.Offset:end], total, nil
}

func (m *Memory) ListJobsByStatus(_ context.Context, statuses ...models.ConversionStatus) ([]models.ConversionJob, error) {
	m.mu.RLock()
	var out []models.ConversionJob
	for _, job := range m.jobs {
		if slices.Contains(statuses, job.Status) {
			out = append(out, *job.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.ConversionJob) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) AppendStep(_ context.Context, step *models.ConversionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[step.JobID]; !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, step.JobID)
	}
	steps := m.steps[step.JobID]
	if want := len(steps) + 1; step.StepNumber != want {
		return fmt.Errorf("step %d appended to job %s, expected %d", step.StepNumber, step.JobID, want)
	}
	m.steps[step.JobID] = append(steps, cloneStep(*step))
	return nil
}

func (m *Memory) UpdateStep(_ context.Context, step *models.ConversionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[step.JobID]
	idx := step.StepNumber - 1
	if idx < 0 || idx >= len(steps) {
		return fmt.Errorf("%w: step %d of job %s", ErrNotFound, step.StepNumber, step.JobID)
	}
	steps[idx] = cloneStep(*step)
	return nil
}

func (m *Memory) ListSteps(_ context.Context, jobID string) ([]models.ConversionStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[jobID]
	out := make([]models.ConversionStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, cloneStep(s))
	}
	return out, nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: template %s", ErrNotFound, id)
	}
	return &t, nil
}

func (m *Memory) ListTemplates(_ context.Context, tenantID string) ([]models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Template
	for _, t := range m.templates {
		if TemplateVisible(t, tenantID) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b models.Template) int { return compareStrings(a.Name, b.Name) })
	return out, nil
}

func (m *Memory) SaveTemplate(_ context.Context, t *models.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.templates[t.ID] = *t
	return nil
}

func (m *Memory) ListProviderConfigs(context.Context) ([]models.ProviderConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ProviderConfiguration, 0, len(m.providers))
	for _, c := range m.providers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.ProviderConfiguration) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return compareStrings(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) GetProviderConfig(_ context.Context, id string) (*models.ProviderConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: provider configuration %s", ErrNotFound, id)
	}
	return &c, nil
}

func (m *Memory) SaveProviderConfig(_ context.Context, cfg *models.ProviderConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[cfg.ID] = *cfg
	return nil
}

func (m *Memory) GetStagingTarget(_ context.Context, id string) (*models.StagingTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: staging target %s", ErrNotFound, id)
	}
	return &t, nil
}

func (m *Memory) ListStagingTargets(context.Context) ([]models.StagingTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StagingTarget, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b models.StagingTarget) int { return compareStrings(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) SaveStagingTarget(_ context.Context, t *models.StagingTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = *t
	return nil
}

func cloneStep(s models.ConversionStep) models.ConversionStep {
	s.InputData = cloneAnyMap(s.InputData)
	s.OutputData = cloneAnyMap(s.OutputData)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
