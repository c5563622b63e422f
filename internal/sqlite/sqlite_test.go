package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// openTestStore creates a database in a temporary directory that is closed
// when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "test.db"), nil, metrics.NewCollector(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(id, tenant string, created time.Time) *models.ConversionJob {
	return &models.ConversionJob{
		ID:         id,
		TemplateID: "tpl",
		TenantID:   tenant,
		Status:     models.StatusPending,
		Source:     models.Source{Kind: models.SourceUpload, Content: "print('hi')"},
		InputData:  map[string]any{"module_name": "billing"},
		CreatedAt:  created,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestWipeData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("conv-000000000009", "acme", time.Now())))

	require.NoError(t, s.WipeData(ctx))
	_, total, err := s.ListJobs(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", nil, nil)
	assert.Error(t, err)
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("conv-000000000001", "acme", now)
	require.NoError(t, s.CreateJob(ctx, job))
	assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrAlreadyExists)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "billing", got.InputData["module_name"])
	assert.True(t, now.Equal(got.CreatedAt))

	got.Status = models.StatusProcessing
	got.Progress = 20
	require.NoError(t, s.UpdateJob(ctx, got))

	ok, err := s.CancelJob(ctx, job.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CancelJob(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got.Status = models.StatusCompleted
	assert.ErrorIs(t, s.UpdateJob(ctx, got), store.ErrJobTerminal)

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, final.Status)
	assert.Equal(t, 20, final.Progress)
	require.NotNil(t, final.CompletedAt)
}

func TestJobNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetJob(ctx, "conv-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.UpdateJob(ctx, newJob("conv-missing", "", time.Now())), store.ErrNotFound)

	_, err = s.CancelJob(ctx, "conv-missing", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, tenant := range []string{"acme", "acme", "globex"} {
		job := newJob(fmt.Sprintf("conv-%012d", i), tenant, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.CreateJob(ctx, job))
	}

	tests := []struct {
		name  string
		opts  store.ListOptions
		ids   []string
		total int
	}{
		{"tenant newest first", store.ListOptions{TenantID: "acme"}, []string{"conv-000000000001", "conv-000000000000"}, 2},
		{"paged", store.ListOptions{Limit: 1, Offset: 1}, []string{"conv-000000000001"}, 3},
		{"offset past end", store.ListOptions{Offset: 10}, nil, 3},
		{"status miss", store.ListOptions{Status: models.StatusFailed}, nil, 0},
		{"template", store.ListOptions{TemplateID: "tpl", Limit: 2}, []string{"conv-000000000002", "conv-000000000001"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, total, err := s.ListJobs(ctx, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.total, total)
			var ids []string
			for _, j := range jobs {
				ids = append(ids, j.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}

	pending, err := s.ListJobsByStatus(ctx, models.StatusPending, models.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "conv-000000000000", pending[0].ID)
}

func TestSteps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := newJob("conv-0000000000aa", "", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	step := &models.ConversionStep{
		JobID:      job.ID,
		StepNumber: 1,
		Kind:       models.StepAnalyze,
		Name:       "Analyzing source code",
		Status:     models.StepInProgress,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.AppendStep(ctx, step))

	gap := *step
	gap.StepNumber = 3
	assert.Error(t, s.AppendStep(ctx, &gap))

	orphan := *step
	orphan.JobID = "conv-missing"
	assert.ErrorIs(t, s.AppendStep(ctx, &orphan), store.ErrNotFound)

	step.Status = models.StepCompleted
	step.OutputData = map[string]any{"files_found": 1}
	require.NoError(t, s.UpdateStep(ctx, step))

	steps, err := s.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepCompleted, steps[0].Status)
	assert.EqualValues(t, 1, steps[0].OutputData["files_found"])

	missing := *step
	missing.StepNumber = 2
	assert.ErrorIs(t, s.UpdateStep(ctx, &missing), store.ErrNotFound)
}

func TestCatalog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTemplate(ctx, &models.Template{ID: "b", Name: "b-own", TenantID: "acme", IsActive: true}))
	require.NoError(t, s.SaveTemplate(ctx, &models.Template{ID: "a", Name: "a-public", TenantID: "globex", IsActive: true, IsPublic: true}))
	require.NoError(t, s.SaveTemplate(ctx, &models.Template{ID: "c", Name: "c-other", TenantID: "globex", IsActive: true}))
	require.NoError(t, s.SaveTemplate(ctx, &models.Template{ID: "d", Name: "d-off", TenantID: "acme"}))

	templates, err := s.ListTemplates(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "a-public", templates[0].Name)
	assert.Equal(t, "b-own", templates[1].Name)

	all, err := s.ListTemplates(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tpl, err := s.GetTemplate(ctx, "b")
	require.NoError(t, err)
	assert.False(t, tpl.CreatedAt.IsZero())

	require.NoError(t, s.SaveProviderConfig(ctx, &models.ProviderConfiguration{ID: "slow", Provider: models.ProviderOllama, Priority: 20, RetryDelay: 2 * time.Second}))
	require.NoError(t, s.SaveProviderConfig(ctx, &models.ProviderConfiguration{ID: "fast", Provider: models.ProviderOpenAI, Priority: 10}))
	configs, err := s.ListProviderConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "fast", configs[0].ID)
	assert.Equal(t, 2*time.Second, configs[1].RetryDelay)

	_, err = s.GetProviderConfig(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveStagingTarget(ctx, &models.StagingTarget{ID: "gh", Owner: "acme", Repo: "modules", IsActive: true}))
	require.NoError(t, s.SaveStagingTarget(ctx, &models.StagingTarget{ID: "gh", Owner: "acme", Repo: "modules-v2", IsActive: true}))
	targets, err := s.ListStagingTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "modules-v2", targets[0].Repo)
}
