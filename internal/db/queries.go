package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

var _ store.Store = (*Client)(nil)

var terminalStatuses = []string{
	string(models.StatusCompleted),
	string(models.StatusFailed),
	string(models.StatusCancelled),
}

type jobDoc struct {
	Status     string               `json:"status"`
	TenantID   string               `json:"tenant_id"`
	TemplateID string               `json:"template_id"`
	CreatedAt  time.Time            `json:"created_at"`
	Data       models.ConversionJob `json:"data"`
}

type stepDoc struct {
	JobID      string                `json:"job_id"`
	StepNumber int                   `json:"step_number"`
	Data       models.ConversionStep `json:"data"`
}

type templateDoc struct {
	Data models.Template `json:"data"`
}

type configDoc struct {
	Data models.ProviderConfiguration `json:"data"`
}

type targetDoc struct {
	Data models.StagingTarget `json:"data"`
}

type countRow struct {
	Count int `json:"count"`
}

// query runs a single-statement query and returns its rows.
func query[T any](ctx context.Context, c *Client, op, sql string, vars map[string]any) ([]T, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]T](ctx, c.db, sql, vars)
	c.metrics.RecordTiming(metrics.OpDBQuery, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

func stepRecordID(jobID string, number int) string {
	return fmt.Sprintf("%s_%04d", jobID, number)
}

func newJobDoc(job *models.ConversionJob) jobDoc {
	return jobDoc{
		Status:     string(job.Status),
		TenantID:   job.TenantID,
		TemplateID: job.TemplateID,
		CreatedAt:  job.CreatedAt,
		Data:       *job,
	}
}

// CreateJob inserts a new job.
func (c *Client) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	_, err := query[jobDoc](ctx, c, "create job", `
		CREATE type::record("conversion_job", $id) CONTENT $doc
	`, map[string]any{"id": job.ID, "doc": newJobDoc(job)})
	return err
}

// GetJob returns a job or store.ErrNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	rows, err := query[jobDoc](ctx, c, "get job", `
		SELECT * FROM type::record("conversion_job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	return &rows[0].Data, nil
}

// UpdateJob replaces a job unless the stored copy is already terminal.
// The status guard is part of the UPDATE so a concurrent cancel cannot be
// overwritten.
func (c *Client) UpdateJob(ctx context.Context, job *models.ConversionJob) error {
	doc := newJobDoc(job)
	rows, err := query[jobDoc](ctx, c, "update job", `
		UPDATE type::record("conversion_job", $id) SET
			status = $status,
			data = $data
		WHERE status NOTINSIDE $terminal
		RETURN AFTER
	`, map[string]any{
		"id":       job.ID,
		"status":   doc.Status,
		"data":     doc.Data,
		"terminal": terminalStatuses,
	})
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	if _, err := c.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s", store.ErrJobTerminal, job.ID)
}

// CancelJob moves a non-terminal job to cancelled in one statement.
func (c *Client) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	rows, err := query[jobDoc](ctx, c, "cancel job", `
		UPDATE type::record("conversion_job", $id) SET
			status = $cancelled,
			data.status = $cancelled,
			data.completed_at = $at
		WHERE status NOTINSIDE $terminal
		RETURN AFTER
	`, map[string]any{
		"id":        id,
		"cancelled": string(models.StatusCancelled),
		"at":        at,
		"terminal":  terminalStatuses,
	})
	if err != nil {
		return false, err
	}
	if len(rows) > 0 {
		return true, nil
	}
	if _, err := c.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListJobs returns matching jobs newest first and the total match count.
func (c *Client) ListJobs(ctx context.Context, opts store.ListOptions) ([]models.ConversionJob, int, error) {
	var clauses []string
	vars := map[string]any{
		"limit": opts.EffectiveLimit(),
		"start": max(opts.Offset, 0),
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = $status")
		vars["status"] = string(opts.Status)
	}
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = $tenant")
		vars["tenant"] = opts.TenantID
	}
	if opts.TemplateID != "" {
		clauses = append(clauses, "template_id = $template")
		vars["template"] = opts.TemplateID
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	counts, err := query[countRow](ctx, c, "count jobs",
		fmt.Sprintf("SELECT count() AS count FROM conversion_job %s GROUP ALL", where), vars)
	if err != nil {
		return nil, 0, err
	}
	total := 0
	if len(counts) > 0 {
		total = counts[0].Count
	}

	rows, err := query[jobDoc](ctx, c, "list jobs", fmt.Sprintf(`
		SELECT * FROM conversion_job %s
		ORDER BY created_at DESC, id DESC
		LIMIT $limit START $start
	`, where), vars)
	if err != nil {
		return nil, 0, err
	}
	jobs := make([]models.ConversionJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.Data)
	}
	return jobs, total, nil
}

// ListJobsByStatus returns every job in one of statuses, oldest first.
func (c *Client) ListJobsByStatus(ctx context.Context, statuses ...models.ConversionStatus) ([]models.ConversionJob, error) {
	if len(statuses) == 0 {
		return []models.ConversionJob{}, nil
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := query[jobDoc](ctx, c, "list jobs by status", `
		SELECT * FROM conversion_job WHERE status INSIDE $statuses ORDER BY created_at ASC
	`, map[string]any{"statuses": names})
	if err != nil {
		return nil, err
	}
	jobs := make([]models.ConversionJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.Data)
	}
	return jobs, nil
}

// AppendStep records the next step of a job. Step numbers are contiguous
// from 1; the unique (job_id, step_number) index rejects concurrent appends.
func (c *Client) AppendStep(ctx context.Context, step *models.ConversionStep) error {
	if _, err := c.GetJob(ctx, step.JobID); err != nil {
		return err
	}
	counts, err := query[countRow](ctx, c, "count steps", `
		SELECT count() AS count FROM conversion_step WHERE job_id = $job GROUP ALL
	`, map[string]any{"job": step.JobID})
	if err != nil {
		return err
	}
	next := 1
	if len(counts) > 0 {
		next = counts[0].Count + 1
	}
	if step.StepNumber != next {
		return fmt.Errorf("append step: job %s expects step %d, got %d", step.JobID, next, step.StepNumber)
	}

	_, err = query[stepDoc](ctx, c, "append step", `
		CREATE type::record("conversion_step", $id) CONTENT $doc
	`, map[string]any{
		"id":  stepRecordID(step.JobID, step.StepNumber),
		"doc": stepDoc{JobID: step.JobID, StepNumber: step.StepNumber, Data: *step},
	})
	return err
}

// UpdateStep replaces a recorded step.
func (c *Client) UpdateStep(ctx context.Context, step *models.ConversionStep) error {
	rows, err := query[stepDoc](ctx, c, "update step", `
		UPDATE type::record("conversion_step", $id) SET data = $data RETURN AFTER
	`, map[string]any{"id": stepRecordID(step.JobID, step.StepNumber), "data": *step})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: step %d of job %s", store.ErrNotFound, step.StepNumber, step.JobID)
	}
	return nil
}

// ListSteps returns a job's steps in order.
func (c *Client) ListSteps(ctx context.Context, jobID string) ([]models.ConversionStep, error) {
	rows, err := query[stepDoc](ctx, c, "list steps", `
		SELECT * FROM conversion_step WHERE job_id = $job ORDER BY step_number ASC
	`, map[string]any{"job": jobID})
	if err != nil {
		return nil, err
	}
	steps := make([]models.ConversionStep, 0, len(rows))
	for _, r := range rows {
		steps = append(steps, r.Data)
	}
	return steps, nil
}

// GetTemplate returns a template or store.ErrNotFound.
func (c *Client) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	rows, err := query[templateDoc](ctx, c, "get template", `
		SELECT * FROM type::record("module_template", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: template %s", store.ErrNotFound, id)
	}
	return &rows[0].Data, nil
}

// ListTemplates returns the active templates visible to tenantID by name.
func (c *Client) ListTemplates(ctx context.Context, tenantID string) ([]models.Template, error) {
	rows, err := query[templateDoc](ctx, c, "list templates", `
		SELECT * FROM module_template
		WHERE is_active = true AND ($tenant = "" OR tenant_id = $tenant OR is_public = true)
		ORDER BY name ASC
	`, map[string]any{"tenant": tenantID})
	if err != nil {
		return nil, err
	}
	out := make([]models.Template, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Data)
	}
	return out, nil
}

// SaveTemplate inserts or replaces a template.
func (c *Client) SaveTemplate(ctx context.Context, t *models.Template) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := query[templateDoc](ctx, c, "save template", `
		UPSERT type::record("module_template", $id) SET
			name = $name,
			tenant_id = $tenant,
			is_active = $active,
			is_public = $public,
			data = $data
	`, map[string]any{
		"id":     t.ID,
		"name":   t.Name,
		"tenant": t.TenantID,
		"active": t.IsActive,
		"public": t.IsPublic,
		"data":   *t,
	})
	return err
}

// ListProviderConfigs returns every configuration by ascending priority.
func (c *Client) ListProviderConfigs(ctx context.Context) ([]models.ProviderConfiguration, error) {
	rows, err := query[configDoc](ctx, c, "list provider configs", `
		SELECT * FROM llm_config ORDER BY priority ASC, id ASC
	`, nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.ProviderConfiguration, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Data)
	}
	return out, nil
}

// GetProviderConfig returns a configuration or store.ErrNotFound.
func (c *Client) GetProviderConfig(ctx context.Context, id string) (*models.ProviderConfiguration, error) {
	rows, err := query[configDoc](ctx, c, "get provider config", `
		SELECT * FROM type::record("llm_config", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: provider config %s", store.ErrNotFound, id)
	}
	return &rows[0].Data, nil
}

// SaveProviderConfig inserts or replaces a configuration.
func (c *Client) SaveProviderConfig(ctx context.Context, cfg *models.ProviderConfiguration) error {
	_, err := query[configDoc](ctx, c, "save provider config", `
		UPSERT type::record("llm_config", $id) SET priority = $priority, data = $data
	`, map[string]any{"id": cfg.ID, "priority": cfg.Priority, "data": *cfg})
	return err
}

// GetStagingTarget returns a target or store.ErrNotFound.
func (c *Client) GetStagingTarget(ctx context.Context, id string) (*models.StagingTarget, error) {
	rows, err := query[targetDoc](ctx, c, "get staging target", `
		SELECT * FROM type::record("staging_target", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: staging target %s", store.ErrNotFound, id)
	}
	return &rows[0].Data, nil
}

// ListStagingTargets returns every target by ID.
func (c *Client) ListStagingTargets(ctx context.Context) ([]models.StagingTarget, error) {
	rows, err := query[targetDoc](ctx, c, "list staging targets", `
		SELECT * FROM staging_target ORDER BY id ASC
	`, nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.StagingTarget, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Data)
	}
	return out, nil
}

// SaveStagingTarget inserts or replaces a target.
func (c *Client) SaveStagingTarget(ctx context.Context, t *models.StagingTarget) error {
	_, err := query[targetDoc](ctx, c, "save staging target", `
		UPSERT type::record("staging_target", $id) SET data = $data
	`, map[string]any{"id": t.ID, "data": *t})
	return err
}
