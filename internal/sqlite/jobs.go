package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

const notTerminal = `status NOT IN ('completed', 'failed', 'cancelled')`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	defer s.observe(time.Now())
	_, err = s.DB.ExecContext(ctx, `INSERT INTO conversion_jobs (
		id, status, tenant_id, template_id, created_at, data
	) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.TenantID, job.TemplateID, formatTime(job.CreatedAt), string(data))
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, wrapError(err))
	}
	return nil
}

// GetJob returns a job or store.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	defer s.observe(time.Now())
	var data string
	err := s.DB.QueryRowContext(ctx, `SELECT data FROM conversion_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(data)
}

func decodeJob(data string) (*models.ConversionJob, error) {
	var job models.ConversionJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// UpdateJob replaces a job unless the stored row is already terminal.
func (s *Store) UpdateJob(ctx context.Context, job *models.ConversionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	start := time.Now()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE conversion_jobs SET status = ?, data = ? WHERE id = ? AND `+notTerminal,
		string(job.Status), string(data), job.ID)
	s.observe(start)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	if _, err := s.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s", store.ErrJobTerminal, job.ID)
}

// CancelJob moves a non-terminal job to cancelled inside one transaction.
func (s *Store) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	defer s.observe(time.Now())
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status, data string
	err = tx.QueryRowContext(ctx, `SELECT status, data FROM conversion_jobs WHERE id = ?`, id).Scan(&status, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if models.ConversionStatus(status).IsTerminal() {
		return false, nil
	}

	job, err := decodeJob(data)
	if err != nil {
		return false, err
	}
	job.Status = models.StatusCancelled
	job.CompletedAt = &at
	encoded, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversion_jobs SET status = ?, data = ? WHERE id = ?`,
		string(job.Status), string(encoded), id); err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel: %w", err)
	}
	return true, nil
}

// ListJobs returns matching jobs newest first and the total match count.
func (s *Store) ListJobs(ctx context.Context, opts store.ListOptions) ([]models.ConversionJob, int, error) {
	var clauses []string
	var args []any
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	if opts.TemplateID != "" {
		clauses = append(clauses, "template_id = ?")
		args = append(args, opts.TemplateID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	defer s.observe(time.Now())
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT data FROM conversion_jobs`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, opts.EffectiveLimit(), max(opts.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListJobsByStatus returns every job in one of statuses, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...models.ConversionStatus) ([]models.ConversionJob, error) {
	if len(statuses) == 0 {
		return []models.ConversionJob{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	defer s.observe(time.Now())
	rows, err := s.DB.QueryContext(ctx,
		`SELECT data FROM conversion_jobs WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]models.ConversionJob, error) {
	defer rows.Close()
	jobs := []models.ConversionJob{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// AppendStep records the next step of a job. Step numbers are contiguous
// from 1.
func (s *Store) AppendStep(ctx context.Context, step *models.ConversionStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	defer s.observe(time.Now())
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append step: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_jobs WHERE id = ?`, step.JobID).Scan(&exists); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: job %s", store.ErrNotFound, step.JobID)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_steps WHERE job_id = ?`, step.JobID).Scan(&count); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	if step.StepNumber != count+1 {
		return fmt.Errorf("append step: job %s expects step %d, got %d", step.JobID, count+1, step.StepNumber)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO conversion_steps (job_id, step_number, data) VALUES (?, ?, ?)`,
		step.JobID, step.StepNumber, string(data)); err != nil {
		return fmt.Errorf("append step: %w", wrapError(err))
	}
	return tx.Commit()
}

// UpdateStep replaces a recorded step.
func (s *Store) UpdateStep(ctx context.Context, step *models.ConversionStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	defer s.observe(time.Now())
	res, err := s.DB.ExecContext(ctx, `UPDATE conversion_steps SET data = ? WHERE job_id = ? AND step_number = ?`,
		string(data), step.JobID, step.StepNumber)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: step %d of job %s", store.ErrNotFound, step.StepNumber, step.JobID)
	}
	return nil
}

// ListSteps returns a job's steps in order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]models.ConversionStep, error) {
	defer s.observe(time.Now())
	rows, err := s.DB.QueryContext(ctx,
		`SELECT data FROM conversion_steps WHERE job_id = ? ORDER BY step_number ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	steps := []models.ConversionStep{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var step models.ConversionStep
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}
