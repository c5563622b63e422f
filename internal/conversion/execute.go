package conversion

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// run is the working state of one execution, shared by its steps.
type run struct {
	job      *models.ConversionJob
	template *models.Template
	target   *models.StagingTarget

	analysis   map[string]any
	prepared   map[string]any
	output     *models.ConversionOutput
	validation *Validation
	staged     map[string]any
}

// stepFunc performs a step. The returned output is recorded on the step even
// when err is non-nil.
type stepFunc func(ctx context.Context, r *run, step *models.ConversionStep) (map[string]any, error)

type stepDescriptor struct {
	kind     models.StepKind
	name     string
	status   models.ConversionStatus
	progress int
	run      stepFunc
}

func (s *Service) pipeline(withStaging bool) []stepDescriptor {
	steps := []stepDescriptor{
		{kind: models.StepAnalyze, name: "Analyzing source code", run: s.analyze},
		{kind: models.StepPrepare, name: "Preparing conversion", progress: 20, run: s.prepare},
		{kind: models.StepTransform, name: "Converting with LLM", progress: 60, run: s.transform},
		{kind: models.StepValidate, name: "Validating output", status: models.StatusValidating, progress: 80, run: s.validate},
	}
	if withStaging {
		steps = append(steps, stepDescriptor{
			kind: models.StepStage, name: "Staging to GitHub", status: models.StatusStaging, progress: 90, run: s.stage,
		})
	}
	return steps
}

// ExecuteConversion runs every step of a pending job and returns its final
// state. Cancellation, through CancelConversion or ctx, is observed between
// steps; a step in flight always runs to completion. A failed job is
// returned together with the error that failed it.
func (s *Service) ExecuteConversion(ctx context.Context, jobID, stagingTargetID string) (*models.ConversionJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
	}
	if job.Status != models.StatusPending {
		return job, fmt.Errorf("%w: %s is %s", ErrJobNotPending, jobID, job.Status)
	}

	s.mu.Lock()
	if s.running[jobID] {
		s.mu.Unlock()
		return job, fmt.Errorf("%w: %s is already running", ErrJobNotPending, jobID)
	}
	s.running[jobID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		delete(s.cancelled, jobID)
		s.mu.Unlock()
	}()

	// Steps and bookkeeping never see the caller's cancellation; it is only
	// checked at step boundaries.
	work := context.WithoutCancel(ctx)
	return s.execute(ctx, work, job, stagingTargetID)
}

func (s *Service) execute(ctx, work context.Context, job *models.ConversionJob, stagingTargetID string) (*models.ConversionJob, error) {
	started := s.now()
	job.Status = models.StatusProcessing
	job.StartedAt = &started
	if cancelled, err := s.persist(work, job); cancelled || err != nil {
		return s.afterPersist(work, job, cancelled, err)
	}
	s.logger.Info("conversion started", "job_id", job.ID, "template_id", job.TemplateID)

	r := &run{job: job}
	tpl, err := s.store.GetTemplate(work, job.TemplateID)
	if err != nil {
		return s.fail(work, r, "", fmt.Errorf("get template %s: %w", job.TemplateID, err))
	}
	r.template = tpl

	if stagingTargetID != "" {
		target, err := s.store.GetStagingTarget(work, stagingTargetID)
		if err != nil {
			return s.fail(work, r, "", fmt.Errorf("get staging target %s: %w", stagingTargetID, err))
		}
		if !target.IsActive {
			return s.fail(work, r, "", fmt.Errorf("%w: %s", ErrTargetInactive, stagingTargetID))
		}
		r.target = target
	}

	for i, d := range s.pipeline(r.target != nil) {
		if d.status != "" && job.Status != d.status {
			job.Status = d.status
			if cancelled, err := s.persist(work, job); cancelled || err != nil {
				return s.afterPersist(work, job, cancelled, err)
			}
		}

		if err := s.runStep(work, r, i+1, d); err != nil {
			return s.fail(work, r, d.kind, err)
		}

		if d.progress > job.Progress {
			job.Progress = d.progress
		}
		if cancelled, err := s.persist(work, job); cancelled || err != nil {
			return s.afterPersist(work, job, cancelled, err)
		}
		if s.cancelRequested(ctx, work, job.ID) {
			return s.finalizeCancelled(work, job)
		}
	}

	completed := s.now()
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.CompletedAt = &completed
	job.Output = r.output
	if cancelled, err := s.persist(work, job); cancelled || err != nil {
		return s.afterPersist(work, job, cancelled, err)
	}

	s.logger.Info("conversion completed",
		"job_id", job.ID, "tokens", job.TokensUsed, "duration", completed.Sub(started), "pr", job.StagingPRNumber)
	s.metrics.RecordJobStatus(string(job.Status))
	return job, nil
}

// runStep records a step around its work.
func (s *Service) runStep(ctx context.Context, r *run, number int, d stepDescriptor) error {
	step := &models.ConversionStep{
		JobID:      r.job.ID,
		StepNumber: number,
		Kind:       d.kind,
		Name:       d.name,
		Status:     models.StepInProgress,
		StartedAt:  s.now(),
	}
	if err := s.store.AppendStep(ctx, step); err != nil {
		return fmt.Errorf("record step %s: %w", d.kind, err)
	}

	out, runErr := d.run(ctx, r, step)

	completed := s.now()
	step.CompletedAt = &completed
	step.DurationMs = completed.Sub(step.StartedAt).Milliseconds()
	step.OutputData = out
	step.Status = models.StepCompleted
	if runErr != nil {
		step.Status = models.StepFailed
		step.ErrorMessage = runErr.Error()
	}
	if err := s.store.UpdateStep(ctx, step); err != nil {
		s.logger.Warn("failed to persist step", "job_id", r.job.ID, "step", d.kind, "error", err)
	}
	s.metrics.RecordStep(string(d.kind), string(step.Status), completed.Sub(step.StartedAt))

	if runErr != nil {
		return runErr
	}
	s.logger.Info("conversion step completed",
		"job_id", r.job.ID, "step", d.kind, "number", number, "duration_ms", step.DurationMs)
	return nil
}

// persist writes job. It reports cancelled when the stored job was moved to
// a terminal status by someone else, which can only be a cancellation.
func (s *Service) persist(ctx context.Context, job *models.ConversionJob) (bool, error) {
	err := s.store.UpdateJob(ctx, job)
	if errors.Is(err, store.ErrJobTerminal) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	s.notify(job)
	return false, nil
}

func (s *Service) afterPersist(ctx context.Context, job *models.ConversionJob, cancelled bool, err error) (*models.ConversionJob, error) {
	if cancelled {
		return s.finalizeCancelled(ctx, job)
	}
	s.logger.Error("conversion state lost", "job_id", job.ID, "error", err)
	return job, err
}

// cancelRequested checks the local flag, the caller's context and the
// stored status, which another process may have changed.
func (s *Service) cancelRequested(ctx, work context.Context, id string) bool {
	s.mu.Lock()
	flagged := s.cancelled[id]
	s.mu.Unlock()
	if flagged || ctx.Err() != nil {
		return true
	}
	stored, err := s.store.GetJob(work, id)
	return err == nil && stored.Status == models.StatusCancelled
}

func (s *Service) finalizeCancelled(ctx context.Context, job *models.ConversionJob) (*models.ConversionJob, error) {
	ok, err := s.store.CancelJob(ctx, job.ID, s.now())
	if err != nil {
		return job, fmt.Errorf("cancel job %s: %w", job.ID, err)
	}
	if ok {
		s.metrics.RecordJobStatus(string(models.StatusCancelled))
	}

	latest, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return job, err
	}
	s.logger.Info("conversion stopped after cancellation", "job_id", job.ID, "progress", latest.Progress)
	s.notify(latest)
	return latest, nil
}

// fail moves the job to failed. If the job was cancelled meanwhile the
// cancellation stands and no error is returned.
func (s *Service) fail(ctx context.Context, r *run, kind models.StepKind, cause error) (*models.ConversionJob, error) {
	job := r.job
	now := s.now()
	job.Status = models.StatusFailed
	job.ErrorMessage = cause.Error()
	job.CompletedAt = &now
	job.ErrorDetails = errorDetails(r, kind, cause)

	err := s.store.UpdateJob(ctx, job)
	if errors.Is(err, store.ErrJobTerminal) {
		return s.finalizeCancelled(ctx, job)
	}
	if err != nil {
		s.logger.Error("failed to persist conversion failure", "job_id", job.ID, "error", err)
	}

	s.logger.Error("conversion failed", "job_id", job.ID, "step", kind, "error", cause)
	s.metrics.RecordJobStatus(string(job.Status))
	s.notify(job)

	if kind != "" {
		cause = &StepError{Step: kind, Err: cause}
	}
	return job, cause
}

func errorDetails(r *run, kind models.StepKind, cause error) map[string]any {
	details := map[string]any{"error_type": errorType(cause)}
	if kind != "" {
		details["step"] = string(kind)
	}
	if failures := providerFailures(cause); len(failures) > 0 {
		details["failures"] = failures
	}
	var vf *ValidationFailure
	if errors.As(cause, &vf) {
		details["validation_errors"] = vf.Errors
		if len(vf.Warnings) > 0 {
			details["validation_warnings"] = vf.Warnings
		}
	}
	for k, v := range r.staged {
		details["staging_"+k] = v
	}
	return details
}
