package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/raphaelgruber/moduleconv/internal/conversion"
	"github.com/raphaelgruber/moduleconv/internal/models"
)

// Executor runs a pending job to completion.
type Executor interface {
	ExecuteConversion(ctx context.Context, jobID, stagingTargetID string) (*models.ConversionJob, error)
}

// Worker feeds queued jobs to an Executor.
type Worker struct {
	consumer Consumer
	exec     Executor
	count    int
	logger   *slog.Logger
}

// NewWorker creates a worker running count jobs concurrently.
func NewWorker(consumer Consumer, exec Executor, count int, logger *slog.Logger) *Worker {
	if count <= 0 {
		count = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{consumer: consumer, exec: exec, count: count, logger: logger}
}

// Run consumes until ctx is done or the queue is closed. Jobs already
// running at that point run to completion; Run returns after they finish.
// Any other error means the consumer gave up.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started", "workers", w.count)
	err := w.consumer.Consume(ctx, w.count, w.handle)
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		w.logger.Info("queue worker stopped")
		return nil
	}
	if err != nil {
		w.logger.Error("queue worker failed", "error", err)
	}
	return err
}

func (w *Worker) handle(ctx context.Context, msg Message) error {
	job, err := w.exec.ExecuteConversion(context.WithoutCancel(ctx), msg.JobID, msg.StagingTargetID)
	switch {
	case errors.Is(err, conversion.ErrJobTerminal), errors.Is(err, conversion.ErrJobNotPending):
		w.logger.Info("skipping queued job", "job_id", msg.JobID, "reason", err)
		return nil
	case err != nil && job == nil:
		return err
	case err != nil:
		// The failure is already recorded on the job.
		w.logger.Debug("queued job failed", "job_id", msg.JobID, "error", err)
		return nil
	}
	w.logger.Info("queued job finished", "job_id", job.ID, "status", job.Status)
	return nil
}
