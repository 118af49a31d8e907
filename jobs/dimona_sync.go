package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/hyperlab-be/dimona/internal/dimona"
	jobmetrics "github.com/hyperlab-be/dimona/internal/jobs"
	"github.com/hyperlab-be/dimona/internal/shared"
)

// SyncRunner runs one sync pass under its scope lease.
type SyncRunner interface {
	Run(ctx context.Context, key dimona.SyncKey) (dimona.Outcome, error)
}

// SuccessorScheduler schedules follow-up passes and clears the marker of the
// pass that is starting.
type SuccessorScheduler interface {
	dimona.Scheduler
	Clear(ctx context.Context, key dimona.SyncKey) error
}

// SyncJob handles TaskDimonaSync.
type SyncJob struct {
	Runner    SyncRunner
	Scheduler SuccessorScheduler
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	validate  *validator.Validate
}

// NewSyncJob constructs the sync handler.
func NewSyncJob(runner SyncRunner, scheduler SuccessorScheduler, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncJob {
	return &SyncJob{
		Runner:    runner,
		Scheduler: scheduler,
		Logger:    logger,
		Metrics:   metrics,
		validate:  validator.New(),
	}
}

// Handle runs the pass and schedules its successor when the outcome asks
// for one.
func (j *SyncJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Runner == nil || j.Scheduler == nil {
		return errors.New("dimona sync: handler not configured")
	}
	var key dimona.SyncKey
	if err := json.Unmarshal(task.Payload(), &key); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidPayload, asynq.SkipRetry)
	}
	if err := j.validator().Struct(key); err != nil {
		j.logger().Warn("invalid sync payload", slog.Any("error", err))
		return fmt.Errorf("%w: %w", shared.ErrInvalidPayload, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskDimonaSync)
	defer func() {
		err = tracker.End(err)
	}()
	logger := j.logger().With(slog.String("key", key.String()))

	if err := j.Scheduler.Clear(ctx, key); err != nil {
		logger.Warn("clear scheduled marker", slog.Any("error", err))
	}

	outcome, err := j.Runner.Run(ctx, key)
	if err != nil {
		logger.Error("sync pass failed", slog.Any("error", err))
		if errors.Is(err, dimona.ErrOutstandingDeclaration) || errors.Is(err, dimona.ErrInvalidWindow) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if outcome.Done() {
		return nil
	}
	if err := j.Scheduler.Schedule(ctx, key, outcome.RetryAfter); err != nil {
		logger.Error("schedule successor", slog.Any("error", err))
		return err
	}
	j.metrics().IncRetryScheduled(outcome.Reason)
	logger.Info("successor scheduled",
		slog.String("reason", outcome.Reason),
		slog.Duration("retry_after", outcome.RetryAfter),
	)
	return nil
}

func (j *SyncJob) validator() *validator.Validate {
	if j.validate == nil {
		j.validate = validator.New()
	}
	return j.validate
}

func (j *SyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDimonaSync))
	}
	return slog.Default().With(slog.String("job", TaskDimonaSync))
}

func (j *SyncJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
