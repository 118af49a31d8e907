package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/hyperlab-be/dimona/internal/dimona"
	jobmetrics "github.com/hyperlab-be/dimona/internal/jobs"
	"github.com/hyperlab-be/dimona/internal/shared"
)

const (
	defaultSweepLookback = 30 * 24 * time.Hour
	sweepConcurrency     = 8
)

// UnsettledLister lists sync keys with unsettled periods.
type UnsettledLister interface {
	UnsettledKeys(ctx context.Context, since time.Time) ([]dimona.SyncKey, error)
}

// SweepJob reschedules sync passes for every key that still has work left.
// It recovers keys whose successor task was lost.
type SweepJob struct {
	Lister    UnsettledLister
	Scheduler dimona.Scheduler
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Lookback  time.Duration
	clock     func() time.Time
}

// NewSweepJob constructs the sweep handler.
func NewSweepJob(lister UnsettledLister, scheduler dimona.Scheduler, lookback time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *SweepJob {
	return &SweepJob{
		Lister:    lister,
		Scheduler: scheduler,
		Logger:    logger,
		Metrics:   metrics,
		Lookback:  lookback,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *SweepJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Lister == nil || j.Scheduler == nil {
		return errors.New("dimona sweep: handler not configured")
	}
	var payload SweepPayload
	if body := task.Payload(); len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("%w: %w", shared.ErrInvalidPayload, asynq.SkipRetry)
		}
	}
	lookback := j.Lookback
	if payload.LookbackDays > 0 {
		lookback = time.Duration(payload.LookbackDays) * 24 * time.Hour
	}
	if lookback <= 0 {
		lookback = defaultSweepLookback
	}

	tracker := j.metrics().Track(TaskDimonaSweep)
	defer func() {
		err = tracker.End(err)
	}()
	logger := j.logger().With(slog.Duration("lookback", lookback))

	keys, err := j.Lister.UnsettledKeys(ctx, j.now().Add(-lookback))
	if err != nil {
		logger.Error("list unsettled keys", slog.Any("error", err))
		return err
	}

	var scheduled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := j.Scheduler.Schedule(gctx, key, 0); err != nil {
				return err
			}
			scheduled.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("schedule sweep passes", slog.Any("error", err))
		return err
	}
	logger.Info("sweep completed", slog.Int("keys", len(keys)), slog.Int64("scheduled", scheduled.Load()))
	return nil
}

func (j *SweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDimonaSweep))
	}
	return slog.Default().With(slog.String("job", TaskDimonaSweep))
}

func (j *SweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
