package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/hyperlab-be/dimona/internal/dimona"
	"github.com/hyperlab-be/dimona/internal/shared"
)

// markerGrace keeps the scheduled marker alive a little past the planned run
// so a late start still finds it.
const markerGrace = 2 * time.Minute

// Enqueuer is the subset of asynq.Client used for scheduling.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SyncScheduler keeps at most one pending sync task per key. A Redis marker
// records the scheduled successor; the sync handler clears it on start.
type SyncScheduler struct {
	enqueuer Enqueuer
	redis    *redis.Client
}

// NewSyncScheduler constructs a scheduler.
func NewSyncScheduler(enqueuer Enqueuer, rdb *redis.Client) *SyncScheduler {
	return &SyncScheduler{enqueuer: enqueuer, redis: rdb}
}

// Schedule enqueues a sync pass for key after delay unless one is already
// scheduled.
func (s *SyncScheduler) Schedule(ctx context.Context, key dimona.SyncKey, delay time.Duration) error {
	if s == nil || s.enqueuer == nil {
		return errors.New("jobs: scheduler not configured")
	}
	if delay < 0 {
		delay = 0
	}
	marker := shared.SyncScheduledKey(key.String())
	if s.redis != nil {
		ok, err := s.redis.SetNX(ctx, marker, time.Now().Add(delay).UTC().Format(time.RFC3339), delay+markerGrace).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	task, err := NewSyncTask(key)
	if err != nil {
		s.clear(ctx, marker)
		return err
	}
	if _, err := s.enqueuer.EnqueueContext(ctx, task, asynq.ProcessIn(delay)); err != nil {
		s.clear(ctx, marker)
		return err
	}
	return nil
}

// Trigger enqueues an immediate sync pass for key regardless of any
// scheduled successor.
func (s *SyncScheduler) Trigger(ctx context.Context, key dimona.SyncKey) (*asynq.TaskInfo, error) {
	if s == nil || s.enqueuer == nil {
		return nil, errors.New("jobs: scheduler not configured")
	}
	task, err := NewSyncTask(key)
	if err != nil {
		return nil, err
	}
	return s.enqueuer.EnqueueContext(ctx, task)
}

// Clear drops the scheduled marker of key.
func (s *SyncScheduler) Clear(ctx context.Context, key dimona.SyncKey) error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, shared.SyncScheduledKey(key.String())).Err()
}

func (s *SyncScheduler) clear(ctx context.Context, marker string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Del(context.WithoutCancel(ctx), marker).Err()
}
