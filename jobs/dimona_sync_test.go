package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperlab-be/dimona/internal/dimona"
	jobmetrics "github.com/hyperlab-be/dimona/internal/jobs"
	"github.com/hyperlab-be/dimona/internal/shared"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks)), Type: task.Type()}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeRunner struct {
	outcome dimona.Outcome
	err     error
	keys    []dimona.SyncKey
}

func (f *fakeRunner) Run(_ context.Context, key dimona.SyncKey) (dimona.Outcome, error) {
	f.keys = append(f.keys, key)
	return f.outcome, f.err
}

func newScheduler(t *testing.T) (*SyncScheduler, *fakeEnqueuer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	enq := &fakeEnqueuer{}
	return NewSyncScheduler(enq, rdb), enq, mr
}

var testKey = dimona.SyncKey{EmployerID: "emp-1", WorkerID: "wrk-1", From: "2025-03-01", To: "2025-03-31"}

func syncTask(t *testing.T, key dimona.SyncKey) *asynq.Task {
	t.Helper()
	task, err := NewSyncTask(key)
	require.NoError(t, err)
	return task
}

func TestSyncSchedulerKeepsOneSuccessorPerKey(t *testing.T) {
	scheduler, enq, mr := newScheduler(t)
	ctx := context.Background()

	require.NoError(t, scheduler.Schedule(ctx, testKey, 5*time.Second))
	require.NoError(t, scheduler.Schedule(ctx, testKey, time.Minute))
	assert.Equal(t, 1, enq.count())
	assert.True(t, mr.Exists(shared.SyncScheduledKey(testKey.String())))

	var key dimona.SyncKey
	require.NoError(t, json.Unmarshal(enq.tasks[0].task.Payload(), &key))
	assert.Equal(t, testKey, key)
	assert.Equal(t, TaskDimonaSync, enq.tasks[0].task.Type())

	require.NoError(t, scheduler.Clear(ctx, testKey))
	require.NoError(t, scheduler.Schedule(ctx, testKey, time.Second))
	assert.Equal(t, 2, enq.count())
}

func TestSyncSchedulerMarkerExpires(t *testing.T) {
	scheduler, enq, mr := newScheduler(t)
	ctx := context.Background()

	require.NoError(t, scheduler.Schedule(ctx, testKey, time.Second))
	mr.FastForward(time.Second + markerGrace + time.Second)
	require.NoError(t, scheduler.Schedule(ctx, testKey, time.Second))
	assert.Equal(t, 2, enq.count())
}

func TestSyncSchedulerReleasesMarkerOnEnqueueFailure(t *testing.T) {
	scheduler, enq, mr := newScheduler(t)
	enq.err = errors.New("redis down")

	err := scheduler.Schedule(context.Background(), testKey, time.Second)
	require.Error(t, err)
	assert.False(t, mr.Exists(shared.SyncScheduledKey(testKey.String())))
}

func TestSyncSchedulerTriggerBypassesMarker(t *testing.T) {
	scheduler, enq, _ := newScheduler(t)
	ctx := context.Background()

	require.NoError(t, scheduler.Schedule(ctx, testKey, time.Hour))
	info, err := scheduler.Trigger(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, TaskDimonaSync, info.Type)
	assert.Equal(t, 2, enq.count())
}

func TestSyncJobSchedulesSuccessor(t *testing.T) {
	scheduler, enq, mr := newScheduler(t)
	runner := &fakeRunner{outcome: dimona.Outcome{RetryAfter: dimona.IssuedRetryDelay, Reason: "CREATE"}}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewSyncJob(runner, scheduler, nil, metrics)

	mr.Set(shared.SyncScheduledKey(testKey.String()), "stale")
	require.NoError(t, job.Handle(context.Background(), syncTask(t, testKey)))

	require.Len(t, runner.keys, 1)
	assert.Equal(t, testKey, runner.keys[0])
	assert.Equal(t, 1, enq.count())
	assert.True(t, mr.Exists(shared.SyncScheduledKey(testKey.String())))
}

func TestSyncJobSteadyStateSchedulesNothing(t *testing.T) {
	scheduler, enq, mr := newScheduler(t)
	job := NewSyncJob(&fakeRunner{}, scheduler, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	mr.Set(shared.SyncScheduledKey(testKey.String()), "stale")
	require.NoError(t, job.Handle(context.Background(), syncTask(t, testKey)))
	assert.Equal(t, 0, enq.count())
	assert.False(t, mr.Exists(shared.SyncScheduledKey(testKey.String())))
}

func TestSyncJobRejectsInvalidPayload(t *testing.T) {
	scheduler, _, _ := newScheduler(t)
	runner := &fakeRunner{}
	job := NewSyncJob(runner, scheduler, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskDimonaSync, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, shared.ErrInvalidPayload)

	err = job.Handle(context.Background(), syncTask(t, dimona.SyncKey{EmployerID: "emp-1", From: "2025-03-01", To: "bad"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, runner.keys)
}

func TestSyncJobErrorHandling(t *testing.T) {
	scheduler, _, _ := newScheduler(t)

	outstanding := &fakeRunner{err: fmt.Errorf("dimona: reconcile: %w", dimona.ErrOutstandingDeclaration)}
	job := NewSyncJob(outstanding, scheduler, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), syncTask(t, testKey))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, dimona.ErrOutstandingDeclaration)

	transient := &fakeRunner{err: errors.New("connection reset")}
	job = NewSyncJob(transient, scheduler, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err = job.Handle(context.Background(), syncTask(t, testKey))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

type staticLister struct {
	keys  []dimona.SyncKey
	since time.Time
}

func (s *staticLister) UnsettledKeys(_ context.Context, since time.Time) ([]dimona.SyncKey, error) {
	s.since = since
	return s.keys, nil
}

func TestSweepJobSchedulesUnsettledKeys(t *testing.T) {
	scheduler, enq, _ := newScheduler(t)
	other := dimona.SyncKey{EmployerID: "emp-2", WorkerID: "wrk-9", From: "2025-03-02", To: "2025-03-02"}
	lister := &staticLister{keys: []dimona.SyncKey{testKey, other}}
	job := NewSweepJob(lister, scheduler, 0, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	now := time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	task, err := NewSweepTask(7)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 2, enq.count())
	assert.Equal(t, now.Add(-7*24*time.Hour), lister.since)

	// Keys with a pending successor are not scheduled twice.
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 2, enq.count())
}

func TestSweepJobDefaultLookback(t *testing.T) {
	scheduler, _, _ := newScheduler(t)
	lister := &staticLister{}
	job := NewSweepJob(lister, scheduler, 0, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	now := time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskDimonaSweep, nil)))
	assert.Equal(t, now.Add(-defaultSweepLookback), lister.since)
}
