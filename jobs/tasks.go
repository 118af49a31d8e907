package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/hyperlab-be/dimona/internal/dimona"
	jobmetrics "github.com/hyperlab-be/dimona/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDimonaSync runs one sync pass for an employer/worker/window key.
	TaskDimonaSync = "dimona:sync"
	// TaskDimonaSweep reschedules sync passes for keys with unsettled periods.
	TaskDimonaSweep = "dimona:sweep"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SweepPayload configures the sweep lookback. Zero uses the job default.
type SweepPayload struct {
	LookbackDays int `json:"lookback_days,omitempty"`
}

// NewSyncTask constructs the task for one sync pass.
func NewSyncTask(key dimona.SyncKey) (*asynq.Task, error) {
	body, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDimonaSync, body, asynq.Queue(QueueDefault)), nil
}

// NewSweepTask constructs the sweep task.
func NewSweepTask(lookbackDays int) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{LookbackDays: lookbackDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDimonaSweep, body, asynq.Queue(QueueDefault)), nil
}
