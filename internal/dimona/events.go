package dimona

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventsChannel is the Redis channel period notifications are published on.
const EventsChannel = "dimona.events"

// Event names.
const (
	EventPeriodCreated      = "dimona.period.created"
	EventPeriodUpdated      = "dimona.period.updated"
	EventPeriodStateChanged = "dimona.period.state_changed"
)

// EventEnvelope is the JSON message published for every notification.
type EventEnvelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	PeriodID      int64       `json:"period_id"`
	EmployerID    string      `json:"employer_id"`
	WorkerID      string      `json:"worker_id"`
	State         PeriodState `json:"state"`
	PreviousState PeriodState `json:"previous_state,omitempty"`
	Reference     *string     `json:"reference,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// RedisEvents publishes period notifications on a Redis channel.
type RedisEvents struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewRedisEvents constructs a publisher. An empty channel uses EventsChannel.
func NewRedisEvents(client *redis.Client, channel string) *RedisEvents {
	if channel == "" {
		channel = EventsChannel
	}
	return &RedisEvents{client: client, channel: channel, now: time.Now}
}

// PeriodCreated publishes EventPeriodCreated.
func (e *RedisEvents) PeriodCreated(ctx context.Context, p Period) error {
	return e.publish(ctx, EventPeriodCreated, p, "")
}

// PeriodUpdated publishes EventPeriodUpdated.
func (e *RedisEvents) PeriodUpdated(ctx context.Context, p Period) error {
	return e.publish(ctx, EventPeriodUpdated, p, "")
}

// PeriodStateChanged publishes EventPeriodStateChanged.
func (e *RedisEvents) PeriodStateChanged(ctx context.Context, p Period, previous PeriodState) error {
	return e.publish(ctx, EventPeriodStateChanged, p, previous)
}

func (e *RedisEvents) publish(ctx context.Context, kind string, p Period, previous PeriodState) error {
	if e == nil || e.client == nil {
		return nil
	}
	body, err := json.Marshal(EventEnvelope{
		ID:            uuid.NewString(),
		Type:          kind,
		PeriodID:      p.ID,
		EmployerID:    p.EmployerID,
		WorkerID:      p.WorkerID,
		State:         p.State,
		PreviousState: previous,
		Reference:     p.Reference,
		OccurredAt:    e.now().UTC(),
	})
	if err != nil {
		return err
	}
	return e.client.Publish(ctx, e.channel, body).Err()
}
