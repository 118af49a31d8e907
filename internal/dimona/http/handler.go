package dimonahttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/hyperlab-be/dimona/internal/dimona"
	"github.com/hyperlab-be/dimona/internal/platform/httpx"
)

// PeriodLister lists the periods of a sync key.
type PeriodLister interface {
	Periods(ctx context.Context, key dimona.SyncKey) ([]dimona.Period, error)
}

// SyncTrigger enqueues an immediate sync pass.
type SyncTrigger interface {
	Trigger(ctx context.Context, key dimona.SyncKey) (*asynq.TaskInfo, error)
}

// Handler serves the Dimona ops endpoints.
type Handler struct {
	periods   PeriodLister
	trigger   SyncTrigger
	logger    *slog.Logger
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(periods PeriodLister, trigger SyncTrigger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		periods:   periods,
		trigger:   trigger,
		logger:    logger,
		validator: validator.New(),
	}
}

type syncResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
	Key    string `json:"key"`
}

type periodView struct {
	ID              int64              `json:"id"`
	EmployerID      string             `json:"employer_id"`
	WorkerID        string             `json:"worker_id"`
	JointCommission string             `json:"joint_commission"`
	WorkerType      dimona.WorkerType  `json:"worker_type"`
	StartDate       string             `json:"start_date"`
	EndDate         string             `json:"end_date"`
	StartHour       *string            `json:"start_hour,omitempty"`
	EndHour         *string            `json:"end_hour,omitempty"`
	Hours           *string            `json:"hours,omitempty"`
	Location        dimona.Location    `json:"location"`
	Reference       *string            `json:"reference,omitempty"`
	State           dimona.PeriodState `json:"state"`
	EmploymentIDs   []string           `json:"employment_ids"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func toView(p dimona.Period) periodView {
	v := periodView{
		ID:              p.ID,
		EmployerID:      p.EmployerID,
		WorkerID:        p.WorkerID,
		JointCommission: p.JointCommission,
		WorkerType:      p.WorkerType,
		StartDate:       p.StartDate.Format("2006-01-02"),
		EndDate:         p.EndDate.Format("2006-01-02"),
		StartHour:       p.StartHour,
		EndHour:         p.EndHour,
		Location:        p.Location,
		Reference:       p.Reference,
		State:           p.State,
		EmploymentIDs:   p.EmploymentIDs,
		UpdatedAt:       p.UpdatedAt,
	}
	if v.EmploymentIDs == nil {
		v.EmploymentIDs = []string{}
	}
	if p.Hours != nil {
		hours := p.Hours.StringFixed(2)
		v.Hours = &hours
	}
	return v
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	var key dimona.SyncKey
	if err := httpx.DecodeJSON(w, r, &key); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate(key); err != nil {
		httpx.RespondError(w, err)
		return
	}
	info, err := h.trigger.Trigger(r.Context(), key)
	if err != nil {
		h.logger.Error("enqueue sync", slog.String("key", key.String()), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: enqueue sync", httpx.ErrUnavailable))
		return
	}
	resp := syncResponse{Key: key.String()}
	if info != nil {
		resp.TaskID = info.ID
		resp.Queue = info.Queue
	}
	httpx.JSON(w, http.StatusAccepted, resp)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := dimona.SyncKey{
		EmployerID: q.Get("employer_id"),
		WorkerID:   q.Get("worker_id"),
		From:       q.Get("from"),
		To:         q.Get("to"),
	}
	if err := h.validate(key); err != nil {
		httpx.RespondError(w, err)
		return
	}
	periods, err := h.periods.Periods(r.Context(), key)
	if err != nil {
		if errors.Is(err, dimona.ErrInvalidWindow) {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("list periods", slog.String("key", key.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]periodView, 0, len(periods))
	for _, p := range periods {
		views = append(views, toView(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": views})
}

func (h *Handler) validate(key dimona.SyncKey) error {
	if err := h.validator.Struct(key); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s is %s", httpx.ErrValidation, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if key.To < key.From {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, dimona.ErrInvalidWindow)
	}
	return nil
}
