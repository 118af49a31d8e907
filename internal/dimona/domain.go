package dimona

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WorkerType enumerates the worker classifications known to the authority.
type WorkerType string

const (
	WorkerTypeFlexi   WorkerType = "FLEXI"
	WorkerTypeStudent WorkerType = "STUDENT"
	WorkerTypeOther   WorkerType = "OTHER"
)

// UsesClockHours reports whether periods of this type are declared with a
// wall-clock start and end hour rather than a planned hours total.
func (t WorkerType) UsesClockHours() bool {
	return t != WorkerTypeStudent
}

// Valid reports whether t is a known worker type.
func (t WorkerType) Valid() bool {
	switch t {
	case WorkerTypeFlexi, WorkerTypeStudent, WorkerTypeOther:
		return true
	default:
		return false
	}
}

// PeriodState captures the lifecycle of a declared period.
type PeriodState string

const (
	PeriodStateNew                 PeriodState = "NEW"
	PeriodStatePending             PeriodState = "PENDING"
	PeriodStateWaiting             PeriodState = "WAITING"
	PeriodStateOutdated            PeriodState = "OUTDATED"
	PeriodStateAccepted            PeriodState = "ACCEPTED"
	PeriodStateAcceptedWithWarning PeriodState = "ACCEPTED_WITH_WARNING"
	PeriodStateRefused             PeriodState = "REFUSED"
	PeriodStateFailed              PeriodState = "FAILED"
	PeriodStateCancelled           PeriodState = "CANCELLED"
)

// Outstanding reports whether a declaration for the period is still in flight.
func (s PeriodState) Outstanding() bool {
	return s == PeriodStatePending || s == PeriodStateWaiting
}

// Reusable reports whether an unlinked period in this state may be claimed by
// a new candidate.
func (s PeriodState) Reusable() bool {
	switch s {
	case PeriodStateNew, PeriodStateOutdated, PeriodStateAccepted:
		return true
	default:
		return false
	}
}

// DeclarationType enumerates the kinds of request sent to the authority.
type DeclarationType string

const (
	DeclarationTypeCreate DeclarationType = "CREATE"
	DeclarationTypeUpdate DeclarationType = "UPDATE"
	DeclarationTypeCancel DeclarationType = "CANCEL"
)

// DeclarationState tracks a single request/response exchange.
type DeclarationState string

const (
	DeclarationStatePending             DeclarationState = "PENDING"
	DeclarationStateWaiting             DeclarationState = "WAITING"
	DeclarationStateAccepted            DeclarationState = "ACCEPTED"
	DeclarationStateAcceptedWithWarning DeclarationState = "ACCEPTED_WITH_WARNING"
	DeclarationStateRefused             DeclarationState = "REFUSED"
	DeclarationStateFailed              DeclarationState = "FAILED"
)

// Outstanding reports whether the authority has not settled the declaration yet.
func (s DeclarationState) Outstanding() bool {
	return s == DeclarationStatePending || s == DeclarationStateWaiting
}

// Location is the workplace address declared with a period.
type Location struct {
	Name        string `json:"name,omitempty"`
	Street      string `json:"street,omitempty"`
	HouseNumber string `json:"house_number,omitempty"`
	BoxNumber   string `json:"box_number,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	Place       string `json:"place,omitempty"`
	Country     string `json:"country,omitempty"`
}

// EmploymentInterval is one host employment as supplied for a sync pass.
type EmploymentInterval struct {
	ID              string
	EmployerID      string
	WorkerID        string
	JointCommission string
	WorkerType      WorkerType
	StartsAt        time.Time
	EndsAt          time.Time
	Location        Location
}

// Employment is implemented by host records that can be declared.
type Employment interface {
	ShouldDeclare() bool
	DeclarationData() EmploymentInterval
}

// Period is the locally tracked record of one declared employment span.
type Period struct {
	ID              int64
	EmployerID      string
	WorkerID        string
	JointCommission string
	WorkerType      WorkerType
	StartDate       time.Time
	EndDate         time.Time
	StartHour       *string
	EndHour         *string
	Hours           *decimal.Decimal
	Location        Location
	Reference       *string
	State           PeriodState
	EmploymentIDs   []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasReference reports whether the authority assigned a period id.
func (p Period) HasReference() bool {
	return p.Reference != nil && *p.Reference != ""
}

// Declaration is one append-only exchange with the authority about a period.
type Declaration struct {
	ID        int64
	PeriodID  int64
	Type      DeclarationType
	State     DeclarationState
	Anomalies Anomalies
	Reference *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkerTypeException forces a worker to be declared as Other within a window.
type WorkerTypeException struct {
	ID         int64
	WorkerID   string
	WorkerType WorkerType
	StartsAt   time.Time
	EndsAt     time.Time
	CreatedAt  time.Time
}

// Covers reports whether date falls inside the inclusive validity window.
func (e WorkerTypeException) Covers(date time.Time) bool {
	return !date.Before(e.StartsAt) && !date.After(e.EndsAt)
}

// Window is an inclusive calendar date range.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether date falls inside the window.
func (w Window) Contains(date time.Time) bool {
	return !date.Before(w.From) && !date.After(w.To)
}

// SyncKey identifies one sync pass scope.
type SyncKey struct {
	EmployerID string `json:"employer_id" validate:"required"`
	WorkerID   string `json:"worker_id" validate:"required"`
	From       string `json:"from" validate:"required,datetime=2006-01-02"`
	To         string `json:"to" validate:"required,datetime=2006-01-02"`
}

// String renders the composite key used for dedup markers and logging.
func (k SyncKey) String() string {
	return strings.Join([]string{k.EmployerID, k.WorkerID, k.From, k.To}, ":")
}

// Window parses the key's date range in loc.
func (k SyncKey) Window(loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	from, err := time.ParseInLocation(dateLayout, k.From, loc)
	if err != nil {
		return Window{}, fmt.Errorf("dimona: parse window start: %w", err)
	}
	to, err := time.ParseInLocation(dateLayout, k.To, loc)
	if err != nil {
		return Window{}, fmt.Errorf("dimona: parse window end: %w", err)
	}
	if to.Before(from) {
		return Window{}, ErrInvalidWindow
	}
	return Window{From: from, To: to}, nil
}

// Scope identifies the periods a sync pass owns.
type Scope struct {
	EmployerID string
	WorkerID   string
	Window     Window
}

// Outcome describes how a sync pass ended. A positive RetryAfter asks the
// caller to schedule a successor pass after releasing its lease.
type Outcome struct {
	RetryAfter time.Duration
	Reason     string
}

// Done reports whether the pass reached steady state.
func (o Outcome) Done() bool {
	return o.RetryAfter <= 0
}

const (
	dateLayout = "2006-01-02"
	hourLayout = "15:04"
)

var (
	// ErrOutstandingDeclaration flags reconciliation of a period whose
	// declaration is still pending at the authority.
	ErrOutstandingDeclaration = errors.New("dimona: period has an outstanding declaration")
	// ErrInvalidWindow indicates a window that ends before it starts.
	ErrInvalidWindow = errors.New("dimona: window end before start")
	// ErrPeriodNotFound indicates a missing period.
	ErrPeriodNotFound = errors.New("dimona: period not found")
	// ErrLockNotObtained indicates another pass holds the lease for the key.
	ErrLockNotObtained = errors.New("dimona: sync lock held by another pass")
	// ErrLockLost indicates the lease expired or was taken over mid pass.
	ErrLockLost = errors.New("dimona: sync lock lost")
)

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
