package dimona

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store persists periods, declarations, links and worker type exceptions.
type Store interface {
	ExceptionStore

	// WithTx runs fn inside a local transaction. Stores that do not support
	// transactions may call fn with themselves.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	PeriodsInScope(ctx context.Context, scope Scope) ([]Period, error)
	PeriodLinkedTo(ctx context.Context, employmentIDs []string) (*Period, error)
	UnusedPeriod(ctx context.Context, q UnusedPeriodQuery) (*Period, error)
	InsertPeriod(ctx context.Context, p Period) (Period, error)
	// UpdatePeriod writes dates, hours, state and reference. Location is
	// never written after insert.
	UpdatePeriod(ctx context.Context, p Period) error
	LinkEmployments(ctx context.Context, periodID int64, employmentIDs []string) error
	UnlinkEmployments(ctx context.Context, periodID int64, employmentIDs []string) error

	Declarations(ctx context.Context, periodID int64) ([]Declaration, error)
	InsertDeclaration(ctx context.Context, d Declaration) (Declaration, error)
	UpdateDeclaration(ctx context.Context, d Declaration) error

	InsertException(ctx context.Context, e WorkerTypeException) (WorkerTypeException, error)

	// UnsettledKeys lists sync keys with work left for periods starting on
	// or after since.
	UnsettledKeys(ctx context.Context, since time.Time) ([]SyncKey, error)
}

// UnusedPeriodQuery selects an unlinked, reusable period for a candidate.
type UnusedPeriodQuery struct {
	EmployerID      string
	WorkerID        string
	WorkerType      WorkerType
	JointCommission string
	StartDate       time.Time
}

// EmploymentSource supplies the host employments of a scope.
type EmploymentSource interface {
	Employments(ctx context.Context, scope Scope) ([]Employment, error)
}

// Events receives period notifications.
type Events interface {
	PeriodCreated(ctx context.Context, p Period) error
	PeriodUpdated(ctx context.Context, p Period) error
	PeriodStateChanged(ctx context.Context, p Period, previous PeriodState) error
}

// Scheduler schedules a future sync pass. Implementations keep at most one
// scheduled pass per key.
type Scheduler interface {
	Schedule(ctx context.Context, key SyncKey, delay time.Duration) error
}

// Locker hands out per scope leases.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once. Refresh
// extends the lease to ttl and returns ErrLockLost once another holder owns it.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// DeclarationPayload is the request body for a new declaration.
type DeclarationPayload struct {
	Type            DeclarationType
	EmployerID      string
	WorkerID        string
	JointCommission string
	WorkerType      WorkerType
	Reference       *string
	StartDate       time.Time
	EndDate         time.Time
	StartHour       *string
	EndHour         *string
	Hours           *string
	Location        Location
}

// AuthorityResult is the processed outcome of a declaration.
type AuthorityResult struct {
	PeriodReference string
	Result          string
	Anomalies       Anomalies
}

// Authority is the declaration service.
type Authority interface {
	CreateDeclaration(ctx context.Context, payload DeclarationPayload) (string, error)
	GetDeclaration(ctx context.Context, reference string) (AuthorityResult, error)
}

var (
	// ErrNotYetProcessed means the authority has not processed the declaration yet.
	ErrNotYetProcessed = errors.New("dimona: declaration not yet processed")
	// ErrServiceUnavailable means the authority could not be reached.
	ErrServiceUnavailable = errors.New("dimona: authority unavailable")
)

// RequestError carries a non-transient authority rejection.
type RequestError struct {
	StatusCode int
	Body       []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("dimona: authority rejected request: status %d", e.StatusCode)
}

// IsTransient reports whether err should be retried without touching state.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotYetProcessed) || errors.Is(err, ErrServiceUnavailable)
}

// anomaliesFromError extracts the error body of a rejected request. Requests
// that never reached the authority are tagged AnomalyAuthorityUnreachable.
func anomaliesFromError(err error) Anomalies {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return AnomaliesFromBody(reqErr.Body)
	}
	code := ""
	if IsTransient(err) {
		code = AnomalyAuthorityUnreachable
	}
	return Anomalies{map[string]any{"code": code, "description": err.Error()}}
}
