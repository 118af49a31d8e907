package dimona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hyperlab-be/dimona/internal/platform/db"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL backed Store.
type Repository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// WithTx wraps fn in a repeatable-read transaction. Nested calls reuse the
// surrounding transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	if r.pool == nil {
		return fn(ctx, r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{db: tx})
	})
}

const periodColumns = `p.id, p.employer_id, p.worker_id, p.joint_commission, p.worker_type,
	p.start_date, p.end_date, p.start_hour, p.end_hour, p.hours::text, p.location,
	p.reference, p.state, p.created_at, p.updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p        Period
		hours    *string
		location []byte
	)
	err := row.Scan(&p.ID, &p.EmployerID, &p.WorkerID, &p.JointCommission, &p.WorkerType,
		&p.StartDate, &p.EndDate, &p.StartHour, &p.EndHour, &hours, &location,
		&p.Reference, &p.State, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Period{}, err
	}
	if hours != nil {
		d, err := decimal.NewFromString(*hours)
		if err != nil {
			return Period{}, fmt.Errorf("dimona: parse hours of period %d: %w", p.ID, err)
		}
		p.Hours = &d
	}
	if len(location) > 0 {
		if err := json.Unmarshal(location, &p.Location); err != nil {
			return Period{}, fmt.Errorf("dimona: decode location of period %d: %w", p.ID, err)
		}
	}
	return p, nil
}

func (r *Repository) queryPeriods(ctx context.Context, query string, args ...any) ([]Period, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadLinks(ctx, periods); err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *Repository) loadLinks(ctx context.Context, periods []Period) error {
	if len(periods) == 0 {
		return nil
	}
	ids := make([]int64, len(periods))
	index := make(map[int64]int, len(periods))
	for i, p := range periods {
		ids[i] = p.ID
		index[p.ID] = i
	}
	rows, err := r.db.Query(ctx, `SELECT period_id, employment_id FROM dimona_period_employments
WHERE period_id = ANY($1) ORDER BY linked_at, employment_id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var periodID int64
		var employmentID string
		if err := rows.Scan(&periodID, &employmentID); err != nil {
			return err
		}
		i := index[periodID]
		periods[i].EmploymentIDs = append(periods[i].EmploymentIDs, employmentID)
	}
	return rows.Err()
}

func (r *Repository) firstPeriod(ctx context.Context, query string, args ...any) (*Period, error) {
	periods, err := r.queryPeriods(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, nil
	}
	return &periods[0], nil
}

// PeriodsInScope returns the periods of an employer/worker whose start date
// falls inside the window.
func (r *Repository) PeriodsInScope(ctx context.Context, scope Scope) ([]Period, error) {
	return r.queryPeriods(ctx, `SELECT `+periodColumns+` FROM dimona_periods p
WHERE p.employer_id = $1 AND p.worker_id = $2 AND p.start_date BETWEEN $3::date AND $4::date
ORDER BY p.start_date, p.id`,
		scope.EmployerID, scope.WorkerID, scope.Window.From.Format(dateLayout), scope.Window.To.Format(dateLayout))
}

// PeriodLinkedTo returns the oldest period linked to any of employmentIDs.
func (r *Repository) PeriodLinkedTo(ctx context.Context, employmentIDs []string) (*Period, error) {
	if len(employmentIDs) == 0 {
		return nil, nil
	}
	return r.firstPeriod(ctx, `SELECT `+periodColumns+` FROM dimona_periods p
WHERE EXISTS (SELECT 1 FROM dimona_period_employments l WHERE l.period_id = p.id AND l.employment_id = ANY($1))
ORDER BY p.id LIMIT 1`, employmentIDs)
}

// UnusedPeriod returns the oldest reusable period without employment links.
func (r *Repository) UnusedPeriod(ctx context.Context, q UnusedPeriodQuery) (*Period, error) {
	states := []string{string(PeriodStateNew), string(PeriodStateOutdated), string(PeriodStateAccepted)}
	return r.firstPeriod(ctx, `SELECT `+periodColumns+` FROM dimona_periods p
WHERE p.employer_id = $1 AND p.worker_id = $2 AND p.worker_type = $3 AND p.joint_commission = $4
  AND p.start_date = $5::date AND p.state = ANY($6)
  AND NOT EXISTS (SELECT 1 FROM dimona_period_employments l WHERE l.period_id = p.id)
ORDER BY p.id LIMIT 1`,
		q.EmployerID, q.WorkerID, string(q.WorkerType), q.JointCommission, q.StartDate.Format(dateLayout), states)
}

// InsertPeriod stores a new period.
func (r *Repository) InsertPeriod(ctx context.Context, p Period) (Period, error) {
	location, err := json.Marshal(p.Location)
	if err != nil {
		return Period{}, err
	}
	err = r.db.QueryRow(ctx, `INSERT INTO dimona_periods
(employer_id, worker_id, joint_commission, worker_type, start_date, end_date, start_hour, end_hour, hours, location, reference, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::date, $6::date, $7, $8, $9::numeric, $10, $11, $12, NOW(), NOW())
RETURNING id, created_at, updated_at`,
		p.EmployerID, p.WorkerID, p.JointCommission, string(p.WorkerType),
		p.StartDate.Format(dateLayout), p.EndDate.Format(dateLayout), p.StartHour, p.EndHour,
		hoursParam(p.Hours), location, p.Reference, string(p.State),
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Period{}, err
	}
	return p, nil
}

// UpdatePeriod writes the schedule, reference and state of p.
func (r *Repository) UpdatePeriod(ctx context.Context, p Period) error {
	tag, err := r.db.Exec(ctx, `UPDATE dimona_periods
SET start_date = $2::date, end_date = $3::date, start_hour = $4, end_hour = $5, hours = $6::numeric,
    reference = $7, state = $8, updated_at = NOW()
WHERE id = $1`,
		p.ID, p.StartDate.Format(dateLayout), p.EndDate.Format(dateLayout), p.StartHour, p.EndHour,
		hoursParam(p.Hours), p.Reference, string(p.State))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// LinkEmployments links employments to a period, ignoring existing links.
func (r *Repository) LinkEmployments(ctx context.Context, periodID int64, employmentIDs []string) error {
	if len(employmentIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `INSERT INTO dimona_period_employments (period_id, employment_id, linked_at)
SELECT $1, id, NOW() FROM unnest($2::text[]) AS id
ON CONFLICT (period_id, employment_id) DO NOTHING`, periodID, employmentIDs)
	return err
}

// UnlinkEmployments removes employment links from a period.
func (r *Repository) UnlinkEmployments(ctx context.Context, periodID int64, employmentIDs []string) error {
	if len(employmentIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM dimona_period_employments WHERE period_id = $1 AND employment_id = ANY($2)`, periodID, employmentIDs)
	return err
}

// Declarations returns the declarations of a period oldest first.
func (r *Repository) Declarations(ctx context.Context, periodID int64) ([]Declaration, error) {
	rows, err := r.db.Query(ctx, `SELECT id, period_id, type, state, anomalies, reference, created_at, updated_at
FROM dimona_declarations WHERE period_id = $1 ORDER BY created_at, id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var declarations []Declaration
	for rows.Next() {
		var d Declaration
		var anomalies []byte
		if err := rows.Scan(&d.ID, &d.PeriodID, &d.Type, &d.State, &anomalies, &d.Reference, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if len(anomalies) > 0 {
			if err := json.Unmarshal(anomalies, &d.Anomalies); err != nil {
				return nil, fmt.Errorf("dimona: decode anomalies of declaration %d: %w", d.ID, err)
			}
		}
		declarations = append(declarations, d)
	}
	return declarations, rows.Err()
}

// InsertDeclaration appends a declaration to a period.
func (r *Repository) InsertDeclaration(ctx context.Context, d Declaration) (Declaration, error) {
	anomalies, err := marshalAnomalies(d.Anomalies)
	if err != nil {
		return Declaration{}, err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	err = r.db.QueryRow(ctx, `INSERT INTO dimona_declarations (period_id, type, state, anomalies, reference, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id, updated_at`,
		d.PeriodID, string(d.Type), string(d.State), anomalies, d.Reference, d.CreatedAt,
	).Scan(&d.ID, &d.UpdatedAt)
	if err != nil {
		return Declaration{}, err
	}
	return d, nil
}

// UpdateDeclaration writes the state, anomalies and reference of d.
func (r *Repository) UpdateDeclaration(ctx context.Context, d Declaration) error {
	anomalies, err := marshalAnomalies(d.Anomalies)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `UPDATE dimona_declarations SET state = $2, anomalies = $3, reference = $4, updated_at = NOW() WHERE id = $1`,
		d.ID, string(d.State), anomalies, d.Reference)
	return err
}

// HasActiveException reports whether an exception covers date.
func (r *Repository) HasActiveException(ctx context.Context, workerID string, workerType WorkerType, date time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM dimona_worker_type_exceptions
WHERE worker_id = $1 AND worker_type = $2 AND starts_at <= $3::date AND ends_at >= $3::date)`,
		workerID, string(workerType), date.Format(dateLayout)).Scan(&exists)
	return exists, err
}

// InsertException stores a worker type exception. An identical exception
// already on file is not an error.
func (r *Repository) InsertException(ctx context.Context, e WorkerTypeException) (WorkerTypeException, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := r.db.QueryRow(ctx, `INSERT INTO dimona_worker_type_exceptions (worker_id, worker_type, starts_at, ends_at, created_at)
VALUES ($1, $2, $3::date, $4::date, $5)
ON CONFLICT (worker_id, worker_type, starts_at) DO NOTHING RETURNING id`,
		e.WorkerID, string(e.WorkerType), e.StartsAt.Format(dateLayout), e.EndsAt.Format(dateLayout), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, nil
		}
		return WorkerTypeException{}, err
	}
	return e, nil
}

// UnsettledKeys groups periods that still need a declaration or an answer by
// employer and worker. New periods without employments and declarations
// rejected by the authority are settled.
func (r *Repository) UnsettledKeys(ctx context.Context, since time.Time) ([]SyncKey, error) {
	states := []string{
		string(PeriodStatePending), string(PeriodStateWaiting),
		string(PeriodStateOutdated), string(PeriodStateAcceptedWithWarning),
	}
	rows, err := r.db.Query(ctx, `SELECT p.employer_id, p.worker_id, MIN(p.start_date), MAX(p.start_date)
FROM dimona_periods p
WHERE p.start_date >= $1::date
  AND (p.state = ANY($2)
    OR (p.state = $3 AND EXISTS (SELECT 1 FROM dimona_period_employments l WHERE l.period_id = p.id))
    OR (p.state = $4 AND (
      SELECT d.state = $4 AND d.anomalies::text LIKE '%' || $5 || '%'
      FROM dimona_declarations d WHERE d.period_id = p.id
      ORDER BY d.created_at DESC, d.id DESC LIMIT 1)))
GROUP BY p.employer_id, p.worker_id ORDER BY p.employer_id, p.worker_id`,
		since.Format(dateLayout), states, string(PeriodStateNew), string(PeriodStateFailed),
		AnomalyAuthorityUnreachable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []SyncKey
	for rows.Next() {
		var k SyncKey
		var from, to time.Time
		if err := rows.Scan(&k.EmployerID, &k.WorkerID, &from, &to); err != nil {
			return nil, err
		}
		k.From = from.Format(dateLayout)
		k.To = to.Format(dateLayout)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func hoursParam(h *decimal.Decimal) *string {
	if h == nil {
		return nil
	}
	s := h.StringFixed(2)
	return &s
}

func marshalAnomalies(a Anomalies) ([]byte, error) {
	if a == nil {
		a = Anomalies{}
	}
	return json.Marshal(a)
}
