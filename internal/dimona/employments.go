package dimona

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HostEmployment is an employment row exposed by the host application.
type HostEmployment struct {
	Interval EmploymentInterval
	Declare  bool
}

// ShouldDeclare implements Employment.
func (e HostEmployment) ShouldDeclare() bool { return e.Declare }

// DeclarationData implements Employment.
func (e HostEmployment) DeclarationData() EmploymentInterval { return e.Interval }

// PostgresEmployments reads host employments from the dimona_employments view.
type PostgresEmployments struct {
	db dbtx
}

// NewPostgresEmployments constructs the source.
func NewPostgresEmployments(pool *pgxpool.Pool) *PostgresEmployments {
	return &PostgresEmployments{db: pool}
}

// Employments returns the employments of the scope that start inside its
// window, in start order.
func (s *PostgresEmployments) Employments(ctx context.Context, scope Scope) ([]Employment, error) {
	from := scope.Window.From
	to := scope.Window.To.AddDate(0, 0, 1)
	rows, err := s.db.Query(ctx, `SELECT id, employer_id, worker_id, joint_commission, worker_type,
       starts_at, ends_at, COALESCE(location, '{}'::jsonb), COALESCE(should_declare, TRUE)
FROM dimona_employments
WHERE employer_id = $1 AND worker_id = $2 AND starts_at >= $3 AND starts_at < $4
ORDER BY starts_at, id`, scope.EmployerID, scope.WorkerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employments []Employment
	for rows.Next() {
		var (
			e          HostEmployment
			workerType string
			location   []byte
			startsAt   time.Time
			endsAt     time.Time
		)
		if err := rows.Scan(&e.Interval.ID, &e.Interval.EmployerID, &e.Interval.WorkerID, &e.Interval.JointCommission,
			&workerType, &startsAt, &endsAt, &location, &e.Declare); err != nil {
			return nil, err
		}
		e.Interval.WorkerType = WorkerType(workerType)
		if !e.Interval.WorkerType.Valid() {
			return nil, fmt.Errorf("dimona: employment %s has unknown worker type %q", e.Interval.ID, workerType)
		}
		e.Interval.StartsAt = startsAt
		e.Interval.EndsAt = endsAt
		if len(location) > 0 {
			if err := json.Unmarshal(location, &e.Interval.Location); err != nil {
				return nil, fmt.Errorf("dimona: decode location of employment %s: %w", e.Interval.ID, err)
			}
		}
		employments = append(employments, e)
	}
	return employments, rows.Err()
}
