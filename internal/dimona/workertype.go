package dimona

import (
	"context"
	"time"
)

// ExceptionStore looks up worker type exceptions.
type ExceptionStore interface {
	HasActiveException(ctx context.Context, workerID string, workerType WorkerType, date time.Time) (bool, error)
}

// Resolver applies worker type exceptions to raw worker types.
type Resolver struct {
	store ExceptionStore
}

// NewResolver constructs a Resolver backed by store.
func NewResolver(store ExceptionStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the worker type to declare for workerID on date.
func (r *Resolver) Resolve(ctx context.Context, workerID string, workerType WorkerType, date time.Time) (WorkerType, error) {
	if workerType != WorkerTypeFlexi && workerType != WorkerTypeStudent {
		return workerType, nil
	}
	if r == nil || r.store == nil {
		return workerType, nil
	}
	active, err := r.store.HasActiveException(ctx, workerID, workerType, dateOf(date))
	if err != nil {
		return "", err
	}
	if active {
		return WorkerTypeOther, nil
	}
	return workerType, nil
}

// ResolveIntervals returns a copy of intervals with resolved worker types.
func (r *Resolver) ResolveIntervals(ctx context.Context, intervals []EmploymentInterval, loc *time.Location) ([]EmploymentInterval, error) {
	resolved := make([]EmploymentInterval, 0, len(intervals))
	for _, in := range intervals {
		start := in.StartsAt
		if loc != nil {
			start = start.In(loc)
		}
		wt, err := r.Resolve(ctx, in.WorkerID, in.WorkerType, start)
		if err != nil {
			return nil, err
		}
		in.WorkerType = wt
		resolved = append(resolved, in)
	}
	return resolved, nil
}

// ExceptionWindow returns the validity window of an exception triggered by a
// period of workerType starting on anchor. Flexi exceptions cover the
// calendar quarter, Student exceptions the calendar year.
func ExceptionWindow(workerType WorkerType, anchor time.Time) (time.Time, time.Time, bool) {
	loc := anchor.Location()
	year := anchor.Year()
	switch workerType {
	case WorkerTypeFlexi:
		firstMonth := time.Month((int(anchor.Month())-1)/3*3 + 1)
		start := time.Date(year, firstMonth, 1, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 3, -1)
		return start, end, true
	case WorkerTypeStudent:
		return time.Date(year, time.January, 1, 0, 0, 0, 0, loc), time.Date(year, time.December, 31, 0, 0, 0, 0, loc), true
	default:
		return time.Time{}, time.Time{}, false
	}
}
