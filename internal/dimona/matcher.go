package dimona

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ReconcileResult summarises one reconciliation run.
type ReconcileResult struct {
	Created    int
	Updated    int
	Linked     int
	Detached   int
	Superseded int
}

// Matcher upserts candidate periods onto known periods.
type Matcher struct {
	events Events
	logger *slog.Logger
}

// NewMatcher constructs a Matcher. A nil events sink disables notifications.
func NewMatcher(events Events, logger *slog.Logger) *Matcher {
	return &Matcher{events: events, logger: logger}
}

type upsertResult struct {
	period     Period
	created    bool
	updated    bool
	linked     int
	superseded bool
}

// Reconcile matches every candidate against existing periods: first a period
// already linked to one of its employments, then an unused period with the
// same core attributes, otherwise a new period.
func (m *Matcher) Reconcile(ctx context.Context, store Store, candidates []CandidatePeriod) (ReconcileResult, error) {
	var result ReconcileResult
	for _, c := range candidates {
		var res upsertResult
		err := store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			var err error
			res, err = m.upsert(ctx, tx, c)
			return err
		})
		if err != nil {
			return result, err
		}
		period := res.period
		result.Linked += res.linked
		if res.superseded {
			result.Superseded++
		}
		switch {
		case res.created:
			result.Created++
			m.notify(ctx, "period created", period, func() error { return m.events.PeriodCreated(ctx, period) })
		case res.updated:
			result.Updated++
			m.notify(ctx, "period updated", period, func() error { return m.events.PeriodUpdated(ctx, period) })
		}
	}
	return result, nil
}

func (m *Matcher) upsert(ctx context.Context, tx Store, c CandidatePeriod) (upsertResult, error) {
	target, superseded, err := m.findTarget(ctx, tx, c)
	if err != nil {
		return upsertResult{}, err
	}
	if target == nil {
		p := newPeriod(c)
		p, err = tx.InsertPeriod(ctx, p)
		if err != nil {
			return upsertResult{}, err
		}
		if err := tx.LinkEmployments(ctx, p.ID, c.EmploymentIDs); err != nil {
			return upsertResult{}, err
		}
		p.EmploymentIDs = append([]string(nil), c.EmploymentIDs...)
		return upsertResult{period: p, created: true, linked: len(c.EmploymentIDs), superseded: superseded}, nil
	}

	p := *target
	if p.State.Outstanding() {
		return upsertResult{}, fmt.Errorf("%w: period %d is %s", ErrOutstandingDeclaration, p.ID, p.State)
	}

	changed := applyCandidate(&p, c)
	if p.WorkerType != c.WorkerType {
		p.WorkerType = c.WorkerType
		changed = true
	}
	missing := missingLinks(p.EmploymentIDs, c.EmploymentIDs)
	if !changed && len(missing) == 0 {
		return upsertResult{period: p, superseded: superseded}, nil
	}

	updated := false
	if changed {
		switch {
		case !p.HasReference():
			// Never declared: the next create phase files it with the new shape.
			p.State = PeriodStateNew
		case p.State != PeriodStateNew:
			p.State = PeriodStateOutdated
			updated = true
		}
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return upsertResult{}, err
		}
	}
	if len(missing) > 0 {
		if err := tx.LinkEmployments(ctx, p.ID, missing); err != nil {
			return upsertResult{}, err
		}
		p.EmploymentIDs = append(p.EmploymentIDs, missing...)
	}
	return upsertResult{period: p, updated: updated, linked: len(missing), superseded: superseded}, nil
}

// findTarget returns the period a candidate should land on. A linked period
// declared under another worker type gives up the candidate's employments
// and is left for the cancel phase. A linked period the authority never
// registered is retyped in place.
func (m *Matcher) findTarget(ctx context.Context, tx Store, c CandidatePeriod) (*Period, bool, error) {
	linked, err := tx.PeriodLinkedTo(ctx, c.EmploymentIDs)
	if err != nil {
		return nil, false, err
	}
	superseded := false
	if linked != nil {
		if linked.State.Outstanding() || linked.WorkerType == c.WorkerType || !linked.HasReference() {
			return linked, false, nil
		}
		shared := sharedLinks(linked.EmploymentIDs, c.EmploymentIDs)
		if err := tx.UnlinkEmployments(ctx, linked.ID, shared); err != nil {
			return nil, false, err
		}
		m.log().Info("period superseded by worker type change",
			slog.Int64("period_id", linked.ID),
			slog.String("from", string(linked.WorkerType)),
			slog.String("to", string(c.WorkerType)),
		)
		superseded = true
	}
	unused, err := tx.UnusedPeriod(ctx, UnusedPeriodQuery{
		EmployerID:      c.EmployerID,
		WorkerID:        c.WorkerID,
		WorkerType:      c.WorkerType,
		JointCommission: c.JointCommission,
		StartDate:       c.StartDate,
	})
	return unused, superseded, err
}

// Detach unlinks employments of in-scope periods that no longer appear in the
// candidate set.
func (m *Matcher) Detach(ctx context.Context, store Store, scope Scope, candidates []CandidatePeriod) (int, error) {
	current := make(map[string]struct{})
	for _, c := range candidates {
		for _, id := range c.EmploymentIDs {
			current[id] = struct{}{}
		}
	}
	periods, err := store.PeriodsInScope(ctx, scope)
	if err != nil {
		return 0, err
	}
	detached := 0
	for _, p := range periods {
		var stale []string
		for _, id := range p.EmploymentIDs {
			if _, ok := current[id]; !ok {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := store.UnlinkEmployments(ctx, p.ID, stale); err != nil {
			return detached, err
		}
		detached += len(stale)
	}
	return detached, nil
}

func (m *Matcher) notify(ctx context.Context, msg string, p Period, send func() error) {
	if m.events == nil {
		return
	}
	if err := send(); err != nil {
		m.log().Warn(msg+" notification", slog.Int64("period_id", p.ID), slog.Any("error", err))
	}
}

func (m *Matcher) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

func newPeriod(c CandidatePeriod) Period {
	return Period{
		EmployerID:      c.EmployerID,
		WorkerID:        c.WorkerID,
		JointCommission: c.JointCommission,
		WorkerType:      c.WorkerType,
		StartDate:       c.StartDate,
		EndDate:         c.EndDate,
		StartHour:       c.StartHour,
		EndHour:         c.EndHour,
		Hours:           c.Hours,
		Location:        c.Location,
		State:           PeriodStateNew,
	}
}

// applyCandidate overwrites the schedule fields of p and reports whether any
// of them changed. Location is left alone.
func applyCandidate(p *Period, c CandidatePeriod) bool {
	changed := !sameDate(p.StartDate, c.StartDate) ||
		!sameDate(p.EndDate, c.EndDate) ||
		!sameString(p.StartHour, c.StartHour) ||
		!sameString(p.EndHour, c.EndHour) ||
		!sameDecimal(p.Hours, c.Hours)
	if !changed {
		return false
	}
	p.StartDate = c.StartDate
	p.EndDate = c.EndDate
	p.StartHour = c.StartHour
	p.EndHour = c.EndHour
	p.Hours = c.Hours
	return true
}

func missingLinks(existing, wanted []string) []string {
	have := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		have[id] = struct{}{}
	}
	var missing []string
	for _, id := range wanted {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		missing = append(missing, id)
	}
	return missing
}

func sharedLinks(existing, wanted []string) []string {
	want := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		want[id] = struct{}{}
	}
	var shared []string
	for _, id := range existing {
		if _, ok := want[id]; ok {
			shared = append(shared, id)
		}
	}
	return shared
}

func sameDate(a, b time.Time) bool {
	return a.Format(dateLayout) == b.Format(dateLayout)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
