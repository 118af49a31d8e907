package dimona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/hyperlab-be/dimona/internal/jobs"
	"github.com/hyperlab-be/dimona/internal/shared"
)

// ServiceConfig collects the collaborators of a Service.
type ServiceConfig struct {
	Store     Store
	Authority Authority
	Source    EmploymentSource
	Events    Events
	Locker    Locker
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Location  *time.Location
	LockTTL   time.Duration
}

// Service drives sync passes for one employer/worker/window key at a time.
type Service struct {
	store     Store
	authority Authority
	source    EmploymentSource
	events    Events
	locker    Locker
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	loc       *time.Location
	lockTTL   time.Duration
	resolver  *Resolver
	matcher   *Matcher
	now       func() time.Time

	refreshEvery time.Duration
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		authority: cfg.Authority,
		source:    cfg.Source,
		events:    cfg.Events,
		locker:    cfg.Locker,
		logger:    logger,
		metrics:   cfg.Metrics,
		loc:       loc,
		lockTTL:   ttl,
		resolver:  NewResolver(cfg.Store),
		matcher:   NewMatcher(cfg.Events, logger),
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Run executes one pass for key under the scope lease. The lease is kept
// alive while the pass runs and always released before Run returns, so a
// positive Outcome.RetryAfter can be scheduled by the caller without
// deadlocking on its own lock. A pass that loses its lease is abandoned and
// rescheduled.
func (s *Service) Run(ctx context.Context, key SyncKey) (Outcome, error) {
	if s.locker == nil {
		return s.Sync(ctx, key)
	}
	lease, err := s.locker.Obtain(ctx, shared.SyncLockKey(key.EmployerID, key.WorkerID), s.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockNotObtained) {
			return Outcome{RetryAfter: LockedRetryDelay, Reason: "locked"}, nil
		}
		return Outcome{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release sync lock", slog.String("key", key.String()), slog.Any("error", err))
		}
	}()

	passCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.keepAlive(passCtx, lease, key, cancel)
	}()
	outcome, err := s.Sync(passCtx, key)
	cancel(nil)
	<-stopped

	if cause := context.Cause(passCtx); errors.Is(cause, ErrLockLost) {
		s.logger.Warn("sync lock lost mid pass", slog.String("key", key.String()), slog.Any("error", cause))
		return Outcome{RetryAfter: LockedRetryDelay, Reason: "lock lost"}, nil
	}
	return outcome, err
}

// keepAlive refreshes the lease until ctx is done. A failed refresh cancels
// the pass so it stops writing without the lease.
func (s *Service) keepAlive(ctx context.Context, lease Lease, key SyncKey, cancel context.CancelCauseFunc) {
	every := s.refreshEvery
	if every <= 0 {
		every = s.lockTTL / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx, s.lockTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("refresh sync lock", slog.String("key", key.String()), slog.Any("error", err))
				if !errors.Is(err, ErrLockLost) {
					err = fmt.Errorf("%w: %w", ErrLockLost, err)
				}
				cancel(err)
				return
			}
		}
	}
}

// Sync runs the polling, reconciliation and issuing phases for key. Callers
// must hold the scope lease.
func (s *Service) Sync(ctx context.Context, key SyncKey) (Outcome, error) {
	window, err := key.Window(s.loc)
	if err != nil {
		return Outcome{}, err
	}
	scope := Scope{EmployerID: key.EmployerID, WorkerID: key.WorkerID, Window: window}
	logger := s.logger.With(
		slog.String("employer_id", key.EmployerID),
		slog.String("worker_id", key.WorkerID),
		slog.String("window", key.From+".."+key.To),
	)

	oldest, outstanding, err := s.syncOutstanding(ctx, scope, logger)
	if err != nil {
		return Outcome{}, fmt.Errorf("dimona: sync declarations: %w", err)
	}
	if outstanding {
		delay := Backoff(s.now().Sub(oldest))
		logger.Info("declarations outstanding", slog.Duration("retry_after", delay))
		return Outcome{RetryAfter: delay, Reason: "outstanding"}, nil
	}

	result, err := s.reconcile(ctx, scope)
	if err != nil {
		return Outcome{}, fmt.Errorf("dimona: reconcile: %w", err)
	}
	logger.Info("reconciled periods",
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("linked", result.Linked),
		slog.Int("detached", result.Detached),
		slog.Int("superseded", result.Superseded),
	)

	phases := []struct {
		kind DeclarationType
		pick func(Period) bool
	}{
		{DeclarationTypeCancel, needsCancel},
		{DeclarationTypeUpdate, func(p Period) bool { return p.State == PeriodStateOutdated || p.State == PeriodStateFailed }},
		{DeclarationTypeCreate, needsCreate},
	}
	for _, phase := range phases {
		issued, err := s.issueAll(ctx, scope, phase.kind, phase.pick)
		if err != nil {
			return Outcome{}, fmt.Errorf("dimona: issue %s declarations: %w", phase.kind, err)
		}
		if issued.count > 0 {
			delay := IssuedRetryDelay
			if !issued.retryingSince.IsZero() {
				delay = max(delay, Backoff(s.now().Sub(issued.retryingSince)))
			}
			logger.Info("declarations issued",
				slog.String("type", string(phase.kind)),
				slog.Int("count", issued.count),
				slog.Duration("retry_after", delay),
			)
			return Outcome{RetryAfter: delay, Reason: string(phase.kind)}, nil
		}
	}

	logger.Info("periods in steady state")
	return Outcome{}, nil
}

// Periods lists the periods of key for inspection.
func (s *Service) Periods(ctx context.Context, key SyncKey) ([]Period, error) {
	window, err := key.Window(s.loc)
	if err != nil {
		return nil, err
	}
	return s.store.PeriodsInScope(ctx, Scope{EmployerID: key.EmployerID, WorkerID: key.WorkerID, Window: window})
}

// UnsettledKeys lists keys with pending work for periods starting on or after since.
func (s *Service) UnsettledKeys(ctx context.Context, since time.Time) ([]SyncKey, error) {
	return s.store.UnsettledKeys(ctx, since)
}

// needsCreate picks periods the authority has not registered yet. A period
// without employments is left alone. Failed periods are reconsidered against
// their history in issueAll.
func needsCreate(p Period) bool {
	if len(p.EmploymentIDs) == 0 {
		return false
	}
	return p.State == PeriodStateNew || p.State == PeriodStateFailed
}

func needsCancel(p Period) bool {
	if p.State == PeriodStateAcceptedWithWarning {
		return true
	}
	return (p.State == PeriodStateAccepted || p.State == PeriodStateWaiting) && len(p.EmploymentIDs) == 0
}

// syncOutstanding polls every outstanding declaration in scope and reports the
// creation time of the oldest one still outstanding afterwards.
func (s *Service) syncOutstanding(ctx context.Context, scope Scope, logger *slog.Logger) (time.Time, bool, error) {
	periods, err := s.store.PeriodsInScope(ctx, scope)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, p := range periods {
		if !p.State.Outstanding() {
			continue
		}
		if err := s.poll(ctx, p, logger); err != nil {
			return time.Time{}, false, err
		}
	}

	periods, err = s.store.PeriodsInScope(ctx, scope)
	if err != nil {
		return time.Time{}, false, err
	}
	var oldest time.Time
	outstanding := false
	for _, p := range periods {
		if !p.State.Outstanding() {
			continue
		}
		outstanding = true
		declarations, err := s.store.Declarations(ctx, p.ID)
		if err != nil {
			return time.Time{}, false, err
		}
		d, ok := latestOutstanding(declarations)
		if !ok {
			continue
		}
		if oldest.IsZero() || d.CreatedAt.Before(oldest) {
			oldest = d.CreatedAt
		}
	}
	if outstanding && oldest.IsZero() {
		oldest = s.now()
	}
	return oldest, outstanding, nil
}

func (s *Service) poll(ctx context.Context, p Period, logger *slog.Logger) error {
	declarations, err := s.store.Declarations(ctx, p.ID)
	if err != nil {
		return err
	}
	stored := p
	d, ok := latestOutstanding(declarations)
	if !ok {
		return s.settle(ctx, stored, p, declarations, nil)
	}
	log := logger.With(slog.Int64("period_id", p.ID), slog.Int64("declaration_id", d.ID))

	if d.Reference == nil || *d.Reference == "" {
		log.Warn("outstanding declaration without reference")
		d.State = DeclarationStateFailed
		d.Anomalies = Anomalies{map[string]any{"code": "", "description": "declaration has no authority reference"}}
		return s.settle(ctx, stored, p, replaceDeclaration(declarations, d), &d)
	}

	res, err := s.authority.GetDeclaration(ctx, *d.Reference)
	if err != nil {
		if IsTransient(err) {
			log.Debug("declaration not settled yet", slog.Any("error", err))
			return nil
		}
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			return err
		}
		log.Warn("declaration lookup rejected", slog.Int("status", reqErr.StatusCode))
		d.State = DeclarationStateFailed
		d.Anomalies = AnomaliesFromBody(reqErr.Body)
		return s.settle(ctx, stored, p, replaceDeclaration(declarations, d), &d)
	}

	d.State = MapResult(res.Result)
	d.Anomalies = res.Anomalies
	if d.Anomalies == nil {
		d.Anomalies = Anomalies{}
	}
	if !p.HasReference() && res.PeriodReference != "" {
		ref := res.PeriodReference
		p.Reference = &ref
	}
	s.metrics.ObserveDeclarationResult(string(d.Type), string(d.State))
	log.Info("declaration settled", slog.String("result", res.Result), slog.String("state", string(d.State)))
	return s.settle(ctx, stored, p, replaceDeclaration(declarations, d), &d)
}

// MapResult converts an authority result code into a declaration state.
func MapResult(result string) DeclarationState {
	switch result {
	case "A":
		return DeclarationStateAccepted
	case "W":
		return DeclarationStateAcceptedWithWarning
	case "B":
		return DeclarationStateRefused
	case "S":
		return DeclarationStateWaiting
	default:
		return DeclarationStateFailed
	}
}

// settle persists a changed declaration, records a worker type exception when
// the authority flagged the worker as ineligible and recomputes the period
// state, all in one transaction.
func (s *Service) settle(ctx context.Context, stored, p Period, declarations []Declaration, changed *Declaration) error {
	var notice *stateChange
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if changed != nil {
			if err := tx.UpdateDeclaration(ctx, *changed); err != nil {
				return err
			}
			if changed.State == DeclarationStateAcceptedWithWarning && changed.Anomalies.EligibilityUnmet(p.WorkerType) {
				if err := s.recordException(ctx, tx, p); err != nil {
					return err
				}
			}
		}
		var err error
		notice, err = s.applyState(ctx, tx, stored, p, declarations)
		return err
	})
	if err != nil {
		return err
	}
	s.announce(ctx, notice)
	return nil
}

func (s *Service) recordException(ctx context.Context, tx Store, p Period) error {
	start, end, ok := ExceptionWindow(p.WorkerType, p.StartDate)
	if !ok {
		return nil
	}
	active, err := tx.HasActiveException(ctx, p.WorkerID, p.WorkerType, dateOf(p.StartDate))
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	_, err = tx.InsertException(ctx, WorkerTypeException{
		WorkerID:   p.WorkerID,
		WorkerType: p.WorkerType,
		StartsAt:   start,
		EndsAt:     end,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return err
	}
	s.logger.Info("worker type exception recorded",
		slog.String("worker_id", p.WorkerID),
		slog.String("worker_type", string(p.WorkerType)),
		slog.String("from", start.Format(dateLayout)),
		slog.String("to", end.Format(dateLayout)),
	)
	return nil
}

type stateChange struct {
	period   Period
	previous PeriodState
}

// applyState writes the reduced state when it differs from the stored one.
// Periods that become cancelled give up their employment links so a
// superseding period can claim them.
func (s *Service) applyState(ctx context.Context, tx Store, stored, p Period, declarations []Declaration) (*stateChange, error) {
	previous := stored.State
	state, ok := ReduceState(p.WorkerType, declarations)
	if ok {
		p.State = state
	}
	referenceChanged := !sameString(p.Reference, stored.Reference)
	if p.State == previous && !referenceChanged {
		return nil, nil
	}
	if err := tx.UpdatePeriod(ctx, p); err != nil {
		return nil, err
	}
	if p.State == previous {
		return nil, nil
	}
	if p.State == PeriodStateCancelled && len(p.EmploymentIDs) > 0 {
		if err := tx.UnlinkEmployments(ctx, p.ID, p.EmploymentIDs); err != nil {
			return nil, err
		}
		p.EmploymentIDs = nil
	}
	return &stateChange{period: p, previous: previous}, nil
}

func (s *Service) announce(ctx context.Context, change *stateChange) {
	if change == nil || s.events == nil {
		return
	}
	if err := s.events.PeriodStateChanged(ctx, change.period, change.previous); err != nil {
		s.logger.Warn("period state changed notification", slog.Int64("period_id", change.period.ID), slog.Any("error", err))
	}
}

func (s *Service) reconcile(ctx context.Context, scope Scope) (ReconcileResult, error) {
	var intervals []EmploymentInterval
	if s.source != nil {
		employments, err := s.source.Employments(ctx, scope)
		if err != nil {
			return ReconcileResult{}, err
		}
		for _, e := range employments {
			if e == nil || !e.ShouldDeclare() {
				continue
			}
			intervals = append(intervals, e.DeclarationData())
		}
	}
	resolved, err := s.resolver.ResolveIntervals(ctx, intervals, s.loc)
	if err != nil {
		return ReconcileResult{}, err
	}
	candidates := BuildPeriods(resolved, s.loc)
	result, err := s.matcher.Reconcile(ctx, s.store, candidates)
	if err != nil {
		return result, err
	}
	detached, err := s.matcher.Detach(ctx, s.store, scope, candidates)
	result.Detached = detached
	return result, err
}

type issueResult struct {
	count int
	// retryingSince is the first attempt of the oldest declaration that
	// still could not reach the authority.
	retryingSince time.Time
}

func (s *Service) issueAll(ctx context.Context, scope Scope, kind DeclarationType, pick func(Period) bool) (issueResult, error) {
	var res issueResult
	periods, err := s.store.PeriodsInScope(ctx, scope)
	if err != nil {
		return res, err
	}
	for _, p := range periods {
		if !pick(p) {
			continue
		}
		var since time.Time
		if p.State == PeriodStateFailed {
			declarations, err := s.store.Declarations(ctx, p.ID)
			if err != nil {
				return res, err
			}
			retry, first, ok := RetryableDeclaration(declarations)
			if !ok || retry != kind {
				continue
			}
			since = first
		}
		d, err := s.issue(ctx, p, kind)
		if err != nil {
			return res, err
		}
		res.count++
		if d.State == DeclarationStateFailed && d.Anomalies.Unreachable() {
			if since.IsZero() {
				since = d.CreatedAt
			}
			if res.retryingSince.IsZero() || since.Before(res.retryingSince) {
				res.retryingSince = since
			}
		}
	}
	return res, nil
}

// issue sends one declaration for p and returns it as settled. The
// declaration is stored as pending before the call so a crash mid-request
// still leaves a trace.
func (s *Service) issue(ctx context.Context, p Period, kind DeclarationType) (Declaration, error) {
	var declaration Declaration
	var declarations []Declaration
	var notice *stateChange
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		declaration, err = tx.InsertDeclaration(ctx, Declaration{
			PeriodID:  p.ID,
			Type:      kind,
			State:     DeclarationStatePending,
			Anomalies: Anomalies{},
			CreatedAt: s.now(),
		})
		if err != nil {
			return err
		}
		declarations, err = tx.Declarations(ctx, p.ID)
		if err != nil {
			return err
		}
		notice, err = s.applyState(ctx, tx, p, p, declarations)
		return err
	})
	if err != nil {
		return Declaration{}, err
	}
	s.announce(ctx, notice)
	if notice != nil {
		p = notice.period
	}
	s.metrics.IncDeclarationIssued(string(kind))

	ref, err := s.authority.CreateDeclaration(ctx, BuildPayload(p, kind))
	if err != nil {
		s.logger.Warn("declaration request failed",
			slog.Int64("period_id", p.ID),
			slog.String("type", string(kind)),
			slog.Any("error", err),
		)
		declaration.State = DeclarationStateFailed
		declaration.Anomalies = anomaliesFromError(err)
		s.metrics.ObserveDeclarationResult(string(kind), string(declaration.State))
	} else {
		declaration.Reference = &ref
	}
	if err := s.settle(ctx, p, p, replaceDeclaration(declarations, declaration), &declaration); err != nil {
		return Declaration{}, err
	}
	return declaration, nil
}

func replaceDeclaration(declarations []Declaration, d Declaration) []Declaration {
	out := make([]Declaration, 0, len(declarations))
	found := false
	for _, existing := range declarations {
		if existing.ID == d.ID {
			out = append(out, d)
			found = true
			continue
		}
		out = append(out, existing)
	}
	if !found {
		out = append(out, d)
	}
	return out
}
