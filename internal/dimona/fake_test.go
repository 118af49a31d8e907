package dimona

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used across the package tests.
type memStore struct {
	mu           sync.Mutex
	nextID       int64
	periods      map[int64]Period
	declarations []Declaration
	exceptions   []WorkerTypeException
	now          func() time.Time

	insertPeriodErr error
	txCount         int
}

func newMemStore() *memStore {
	return &memStore{
		periods: make(map[int64]Period),
		now:     func() time.Time { return time.Date(2025, 10, 1, 6, 0, 0, 0, time.UTC) },
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	s.txCount++
	s.mu.Unlock()
	return fn(ctx, s)
}

func (s *memStore) sortedPeriods() []Period {
	out := make([]Period, 0, len(s.periods))
	for _, p := range s.periods {
		p.EmploymentIDs = slices.Clone(p.EmploymentIDs)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) PeriodsInScope(_ context.Context, scope Scope) ([]Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := scope.Window.From.Format(dateLayout)
	to := scope.Window.To.Format(dateLayout)
	var out []Period
	for _, p := range s.sortedPeriods() {
		start := p.StartDate.Format(dateLayout)
		if p.EmployerID != scope.EmployerID || p.WorkerID != scope.WorkerID || start < from || start > to {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (s *memStore) PeriodLinkedTo(_ context.Context, employmentIDs []string) (*Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sortedPeriods() {
		for _, id := range employmentIDs {
			if slices.Contains(p.EmploymentIDs, id) {
				return &p, nil
			}
		}
	}
	return nil, nil
}

func (s *memStore) UnusedPeriod(_ context.Context, q UnusedPeriodQuery) (*Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sortedPeriods() {
		if p.EmployerID != q.EmployerID || p.WorkerID != q.WorkerID || p.WorkerType != q.WorkerType ||
			p.JointCommission != q.JointCommission || !sameDate(p.StartDate, q.StartDate) {
			continue
		}
		if !p.State.Reusable() || len(p.EmploymentIDs) > 0 {
			continue
		}
		return &p, nil
	}
	return nil, nil
}

func (s *memStore) InsertPeriod(_ context.Context, p Period) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertPeriodErr != nil {
		return Period{}, s.insertPeriodErr
	}
	p.ID = s.id()
	p.EmploymentIDs = nil
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.periods[p.ID] = p
	return p, nil
}

func (s *memStore) UpdatePeriod(_ context.Context, p Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.periods[p.ID]
	if !ok {
		return ErrPeriodNotFound
	}
	stored.StartDate = p.StartDate
	stored.EndDate = p.EndDate
	stored.StartHour = p.StartHour
	stored.EndHour = p.EndHour
	stored.Hours = p.Hours
	stored.State = p.State
	stored.Reference = p.Reference
	stored.UpdatedAt = s.now()
	s.periods[p.ID] = stored
	return nil
}

func (s *memStore) LinkEmployments(_ context.Context, periodID int64, employmentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodID]
	if !ok {
		return ErrPeriodNotFound
	}
	for _, id := range employmentIDs {
		if !slices.Contains(p.EmploymentIDs, id) {
			p.EmploymentIDs = append(p.EmploymentIDs, id)
		}
	}
	s.periods[periodID] = p
	return nil
}

func (s *memStore) UnlinkEmployments(_ context.Context, periodID int64, employmentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodID]
	if !ok {
		return ErrPeriodNotFound
	}
	p.EmploymentIDs = slices.DeleteFunc(p.EmploymentIDs, func(id string) bool {
		return slices.Contains(employmentIDs, id)
	})
	s.periods[periodID] = p
	return nil
}

func (s *memStore) Declarations(_ context.Context, periodID int64) ([]Declaration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Declaration
	for _, d := range s.declarations {
		if d.PeriodID == periodID {
			out = append(out, d)
		}
	}
	return sortDeclarations(out), nil
}

func (s *memStore) InsertDeclaration(_ context.Context, d Declaration) (Declaration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.periods[d.PeriodID]; !ok {
		return Declaration{}, ErrPeriodNotFound
	}
	d.ID = s.id()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.UpdatedAt = d.CreatedAt
	s.declarations = append(s.declarations, d)
	return d, nil
}

func (s *memStore) UpdateDeclaration(_ context.Context, d Declaration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.declarations {
		if existing.ID == d.ID {
			existing.State = d.State
			existing.Anomalies = d.Anomalies
			existing.Reference = d.Reference
			s.declarations[i] = existing
			return nil
		}
	}
	return fmt.Errorf("declaration %d not found", d.ID)
}

func (s *memStore) HasActiveException(_ context.Context, workerID string, workerType WorkerType, date time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.exceptions {
		if e.WorkerID == workerID && e.WorkerType == workerType && e.Covers(date) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) InsertException(_ context.Context, e WorkerTypeException) (WorkerTypeException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.id()
	s.exceptions = append(s.exceptions, e)
	return e, nil
}

func (s *memStore) UnsettledKeys(_ context.Context, since time.Time) ([]SyncKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type bounds struct{ from, to string }
	byPair := make(map[[2]string]*bounds)
	var order [][2]string
	for _, p := range s.sortedPeriods() {
		switch p.State {
		case PeriodStatePending, PeriodStateWaiting, PeriodStateOutdated, PeriodStateAcceptedWithWarning:
		case PeriodStateNew:
			if len(p.EmploymentIDs) == 0 {
				continue
			}
		case PeriodStateFailed:
			var history []Declaration
			for _, d := range s.declarations {
				if d.PeriodID == p.ID {
					history = append(history, d)
				}
			}
			if _, _, ok := RetryableDeclaration(history); !ok {
				continue
			}
		default:
			continue
		}
		if p.StartDate.Before(since) {
			continue
		}
		pair := [2]string{p.EmployerID, p.WorkerID}
		day := p.StartDate.Format(dateLayout)
		b, ok := byPair[pair]
		if !ok {
			b = &bounds{from: day, to: day}
			byPair[pair] = b
			order = append(order, pair)
		}
		if day < b.from {
			b.from = day
		}
		if day > b.to {
			b.to = day
		}
	}
	keys := make([]SyncKey, 0, len(order))
	for _, pair := range order {
		b := byPair[pair]
		keys = append(keys, SyncKey{EmployerID: pair[0], WorkerID: pair[1], From: b.from, To: b.to})
	}
	return keys, nil
}

func (s *memStore) allPeriods() []Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPeriods()
}

func (s *memStore) period(id int64) Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periods[id]
}

func (s *memStore) declarationsOf(id int64) []Declaration {
	out, _ := s.Declarations(context.Background(), id)
	return out
}

// fakeAuthority records create calls and answers lookups from results.
type fakeAuthority struct {
	mu        sync.Mutex
	created   []DeclarationPayload
	createErr error
	nextRef   int
	results   map[string]AuthorityResult
	getErrs   map[string]error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{results: make(map[string]AuthorityResult), getErrs: make(map[string]error)}
}

func (a *fakeAuthority) CreateDeclaration(_ context.Context, payload DeclarationPayload) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, payload)
	if a.createErr != nil {
		return "", a.createErr
	}
	a.nextRef++
	return fmt.Sprintf("decl-%d", a.nextRef), nil
}

func (a *fakeAuthority) GetDeclaration(_ context.Context, reference string) (AuthorityResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.getErrs[reference]; ok {
		return AuthorityResult{}, err
	}
	res, ok := a.results[reference]
	if !ok {
		return AuthorityResult{}, ErrNotYetProcessed
	}
	return res, nil
}

func (a *fakeAuthority) answer(reference string, res AuthorityResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[reference] = res
}

func (a *fakeAuthority) payloads() []DeclarationPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.created)
}

// staticSource serves a mutable employment list.
type staticSource struct {
	mu          sync.Mutex
	employments []Employment
	err         error
}

func (s *staticSource) set(employments ...Employment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.employments = employments
}

func (s *staticSource) Employments(context.Context, Scope) ([]Employment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.employments), s.err
}

type recordedEvent struct {
	kind     string
	periodID int64
	state    PeriodState
	previous PeriodState
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (e *recordingEvents) record(kind string, p Period, previous PeriodState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{kind: kind, periodID: p.ID, state: p.State, previous: previous})
	return e.err
}

func (e *recordingEvents) PeriodCreated(_ context.Context, p Period) error {
	return e.record(EventPeriodCreated, p, "")
}

func (e *recordingEvents) PeriodUpdated(_ context.Context, p Period) error {
	return e.record(EventPeriodUpdated, p, "")
}

func (e *recordingEvents) PeriodStateChanged(_ context.Context, p Period, previous PeriodState) error {
	return e.record(EventPeriodStateChanged, p, previous)
}

func (e *recordingEvents) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.kind)
	}
	return out
}

func (e *recordingEvents) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

// memLocker grants one lease per key.
type memLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	stolen []string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Obtain(_ context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLockNotObtained
	}
	l.held[key] = true
	return &memLease{locker: l, key: key}, nil
}

func (l *memLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

type memLease struct {
	locker *memLocker
	key    string
}

// steal hands key to another holder.
func (l *memLocker) steal(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = false
	l.stolen = append(l.stolen, key)
}

func (l *memLease) Refresh(context.Context, time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if slices.Contains(l.locker.stolen, l.key) {
		return ErrLockLost
	}
	return nil
}

func (l *memLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.key)
	return nil
}

var errBoom = errors.New("boom")

func interval(id string, wt WorkerType, start, end string) EmploymentInterval {
	return EmploymentInterval{
		ID:              id,
		EmployerID:      "emp-1",
		WorkerID:        "wrk-1",
		JointCommission: "302",
		WorkerType:      wt,
		StartsAt:        mustTime(start),
		EndsAt:          mustTime(end),
		Location:        Location{Name: "Kitchen", PostalCode: "1000", Place: "Brussel", Country: "BE"},
	}
}

func mustTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		panic(err)
	}
	return t
}

func strPtr(s string) *string {
	return &s
}
