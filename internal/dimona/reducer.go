package dimona

import (
	"slices"
	"sort"
	"time"
)

// ReduceState folds a period's declaration history into its current state.
// The boolean result is false when the history does not determine a state, in
// which case the stored state must be left untouched.
func ReduceState(workerType WorkerType, declarations []Declaration) (PeriodState, bool) {
	if len(declarations) == 0 {
		return "", false
	}
	ordered := sortDeclarations(declarations)

	switch ordered[len(ordered)-1].State {
	case DeclarationStatePending:
		return PeriodStatePending, true
	case DeclarationStateWaiting:
		return PeriodStateWaiting, true
	}

	var acc *PeriodState
	for _, d := range ordered {
		acc = foldDeclaration(acc, workerType, d)
	}
	if acc == nil {
		return "", false
	}
	return *acc, true
}

func foldDeclaration(acc *PeriodState, workerType WorkerType, d Declaration) *PeriodState {
	if d.Type == DeclarationTypeCancel {
		switch {
		case d.State == DeclarationStateAccepted:
			return statePtr(PeriodStateCancelled)
		case d.State == DeclarationStateRefused && d.Anomalies.AlreadyCancelled():
			return statePtr(PeriodStateCancelled)
		default:
			return acc
		}
	}

	switch d.State {
	case DeclarationStateAccepted:
		return statePtr(PeriodStateAccepted)
	case DeclarationStateAcceptedWithWarning:
		if d.Anomalies.EligibilityUnmet(workerType) {
			return statePtr(PeriodStateAcceptedWithWarning)
		}
		return statePtr(PeriodStateAccepted)
	case DeclarationStateRefused:
		return statePtr(PeriodStateRefused)
	case DeclarationStateWaiting:
		return statePtr(PeriodStateWaiting)
	case DeclarationStateFailed:
		return statePtr(PeriodStateFailed)
	default:
		return acc
	}
}

func statePtr(s PeriodState) *PeriodState {
	return &s
}

// sortDeclarations returns a copy ordered oldest first, ties broken by id.
func sortDeclarations(declarations []Declaration) []Declaration {
	ordered := slices.Clone(declarations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// latestOutstanding returns the newest declaration still awaiting the authority.
func latestOutstanding(declarations []Declaration) (Declaration, bool) {
	ordered := sortDeclarations(declarations)
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].State.Outstanding() {
			return ordered[i], true
		}
	}
	return Declaration{}, false
}

// RetryableDeclaration reports whether the newest declaration failed because
// the authority could not be reached, and of which type it was. since is the
// creation time of the first attempt in that run of failures.
func RetryableDeclaration(declarations []Declaration) (kind DeclarationType, since time.Time, ok bool) {
	ordered := sortDeclarations(declarations)
	for i := len(ordered) - 1; i >= 0; i-- {
		d := ordered[i]
		if d.State != DeclarationStateFailed || !d.Anomalies.Unreachable() {
			break
		}
		if ok && d.Type != kind {
			break
		}
		kind, since, ok = d.Type, d.CreatedAt, true
	}
	return kind, since, ok
}
