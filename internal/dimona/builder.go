package dimona

import (
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CandidatePeriod is a period that should exist according to the current
// employment intervals.
type CandidatePeriod struct {
	EmploymentIDs   []string
	EmployerID      string
	WorkerID        string
	JointCommission string
	WorkerType      WorkerType
	StartsAt        time.Time
	EndsAt          time.Time
	StartDate       time.Time
	EndDate         time.Time
	StartHour       *string
	EndHour         *string
	Hours           *decimal.Decimal
	Location        Location
}

type groupKey struct {
	employerID      string
	jointCommission string
	workerType      WorkerType
	workerID        string
	date            string
}

type draft struct {
	ids      []string
	first    EmploymentInterval
	location Location
	startsAt time.Time
	endsAt   time.Time
	minutes  int64
}

// BuildPeriods merges resolved employment intervals into candidate periods.
// Intervals sharing a grouping key are folded chronologically and an interval
// starting exactly where the running period ends extends it.
func BuildPeriods(intervals []EmploymentInterval, loc *time.Location) []CandidatePeriod {
	if loc == nil {
		loc = time.UTC
	}
	ordered := slices.Clone(intervals)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartsAt.Before(ordered[j].StartsAt)
	})

	var keys []groupKey
	groups := make(map[groupKey][]*draft)
	seen := make(map[groupKey]map[string]struct{})
	locations := make(map[groupKey]Location)
	for _, in := range ordered {
		in.StartsAt = in.StartsAt.In(loc)
		in.EndsAt = in.EndsAt.In(loc)
		key := groupKey{
			employerID:      in.EmployerID,
			jointCommission: in.JointCommission,
			workerType:      in.WorkerType,
			workerID:        in.WorkerID,
			date:            in.StartsAt.Format(dateLayout),
		}
		drafts, ok := groups[key]
		if !ok {
			keys = append(keys, key)
			seen[key] = make(map[string]struct{})
			locations[key] = in.Location
		}
		if _, dup := seen[key][in.ID]; dup {
			continue
		}
		seen[key][in.ID] = struct{}{}
		if n := len(drafts); n > 0 && drafts[n-1].endsAt.Equal(in.StartsAt) {
			drafts[n-1].extend(in)
			continue
		}
		groups[key] = append(drafts, newDraft(in, locations[key]))
	}

	periods := make([]CandidatePeriod, 0, len(ordered))
	for _, key := range keys {
		for _, d := range groups[key] {
			periods = append(periods, d.candidate())
		}
	}
	return periods
}

func newDraft(in EmploymentInterval, location Location) *draft {
	d := &draft{
		first:    in,
		location: location,
		startsAt: in.StartsAt,
		endsAt:   in.EndsAt,
	}
	d.add(in)
	return d
}

func (d *draft) extend(in EmploymentInterval) {
	d.endsAt = in.EndsAt
	d.add(in)
}

func (d *draft) add(in EmploymentInterval) {
	d.minutes += int64(in.EndsAt.Sub(in.StartsAt) / time.Minute)
	d.ids = append(d.ids, in.ID)
}

func (d *draft) candidate() CandidatePeriod {
	c := CandidatePeriod{
		EmploymentIDs:   d.ids,
		EmployerID:      d.first.EmployerID,
		WorkerID:        d.first.WorkerID,
		JointCommission: d.first.JointCommission,
		WorkerType:      d.first.WorkerType,
		StartsAt:        d.startsAt,
		EndsAt:          d.endsAt,
		StartDate:       dateOf(d.startsAt),
		EndDate:         dateOf(d.endsAt),
		Location:        d.location,
	}
	if c.WorkerType.UsesClockHours() {
		start := d.startsAt.Format(hourLayout)
		end := d.endsAt.Format(hourLayout)
		c.StartHour = &start
		c.EndHour = &end
		return c
	}
	hours := decimal.NewFromInt(d.minutes).Div(decimal.NewFromInt(60)).Round(2)
	c.Hours = &hours
	return c
}
