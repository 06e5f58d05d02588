package referral

import (
	"sort"
	"strings"
	"time"
)

// Scope selects the operational queue a view is showing.
type Scope string

const (
	ScopeAll      Scope = ""
	ScopeReferOut Scope = "Refer Out"
	ScopeReferIn  Scope = "Refer In"
	ScopeHistory  Scope = "History"
)

// ParseScope accepts the direction spellings, "history" and "all".
func ParseScope(raw string) (Scope, error) {
	switch fold(raw) {
	case "", "all":
		return ScopeAll, nil
	case "history":
		return ScopeHistory, nil
	}
	d, err := ParseDirection(raw)
	if err != nil {
		return "", err
	}
	return Scope(d), nil
}

// FilterSpec holds the user-chosen constraints of a query. Zero values
// disable the corresponding predicate.
type FilterSpec struct {
	// FreeText is matched case-sensitively against patient name, HN and
	// referral number.
	FreeText string
	// Status filters on the normalized status. Empty or StatusAll matches
	// every status.
	Status Status
	Scope  Scope
	// HistorySubType narrows ScopeHistory to one direction.
	HistorySubType      Direction
	OriginHospital      string
	DestinationHospital string
	// Date matches the calendar day of RequestedAt.
	Date time.Time
	// DateFrom and DateTo bound RequestedAt by calendar day, inclusive.
	DateFrom time.Time
	DateTo   time.Time
	// Role is the surface asking; it drives role isolation.
	Role Role
	// Location used for calendar-day comparisons. Defaults to UTC.
	Location *time.Location
}

func (f FilterSpec) location() *time.Location {
	if f.Location != nil {
		return f.Location
	}
	return time.UTC
}

// Query returns the referrals matching spec in their input order. The
// input slice and its elements are not modified; the result shares no
// memory with the input.
func Query(referrals []Referral, spec FilterSpec) []Referral {
	out := make([]Referral, 0, len(referrals))
	for _, r := range referrals {
		if Matches(r, spec) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Matches reports whether a single referral satisfies spec.
func Matches(r Referral, spec FilterSpec) bool {
	return matchFreeText(r, spec.FreeText) &&
		matchStatus(r, spec.Status) &&
		matchScope(r, spec.Scope, spec.HistorySubType) &&
		matchRole(r, spec.Scope, spec.Role) &&
		matchHospitals(r, spec.OriginHospital, spec.DestinationHospital) &&
		matchDate(r, spec)
}

func matchFreeText(r Referral, text string) bool {
	if text == "" {
		return true
	}
	return strings.Contains(r.PatientName, text) ||
		strings.Contains(r.PatientHN, text) ||
		strings.Contains(r.Number, text)
}

func matchStatus(r Referral, s Status) bool {
	if s.IsAll() {
		return true
	}
	return Normalize(string(r.Status)) == Normalize(string(s))
}

func matchScope(r Referral, scope Scope, historySubType Direction) bool {
	switch scope {
	case ScopeAll:
		return true
	case ScopeHistory:
		return historySubType == "" || r.Direction == historySubType
	default:
		return r.Direction == Direction(scope) && Classify(r.Status).Bucket == BucketActive
	}
}

// matchRole keeps a case manager's outbound queue to referrals the case
// manager raised, excluding ones created upstream by a primary-care unit.
func matchRole(r Referral, scope Scope, role Role) bool {
	if scope != ScopeReferOut || role != RoleCaseManager {
		return true
	}
	return r.EffectiveCreatorRole() == RoleCaseManager
}

func matchHospitals(r Referral, origin, destination string) bool {
	if origin != "" && !strings.Contains(r.OriginHospital, origin) {
		return false
	}
	if destination != "" && !strings.Contains(r.DestinationHospital, destination) {
		return false
	}
	return true
}

func matchDate(r Referral, spec FilterSpec) bool {
	if spec.Date.IsZero() && spec.DateFrom.IsZero() && spec.DateTo.IsZero() {
		return true
	}
	loc := spec.location()
	day := dayOf(r.RequestedAt, loc)
	if !spec.Date.IsZero() && !day.Equal(dayOf(spec.Date, loc)) {
		return false
	}
	if !spec.DateFrom.IsZero() && day.Before(dayOf(spec.DateFrom, loc)) {
		return false
	}
	if !spec.DateTo.IsZero() && day.After(dayOf(spec.DateTo, loc)) {
		return false
	}
	return true
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// SortByTimeOfDay orders referrals by the clock time of RequestedAt,
// ascending, ignoring the date. Ties keep their input order.
func SortByTimeOfDay(referrals []Referral, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	sort.SliceStable(referrals, func(i, j int) bool {
		return clock(referrals[i].RequestedAt, loc) < clock(referrals[j].RequestedAt, loc)
	})
}

func clock(t time.Time, loc *time.Location) time.Duration {
	t = t.In(loc)
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}

// SortByRequestedAt orders referrals by request time. Ties keep their
// input order.
func SortByRequestedAt(referrals []Referral, descending bool) {
	sort.SliceStable(referrals, func(i, j int) bool {
		if descending {
			return referrals[i].RequestedAt.After(referrals[j].RequestedAt)
		}
		return referrals[i].RequestedAt.Before(referrals[j].RequestedAt)
	})
}

// DayGroup is the referrals requested on one calendar day.
type DayGroup struct {
	Day       time.Time  `json:"day"`
	Referrals []Referral `json:"referrals"`
}

// GroupByDay buckets referrals by request day, most recent day first.
// Within a day the input order is kept.
func GroupByDay(referrals []Referral, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.UTC
	}
	index := make(map[time.Time]int)
	var groups []DayGroup
	for _, r := range referrals {
		day := dayOf(r.RequestedAt, loc)
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DayGroup{Day: day})
		}
		groups[i].Referrals = append(groups[i].Referrals, r)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Day.After(groups[j].Day)
	})
	return groups
}

// Summary holds dashboard counters.
type Summary struct {
	Total          int            `json:"total"`
	Active         int            `json:"active"`
	Terminal       int            `json:"terminal"`
	Unknown        int            `json:"unknown"`
	ByStatus       map[Status]int `json:"byStatus"`
	ByStage        map[Stage]int  `json:"byStage"`
	ActiveReferOut int            `json:"activeReferOut"`
	ActiveReferIn  int            `json:"activeReferIn"`
}

// Summarize counts referrals with the same classification the query
// engine uses, so badges agree with list views.
func Summarize(referrals []Referral) Summary {
	s := Summary{
		ByStatus: make(map[Status]int),
		ByStage:  make(map[Stage]int),
	}
	for _, r := range referrals {
		c := Classify(r.Status)
		s.Total++
		s.ByStatus[r.Status]++
		s.ByStage[c.Stage]++
		if !r.Status.IsKnown() {
			s.Unknown++
		}
		if c.Bucket == BucketTerminal {
			s.Terminal++
			continue
		}
		s.Active++
		switch r.Direction {
		case DirectionReferOut:
			s.ActiveReferOut++
		case DirectionReferIn:
			s.ActiveReferIn++
		}
	}
	return s
}
