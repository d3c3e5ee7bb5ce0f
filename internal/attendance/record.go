package attendance

import (
	"errors"
	"fmt"
	"time"

	"davomat/internal/clock"
)

// ErrWrongDay is returned when a mark does not belong to the record's day.
var ErrWrongDay = errors.New("mark belongs to another day")

// Kind tags a Mark.
type Kind string

const (
	CheckIn  Kind = "check-in"
	CheckOut Kind = "check-out"
)

// Mark is a single observed check-in or check-out.
type Mark struct {
	Kind Kind
	At   time.Time
}

// DailyRecord aggregates one person's marks for one calendar day. The day is
// Date's calendar day in Date's location.
type DailyRecord struct {
	PersonID     string     `json:"personId"`
	Date         time.Time  `json:"date"`
	FirstCheckIn *time.Time `json:"firstCheckIn"`
	LastCheckOut *time.Time `json:"lastCheckOut"`
}

// NewDailyRecord starts an empty record for personID on day.
func NewDailyRecord(personID string, day time.Time) DailyRecord {
	return DailyRecord{PersonID: personID, Date: clock.StartOfDay(day)}
}

// Apply folds m into the record. Check-in keeps the earliest time seen,
// check-out keeps the latest. It reports whether the record changed, so
// replaying a mark is a no-op.
func (r *DailyRecord) Apply(m Mark) (bool, error) {
	if m.At.IsZero() {
		return false, fmt.Errorf("%s: zero time", m.Kind)
	}
	if !clock.SameDay(r.Date, m.At, r.Date.Location()) {
		return false, fmt.Errorf("%w: %s on %s", ErrWrongDay, m.Kind, clock.DayKey(m.At.In(r.Date.Location())))
	}
	at := m.At.In(r.Date.Location())
	switch m.Kind {
	case CheckIn:
		if r.FirstCheckIn != nil && !at.Before(*r.FirstCheckIn) {
			return false, nil
		}
		r.FirstCheckIn = &at
	case CheckOut:
		if r.LastCheckOut != nil && !at.After(*r.LastCheckOut) {
			return false, nil
		}
		r.LastCheckOut = &at
	default:
		return false, fmt.Errorf("unknown mark kind %q", m.Kind)
	}
	return true, nil
}

// Marks expands the record back into the marks it holds.
func (r DailyRecord) Marks() []Mark {
	var out []Mark
	if r.FirstCheckIn != nil {
		out = append(out, Mark{Kind: CheckIn, At: *r.FirstCheckIn})
	}
	if r.LastCheckOut != nil {
		out = append(out, Mark{Kind: CheckOut, At: *r.LastCheckOut})
	}
	return out
}

// Merge folds every mark of other into r. Merge is commutative and
// idempotent for records of the same day.
func (r *DailyRecord) Merge(other DailyRecord) (bool, error) {
	changed := false
	for _, m := range other.Marks() {
		c, err := r.Apply(m)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// Evaluate derives the record's status. The check-out never affects it.
func (r DailyRecord) Evaluate(threshold clock.TimeOfDay) Evaluation {
	if r.FirstCheckIn == nil {
		return Evaluate(nil, threshold)
	}
	tod := clock.FromTime(*r.FirstCheckIn)
	return Evaluate(&tod, threshold)
}
