package attendance

import (
	"time"

	"davomat/internal/clock"
)

// Status is the derived attendance state of one person for one day.
type Status string

const (
	StatusAbsent  Status = "absent"
	StatusPresent Status = "present"
	StatusLate    Status = "late"
)

// DefaultLateThreshold is used when no threshold is configured.
var DefaultLateThreshold = clock.MustAt(8, 30)

// Evaluation is the outcome of Evaluate.
type Evaluation struct {
	Status      Status  `json:"status"`
	LateMinutes int     `json:"lateMinutes"`
	LateLabel   *string `json:"lateLabel"`
}

// Evaluate derives status and lateness from the first check-in of the day.
// A nil check-in means absent. A check-in exactly at threshold is present;
// only a strictly later minute is late.
func Evaluate(firstCheckIn *clock.TimeOfDay, threshold clock.TimeOfDay) Evaluation {
	if firstCheckIn == nil {
		return Evaluation{Status: StatusAbsent}
	}
	delta := firstCheckIn.Minutes() - threshold.Minutes()
	if delta <= 0 {
		return Evaluation{Status: StatusPresent}
	}
	label := clock.Humanize(delta)
	return Evaluation{Status: StatusLate, LateMinutes: delta, LateLabel: &label}
}

// EvaluateString is Evaluate over raw feed text. Zoned timestamps are read
// in loc first, the same way check-in marks are, so both paths agree. Empty
// or unparseable input is treated as no check-in.
func EvaluateString(raw string, threshold clock.TimeOfDay, loc *time.Location) Evaluation {
	if loc == nil {
		loc = time.Local
	}
	// Any day will do: only bare clock times are placed on it.
	anchor := time.Date(2000, 1, 1, 0, 0, 0, 0, loc)
	t, err := clock.ParseTimestamp(raw, anchor, loc)
	if err != nil {
		return Evaluate(nil, threshold)
	}
	tod := clock.FromTime(t)
	return Evaluate(&tod, threshold)
}
