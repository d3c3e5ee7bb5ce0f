// Package clock holds the time-of-day arithmetic and the timestamp parsing
// shared by the status engine, the roster and the upstream client.
package clock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed is returned for time strings no known layout accepts.
var ErrMalformed = errors.New("malformed time")

const dayLayout = "2006-01-02"

// Timestamp layouts the capture device feed is known to produce.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

var clockLayouts = []string{
	"15:04:05",
	"15:04",
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// At builds a TimeOfDay, rejecting out-of-range fields.
func At(hour, minute int) (TimeOfDay, error) {
	t := TimeOfDay{Hour: hour, Minute: minute}
	if !t.valid() {
		return TimeOfDay{}, fmt.Errorf("%w: %02d:%02d", ErrMalformed, hour, minute)
	}
	return t, nil
}

// MustAt is At for constants.
func MustAt(hour, minute int) TimeOfDay {
	t, err := At(hour, minute)
	if err != nil {
		panic(err)
	}
	return t
}

// FromTime takes the wall clock of t in its own location.
func FromTime(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60 && t.Second >= 0 && t.Second < 60
}

// Minutes is whole minutes since midnight; seconds are truncated.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalText renders HH:MM.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts anything ParseTimeOfDay does.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTimeOfDay accepts "HH:MM", "HH:MM:SS" or a full timestamp, in which
// case the timestamp's own wall clock is used.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeOfDay{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FromTime(t), nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FromTime(t), nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("%w: %q", ErrMalformed, s)
}

// ParseTimestamp parses s as a full timestamp. Layouts without a zone are
// read in loc. A bare clock time is placed on day.
func ParseTimestamp(s string, day time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if day.IsZero() {
				return time.Time{}, fmt.Errorf("%w: clock time %q without a day", ErrMalformed, s)
			}
			y, m, d := day.In(loc).Date()
			return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, s)
}

// DayKey formats the calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.Format(dayLayout)
}

// ParseDay parses YYYY-MM-DD as midnight in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(dayLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: day %q", ErrMalformed, s)
	}
	return t, nil
}

// StartOfDay truncates t to midnight in its location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc != nil {
		a, b = a.In(loc), b.In(loc)
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Humanize renders a minute count the way the dashboard labels lateness.
func Humanize(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	if minutes >= 60 {
		return fmt.Sprintf("%d soat %d daqiqa", minutes/60, minutes%60)
	}
	return fmt.Sprintf("%d daqiqa", minutes)
}
