// Package roster keeps an in-memory attendance roster current from periodic
// full reloads and from push events layered on top between reloads.
package roster

import (
	"context"
	"errors"
	"time"

	"davomat/internal/attendance"
)

var (
	// ErrNotReady is returned for push events applied before the first load.
	ErrNotReady = errors.New("roster not loaded yet")
	// ErrMalformedEvent marks a push payload that cannot be applied at all.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownPerson is returned when no roster entry matches an event.
	ErrUnknownPerson = errors.New("no matching person")
	// ErrAmbiguous is returned when a name-only event matches several people.
	ErrAmbiguous = errors.New("ambiguous person match")
	// ErrDeviceIDTaken rejects a registration reusing another person's device id.
	ErrDeviceIDTaken = errors.New("external device id already assigned")
)

// State of a roster's lifecycle.
type State string

const (
	Uninitialized State = "uninitialized"
	Loading       State = "loading"
	Ready         State = "ready"
)

// Snapshot is the result of a full reload for one day.
type Snapshot struct {
	Date    time.Time
	People  []Person
	Records []attendance.DailyRecord
}

// Loader fetches a full snapshot of people and their attendance for day.
type Loader interface {
	Load(ctx context.Context, day time.Time) (Snapshot, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, day time.Time) (Snapshot, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, day time.Time) (Snapshot, error) {
	return f(ctx, day)
}

// Entry is one person with their attendance for the roster's day.
type Entry struct {
	Person
	Date         string     `json:"date"`
	FirstCheckIn *time.Time `json:"firstCheckIn"`
	LastCheckOut *time.Time `json:"lastCheckOut"`
	attendance.Evaluation
}

// ApplyResult describes what an attendance update did.
type ApplyResult struct {
	PersonID string
	Changed  bool
	// NameFallback is set when the person was found by name alone. The match
	// was unique but should be surfaced as a data-quality warning.
	NameFallback bool
	// Candidates lists the people an ambiguous name matched.
	Candidates []Person
	Evaluation attendance.Evaluation
}
