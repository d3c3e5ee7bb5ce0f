// Package archiver closes out a finished day: it evaluates each roster one
// last time, stores the rows and writes an Excel export.
package archiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"davomat/internal/attendance"
	"davomat/internal/clock"
	"davomat/internal/logger"
	"davomat/internal/push"
	"davomat/internal/report"
	"davomat/internal/roster"
)

// ReportArchived is published after a collection's day is archived.
const ReportArchived = "report:archived"

// Publisher announces archived reports.
type Publisher interface {
	Publish(ctx context.Context, evt push.Event) error
}

// Thresholds yields the late threshold in effect.
type Thresholds interface {
	LateThreshold(ctx context.Context) (clock.TimeOfDay, error)
}

// Notice is the payload of ReportArchived.
type Notice struct {
	Date       string         `json:"date"`
	Collection string         `json:"collection"`
	File       string         `json:"file"`
	Summary    report.Summary `json:"summary"`
}

// Job archives one day for every source.
type Job struct {
	Sources    map[string]roster.Loader
	Archive    *attendance.Archive
	Publisher  Publisher
	Thresholds Thresholds
	Dir        string
	Location   *time.Location
	Log        *logger.Logger
}

// Run archives day. A failing collection does not stop the others; the
// first error is returned after all were tried.
func (j *Job) Run(ctx context.Context, day time.Time) error {
	log := j.Log
	if log == nil {
		log = logger.Discard()
	}
	loc := j.Location
	if loc == nil {
		loc = day.Location()
	}
	day = clock.StartOfDay(day.In(loc))

	threshold := attendance.DefaultLateThreshold
	if j.Thresholds != nil {
		t, err := j.Thresholds.LateThreshold(ctx)
		if err != nil {
			log.Warnf("late threshold unavailable, using %s: %v", threshold, err)
		} else {
			threshold = t
		}
	}
	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	names := make([]string, 0, len(j.Sources))
	for name := range j.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := j.archiveOne(ctx, name, j.Sources[name], day, threshold, loc, log); err != nil {
			log.Errorf("archive %s %s: %v", name, clock.DayKey(day), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (j *Job) archiveOne(ctx context.Context, name string, src roster.Loader, day time.Time, threshold clock.TimeOfDay, loc *time.Location, log *logger.Logger) error {
	// A one-shot coordinator pinned to day evaluates the roster exactly as
	// the live view did.
	c := roster.New(src, nil, roster.Options{
		Collection: name,
		Threshold:  threshold,
		Location:   loc,
		Now:        func() time.Time { return day },
		Logger:     log,
	})
	if err := c.Reload(ctx); err != nil {
		return err
	}
	rep := report.Build(c.Entries(), threshold, day)

	if j.Archive != nil {
		if err := j.Archive.UpsertDay(ctx, day, rep.Archived()); err != nil {
			return fmt.Errorf("store rows: %w", err)
		}
	}

	path := filepath.Join(j.Dir, fmt.Sprintf("%s-%s.xlsx", rep.Date, name))
	if err := writeFile(path, rep); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	log.Infof("archived %s %s: %d people, %d late, %d absent", name, rep.Date, rep.Summary.Total, rep.Summary.Late, rep.Summary.Absent)

	if j.Publisher != nil {
		evt, err := push.NewEvent(ReportArchived, Notice{Date: rep.Date, Collection: name, File: path, Summary: rep.Summary})
		if err == nil {
			err = j.Publisher.Publish(ctx, evt)
		}
		if err != nil {
			log.Warnf("announce %s %s: %v", name, rep.Date, err)
		}
	}
	return nil
}

func writeFile(path string, rep report.Report) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := report.WriteXLSX(f, rep); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// PreviousDay is the day before now in loc.
func PreviousDay(now time.Time, loc *time.Location) time.Time {
	return clock.StartOfDay(now.In(loc)).AddDate(0, 0, -1)
}
