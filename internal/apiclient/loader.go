package apiclient

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"davomat/internal/attendance"
	"davomat/internal/clock"
	"davomat/internal/logger"
	"davomat/internal/roster"
)

// RosterLoader builds roster snapshots from a people collection and the
// day's attendance list.
type RosterLoader struct {
	Client     *Client
	Collection Collection
	Location   *time.Location
	Log        *logger.Logger
}

// Load implements roster.Loader. Attendance rows that match nobody, match
// several people by name, or carry unparseable times are skipped.
func (l RosterLoader) Load(ctx context.Context, day time.Time) (roster.Snapshot, error) {
	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	loc := l.Location
	if loc == nil {
		loc = day.Location()
	}

	var (
		people []roster.Person
		rows   []AttendanceRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		people, err = l.Client.ListPeople(gctx, l.Collection)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = l.Client.ListAttendance(gctx, day)
		return err
	})
	if err := g.Wait(); err != nil {
		return roster.Snapshot{}, err
	}

	snap := roster.Snapshot{Date: clock.StartOfDay(day.In(loc)), People: people}
	byPerson := map[string]int{}
	for _, row := range rows {
		m, err := roster.Resolve(people, row.HikvisionEmployeeID, row.EmployeeID, row.Name)
		if err != nil {
			switch {
			case errors.Is(err, roster.ErrAmbiguous):
				log.Warnf("attendance row %q: %v", row.Name, err)
			case errors.Is(err, roster.ErrUnknownPerson):
				log.Debugf("attendance row %q matches no one in %s", row.Name, l.Collection)
			}
			continue
		}
		if m.ByName {
			log.Debugf("attendance row %q matched by name only", row.Name)
		}
		id := people[m.Index].ID
		i, ok := byPerson[id]
		if !ok {
			i = len(snap.Records)
			byPerson[id] = i
			snap.Records = append(snap.Records, attendance.NewDailyRecord(id, snap.Date))
		}
		rec := &snap.Records[i]
		for _, f := range []struct {
			kind attendance.Kind
			raw  string
		}{{attendance.CheckIn, row.FirstCheckIn}, {attendance.CheckOut, row.LastCheckOut}} {
			if f.raw == "" {
				continue
			}
			at, err := clock.ParseTimestamp(f.raw, snap.Date, loc)
			if err == nil {
				_, err = rec.Apply(attendance.Mark{Kind: f.kind, At: at})
			}
			if err != nil {
				log.Warnf("attendance row %q %s: %v", row.Name, f.kind, err)
			}
		}
	}
	return snap, nil
}
