package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"davomat/internal/attendance"
	"davomat/internal/clock"
	"davomat/internal/logger"
	"davomat/internal/metrics"
	"davomat/internal/push"
)

// Options configures a Coordinator.
type Options struct {
	// Collection names the roster in logs and metrics, e.g. "staff".
	Collection string
	// Roles limits which registrations the roster accepts. Empty accepts all.
	Roles        []Role
	Threshold    clock.TimeOfDay
	PollInterval time.Duration
	Location     *time.Location
	// DirtyEvents trigger a full reload instead of being merged.
	DirtyEvents []string
	Now         func() time.Time
	Logger      *logger.Logger
}

// Coordinator owns one roster. Each view builds its own; rosters are never
// shared between views.
type Coordinator struct {
	opts   Options
	loader Loader
	push   push.Subscriber
	log    *logger.Logger

	mu        sync.RWMutex
	state     State
	date      time.Time
	people    []Person
	byID      map[string]int
	records   map[string]attendance.DailyRecord
	threshold clock.TimeOfDay
	lastErr   error
	issued    uint64
	applied   uint64

	// registered maps ids added by push to the reload sequence current at
	// the time. Snapshots issued no later than that may not know them yet.
	registered map[string]uint64

	dirty    chan struct{}
	inflight sync.WaitGroup
}

// New builds a coordinator. sub may be nil when no push transport is used.
func New(loader Loader, sub push.Subscriber, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Threshold == (clock.TimeOfDay{}) {
		opts.Threshold = attendance.DefaultLateThreshold
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Coordinator{
		opts:       opts,
		loader:     loader,
		push:       sub,
		log:        opts.Logger.Named("roster." + opts.Collection),
		state:      Uninitialized,
		byID:       map[string]int{},
		records:    map[string]attendance.DailyRecord{},
		registered: map[string]uint64{},
		threshold:  opts.Threshold,
		dirty:      make(chan struct{}, 1),
	}
}

// Collection returns the roster's name.
func (c *Coordinator) Collection() string { return c.opts.Collection }

// Start loads the roster, then keeps it current until ctx ends: it reloads on
// every poll tick and dirty signal and merges push events as they arrive.
// On return the ticker is stopped, the push subscription is released and no
// reload is still running.
func (c *Coordinator) Start(ctx context.Context) error {
	var events <-chan push.Event
	if c.push != nil {
		names := append([]string{push.AttendanceUpdated, push.EmployeeRegistered}, c.opts.DirtyEvents...)
		sub := c.push.Subscribe(names...)
		defer sub.Unsubscribe()
		events = sub.C
	}

	if err := c.Reload(ctx); err != nil {
		c.log.Warnf("initial load failed: %v", err)
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	defer c.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.reloadAsync(ctx)
		case <-c.dirty:
			c.reloadAsync(ctx)
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.HandleEvent(evt)
		}
	}
}

func (c *Coordinator) reloadAsync(ctx context.Context) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := c.Reload(ctx); err != nil && ctx.Err() == nil {
			c.log.Warnf("reload failed, keeping last roster: %v", err)
		}
	}()
}

// RequestReload schedules a reload from Start's loop. Requests made while
// one is already pending are coalesced.
func (c *Coordinator) RequestReload() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// Reload fetches a full snapshot for today and merges it in. Responses to
// requests issued before the most recently applied one are discarded.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	c.issued++
	seq := c.issued
	if c.state == Uninitialized {
		c.state = Loading
	}
	c.mu.Unlock()

	day := clock.StartOfDay(c.opts.Now().In(c.opts.Location))
	snap, err := c.loader.Load(ctx, day)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.applied {
		metrics.Reloads.WithLabelValues(c.opts.Collection, "stale").Inc()
		c.log.Debugf("discarding stale reload #%d (applied #%d)", seq, c.applied)
		return nil
	}
	if err != nil {
		metrics.Reloads.WithLabelValues(c.opts.Collection, "error").Inc()
		c.lastErr = err
		if c.state == Loading {
			c.state = Uninitialized
		}
		return err
	}
	if snap.Date.IsZero() {
		snap.Date = day
	}
	c.applied = seq
	c.replace(snap, seq)
	c.state = Ready
	c.lastErr = nil
	metrics.Reloads.WithLabelValues(c.opts.Collection, "ok").Inc()
	metrics.RosterSize.WithLabelValues(c.opts.Collection).Set(float64(len(c.people)))
	return nil
}

// replace swaps in the snapshot's people and folds its attendance into the
// current day's records. A snapshot for another day starts from scratch.
// People registered by push after reload seq was issued are kept even when
// the snapshot lacks them.
func (c *Coordinator) replace(snap Snapshot, seq uint64) {
	day := clock.StartOfDay(snap.Date.In(c.opts.Location))
	if c.date.IsZero() || !clock.SameDay(c.date, day, c.opts.Location) {
		c.records = map[string]attendance.DailyRecord{}
	}
	c.date = day

	people := make([]Person, 0, len(snap.People))
	byID := make(map[string]int, len(snap.People))
	for _, p := range snap.People {
		if p.ID == "" {
			c.log.Warnf("skipping person without id: %q", p.Name)
			continue
		}
		if _, dup := byID[p.ID]; dup {
			continue
		}
		byID[p.ID] = len(people)
		people = append(people, p)
	}
	for _, p := range c.people {
		regSeq, pinned := c.registered[p.ID]
		if !pinned {
			continue
		}
		if seq > regSeq {
			delete(c.registered, p.ID)
			continue
		}
		if _, ok := byID[p.ID]; !ok {
			byID[p.ID] = len(people)
			people = append(people, p)
		}
	}
	c.people, c.byID = people, byID

	for id := range c.records {
		if _, ok := byID[id]; !ok {
			delete(c.records, id)
		}
	}
	for _, rec := range snap.Records {
		if _, ok := byID[rec.PersonID]; !ok {
			continue
		}
		cur, ok := c.records[rec.PersonID]
		if !ok {
			cur = attendance.NewDailyRecord(rec.PersonID, day)
		}
		if _, err := cur.Merge(rec); err != nil {
			c.log.Warnf("snapshot record for %s: %v", rec.PersonID, err)
			continue
		}
		c.records[rec.PersonID] = cur
	}
}

// HandleEvent routes a push event. Bad events are logged and dropped; they
// never touch the roster.
func (c *Coordinator) HandleEvent(evt push.Event) {
	outcome := "applied"
	defer func() {
		metrics.PushEvents.WithLabelValues(c.opts.Collection, evt.Name, outcome).Inc()
	}()

	switch evt.Name {
	case push.AttendanceUpdated:
		var u AttendanceUpdate
		if err := json.Unmarshal(evt.Payload, &u); err != nil {
			outcome = "dropped"
			c.log.Warnf("%s: undecodable payload: %v", evt.Name, err)
			return
		}
		res, err := c.ApplyAttendance(u)
		switch {
		case errors.Is(err, ErrAmbiguous):
			outcome = "ambiguous"
			c.log.Warnf("%s: name %q matches %d people, not applied", evt.Name, u.Name, len(res.Candidates))
		case errors.Is(err, ErrUnknownPerson), errors.Is(err, attendance.ErrWrongDay):
			outcome = "ignored"
			c.log.Debugf("%s: %v", evt.Name, err)
		case err != nil:
			outcome = "dropped"
			c.log.Warnf("%s: %v", evt.Name, err)
		case res.NameFallback:
			c.log.Warnf("%s: matched %s by name only", evt.Name, res.PersonID)
		}
		if err == nil && !res.Changed {
			outcome = "unchanged"
		}
	case push.EmployeeRegistered:
		var p Person
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			outcome = "dropped"
			c.log.Warnf("%s: undecodable payload: %v", evt.Name, err)
			return
		}
		added, err := c.ApplyRegistration(p)
		switch {
		case err != nil:
			outcome = "dropped"
			c.log.Warnf("%s: %v", evt.Name, err)
		case !added:
			outcome = "unchanged"
		}
	default:
		if c.isDirty(evt.Name) {
			outcome = "reload"
			c.RequestReload()
			return
		}
		outcome = "ignored"
	}
}

func (c *Coordinator) isDirty(name string) bool {
	for _, n := range c.opts.DirtyEvents {
		if n == name {
			return true
		}
	}
	return false
}

// ApplyAttendance merges one attendance update. It is idempotent: replaying
// the same update leaves the roster unchanged.
func (c *Coordinator) ApplyAttendance(u AttendanceUpdate) (ApplyResult, error) {
	if !u.identified() {
		return ApplyResult{}, fmt.Errorf("%w: no person identifier", ErrMalformedEvent)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return ApplyResult{}, ErrNotReady
	}

	marks, err := u.Marks(c.date, c.opts.Location)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	idx, res, err := c.match(u)
	if err != nil {
		return res, err
	}
	p := c.people[idx]
	res.PersonID = p.ID

	rec, ok := c.records[p.ID]
	if !ok {
		rec = attendance.NewDailyRecord(p.ID, c.date)
	}
	for _, m := range marks {
		changed, err := rec.Apply(m)
		if err != nil {
			return res, err
		}
		res.Changed = res.Changed || changed
	}
	if res.Changed {
		c.records[p.ID] = rec
	}
	res.Evaluation = rec.Evaluate(c.threshold)
	return res, nil
}

func (c *Coordinator) match(u AttendanceUpdate) (int, ApplyResult, error) {
	m, err := Resolve(c.people, u.ExternalDeviceID, u.PersonID, u.Name)
	return m.Index, ApplyResult{NameFallback: m.ByName, Candidates: m.Candidates}, err
}

// ApplyRegistration appends p unless a person with the same id is already
// present. It reports whether p was added.
func (c *Coordinator) ApplyRegistration(p Person) (bool, error) {
	if p.ID == "" {
		return false, fmt.Errorf("%w: registration without id", ErrMalformedEvent)
	}
	if !c.accepts(p.Role) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return false, ErrNotReady
	}
	if _, ok := c.byID[p.ID]; ok {
		return false, nil
	}
	if p.ExternalDeviceID != "" {
		for _, other := range c.people {
			if other.ExternalDeviceID == p.ExternalDeviceID {
				return false, fmt.Errorf("%w: %s held by %s", ErrDeviceIDTaken, p.ExternalDeviceID, other.ID)
			}
		}
	}
	c.byID[p.ID] = len(c.people)
	c.people = append(c.people, p)
	c.registered[p.ID] = c.issued
	metrics.RosterSize.WithLabelValues(c.opts.Collection).Set(float64(len(c.people)))
	return true, nil
}

func (c *Coordinator) accepts(r Role) bool {
	if len(c.opts.Roles) == 0 {
		return true
	}
	for _, want := range c.opts.Roles {
		if want == r {
			return true
		}
	}
	return false
}

// Entries returns a copy of the roster sorted by name, with attendance
// derived from the current records and threshold.
func (c *Coordinator) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.people))
	for _, p := range c.people {
		out = append(out, c.entryLocked(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Entry returns one person's entry.
func (c *Coordinator) Entry(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.entryLocked(c.people[i]), true
}

func (c *Coordinator) entryLocked(p Person) Entry {
	e := Entry{Person: p, Date: clock.DayKey(c.date)}
	rec, ok := c.records[p.ID]
	if !ok {
		rec = attendance.NewDailyRecord(p.ID, c.date)
	}
	e.FirstCheckIn = rec.FirstCheckIn
	e.LastCheckOut = rec.LastCheckOut
	e.Evaluation = rec.Evaluate(c.threshold)
	return e
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error of the latest failed reload, cleared by the
// next successful one.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Date returns the day the roster currently holds.
func (c *Coordinator) Date() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.date
}

// Threshold returns the late threshold in use.
func (c *Coordinator) Threshold() clock.TimeOfDay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// SetThreshold changes the late threshold. Statuses are derived on read, so
// the change applies to every entry at once.
func (c *Coordinator) SetThreshold(t clock.TimeOfDay) {
	c.mu.Lock()
	c.threshold = t
	c.mu.Unlock()
}
