package roster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"davomat/internal/attendance"
	"davomat/internal/clock"
	"davomat/internal/push"
)

var uzt = time.FixedZone("UZT", 5*3600)

func day() time.Time { return time.Date(2024, 3, 11, 0, 0, 0, 0, uzt) }

func at(h, m int) time.Time { return time.Date(2024, 3, 11, h, m, 0, 0, uzt) }

func ptr(t time.Time) *time.Time { return &t }

func people() []Person {
	return []Person{
		{ID: "p1", ExternalDeviceID: "hk-1", Name: "Aziz Karimov", Role: RoleStaff},
		{ID: "p2", ExternalDeviceID: "hk-2", Name: "Dilnoza Rahimova", Role: RoleTeacher},
		{ID: "p3", Name: "Bobur Aliyev", Role: RoleStaff},
	}
}

// fakeLoader serves queued snapshots or errors in call order; when empty it
// repeats the last one.
type fakeLoader struct {
	mu    sync.Mutex
	snaps []Snapshot
	errs  []error
	calls int
}

func (f *fakeLoader) Load(ctx context.Context, d time.Time) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.snaps) {
		i = len(f.snaps) - 1
	}
	return f.snaps[i], f.errs[i]
}

func (f *fakeLoader) push(s Snapshot, err error) {
	f.mu.Lock()
	f.snaps = append(f.snaps, s)
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func newCoordinator(l Loader, sub push.Subscriber) *Coordinator {
	return New(l, sub, Options{
		Collection:   "staff",
		Location:     uzt,
		PollInterval: time.Hour,
		Now:          func() time.Time { return at(9, 0) },
		DirtyEvents:  []string{push.EmployeeUpdated},
	})
}

func ready(t *testing.T, snap Snapshot) (*Coordinator, *fakeLoader) {
	t.Helper()
	l := &fakeLoader{}
	l.push(snap, nil)
	c := newCoordinator(l, nil)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("state = %s", c.State())
	}
	return c, l
}

func TestInitialLoadFailureLeavesRosterEmpty(t *testing.T) {
	l := &fakeLoader{}
	l.push(Snapshot{}, errors.New("502 bad gateway"))
	c := newCoordinator(l, nil)

	if err := c.Reload(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.State() != Uninitialized {
		t.Fatalf("state = %s", c.State())
	}
	if len(c.Entries()) != 0 || c.LastError() == nil {
		t.Fatal("expected empty roster with error")
	}
	if _, err := c.ApplyAttendance(AttendanceUpdate{PersonID: "p1", CheckIn: "08:00"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("apply before ready: %v", err)
	}
}

func TestRefreshFailureKeepsLastRoster(t *testing.T) {
	c, l := ready(t, Snapshot{Date: day(), People: people()})
	l.push(Snapshot{}, errors.New("timeout"))

	if err := c.Reload(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.State() != Ready {
		t.Fatalf("state regressed to %s", c.State())
	}
	if len(c.Entries()) != 3 || c.LastError() == nil {
		t.Fatal("expected retained roster and a notice")
	}

	l.push(Snapshot{Date: day(), People: people()}, nil)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.LastError() != nil {
		t.Fatal("error not cleared")
	}
}

func TestSnapshotDerivesStatus(t *testing.T) {
	c, _ := ready(t, Snapshot{
		Date:   day(),
		People: people(),
		Records: []attendance.DailyRecord{
			{PersonID: "p1", Date: day(), FirstCheckIn: ptr(at(8, 15))},
			{PersonID: "p2", Date: day(), FirstCheckIn: ptr(at(10, 5)), LastCheckOut: ptr(at(17, 0))},
		},
	})
	got := map[string]Entry{}
	for _, e := range c.Entries() {
		got[e.ID] = e
	}
	if got["p1"].Status != attendance.StatusPresent {
		t.Errorf("p1 = %+v", got["p1"].Evaluation)
	}
	if got["p2"].Status != attendance.StatusLate || got["p2"].LateMinutes != 95 || *got["p2"].LateLabel != "1 soat 35 daqiqa" {
		t.Errorf("p2 = %+v", got["p2"].Evaluation)
	}
	if got["p3"].Status != attendance.StatusAbsent || got["p3"].LateLabel != nil {
		t.Errorf("p3 = %+v", got["p3"].Evaluation)
	}
}

func TestEntriesSortedByName(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})
	entries := c.Entries()
	if entries[0].Name != "Aziz Karimov" || entries[1].Name != "Bobur Aliyev" || entries[2].Name != "Dilnoza Rahimova" {
		t.Fatalf("order: %s, %s, %s", entries[0].Name, entries[1].Name, entries[2].Name)
	}
}

func TestApplyAttendanceFirstAndLastWriterWins(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})

	steps := []AttendanceUpdate{
		{ExternalDeviceID: "hk-1", CheckIn: "08:05"},
		{ExternalDeviceID: "hk-1", CheckIn: "08:40"},
		{ExternalDeviceID: "hk-1", CheckOut: "14:00"},
		{ExternalDeviceID: "hk-1", CheckOut: "15:30"},
	}
	for _, u := range steps {
		if _, err := c.ApplyAttendance(u); err != nil {
			t.Fatalf("%+v: %v", u, err)
		}
	}
	e, _ := c.Entry("p1")
	if !e.FirstCheckIn.Equal(at(8, 5)) || !e.LastCheckOut.Equal(at(15, 30)) {
		t.Fatalf("in=%s out=%s", e.FirstCheckIn, e.LastCheckOut)
	}
	if e.Status != attendance.StatusPresent {
		t.Fatalf("status = %s", e.Status)
	}
}

func TestApplyAttendanceIsIdempotent(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})
	u := AttendanceUpdate{PersonID: "p2", CheckIn: "2024-03-11T08:35:00+05:00"}

	first, err := c.ApplyAttendance(u)
	if err != nil || !first.Changed {
		t.Fatalf("first apply: %+v %v", first, err)
	}
	before := c.Entries()
	second, err := c.ApplyAttendance(u)
	if err != nil || second.Changed {
		t.Fatalf("replay: %+v %v", second, err)
	}
	after := c.Entries()
	for i := range before {
		if before[i].Status != after[i].Status || before[i].LateMinutes != after[i].LateMinutes {
			t.Fatalf("entry %d changed on replay", i)
		}
	}
	if second.Evaluation.LateMinutes != 5 || *second.Evaluation.LateLabel != "5 daqiqa" {
		t.Fatalf("evaluation = %+v", second.Evaluation)
	}
}

func TestMatchPrefersDeviceID(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})
	res, err := c.ApplyAttendance(AttendanceUpdate{ExternalDeviceID: "hk-2", PersonID: "p1", CheckIn: "08:00"})
	if err != nil {
		t.Fatal(err)
	}
	if res.PersonID != "p2" || res.NameFallback {
		t.Fatalf("res = %+v", res)
	}
}

func TestNameFallback(t *testing.T) {
	ps := append(people(), Person{ID: "p4", Name: "bobur aliyev", Role: RoleStaff})
	c, _ := ready(t, Snapshot{Date: day(), People: ps})

	res, err := c.ApplyAttendance(AttendanceUpdate{Name: "DILNOZA RAHIMOVA", CheckIn: "08:10"})
	if err != nil || res.PersonID != "p2" || !res.NameFallback {
		t.Fatalf("unique name: %+v %v", res, err)
	}

	res, err = c.ApplyAttendance(AttendanceUpdate{Name: "Bobur Aliyev", CheckIn: "08:10"})
	if !errors.Is(err, ErrAmbiguous) || len(res.Candidates) != 2 {
		t.Fatalf("ambiguous: %+v %v", res, err)
	}
	for _, id := range []string{"p3", "p4"} {
		if e, _ := c.Entry(id); e.FirstCheckIn != nil {
			t.Fatalf("%s changed by ambiguous event", id)
		}
	}

	if _, err := c.ApplyAttendance(AttendanceUpdate{Name: "Nobody", CheckIn: "08:10"}); !errors.Is(err, ErrUnknownPerson) {
		t.Fatalf("unknown: %v", err)
	}
}

func TestMalformedEventsLeaveRosterUnchanged(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})
	bad := []AttendanceUpdate{
		{CheckIn: "08:00"},
		{PersonID: "p1", CheckIn: "8 o'clock"},
		{PersonID: "p1", CheckIn: "08:00", CheckOut: "garbage"},
		{PersonID: "p1", Date: "11/03/2024", CheckIn: "08:00"},
	}
	for _, u := range bad {
		if _, err := c.ApplyAttendance(u); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("%+v: err = %v", u, err)
		}
	}
	if e, _ := c.Entry("p1"); e.FirstCheckIn != nil || e.LastCheckOut != nil {
		t.Fatal("malformed event changed the roster")
	}
}

func TestEventForAnotherDayIsIgnored(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})
	_, err := c.ApplyAttendance(AttendanceUpdate{PersonID: "p1", Date: "2024-03-10", CheckIn: "08:00"})
	if !errors.Is(err, attendance.ErrWrongDay) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistrationIsIdempotent(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})
	p := Person{ID: "p9", ExternalDeviceID: "hk-9", Name: "Nodira", Role: RoleStaff}

	for i := 0; i < 2; i++ {
		c.HandleEvent(mustEvent(t, push.EmployeeRegistered, p))
	}
	count := 0
	for _, e := range c.Entries() {
		if e.ID == "p9" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("p9 appears %d times", count)
	}
}

func TestRegistrationRejectsTakenDeviceID(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people()})
	_, err := c.ApplyRegistration(Person{ID: "p9", ExternalDeviceID: "hk-1", Name: "Clone"})
	if !errors.Is(err, ErrDeviceIDTaken) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistrationFiltersRoles(t *testing.T) {
	l := &fakeLoader{}
	l.push(Snapshot{Date: day(), People: people()}, nil)
	c := New(l, nil, Options{Collection: "students", Roles: []Role{RoleStudent}, Location: uzt,
		Now: func() time.Time { return at(9, 0) }})
	_ = c.Reload(context.Background())

	added, err := c.ApplyRegistration(Person{ID: "t1", Name: "Teacher", Role: RoleTeacher})
	if err != nil || added {
		t.Fatalf("teacher added to student roster: %v %v", added, err)
	}
	added, err = c.ApplyRegistration(Person{ID: "s1", Name: "Pupil", Role: RoleStudent})
	if err != nil || !added {
		t.Fatalf("student not added: %v %v", added, err)
	}
}

// A reload response that lands after push events must not roll them back
// unless the snapshot holds a strictly earlier check-in or later check-out.
func TestReloadAfterPushEventsConverges(t *testing.T) {
	c, l := ready(t, Snapshot{Date: day(), People: people()})

	if _, err := c.ApplyAttendance(AttendanceUpdate{PersonID: "p1", CheckIn: "08:20"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ApplyAttendance(AttendanceUpdate{PersonID: "p1", CheckOut: "16:00"}); err != nil {
		t.Fatal(err)
	}

	// Snapshot taken before the push events: no record for p1, and an
	// older check-out for p2.
	l.push(Snapshot{Date: day(), People: people(), Records: []attendance.DailyRecord{
		{PersonID: "p2", Date: day(), FirstCheckIn: ptr(at(8, 0))},
	}}, nil)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	e, _ := c.Entry("p1")
	if e.FirstCheckIn == nil || !e.FirstCheckIn.Equal(at(8, 20)) || !e.LastCheckOut.Equal(at(16, 0)) {
		t.Fatalf("push values lost: %+v", e)
	}

	// Strictly newer snapshot data wins.
	l.push(Snapshot{Date: day(), People: people(), Records: []attendance.DailyRecord{
		{PersonID: "p1", Date: day(), FirstCheckIn: ptr(at(8, 10)), LastCheckOut: ptr(at(17, 0))},
	}}, nil)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	e, _ = c.Entry("p1")
	if !e.FirstCheckIn.Equal(at(8, 10)) || !e.LastCheckOut.Equal(at(17, 0)) {
		t.Fatalf("newer snapshot ignored: %+v", e)
	}
}

func TestApplyOrderDoesNotMatter(t *testing.T) {
	snap := Snapshot{Date: day(), People: people(), Records: []attendance.DailyRecord{
		{PersonID: "p1", Date: day(), FirstCheckIn: ptr(at(8, 25)), LastCheckOut: ptr(at(15, 0))},
	}}
	u := AttendanceUpdate{PersonID: "p1", CheckIn: "08:40", CheckOut: "16:30"}

	pushFirst, l1 := ready(t, Snapshot{Date: day(), People: people()})
	_, _ = pushFirst.ApplyAttendance(u)
	l1.push(snap, nil)
	_ = pushFirst.Reload(context.Background())

	reloadFirst, _ := ready(t, snap)
	_, _ = reloadFirst.ApplyAttendance(u)

	a, _ := pushFirst.Entry("p1")
	b, _ := reloadFirst.Entry("p1")
	if !a.FirstCheckIn.Equal(*b.FirstCheckIn) || !a.LastCheckOut.Equal(*b.LastCheckOut) || a.Status != b.Status {
		t.Fatalf("diverged: %+v vs %+v", a, b)
	}
}

// blockingLoader lets a test decide when each Load call returns.
type blockingLoader struct {
	mu      sync.Mutex
	calls   int
	release []chan Snapshot
	started chan int
}

func (b *blockingLoader) Load(ctx context.Context, d time.Time) (Snapshot, error) {
	b.mu.Lock()
	i := b.calls
	b.calls++
	ch := b.release[i]
	b.mu.Unlock()
	b.started <- i
	return <-ch, nil
}

func TestStaleReloadIsDiscarded(t *testing.T) {
	bl := &blockingLoader{
		release: []chan Snapshot{make(chan Snapshot), make(chan Snapshot)},
		started: make(chan int, 2),
	}
	c := newCoordinator(bl, nil)

	done := make(chan error, 2)
	go func() { done <- c.Reload(context.Background()) }()
	<-bl.started
	go func() { done <- c.Reload(context.Background()) }()
	<-bl.started

	newer := people()[:1]
	bl.release[1] <- Snapshot{Date: day(), People: newer}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	bl.release[0] <- Snapshot{Date: day(), People: people()}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := len(c.Entries()); n != 1 {
		t.Fatalf("stale response applied: %d entries", n)
	}
}

func TestRegistrationSurvivesInFlightReload(t *testing.T) {
	bl := &blockingLoader{
		release: []chan Snapshot{make(chan Snapshot, 1), make(chan Snapshot), make(chan Snapshot, 1)},
		started: make(chan int, 3),
	}
	c := newCoordinator(bl, nil)
	bl.release[0] <- Snapshot{Date: day(), People: people()}
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-bl.started

	done := make(chan error, 1)
	go func() { done <- c.Reload(context.Background()) }()
	<-bl.started

	if added, err := c.ApplyRegistration(Person{ID: "new", Name: "Nodira Usmonova", Role: RoleStaff}); !added || err != nil {
		t.Fatalf("register: %v %v", added, err)
	}
	if _, err := c.ApplyAttendance(AttendanceUpdate{PersonID: "new", CheckIn: "08:10"}); err != nil {
		t.Fatal(err)
	}

	// The in-flight snapshot was taken before the registration.
	bl.release[1] <- Snapshot{Date: day(), People: people()}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	e, ok := c.Entry("new")
	if !ok || e.FirstCheckIn == nil || !e.FirstCheckIn.Equal(at(8, 10)) || e.Status != attendance.StatusPresent {
		t.Fatalf("registered person lost: %+v %v", e, ok)
	}

	// A snapshot issued after the registration is authoritative again.
	bl.release[2] <- Snapshot{Date: day(), People: people()}
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Entry("new"); ok {
		t.Fatal("person missing from a newer snapshot kept")
	}
}

func TestNewDayResetsAttendance(t *testing.T) {
	now := at(9, 0)
	l := &fakeLoader{}
	l.push(Snapshot{Date: day(), People: people(), Records: []attendance.DailyRecord{
		{PersonID: "p1", Date: day(), FirstCheckIn: ptr(at(8, 0))},
	}}, nil)
	c := New(l, nil, Options{Collection: "staff", Location: uzt, Now: func() time.Time { return now }})
	_ = c.Reload(context.Background())

	tomorrow := day().AddDate(0, 0, 1)
	now = tomorrow.Add(7 * time.Hour)
	l.push(Snapshot{Date: tomorrow, People: people()}, nil)
	_ = c.Reload(context.Background())

	e, _ := c.Entry("p1")
	if e.FirstCheckIn != nil || e.Status != attendance.StatusAbsent || e.Date != "2024-03-12" {
		t.Fatalf("entry carried over: %+v", e)
	}
}

func TestSetThresholdRederives(t *testing.T) {
	c, _ := ready(t, Snapshot{Date: day(), People: people(), Records: []attendance.DailyRecord{
		{PersonID: "p1", Date: day(), FirstCheckIn: ptr(at(8, 45))},
	}})
	if e, _ := c.Entry("p1"); e.Status != attendance.StatusLate {
		t.Fatalf("status = %s", e.Status)
	}
	c.SetThreshold(clock.MustAt(9, 0))
	if e, _ := c.Entry("p1"); e.Status != attendance.StatusPresent {
		t.Fatalf("status after threshold change = %s", e.Status)
	}
}

func mustEvent(t *testing.T, name string, payload any) push.Event {
	t.Helper()
	evt, err := push.NewEvent(name, payload)
	if err != nil {
		t.Fatal(err)
	}
	return evt
}

func TestStartAppliesPushEventsAndTearsDown(t *testing.T) {
	l := &fakeLoader{}
	l.push(Snapshot{Date: day(), People: people()}, nil)
	hub := push.NewHub(8)
	c := newCoordinator(l, hub)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- c.Start(ctx) }()

	waitFor(t, func() bool { return c.State() == Ready && hub.Len() == 1 })

	hub.Publish(mustEvent(t, push.AttendanceUpdated, map[string]string{
		"hikvisionEmployeeId": "hk-2", "checkIn": "08:35", "status": "present",
	}))
	hub.Publish(push.Event{Name: push.AttendanceUpdated, Payload: json.RawMessage(`{"broken":`)})
	waitFor(t, func() bool {
		e, _ := c.Entry("p2")
		return e.Status == attendance.StatusLate
	})

	callsBefore := func() int { l.mu.Lock(); defer l.mu.Unlock(); return l.calls }()
	hub.Publish(mustEvent(t, push.EmployeeUpdated, map[string]string{"id": "p1"}))
	waitFor(t, func() bool { l.mu.Lock(); defer l.mu.Unlock(); return l.calls > callsBefore })

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	if hub.Len() != 0 {
		t.Fatal("subscription leaked after teardown")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
