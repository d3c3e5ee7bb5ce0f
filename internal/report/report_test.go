package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"davomat/internal/attendance"
	"davomat/internal/clock"
	"davomat/internal/roster"
)

var uzt = time.FixedZone("UZT", 5*3600)

func at(h, m int) *time.Time {
	t := time.Date(2024, 3, 11, h, m, 0, 0, uzt)
	return &t
}

func entries() []roster.Entry {
	return []roster.Entry{
		{Person: roster.Person{ID: "p1", Name: "Aziz", Role: roster.RoleStaff}, FirstCheckIn: at(8, 30), LastCheckOut: at(17, 0)},
		{Person: roster.Person{ID: "p2", Name: "Bobur", Role: roster.RoleTeacher}, FirstCheckIn: at(9, 45)},
		{Person: roster.Person{ID: "p3", Name: "Dilnoza", Role: roster.RoleStaff}},
	}
}

func TestBuildSummarizes(t *testing.T) {
	r := Build(entries(), attendance.DefaultLateThreshold, time.Date(2024, 3, 11, 0, 0, 0, 0, uzt))
	if r.Date != "2024-03-11" {
		t.Fatalf("date = %s", r.Date)
	}
	want := Summary{Total: 3, Present: 1, Late: 1, Absent: 1}
	if r.Summary != want {
		t.Fatalf("summary = %+v", r.Summary)
	}
	late := r.Rows[1]
	if late.Status != attendance.StatusLate || late.LateMinutes != 75 || late.LateLabel == nil || *late.LateLabel != "1 soat 15 daqiqa" {
		t.Fatalf("late row = %+v", late)
	}
}

func TestBuildUsesGivenThreshold(t *testing.T) {
	r := Build(entries(), clock.MustAt(10, 0), time.Date(2024, 3, 11, 0, 0, 0, 0, uzt))
	if r.Summary.Late != 0 || r.Summary.Present != 2 {
		t.Fatalf("summary = %+v", r.Summary)
	}
}

func TestArchivedRows(t *testing.T) {
	r := Build(entries(), attendance.DefaultLateThreshold, time.Date(2024, 3, 11, 0, 0, 0, 0, uzt))
	rows := r.Archived()
	if len(rows) != 3 || rows[0].Day != "2024-03-11" || rows[1].LateMinutes != 75 || rows[2].Status != attendance.StatusAbsent {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestWriteXLSX(t *testing.T) {
	r := Build(entries(), attendance.DefaultLateThreshold, time.Date(2024, 3, 11, 0, 0, 0, 0, uzt))
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, r); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows("2024-03-11")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[1][0] != "Aziz" || rows[1][3] != "08:30" || rows[1][4] != "17:00" || rows[1][5] != "present" {
		t.Fatalf("row 1 = %v", rows[1])
	}
	if rows[2][5] != "late" || rows[2][6] != "1 soat 15 daqiqa" {
		t.Fatalf("row 2 = %v", rows[2])
	}

	total, err := f.GetCellValue("Summary", "B3")
	if err != nil || total != "3" {
		t.Fatalf("total = %q err = %v", total, err)
	}
}
