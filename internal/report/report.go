// Package report turns roster entries into a daily report and exports it.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"davomat/internal/attendance"
	"davomat/internal/clock"
	"davomat/internal/roster"
)

// Summary counts people per status.
type Summary struct {
	Total   int `json:"total"`
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
}

// Row is one person's line in the report.
type Row struct {
	PersonID          string     `json:"personId"`
	Name              string     `json:"name"`
	Role              string     `json:"role"`
	ClassOrDepartment string     `json:"classOrDepartment,omitempty"`
	FirstCheckIn      *time.Time `json:"firstCheckIn"`
	LastCheckOut      *time.Time `json:"lastCheckOut"`
	attendance.Evaluation
}

// Report is the evaluated attendance of one day.
type Report struct {
	Date      string          `json:"date"`
	Threshold clock.TimeOfDay `json:"threshold"`
	Rows      []Row           `json:"rows"`
	Summary   Summary         `json:"summary"`
}

// Build evaluates every entry against threshold. Entries keep their order.
func Build(entries []roster.Entry, threshold clock.TimeOfDay, date time.Time) Report {
	r := Report{
		Date:      clock.DayKey(date),
		Threshold: threshold,
		Rows:      make([]Row, 0, len(entries)),
	}
	for _, e := range entries {
		var first *clock.TimeOfDay
		if e.FirstCheckIn != nil {
			tod := clock.FromTime(*e.FirstCheckIn)
			first = &tod
		}
		ev := attendance.Evaluate(first, threshold)
		r.Rows = append(r.Rows, Row{
			PersonID:          e.ID,
			Name:              e.Name,
			Role:              string(e.Role),
			ClassOrDepartment: e.ClassOrDepartment,
			FirstCheckIn:      e.FirstCheckIn,
			LastCheckOut:      e.LastCheckOut,
			Evaluation:        ev,
		})
		r.Summary.Total++
		switch ev.Status {
		case attendance.StatusPresent:
			r.Summary.Present++
		case attendance.StatusLate:
			r.Summary.Late++
		default:
			r.Summary.Absent++
		}
	}
	return r
}

// Archived converts the report rows for Archive.UpsertDay.
func (r Report) Archived() []attendance.ArchivedRow {
	out := make([]attendance.ArchivedRow, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, attendance.ArchivedRow{
			Day:          r.Date,
			PersonID:     row.PersonID,
			Name:         row.Name,
			Role:         row.Role,
			FirstCheckIn: row.FirstCheckIn,
			LastCheckOut: row.LastCheckOut,
			Status:       row.Status,
			LateMinutes:  row.LateMinutes,
		})
	}
	return out
}

var header = []any{"Ism", "Rol", "Sinf / bo'lim", "Kelgan", "Ketgan", "Holat", "Kechikish"}

// WriteXLSX writes the report as a workbook with one sheet named after the
// day and a summary sheet.
func WriteXLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := r.Date
	if sheet == "" {
		sheet = "Report"
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, row := range r.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		label := ""
		if row.LateLabel != nil {
			label = *row.LateLabel
		}
		values := []any{row.Name, row.Role, row.ClassOrDepartment, clockCell(row.FirstCheckIn), clockCell(row.LastCheckOut), string(row.Status), label}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 32); err != nil {
		return err
	}

	if _, err := f.NewSheet("Summary"); err != nil {
		return err
	}
	summary := [][]any{
		{"Sana", r.Date},
		{"Kechikish chegarasi", r.Threshold.String()},
		{"Jami", r.Summary.Total},
		{"Kelgan", r.Summary.Present},
		{"Kechikkan", r.Summary.Late},
		{"Kelmagan", r.Summary.Absent},
	}
	for i, values := range summary {
		if err := f.SetSheetRow("Summary", fmt.Sprintf("A%d", i+1), &values); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func clockCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("15:04")
}
