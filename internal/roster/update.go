package roster

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"davomat/internal/attendance"
	"davomat/internal/clock"
)

// AttendanceUpdate is the payload of an attendance:updated push event.
// Status is carried on the wire but ignored: it is always re-derived.
type AttendanceUpdate struct {
	PersonID         string
	ExternalDeviceID string
	Name             string
	Date             string
	CheckIn          string
	CheckOut         string
	Status           string
}

// UnmarshalJSON accepts both the event spelling (checkIn/checkOut) and the
// record spelling (firstCheckIn/lastCheckOut).
func (u *AttendanceUpdate) UnmarshalJSON(b []byte) error {
	var raw struct {
		PersonID            string `json:"personId"`
		EmployeeID          string `json:"employeeId"`
		ID                  string `json:"id"`
		ExternalDeviceID    string `json:"externalDeviceId"`
		HikvisionEmployeeID string `json:"hikvisionEmployeeId"`
		Name                string `json:"name"`
		Date                string `json:"date"`
		CheckIn             string `json:"checkIn"`
		FirstCheckIn        string `json:"firstCheckIn"`
		CheckOut            string `json:"checkOut"`
		LastCheckOut        string `json:"lastCheckOut"`
		Status              string `json:"status"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = AttendanceUpdate{
		PersonID:         firstNonEmpty(raw.PersonID, raw.EmployeeID, raw.ID),
		ExternalDeviceID: firstNonEmpty(raw.ExternalDeviceID, raw.HikvisionEmployeeID),
		Name:             strings.TrimSpace(raw.Name),
		Date:             strings.TrimSpace(raw.Date),
		CheckIn:          firstNonEmpty(raw.CheckIn, raw.FirstCheckIn),
		CheckOut:         firstNonEmpty(raw.CheckOut, raw.LastCheckOut),
		Status:           raw.Status,
	}
	return nil
}

func (u AttendanceUpdate) identified() bool {
	return u.PersonID != "" || u.ExternalDeviceID != "" || u.Name != ""
}

// Marks converts the update into tagged marks. Bare clock times are placed
// on the update's own date, or on day when it has none.
func (u AttendanceUpdate) Marks(day time.Time, loc *time.Location) ([]attendance.Mark, error) {
	if u.Date != "" {
		d, err := clock.ParseDay(u.Date, loc)
		if err != nil {
			return nil, err
		}
		day = d
	}
	var marks []attendance.Mark
	if u.CheckIn != "" {
		at, err := clock.ParseTimestamp(u.CheckIn, day, loc)
		if err != nil {
			return nil, fmt.Errorf("checkIn: %w", err)
		}
		marks = append(marks, attendance.Mark{Kind: attendance.CheckIn, At: at})
	}
	if u.CheckOut != "" {
		at, err := clock.ParseTimestamp(u.CheckOut, day, loc)
		if err != nil {
			return nil, fmt.Errorf("checkOut: %w", err)
		}
		marks = append(marks, attendance.Mark{Kind: attendance.CheckOut, At: at})
	}
	return marks, nil
}
