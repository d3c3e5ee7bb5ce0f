package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"davomat/internal/clock"
)

// ArchivedRow is one person's evaluated record as stored for a past day.
type ArchivedRow struct {
	Day          string     `json:"day"`
	PersonID     string     `json:"personId"`
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	FirstCheckIn *time.Time `json:"firstCheckIn"`
	LastCheckOut *time.Time `json:"lastCheckOut"`
	Status       Status     `json:"status"`
	LateMinutes  int        `json:"lateMinutes"`
}

// Archive persists evaluated daily rows. The SQL sticks to what both
// Postgres and SQLite accept.
type Archive struct {
	db *sql.DB
}

// NewArchive creates an archive over db.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// Migrate creates the archive table.
func (a *Archive) Migrate(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS daily_attendance (
			day            TEXT NOT NULL,
			person_id      TEXT NOT NULL,
			name           TEXT NOT NULL DEFAULT '',
			role           TEXT NOT NULL DEFAULT '',
			first_check_in TIMESTAMP NULL,
			last_check_out TIMESTAMP NULL,
			status         TEXT NOT NULL,
			late_minutes   INTEGER NOT NULL DEFAULT 0,
			archived_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (day, person_id)
		)
	`)
	return err
}

// UpsertDay writes rows for day in one transaction. Re-archiving a day
// overwrites earlier rows for the same people.
func (a *Archive) UpsertDay(ctx context.Context, day time.Time, rows []ArchivedRow) error {
	if len(rows) == 0 {
		return nil
	}
	key := clock.DayKey(day)
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_attendance (day, person_id, name, role, first_check_in, last_check_out, status, late_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (day, person_id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			first_check_in = EXCLUDED.first_check_in,
			last_check_out = EXCLUDED.last_check_out,
			status = EXCLUDED.status,
			late_minutes = EXCLUDED.late_minutes
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.PersonID == "" {
			return errors.New("person id required")
		}
		if _, err := stmt.ExecContext(ctx, key, row.PersonID, row.Name, row.Role,
			nullTime(row.FirstCheckIn), nullTime(row.LastCheckOut), string(row.Status), row.LateMinutes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListDay returns the archived rows of day ordered by name.
func (a *Archive) ListDay(ctx context.Context, day time.Time) ([]ArchivedRow, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT day, person_id, name, role, first_check_in, last_check_out, status, late_minutes
		FROM daily_attendance
		WHERE day = $1
		ORDER BY name, person_id
	`, clock.DayKey(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ArchivedRow
	for rows.Next() {
		var (
			row     ArchivedRow
			in, out sql.NullTime
			status  string
		)
		if err := rows.Scan(&row.Day, &row.PersonID, &row.Name, &row.Role, &in, &out, &status, &row.LateMinutes); err != nil {
			return nil, err
		}
		row.Status = Status(status)
		if in.Valid {
			row.FirstCheckIn = &in.Time
		}
		if out.Valid {
			row.LastCheckOut = &out.Time
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
