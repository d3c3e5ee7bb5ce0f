// Package settings stores dashboard settings that can change at runtime.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"davomat/internal/clock"
)

const keyLateThreshold = "late_threshold"

// Settings are the effective values.
type Settings struct {
	LateThreshold       clock.TimeOfDay `json:"lateThreshold"`
	StaffPollInterval   time.Duration   `json:"staffPollInterval"`
	StudentPollInterval time.Duration   `json:"studentPollInterval"`
}

// Store reads and writes settings. Values not stored fall back to defaults.
type Store struct {
	db       *sql.DB
	defaults Settings
}

// NewStore creates a store over db.
func NewStore(db *sql.DB, defaults Settings) *Store {
	return &Store{db: db, defaults: defaults}
}

// Migrate creates the settings table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Get returns the effective settings.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	out := s.defaults
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, keyLateThreshold).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	tod, err := clock.ParseTimeOfDay(raw)
	if err != nil {
		return out, fmt.Errorf("stored late threshold %q: %w", raw, err)
	}
	out.LateThreshold = tod
	return out, nil
}

// SetLateThreshold stores a new late threshold.
func (s *Store) SetLateThreshold(ctx context.Context, tod clock.TimeOfDay) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, keyLateThreshold, tod.String(), time.Now().UTC())
	return err
}

// LateThreshold returns just the effective late threshold.
func (s *Store) LateThreshold(ctx context.Context) (clock.TimeOfDay, error) {
	st, err := s.Get(ctx)
	return st.LateThreshold, err
}
