package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB for Postgres (pgx) or SQLite (sqlite3).
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB opens driver with dsn and pings it. The returned DB is usable for
// Close even when the ping fails.
func NewDB(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case "pgx", "postgres":
		driver = "pgx"
	case "sqlite3", "sqlite":
		driver = "sqlite3"
		if dsn != ":memory:" {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return &DB{Client: db, Driver: driver}, db.PingContext(pingCtx)
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
