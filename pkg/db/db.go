package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB

	queries *UserQueries
}

// New opens (and creates if needed) the SQLite database at path.
// ":memory:" gives a private in-memory database, used by tests.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		// Ticks from many users funnel into one writer; WAL plus a busy
		// timeout keeps readers from tripping over it.
		params := url.Values{}
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_pragma", "busy_timeout(5000)")
		dsn = "file:" + path + "?" + params.Encode()
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite prefers single writer.
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Database{DB: sqlDB, queries: NewUserQueries(sqlDB)}, nil
}

// Queries returns the user-isolated query helpers.
func (d *Database) Queries() *UserQueries {
	return d.queries
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
