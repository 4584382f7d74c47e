// Package db implements the SQLite session audit log: handshake outcomes,
// protocol errors and peer departures recorded from the event bus.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// busyTimeoutMs is how long a statement waits on a locked database.
const busyTimeoutMs = 5000

// Database is a single-writer SQLite handle. Writes and migrations are
// serialised; reads go straight to the pool.
type Database struct {
	writeMu sync.Mutex
	conn    *sql.DB
	path    string
}

// dsn builds a modernc DSN with the pragmas applied to every connection.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// NewDatabase opens or creates the SQLite file at path, creating its
// directory when needed.
func NewDatabase(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("path", path).Msg("database opened")
	return &Database{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string { return d.path }

// Close closes the underlying pool.
func (d *Database) Close() error { return d.conn.Close() }

// Exec runs a write statement.
func (d *Database) Exec(query string, args ...any) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.Exec(query, args...)
}

// Query runs a read statement.
func (d *Database) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

// Version returns the schema version stored in PRAGMA user_version.
func (d *Database) Version() (int, error) {
	var v int
	if err := d.conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// inTx runs fn in a write transaction, rolling back when it fails.
func (d *Database) inTx(fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Migrate applies every step past the current schema version, each in its
// own transaction, and returns the version reached.
func (d *Database) Migrate(steps []string) (int, error) {
	version, err := d.Version()
	if err != nil {
		return 0, err
	}

	for ; version < len(steps); version++ {
		next := version + 1
		err := d.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(steps[version]); err != nil {
				return err
			}
			// PRAGMA does not accept bound parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", next))
			return err
		})
		if err != nil {
			return version, fmt.Errorf("migration %d failed: %w", next, err)
		}
		log.Debug().Int("version", next).Str("path", d.path).Msg("schema migrated")
	}
	return version, nil
}
