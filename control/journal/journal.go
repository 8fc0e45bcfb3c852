// Package journal records every attempt to synchronize the clock in a sqlite database, so that
// a misbehaving network or a fiddled-with switch can be diagnosed after the fact.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const initDatabase = `
CREATE TABLE IF NOT EXISTS sync_event (date datetime not null, kind text not null, result text not null, offset_minutes integer not null, instant datetime, error text);
CREATE INDEX IF NOT EXISTS sync_event_date ON sync_event (date);
`

// Event is one synchronization attempt.
type Event struct {
	Date          time.Time
	Kind          string // "initial", "offset", "interval"
	Result        string // "ok", "timeout", "transport", "error"
	OffsetMinutes int
	Instant       time.Time // network time, zero unless Result is "ok"
	Error         string
}

// DB is a sync journal.
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the journal at filename.
func Open(filename string) (*DB, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	// One writer; this also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(initDatabase); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{db}, nil
}

// Record appends an event.
func (db *DB) Record(e Event) error {
	s, err := db.Prepare("insert into sync_event values(?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer s.Close()
	var instant, errText interface{}
	if !e.Instant.IsZero() {
		instant = e.Instant.UTC()
	}
	if e.Error != "" {
		errText = e.Error
	}
	if _, err := s.Exec(e.Date.UTC(), e.Kind, e.Result, e.OffsetMinutes, instant, errText); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Recent returns up to n events, newest first.
func (db *DB) Recent(n int) ([]Event, error) {
	rows, err := db.Query("select date, kind, result, offset_minutes, instant, error from sync_event order by date desc, rowid desc limit ?", n)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var e Event
		var instant sql.NullTime
		var errText sql.NullString
		if err := rows.Scan(&e.Date, &e.Kind, &e.Result, &e.OffsetMinutes, &instant, &errText); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if instant.Valid {
			e.Instant = instant.Time
		}
		e.Error = errText.String
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return result, nil
}

func (db *DB) single(query string, args ...interface{}) (int, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var result int
	var found bool
	for rows.Next() {
		if found {
			return 0, errors.New("more than one row returned")
		}
		if err := rows.Scan(&result); err != nil {
			return 0, err
		}
		found = true
	}
	return result, rows.Err()
}
