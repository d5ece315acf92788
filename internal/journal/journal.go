// Package journal records agent lifecycle and reconciliation events in a
// local SQLite database so operators can audit what the agent did and why.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventKind classifies journal entries.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventStop      EventKind = "stop"
	EventRestart   EventKind = "restart"
	EventCrash     EventKind = "crash"
	EventReconcile EventKind = "reconcile"
)

// Event is a single journal entry.
type Event struct {
	ID         int64     `json:"id"`
	Kind       EventKind `json:"kind"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Schema contains the journal database schema.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    detail TEXT,
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_recorded ON events(recorded_at);
`

// Journal is a SQLite-backed event log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database. The path can be a file path
// or ":memory:" for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an event. Journal failures are the caller's to log; they
// never block agent operation.
func (j *Journal) Record(ctx context.Context, kind EventKind, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (kind, detail, recorded_at) VALUES (?, ?, ?)`,
		string(kind), detail, time.Now())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Recent returns the n most recent events, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		n = 50
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, detail, recorded_at FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
