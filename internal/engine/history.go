package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History event kinds
const (
	EventCreated    = "created"
	EventOpened     = "opened"
	EventRecovered  = "recovered"
	EventCheckpoint = "checkpoint"
	EventBroken     = "broken"
	EventClosed     = "closed"
	EventRebuild    = "rebuild"
)

// HistoryEvent is one row of the maintenance journal.
type HistoryEvent struct {
	ID       int64
	At       time.Time
	Storage  string
	Kind     string
	Detail   string
	Duration time.Duration
}

// History is an SQLite journal of maintenance events: opens, recoveries,
// checkpoints, index rebuilds and fatal errors.
type History struct {
	db      *sql.DB
	storage string
}

// OpenHistory opens or creates the journal at path. ":memory:" keeps it in memory.
func OpenHistory(path, storage string) (*History, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// A single connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)
	if err := initHistorySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &History{db: db, storage: storage}, nil
}

func initHistorySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			storage TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS events_kind ON events(kind);
	`)
	if err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Record appends an event.
func (h *History) Record(ctx context.Context, kind, detail string, d time.Duration) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO events (at, storage, kind, detail, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), h.storage, kind, detail, d.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// Recent returns the last limit events, newest first. An empty kind matches every event.
func (h *History) Recent(ctx context.Context, kind string, limit int) ([]HistoryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, at, storage, kind, detail, duration_ms FROM events
		 WHERE (? = '' OR kind = ?) ORDER BY id DESC LIMIT ?`,
		kind, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		var at string
		var ms int64
		if err := rows.Scan(&ev.ID, &at, &ev.Storage, &ev.Kind, &ev.Detail, &ms); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		ev.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of events of a kind.
func (h *History) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

func (h *History) Close() error {
	return h.db.Close()
}
