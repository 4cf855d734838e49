package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ JournalStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	op          TEXT    NOT NULL,
	origin      TEXT    NOT NULL DEFAULT '',
	ok          INTEGER NOT NULL,
	kind        TEXT    NOT NULL DEFAULT '',
	message     TEXT    NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatch_log_started ON dispatch_log (started_at);
`

// SQLiteStore implements JournalStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// journal table if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append inserts e into dispatch_log.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_log (op, origin, ok, kind, message, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Op, e.Origin, e.OK, e.Kind, e.Message, e.StartedAt.UnixMilli(), e.DurationMS)
	if err != nil {
		return 0, fmt.Errorf("inserting journal entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading journal entry id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit entries ordered newest first. limit is clamped
// to [1, MaxRecent].
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxRecent {
		limit = MaxRecent
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, origin, ok, kind, message, started_at, duration_ms
		 FROM dispatch_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e       Entry
			started int64
		)
		if err := rows.Scan(&e.ID, &e.Op, &e.Origin, &e.OK, &e.Kind, &e.Message, &started, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal rows: %w", err)
	}
	return entries, nil
}
