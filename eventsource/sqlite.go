package eventsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	stream_id TEXT NOT NULL,
	version   INTEGER NOT NULL,
	id        TEXT NOT NULL,
	type      TEXT NOT NULL,
	data      BLOB,
	ts        TEXT NOT NULL,
	PRIMARY KEY (stream_id, version)
);
CREATE TABLE IF NOT EXISTS snapshots (
	stream_id TEXT PRIMARY KEY,
	version   INTEGER NOT NULL,
	state     BLOB NOT NULL
);
`

// SQLiteStore is a durable Store backed by a SQLite database file.
// Use ":memory:" for an ephemeral database in tests.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store       = (*SQLiteStore)(nil)
	_ Snapshotter = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the journal schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// The journal is single-writer per stream; one connection keeps
	// ":memory:" databases stable and sidesteps writer contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append atomically adds events to a stream.
func (s *SQLiteStore) Append(ctx context.Context, streamID string, expectedVersion int, events []*Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, err
	}
	defer tx.Rollback()

	current, err := streamVersionTx(ctx, tx, streamID)
	if err != nil {
		return -1, err
	}
	if current != expectedVersion {
		return current, ErrConcurrencyConflict
	}

	version := current
	for _, event := range events {
		version++
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (stream_id, version, id, type, data, ts) VALUES (?, ?, ?, ?, ?, ?)`,
			streamID, version, event.ID, event.Type, []byte(event.Data), event.Timestamp.Format(time.RFC3339Nano))
		if err != nil {
			return -1, err
		}
		event.StreamID = streamID
		event.Version = version
	}
	if err := tx.Commit(); err != nil {
		return -1, err
	}
	return version, nil
}

// Read returns a stream's events from the given version onward.
func (s *SQLiteStore) Read(ctx context.Context, streamID string, fromVersion int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, version, id, type, data, ts FROM events
		 WHERE stream_id = ? AND version >= ? ORDER BY version`,
		streamID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAll returns events matching the filter in append order.
func (s *SQLiteStore) ReadAll(ctx context.Context, filter EventFilter) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, version, id, type, data, ts FROM events ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	var result []*Event
	for _, event := range events {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result, nil
}

// StreamVersion returns the stream's last version, or -1.
func (s *SQLiteStore) StreamVersion(ctx context.Context, streamID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, err
	}
	defer tx.Rollback()
	return streamVersionTx(ctx, tx, streamID)
}

// DeleteStream removes a stream and its snapshot.
func (s *SQLiteStore) DeleteStream(ctx context.Context, streamID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE stream_id = ?`, streamID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE stream_id = ?`, streamID)
	return err
}

// SaveSnapshot stores the snapshot, replacing any previous one.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (stream_id, version, state) VALUES (?, ?, ?)
		 ON CONFLICT(stream_id) DO UPDATE SET version = excluded.version, state = excluded.state`,
		snap.StreamID, snap.Version, []byte(snap.State))
	return err
}

// LoadSnapshot returns the stream's snapshot, if any.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, state FROM snapshots WHERE stream_id = ?`, streamID)

	snap := Snapshot{StreamID: streamID}
	var state []byte
	if err := row.Scan(&snap.Version, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	snap.State = state
	return snap, true, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func streamVersionTx(ctx context.Context, tx *sql.Tx, streamID string) (int, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM events WHERE stream_id = ?`, streamID)
	var version int
	if err := row.Scan(&version); err != nil {
		return -1, err
	}
	return version, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		event := &Event{}
		var data []byte
		var ts string
		if err := rows.Scan(&event.StreamID, &event.Version, &event.ID, &event.Type, &data, &ts); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			event.Data = data
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		event.Timestamp = parsed
		result = append(result, event)
	}
	return result, rows.Err()
}
