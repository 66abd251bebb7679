package eventsource

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrConcurrencyConflict is returned by Append when the expected version
// does not match the stream's current version.
var ErrConcurrencyConflict = errors.New("concurrency conflict: stream version mismatch")

// EventFilter narrows a ReadAll query. Zero fields match everything.
type EventFilter struct {
	StreamID string
	Types    []string
}

func (f EventFilter) matches(e *Event) bool {
	if f.StreamID != "" && e.StreamID != f.StreamID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the journal contract. Appends are atomic and ordered per
// stream; each stream has a single writer.
type Store interface {
	// Append atomically adds events to a stream. expectedVersion is the
	// version the caller believes the stream has (-1 for a new stream);
	// on mismatch ErrConcurrencyConflict is returned and nothing is
	// written. Returns the stream's new version.
	Append(ctx context.Context, streamID string, expectedVersion int, events []*Event) (int, error)

	// Read returns a stream's events from the given version onward, in
	// version order.
	Read(ctx context.Context, streamID string, fromVersion int) ([]*Event, error)

	// ReadAll returns events across streams matching the filter, in
	// append order.
	ReadAll(ctx context.Context, filter EventFilter) ([]*Event, error)

	// StreamVersion returns the version of the stream's last event, or
	// -1 if the stream does not exist.
	StreamVersion(ctx context.Context, streamID string) (int, error)

	// DeleteStream removes a stream and its snapshot, if any.
	DeleteStream(ctx context.Context, streamID string) error

	// Close releases the store's resources.
	Close() error
}

// Snapshot is a point-in-time capture of derived stream state, valid up
// to and including Version.
type Snapshot struct {
	StreamID string          `json:"stream_id"`
	Version  int             `json:"version"`
	State    json.RawMessage `json:"state"`
}

// Snapshotter is the optional snapshot side of a store. Both bundled
// stores implement it; recovery uses it when available to bound replay.
type Snapshotter interface {
	// SaveSnapshot stores the snapshot, replacing any previous one for
	// the stream.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the stream's snapshot. The second return is
	// false when none exists.
	LoadSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error)
}
