package eventsource

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral instances.
// It keeps full append order across streams so ReadAll reflects the
// global history.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]*Event
	order     []*Event
	snapshots map[string]Snapshot
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ Snapshotter = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]*Event),
		snapshots: make(map[string]Snapshot),
	}
}

// Append atomically adds events to a stream.
func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion int, events []*Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.streams[streamID]) - 1
	if current != expectedVersion {
		return current, ErrConcurrencyConflict
	}

	version := current
	for _, event := range events {
		version++
		stored := *event
		stored.StreamID = streamID
		stored.Version = version
		s.streams[streamID] = append(s.streams[streamID], &stored)
		s.order = append(s.order, &stored)
		event.Version = version
	}
	return version, nil
}

// Read returns a stream's events from the given version onward.
func (s *MemoryStore) Read(ctx context.Context, streamID string, fromVersion int) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for _, event := range s.streams[streamID] {
		if event.Version >= fromVersion {
			copied := *event
			result = append(result, &copied)
		}
	}
	return result, nil
}

// ReadAll returns events matching the filter in append order.
func (s *MemoryStore) ReadAll(ctx context.Context, filter EventFilter) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for _, event := range s.order {
		if filter.matches(event) {
			copied := *event
			result = append(result, &copied)
		}
	}
	return result, nil
}

// StreamVersion returns the stream's last version, or -1.
func (s *MemoryStore) StreamVersion(ctx context.Context, streamID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[streamID]) - 1, nil
}

// DeleteStream removes a stream and its snapshot.
func (s *MemoryStore) DeleteStream(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streams, streamID)
	delete(s.snapshots, streamID)
	kept := s.order[:0]
	for _, event := range s.order {
		if event.StreamID != streamID {
			kept = append(kept, event)
		}
	}
	s.order = kept
	return nil
}

// SaveSnapshot stores the snapshot, replacing any previous one.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.StreamID] = snap
	return nil
}

// LoadSnapshot returns the stream's snapshot, if any.
func (s *MemoryStore) LoadSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[streamID]
	return snap, ok, nil
}

// Close releases the store. The in-memory store has nothing to release.
func (s *MemoryStore) Close() error {
	return nil
}
