package eventsource_test

import (
	"context"
	"testing"

	"github.com/pflow-xyz/go-colornet/eventsource"
)

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func() eventsource.Store {
		return eventsource.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func() eventsource.Store {
		store, err := eventsource.NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("failed to create sqlite store: %v", err)
		}
		return store
	})
}

func runStoreTests(t *testing.T, newStore func() eventsource.Store) {
	t.Run("AppendAndRead", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		event1, _ := eventsource.NewEvent("stream-1", "Initialized", map[string]string{"name": "test"})
		event2, _ := eventsource.NewEvent("stream-1", "TransitionFired", map[string]string{"name": "updated"})

		// Append to new stream
		version, err := store.Append(ctx, "stream-1", -1, []*eventsource.Event{event1})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if version != 0 {
			t.Errorf("expected version 0, got %d", version)
		}

		// Append more events
		version, err = store.Append(ctx, "stream-1", 0, []*eventsource.Event{event2})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if version != 1 {
			t.Errorf("expected version 1, got %d", version)
		}

		// Read all events
		events, err := store.Read(ctx, "stream-1", 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}

		if events[0].Type != "Initialized" {
			t.Errorf("expected type Initialized, got %s", events[0].Type)
		}
		if events[1].Type != "TransitionFired" {
			t.Errorf("expected type TransitionFired, got %s", events[1].Type)
		}

		var data map[string]string
		if err := events[1].Decode(&data); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if data["name"] != "updated" {
			t.Errorf("expected payload to round-trip, got %v", data)
		}
	})

	t.Run("ConcurrencyConflict", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		event1, _ := eventsource.NewEvent("stream-1", "Initialized", nil)
		event2, _ := eventsource.NewEvent("stream-1", "TransitionFired", nil)

		_, err := store.Append(ctx, "stream-1", -1, []*eventsource.Event{event1})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}

		// Wrong expected version (5 instead of 0)
		_, err = store.Append(ctx, "stream-1", 5, []*eventsource.Event{event2})
		if err != eventsource.ErrConcurrencyConflict {
			t.Errorf("expected concurrency conflict, got: %v", err)
		}

		// Correct version should succeed
		_, err = store.Append(ctx, "stream-1", 0, []*eventsource.Event{event2})
		if err != nil {
			t.Errorf("append with correct version failed: %v", err)
		}
	})

	t.Run("StreamVersion", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		version, err := store.StreamVersion(ctx, "stream-1")
		if err != nil {
			t.Fatalf("stream version failed: %v", err)
		}
		if version != -1 {
			t.Errorf("expected version -1 for non-existent stream, got %d", version)
		}

		event, _ := eventsource.NewEvent("stream-1", "Initialized", nil)
		_, err = store.Append(ctx, "stream-1", -1, []*eventsource.Event{event})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}

		version, err = store.StreamVersion(ctx, "stream-1")
		if err != nil {
			t.Fatalf("stream version failed: %v", err)
		}
		if version != 0 {
			t.Errorf("expected version 0, got %d", version)
		}
	})

	t.Run("ReadFromVersion", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			event, _ := eventsource.NewEvent("stream-1", "TransitionFired", i)
			expectedVersion := i - 1
			_, err := store.Append(ctx, "stream-1", expectedVersion, []*eventsource.Event{event})
			if err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}

		events, err := store.Read(ctx, "stream-1", 1)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].Version != 1 {
			t.Errorf("expected first event version 1, got %d", events[0].Version)
		}
	})

	t.Run("ReadAllWithFilter", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		event1, _ := eventsource.NewEvent("stream-1", "TransitionFired", nil)
		event2, _ := eventsource.NewEvent("stream-1", "TransitionFailed", nil)
		event3, _ := eventsource.NewEvent("stream-2", "TransitionFired", nil)

		store.Append(ctx, "stream-1", -1, []*eventsource.Event{event1, event2})
		store.Append(ctx, "stream-2", -1, []*eventsource.Event{event3})

		events, err := store.ReadAll(ctx, eventsource.EventFilter{
			Types: []string{"TransitionFired"},
		})
		if err != nil {
			t.Fatalf("read all failed: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("expected 2 TransitionFired events, got %d", len(events))
		}

		events, err = store.ReadAll(ctx, eventsource.EventFilter{
			StreamID: "stream-1",
		})
		if err != nil {
			t.Fatalf("read all failed: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("expected 2 events in stream-1, got %d", len(events))
		}
	})

	t.Run("DeleteStream", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		event, _ := eventsource.NewEvent("stream-1", "Initialized", nil)
		_, err := store.Append(ctx, "stream-1", -1, []*eventsource.Event{event})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}

		version, _ := store.StreamVersion(ctx, "stream-1")
		if version != 0 {
			t.Errorf("expected version 0, got %d", version)
		}

		if err := store.DeleteStream(ctx, "stream-1"); err != nil {
			t.Fatalf("delete stream failed: %v", err)
		}

		version, _ = store.StreamVersion(ctx, "stream-1")
		if version != -1 {
			t.Errorf("expected version -1 after delete, got %d", version)
		}
	})

	t.Run("Snapshots", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		snapshotter, ok := store.(eventsource.Snapshotter)
		if !ok {
			t.Fatal("store should support snapshots")
		}

		_, found, err := snapshotter.LoadSnapshot(ctx, "stream-1")
		if err != nil {
			t.Fatalf("load snapshot failed: %v", err)
		}
		if found {
			t.Error("expected no snapshot for a fresh stream")
		}

		err = snapshotter.SaveSnapshot(ctx, eventsource.Snapshot{
			StreamID: "stream-1",
			Version:  4,
			State:    []byte(`{"sequence":5}`),
		})
		if err != nil {
			t.Fatalf("save snapshot failed: %v", err)
		}

		// Saving again replaces the previous snapshot.
		err = snapshotter.SaveSnapshot(ctx, eventsource.Snapshot{
			StreamID: "stream-1",
			Version:  9,
			State:    []byte(`{"sequence":10}`),
		})
		if err != nil {
			t.Fatalf("save snapshot failed: %v", err)
		}

		snap, found, err := snapshotter.LoadSnapshot(ctx, "stream-1")
		if err != nil {
			t.Fatalf("load snapshot failed: %v", err)
		}
		if !found {
			t.Fatal("expected a snapshot")
		}
		if snap.Version != 9 {
			t.Errorf("expected snapshot version 9, got %d", snap.Version)
		}
		if string(snap.State) != `{"sequence":10}` {
			t.Errorf("unexpected snapshot state: %s", snap.State)
		}

		if err := store.DeleteStream(ctx, "stream-1"); err != nil {
			t.Fatalf("delete stream failed: %v", err)
		}
		_, found, err = snapshotter.LoadSnapshot(ctx, "stream-1")
		if err != nil {
			t.Fatalf("load snapshot failed: %v", err)
		}
		if found {
			t.Error("expected snapshot to be removed with its stream")
		}
	})
}
