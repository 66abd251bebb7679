// Package eventsource provides an append-only event journal with
// optimistic concurrency, the persistence substrate for event-sourced
// net instances. Events live in per-stream sequences; a stream's version
// is the index of its last event (-1 for an empty stream).
package eventsource

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a single journaled record. Data holds the kind-specific
// payload; Version is assigned by the store on append.
type Event struct {
	ID        string          `json:"id"`
	StreamID  string          `json:"stream_id"`
	Type      string          `json:"type"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an event for the given stream, serializing data to
// JSON. A nil data leaves Data empty.
func NewEvent(streamID, eventType string, data any) (*Event, error) {
	event := &Event{
		ID:        uuid.New().String(),
		StreamID:  streamID,
		Type:      eventType,
		Version:   -1,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		event.Data = encoded
	}
	return event, nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
