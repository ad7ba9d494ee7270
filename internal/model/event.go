package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a single domain event inside a commit. The payload is opaque to
// the log; consumers decode it by Type.
type Event struct {
	Type    string            `json:"type"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EventCommit is one persisted row of the event log. A commit covers a whole
// command batch: StreamOffset is the offset before the batch, EventsCount the
// batch size, so the head offset after the commit is StreamOffset+EventsCount.
// (Stream, StreamOffset) is the optimistic-concurrency key.
type EventCommit struct {
	ID           uuid.UUID `json:"id"`
	Stream       string    `json:"stream"`
	StreamOffset int64     `json:"stream_offset"`
	EventsCount  int64     `json:"events_count"`
	Events       []Event   `json:"events"`
	CreatedAt    time.Time `json:"created_at"`

	// Position is the global, cross-stream sequence number. It is nil until
	// assigned; readers of the global stream treat it as eventually-consistent
	// metadata, not an append-time guarantee.
	Position *int64 `json:"position,omitempty"`
}

// Head returns the stream offset after this commit.
func (c *EventCommit) Head() int64 {
	return c.StreamOffset + c.EventsCount
}
