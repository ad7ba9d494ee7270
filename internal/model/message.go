package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is one outbox row: an at-least-once delivery record decoupling
// event effects from external notification transport. TimeHandled nil marks
// the message undelivered; TimeToLive bounds how long delivery is attempted.
type Message struct {
	ID          uuid.UUID         `json:"id"`
	ChannelName string            `json:"channel_name"`
	QueueName   string            `json:"queue_name"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`

	TimeToLive  time.Time  `json:"time_to_live"`
	TimeHandled *time.Time `json:"time_handled,omitempty"`

	// Version guards acknowledgement: an ack with a stale version means
	// another worker already handled or re-claimed the message.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the message's TTL has passed at the given time.
func (m *Message) Expired(now time.Time) bool {
	return now.After(m.TimeToLive)
}
