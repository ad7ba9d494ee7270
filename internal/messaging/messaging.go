// Package messaging is the NATS edge of the engine: the outbox relay
// publishes committed events here, and downstream consumers (search
// indexers, cache invalidation, webhooks) subscribe.
package messaging

import (
	"context"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
)

// Subjects follow "contentd.<entity>.<action>".
const (
	TopicContentCreated          = "contentd.content.created"
	TopicContentUpdated          = "contentd.content.updated"
	TopicContentStatusChanged    = "contentd.content.status_changed"
	TopicContentStatusScheduled  = "contentd.content.status_scheduled"
	TopicContentScheduleCanceled = "contentd.content.schedule_canceled"
	TopicContentDeleted          = "contentd.content.deleted"

	// TopicContentAll matches every content subject.
	TopicContentAll = "contentd.content.>"
)

// TopicFor maps a stored event type ("content.created") to its NATS subject.
// Unknown types map to the empty string.
func TopicFor(eventType string) string {
	switch eventType {
	case "content.created":
		return TopicContentCreated
	case "content.updated":
		return TopicContentUpdated
	case "content.status_changed":
		return TopicContentStatusChanged
	case "content.status_scheduled":
		return TopicContentStatusScheduled
	case "content.schedule_canceled":
		return TopicContentScheduleCanceled
	case "content.deleted":
		return TopicContentDeleted
	}
	return ""
}

// Envelope coordinates are mirrored into NATS message headers, so consumers
// can order and deduplicate without decoding the body.
const (
	HeaderStream   = "Contentd-Stream"
	HeaderOffset   = "Contentd-Stream-Offset"
	HeaderPosition = "Contentd-Position"
)

// Envelope is the published shape of one stored event: the event plus enough
// stream coordinates for a consumer to order and deduplicate.
type Envelope struct {
	CommitID     uuid.UUID `json:"commit_id"`
	Stream       string    `json:"stream"`
	StreamOffset int64     `json:"stream_offset"`
	Position     int64     `json:"position"`

	Event model.Event `json:"event"`
}

// Publisher is the interface for emitting events to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
