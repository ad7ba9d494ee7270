package content

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
)

// Event type constants for the content stream.
const (
	TypeCreated          = "content.created"
	TypeUpdated          = "content.updated"
	TypeStatusChanged    = "content.status_changed"
	TypeStatusScheduled  = "content.status_scheduled"
	TypeScheduleCanceled = "content.schedule_canceled"
	TypeDeleted          = "content.deleted"
)

// Event payloads

type CreatedPayload struct {
	AppID  uuid.UUID       `json:"app_id"`
	ID     uuid.UUID       `json:"id"`
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

type UpdatedPayload struct {
	Data json.RawMessage `json:"data"`
}

type StatusChangedPayload struct {
	Status model.Status `json:"status"`
}

// StatusScheduledPayload stages a future transition: Status and Data move
// into the pending slot until DueTime, when the scheduler synthesizes the
// matching content.status_changed event.
type StatusScheduledPayload struct {
	Status  model.Status `json:"status"`
	DueTime time.Time    `json:"due_time"`
	JobID   string       `json:"job_id"`
}

type ScheduleCanceledPayload struct {
	JobID string `json:"job_id"`
}

type DeletedPayload struct{}

// newEvent marshals a payload into a model.Event of the given type.
func newEvent(eventType string, payload any) (model.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Event{}, err
	}
	return model.Event{Type: eventType, Payload: raw}, nil
}
