package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a content item.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusPublished   Status = "published"
	StatusUnpublished Status = "unpublished"
	StatusArchived    Status = "archived"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusUnpublished, StatusArchived:
		return true
	}
	return false
}

// Content is the materialized projection row of one content item. The same
// shape backs both read models: contents_all carries every version including
// drafts and soft-deleted items, contents_published only the externally
// servable subset (where the pending NewStatus/NewData/schedule columns are
// always empty).
type Content struct {
	AppID  uuid.UUID `json:"app_id"`
	ID     uuid.UUID `json:"id"`
	Schema string    `json:"schema"`

	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data"`

	// Pending two-phase change slot: a scheduled or staged transition keeps
	// the current Status/Data servable while the new values wait here.
	NewStatus *Status         `json:"new_status,omitempty"`
	NewData   json.RawMessage `json:"new_data,omitempty"`

	// ScheduleJob/ScheduledAt describe a publish instruction the scheduler
	// will synthesize an event for once ScheduledAt passes.
	ScheduleJob *string    `json:"schedule_job,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	TranslationStatus json.RawMessage `json:"translation_status,omitempty"`

	IsDeleted bool  `json:"is_deleted"`
	Version   int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsServable reports whether the item belongs in the published read model.
func (c *Content) IsServable() bool {
	return c.Status == StatusPublished && !c.IsDeleted
}

// ContentReference is one edge of the reference graph, pointing from a field
// of one content item to another content item in the same app.
type ContentReference struct {
	AppID      uuid.UUID `json:"app_id"`
	FromID     uuid.UUID `json:"from_id"`
	FromSchema string    `json:"from_schema"`
	ToID       uuid.UUID `json:"to_id"`
}
