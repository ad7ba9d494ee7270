package content

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
)

// State is the folded aggregate of one content stream, persisted as a
// snapshot so commands replay only the events since the last save.
type State struct {
	AppID  uuid.UUID       `json:"app_id"`
	ID     uuid.UUID       `json:"id"`
	Schema string          `json:"schema"`
	Status model.Status    `json:"status"`
	Data   json.RawMessage `json:"data"`

	NewStatus   *model.Status   `json:"new_status,omitempty"`
	NewData     json.RawMessage `json:"new_data,omitempty"`
	ScheduleJob *string         `json:"schedule_job,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`

	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exists reports whether the stream has a created content item.
func (s *State) Exists() bool {
	return s.ID != uuid.Nil
}

// CanTransition reports whether a direct status change is allowed.
// The lifecycle is Draft -> Published -> (Unpublished -> Draft) ->
// Archived; archiving is allowed from every live state.
func (s *State) CanTransition(to model.Status) bool {
	if s.IsDeleted {
		return false
	}
	if to == model.StatusArchived {
		return s.Status != model.StatusArchived
	}
	switch s.Status {
	case model.StatusDraft:
		return to == model.StatusPublished
	case model.StatusPublished:
		return to == model.StatusUnpublished
	case model.StatusUnpublished:
		return to == model.StatusDraft || to == model.StatusPublished
	case model.StatusArchived:
		return false
	}
	return false
}

// Fold applies one event to the state. Unknown event types are skipped so
// old snapshots survive new event vocabulary.
func Fold(s State, e model.Event, at time.Time) (State, error) {
	switch e.Type {
	case TypeCreated:
		var p CreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return s, fmt.Errorf("fold %s: %w", e.Type, err)
		}
		s.AppID = p.AppID
		s.ID = p.ID
		s.Schema = p.Schema
		s.Status = model.StatusDraft
		s.Data = p.Data
		s.CreatedAt = at
		s.UpdatedAt = at

	case TypeUpdated:
		var p UpdatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return s, fmt.Errorf("fold %s: %w", e.Type, err)
		}
		// A published item stages the change; a draft takes it directly.
		if s.Status == model.StatusPublished {
			s.NewData = p.Data
		} else {
			s.Data = p.Data
		}
		s.UpdatedAt = at

	case TypeStatusChanged:
		var p StatusChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return s, fmt.Errorf("fold %s: %w", e.Type, err)
		}
		s.Status = p.Status
		// The transition consumes any staged change and pending schedule.
		if s.NewData != nil {
			s.Data = s.NewData
			s.NewData = nil
		}
		s.NewStatus = nil
		s.ScheduleJob = nil
		s.ScheduledAt = nil
		s.UpdatedAt = at

	case TypeStatusScheduled:
		var p StatusScheduledPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return s, fmt.Errorf("fold %s: %w", e.Type, err)
		}
		status := p.Status
		due := p.DueTime
		job := p.JobID
		s.NewStatus = &status
		s.ScheduledAt = &due
		s.ScheduleJob = &job
		s.UpdatedAt = at

	case TypeScheduleCanceled:
		s.NewStatus = nil
		s.NewData = nil
		s.ScheduleJob = nil
		s.ScheduledAt = nil
		s.UpdatedAt = at

	case TypeDeleted:
		s.IsDeleted = true
		s.NewStatus = nil
		s.NewData = nil
		s.ScheduleJob = nil
		s.ScheduledAt = nil
		s.UpdatedAt = at
	}

	return s, nil
}

// FoldCommit applies every event of a commit in order.
func FoldCommit(s State, c *model.EventCommit) (State, error) {
	var err error
	for _, e := range c.Events {
		s, err = Fold(s, e, c.CreatedAt)
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

// Projection converts the folded state into the contents_all row shape.
func (s *State) Projection(version int64) *model.Content {
	return &model.Content{
		AppID:       s.AppID,
		ID:          s.ID,
		Schema:      s.Schema,
		Status:      s.Status,
		Data:        s.Data,
		NewStatus:   s.NewStatus,
		NewData:     s.NewData,
		ScheduleJob: s.ScheduleJob,
		ScheduledAt: s.ScheduledAt,
		IsDeleted:   s.IsDeleted,
		Version:     version,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
