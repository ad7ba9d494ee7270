package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/eventlog"
	"github.com/groblegark/contentd/internal/idgen"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/snapshot"
	"github.com/groblegark/contentd/internal/store"
)

// SnapshotKind is the snapshot-store discriminator for content aggregates.
const SnapshotKind = "content"

// maxRetries bounds the reload-and-retry loop around concurrency conflicts
// before the conflict is surfaced to the caller.
const maxRetries = 3

// StreamID returns the event-log stream name of a content item.
func StreamID(id uuid.UUID) string {
	return "content-" + id.String()
}

// Service handles content commands: each command loads the snapshot, replays
// any newer events, validates the transition and appends one event. Conflicts
// are retried a bounded number of times.
type Service struct {
	log       *eventlog.Log
	snapshots *snapshot.Store[State]
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a content command service.
func NewService(log *eventlog.Log, snapshots *snapshot.Store[State], logger *slog.Logger) *Service {
	return &Service{
		log:       log,
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
	}
}

// load returns the folded state, the stream head offset, and the version the
// snapshot was stored at. Events newer than the snapshot are re-folded
// (read-repair), bounding replay to "events since last snapshot".
func (s *Service) load(ctx context.Context, id uuid.UUID) (State, int64, int64, error) {
	stream := StreamID(id)

	state, version, err := s.snapshots.Load(ctx, stream)
	if err != nil {
		return State{}, 0, 0, err
	}

	commits, err := s.log.ReadStream(ctx, stream, version)
	if err != nil {
		return State{}, 0, 0, fmt.Errorf("replay %s: %w", stream, err)
	}

	head := version
	for _, c := range commits {
		state, err = FoldCommit(state, c)
		if err != nil {
			return State{}, 0, 0, err
		}
		head = c.Head()
	}

	return state, head, version, nil
}

// saveSnapshot persists the folded state after a successful append.
// Best-effort: a conflict just means another writer saved a newer fold.
func (s *Service) saveSnapshot(ctx context.Context, id uuid.UUID, state State, snapVersion, head int64) {
	if head <= snapVersion {
		return
	}
	err := s.snapshots.Save(ctx, StreamID(id), state, snapVersion, head)
	if err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
		s.logger.Warn("failed to save content snapshot", "content_id", id, "error", err)
	}
}

// execute runs one command attempt loop: load, build events, append at the
// observed head. store.ErrConcurrencyConflict triggers a reload and retry.
func (s *Service) execute(ctx context.Context, id uuid.UUID, build func(state State) ([]model.Event, error)) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		state, head, snapVersion, err := s.load(ctx, id)
		if err != nil {
			return err
		}

		events, err := build(state)
		if err != nil {
			return err
		}

		newHead, err := s.log.Append(ctx, StreamID(id), head, events)
		if errors.Is(err, store.ErrConcurrencyConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		for _, e := range events {
			state, err = Fold(state, e, s.now().UTC())
			if err != nil {
				// The event is committed; the snapshot will be repaired on
				// the next load.
				return nil
			}
		}
		s.saveSnapshot(ctx, id, state, snapVersion, newHead)
		return nil
	}
	return fmt.Errorf("content %s: retries exhausted: %w", id, lastErr)
}

// Create starts a new content item in draft status and returns its id.
func (s *Service) Create(ctx context.Context, appID uuid.UUID, schema string, data json.RawMessage) (uuid.UUID, error) {
	if schema == "" {
		return uuid.Nil, fmt.Errorf("create content: empty schema")
	}

	id := uuid.New()
	e, err := newEvent(TypeCreated, CreatedPayload{AppID: appID, ID: id, Schema: schema, Data: data})
	if err != nil {
		return uuid.Nil, err
	}

	// A fresh uuid stream cannot race, so append directly at offset 0.
	if _, err := s.log.Append(ctx, StreamID(id), 0, []model.Event{e}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Update replaces the content data. For a published item the change is
// staged in the pending slot and takes effect on the next status change.
func (s *Service) Update(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	return s.execute(ctx, id, func(state State) ([]model.Event, error) {
		if !state.Exists() || state.IsDeleted {
			return nil, fmt.Errorf("update content %s: not found", id)
		}
		if state.Status == model.StatusArchived {
			return nil, fmt.Errorf("update content %s: archived", id)
		}
		e, err := newEvent(TypeUpdated, UpdatedPayload{Data: data})
		if err != nil {
			return nil, err
		}
		return []model.Event{e}, nil
	})
}

// ChangeStatus moves the item through the lifecycle immediately.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, status model.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("change status of %s: invalid status %q", id, status)
	}
	return s.execute(ctx, id, func(state State) ([]model.Event, error) {
		if !state.Exists() {
			return nil, fmt.Errorf("change status of %s: not found", id)
		}
		if !state.CanTransition(status) {
			return nil, fmt.Errorf("change status of %s: %s -> %s not allowed", id, state.Status, status)
		}
		e, err := newEvent(TypeStatusChanged, StatusChangedPayload{Status: status})
		if err != nil {
			return nil, err
		}
		return []model.Event{e}, nil
	})
}

// Schedule stages a status change for a future due time. The current status
// remains servable until the publish scheduler synthesizes the transition.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, status model.Status, dueTime time.Time) (string, error) {
	if !status.IsValid() {
		return "", fmt.Errorf("schedule %s: invalid status %q", id, status)
	}
	if !dueTime.After(s.now()) {
		return "", fmt.Errorf("schedule %s: due time %s is not in the future", id, dueTime)
	}

	jobID, err := idgen.Generate()
	if err != nil {
		return "", err
	}

	err = s.execute(ctx, id, func(state State) ([]model.Event, error) {
		if !state.Exists() {
			return nil, fmt.Errorf("schedule %s: not found", id)
		}
		if !state.CanTransition(status) {
			return nil, fmt.Errorf("schedule %s: %s -> %s not allowed", id, state.Status, status)
		}
		if state.ScheduleJob != nil {
			return nil, fmt.Errorf("schedule %s: already scheduled as %s", id, *state.ScheduleJob)
		}
		e, err := newEvent(TypeStatusScheduled, StatusScheduledPayload{Status: status, DueTime: dueTime.UTC(), JobID: jobID})
		if err != nil {
			return nil, err
		}
		return []model.Event{e}, nil
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// CancelSchedule removes a pending scheduled transition.
func (s *Service) CancelSchedule(ctx context.Context, id uuid.UUID) error {
	return s.execute(ctx, id, func(state State) ([]model.Event, error) {
		if state.ScheduleJob == nil {
			return nil, fmt.Errorf("cancel schedule of %s: nothing scheduled", id)
		}
		e, err := newEvent(TypeScheduleCanceled, ScheduleCanceledPayload{JobID: *state.ScheduleJob})
		if err != nil {
			return nil, err
		}
		return []model.Event{e}, nil
	})
}

// Delete soft-deletes the item; it disappears from the published read model
// but its history stays in the log.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.execute(ctx, id, func(state State) ([]model.Event, error) {
		if !state.Exists() || state.IsDeleted {
			return nil, fmt.Errorf("delete content %s: not found", id)
		}
		e, err := newEvent(TypeDeleted, DeletedPayload{})
		if err != nil {
			return nil, err
		}
		return []model.Event{e}, nil
	})
}

// CompleteSchedule applies a due scheduled transition exactly once. It makes
// a single attempt: a concurrency conflict means another worker already
// applied or canceled it, which callers treat as a lost claim, not an error.
func (s *Service) CompleteSchedule(ctx context.Context, id uuid.UUID, jobID string) error {
	state, head, snapVersion, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if state.ScheduleJob == nil || *state.ScheduleJob != jobID || state.NewStatus == nil {
		// The schedule was canceled or already completed.
		return store.ErrConcurrencyConflict
	}

	e, err := newEvent(TypeStatusChanged, StatusChangedPayload{Status: *state.NewStatus})
	if err != nil {
		return err
	}

	newHead, err := s.log.Append(ctx, StreamID(id), head, []model.Event{e})
	if err != nil {
		return err
	}

	if state, err = Fold(state, e, s.now().UTC()); err == nil {
		s.saveSnapshot(ctx, id, state, snapVersion, newHead)
	}
	return nil
}
