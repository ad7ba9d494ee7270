// Package trigger wakes flows from the bus: external systems publish a
// trigger event and the handler schedules the flow for its next run. This is
// the external-event half of flow suspension; the timer half lives in the
// scheduler package.
package trigger

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/messaging"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// SubjectFlowTrigger is the NATS subject trigger events arrive on.
const SubjectFlowTrigger = "contentd.flow.trigger"

// SubjectFlowRun is the subject claimed flows are handed to their owner on.
const SubjectFlowRun = "contentd.flow.run"

// Event is the payload published to wake or start a flow.
type Event struct {
	FlowID uuid.UUID `json:"flow_id"`

	// OwnerID and DefinitionID are required only when the trigger starts a
	// flow that does not exist yet.
	OwnerID      uuid.UUID `json:"owner_id,omitempty"`
	DefinitionID uuid.UUID `json:"definition_id,omitempty"`

	// State replaces the flow state when non-nil.
	State json.RawMessage `json:"state,omitempty"`

	// DueTime defaults to now when unset.
	DueTime *time.Time `json:"due_time,omitempty"`

	// Done deletes the flow instead of waking it.
	Done bool `json:"done,omitempty"`
}

// Handler schedules flows in response to trigger events.
type Handler struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a trigger handler backed by the given store.
func NewHandler(s store.Store, logger *slog.Logger) *Handler {
	return &Handler{store: s, logger: logger, now: time.Now}
}

// HandleTrigger wakes the flow, creating it first when the event carries a
// definition. Triggers for permanently failed flows are dropped.
func (h *Handler) HandleTrigger(ctx context.Context, ev Event) error {
	if ev.FlowID == uuid.Nil {
		return fmt.Errorf("trigger: flow id required")
	}

	if ev.Done {
		if err := h.store.DeleteFlow(ctx, ev.FlowID); err != nil {
			return fmt.Errorf("trigger: complete flow %s: %w", ev.FlowID, err)
		}
		return nil
	}

	flow, err := h.store.GetFlow(ctx, ev.FlowID)
	if errors.Is(err, sql.ErrNoRows) {
		if ev.DefinitionID == uuid.Nil {
			return fmt.Errorf("trigger: flow %s not found", ev.FlowID)
		}
		flow = &model.Flow{
			ID:                ev.FlowID,
			OwnerID:           ev.OwnerID,
			DefinitionID:      ev.DefinitionID,
			SchedulePartition: partitionFor(ev.FlowID),
		}
	} else if err != nil {
		return fmt.Errorf("trigger: load flow %s: %w", ev.FlowID, err)
	}

	if flow.Failed() {
		h.logger.Warn("trigger: flow permanently failed, dropping", "flow", flow.ID)
		return nil
	}

	if ev.State != nil {
		flow.State = ev.State
	}
	due := h.now().UTC()
	if ev.DueTime != nil {
		due = ev.DueTime.UTC()
	}
	flow.DueTime = &due

	if err := h.store.UpsertFlow(ctx, flow); err != nil {
		return fmt.Errorf("trigger: schedule flow %s: %w", flow.ID, err)
	}
	return nil
}

// partitionFor derives a stable partition from the flow id, so a flow always
// lands on the same worker slice no matter which replica created it.
func partitionFor(id uuid.UUID) int {
	return int(binary.BigEndian.Uint16(id[:2]))
}

// StartSubscriber listens for trigger events on the bus and schedules the
// named flows. It blocks until ctx is cancelled.
func (h *Handler) StartSubscriber(ctx context.Context, sub messaging.Subscriber) error {
	ch, cancel, err := sub.Subscribe(SubjectFlowTrigger)
	if err != nil {
		return fmt.Errorf("trigger: subscribe: %w", err)
	}
	defer cancel()

	h.logger.Info("trigger: subscriber started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("trigger: subscriber stopping")
			return nil
		case raw, ok := <-ch:
			if !ok {
				h.logger.Info("trigger: subscription channel closed")
				return nil
			}

			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				h.logger.Warn("trigger: bad event payload", "err", err)
				continue
			}

			if err := h.HandleTrigger(ctx, ev); err != nil {
				h.logger.Warn("trigger: handle failed", "flow", ev.FlowID, "err", err)
			}
		}
	}
}
