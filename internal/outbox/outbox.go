// Package outbox decouples external notification from event commits: a
// projector copies committed events into the messages table, and a relay
// drains the table to the bus. Delivery is at-least-once; consumers
// deduplicate on the envelope's stream coordinates.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/messaging"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// ChannelEvents is the outbox channel the relay drains.
const ChannelEvents = "events"

// DefaultTTL bounds how long delivery of one message is attempted.
const DefaultTTL = 24 * time.Hour

// Projector enqueues one outbox message per committed event. It implements
// the projection Projector interface and runs behind its own checkpoint, so
// a crash replays commits rather than losing them; the resulting duplicate
// messages are covered by the at-least-once contract.
type Projector struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewProjector creates the outbox projector.
func NewProjector(s store.Store) *Projector {
	return &Projector{store: s, ttl: DefaultTTL, now: time.Now}
}

// Name implements the projection Projector interface.
func (p *Projector) Name() string { return "outbox" }

// Apply enqueues the commit's events. Events with no mapped subject are
// skipped.
func (p *Projector) Apply(ctx context.Context, commit *model.EventCommit) error {
	if commit.Position == nil {
		return fmt.Errorf("commit %s has no position", commit.ID)
	}

	now := p.now().UTC()
	return p.store.RunInTransaction(ctx, func(tx store.Store) error {
		for i, e := range commit.Events {
			topic := messaging.TopicFor(e.Type)
			if topic == "" {
				continue
			}

			payload, err := json.Marshal(messaging.Envelope{
				CommitID:     commit.ID,
				Stream:       commit.Stream,
				StreamOffset: commit.StreamOffset + int64(i),
				Position:     *commit.Position,
				Event:        e,
			})
			if err != nil {
				return fmt.Errorf("marshal envelope: %w", err)
			}

			msg := &model.Message{
				ID:          uuid.New(),
				ChannelName: ChannelEvents,
				QueueName:   topic,
				Payload:     payload,
				Headers:     e.Headers,
				TimeToLive:  now.Add(p.ttl),
			}
			if err := tx.EnqueueMessage(ctx, msg); err != nil {
				return fmt.Errorf("enqueue message: %w", err)
			}
		}
		return nil
	})
}
