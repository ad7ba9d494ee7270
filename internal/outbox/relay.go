package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/groblegark/contentd/internal/messaging"
	"github.com/groblegark/contentd/internal/store"
)

// Relay drains one outbox channel to the bus. Dequeue claims a message by
// bumping its version; the ack carries that version back, so a message
// re-claimed after a TTL'd delivery attempt cannot be double-acked. Relay
// implements the scheduler Poller interface.
type Relay struct {
	store     store.Store
	publisher messaging.Publisher
	channel   string
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a relay for the events channel.
func NewRelay(s store.Store, pub messaging.Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		store:     s,
		publisher: pub,
		channel:   ChannelEvents,
		logger:    logger,
		now:       time.Now,
	}
}

// Name implements Poller.
func (r *Relay) Name() string { return "outbox-relay" }

// Poll delivers one message. The worker's drain loop keeps calling until the
// channel is empty.
func (r *Relay) Poll(ctx context.Context) (bool, error) {
	msg, err := r.store.DequeueMessage(ctx, r.channel, r.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var env messaging.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		// An undecodable payload can never deliver; ack it out of the way.
		r.logger.Warn("dropping undecodable message", "message", msg.ID, "error", err)
		if err := r.store.AckMessage(ctx, msg.ID, msg.Version); err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
			return false, err
		}
		return true, nil
	}

	if err := r.publisher.Publish(ctx, msg.QueueName, env); err != nil {
		// Leave the message unacked; it is re-claimed on a later poll
		// until its TTL passes.
		r.logger.Warn("publish failed", "message", msg.ID, "topic", msg.QueueName, "error", err)
		return false, nil
	}

	if err := r.store.AckMessage(ctx, msg.ID, msg.Version); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			r.logger.Debug("message already handled", "message", msg.ID)
			return true, nil
		}
		return false, err
	}

	return true, nil
}

// SweepExpired deletes messages past their TTL. Wired as a cron handler.
func (r *Relay) SweepExpired(ctx context.Context) (int64, error) {
	return r.store.SweepExpiredMessages(ctx, r.now().UTC())
}
