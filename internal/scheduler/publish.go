package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/groblegark/contentd/internal/content"
	"github.com/groblegark/contentd/internal/store"
)

// PublishPoller completes due scheduled status changes by appending the
// status-changed event to each item's stream. The event append itself is the
// claim: two pollers racing on one item conflict on the stream offset, and
// the loser simply skips the item.
type PublishPoller struct {
	store     store.Store
	contents  *content.Service
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewPublishPoller creates the scheduled-publish poller.
func NewPublishPoller(s store.Store, contents *content.Service, batchSize int, logger *slog.Logger) *PublishPoller {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PublishPoller{
		store:     s,
		contents:  contents,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Name implements Poller.
func (p *PublishPoller) Name() string { return "content-schedule" }

// Poll completes one batch of due schedules.
func (p *PublishPoller) Poll(ctx context.Context) (bool, error) {
	due, err := p.store.DueScheduledContents(ctx, p.now().UTC(), p.batchSize)
	if err != nil {
		return false, err
	}

	completed := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if c.ScheduleJob == nil {
			continue
		}
		err := p.contents.CompleteSchedule(ctx, c.ID, *c.ScheduleJob)
		switch {
		case err == nil:
			completed++
		case errors.Is(err, store.ErrConcurrencyConflict):
			// Another worker completed or the schedule was canceled
			// after the read model was queried.
			p.logger.Debug("schedule claim lost", "content", c.ID, "job", *c.ScheduleJob)
		default:
			p.logger.Error("complete schedule failed", "content", c.ID, "job", *c.ScheduleJob, "error", err)
		}
	}

	// Skipped rows stay due until the projector catches up, so a full batch
	// that completed nothing would be re-read verbatim on the next poll.
	return len(due) == p.batchSize && completed > 0, nil
}
