package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// CronHandler runs one due cron job. It returns the next due time, or done
// to delete the job. On error the claim lease is left in place and the job
// is redelivered once the lease expires, so handlers must be idempotent.
type CronHandler interface {
	HandleCron(ctx context.Context, job *model.CronJob) (next time.Time, done bool, err error)
}

// CronHandlerFunc adapts a function to the CronHandler interface.
type CronHandlerFunc func(ctx context.Context, job *model.CronJob) (time.Time, bool, error)

// HandleCron implements CronHandler.
func (fn CronHandlerFunc) HandleCron(ctx context.Context, job *model.CronJob) (time.Time, bool, error) {
	return fn(ctx, job)
}

// CronPoller claims due cron jobs and dispatches them by id to registered
// handlers. A job with no handler is logged and rescheduled far enough out
// to stop it from hot-looping.
type CronPoller struct {
	store     store.Store
	handlers  map[string]CronHandler
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewCronPoller creates the cron poller.
func NewCronPoller(s store.Store, batchSize int, logger *slog.Logger) *CronPoller {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &CronPoller{
		store:     s,
		handlers:  make(map[string]CronHandler),
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Register binds a handler to a cron job id. Register before Start.
func (p *CronPoller) Register(id string, h CronHandler) {
	p.handlers[id] = h
}

// Name implements Poller.
func (p *CronPoller) Name() string { return "cron" }

// Poll claims and runs one batch of due cron jobs.
func (p *CronPoller) Poll(ctx context.Context) (bool, error) {
	jobs, err := p.store.ClaimDueCronJobs(ctx, p.now().UTC(), p.batchSize)
	if err != nil {
		return false, err
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		p.runOne(ctx, job)
	}

	return len(jobs) == p.batchSize, nil
}

func (p *CronPoller) runOne(ctx context.Context, job *model.CronJob) {
	h, ok := p.handlers[job.ID]
	if !ok {
		p.logger.Warn("no handler for cron job", "job", job.ID)
		if err := p.store.RescheduleCronJob(ctx, job.ID, p.now().UTC().Add(time.Hour)); err != nil {
			p.logger.Error("reschedule cron job failed", "job", job.ID, "error", err)
		}
		return
	}

	next, done, err := h.HandleCron(ctx, job)
	if err != nil {
		// The claim lease covers redelivery.
		p.logger.Error("cron job failed", "job", job.ID, "error", err)
		return
	}

	if done {
		if err := p.store.DeleteCronJob(ctx, job.ID); err != nil {
			p.logger.Error("delete cron job failed", "job", job.ID, "error", err)
		}
		return
	}

	if err := p.store.RescheduleCronJob(ctx, job.ID, next.UTC()); err != nil {
		p.logger.Error("reschedule cron job failed", "job", job.ID, "error", err)
	}
}
