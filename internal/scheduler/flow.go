package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// FlowResult is the disposition of one flow attempt.
type FlowResult struct {
	// Done removes the flow; otherwise it is rescheduled.
	Done bool
	// NextDue is the next wake-up when the flow suspends on a timer. Nil
	// with Done unset leaves the flow dormant until an external trigger
	// updates it.
	NextDue *time.Time
	// State replaces the flow state when non-nil.
	State []byte
}

// FlowRunner executes one claimed flow. Returning an error triggers the
// retry policy; the runner must tolerate re-execution of the same attempt.
type FlowRunner interface {
	Run(ctx context.Context, f *model.Flow) (FlowResult, error)
}

// FlowRunnerFunc adapts a function to the FlowRunner interface.
type FlowRunnerFunc func(ctx context.Context, f *model.Flow) (FlowResult, error)

// Run implements FlowRunner.
func (fn FlowRunnerFunc) Run(ctx context.Context, f *model.Flow) (FlowResult, error) {
	return fn(ctx, f)
}

// FlowPoller claims due flows for one partition slice and hands them to the
// runner. Claiming clears the due time and bumps the attempt counter in the
// same statement, so a crash between claim and reschedule leaves the flow
// parked rather than hot-looping.
type FlowPoller struct {
	store      store.Store
	runner     FlowRunner
	retry      RetryPolicy
	partition  int
	partitions int
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time
}

// NewFlowPoller creates the flow poller for one partition slice. partition
// must be in [0, partitions).
func NewFlowPoller(s store.Store, runner FlowRunner, retry RetryPolicy, partition, partitions, batchSize int, logger *slog.Logger) *FlowPoller {
	if partitions <= 0 {
		partitions = 1
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &FlowPoller{
		store:      s,
		runner:     runner,
		retry:      retry,
		partition:  partition,
		partitions: partitions,
		batchSize:  batchSize,
		logger:     logger,
		now:        time.Now,
	}
}

// Name implements Poller.
func (p *FlowPoller) Name() string { return "flows" }

// Poll claims and runs one batch of due flows.
func (p *FlowPoller) Poll(ctx context.Context) (bool, error) {
	flows, err := p.store.ClaimDueFlows(ctx, p.now().UTC(), p.partition, p.partitions, p.batchSize)
	if err != nil {
		return false, err
	}

	for _, f := range flows {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		p.runOne(ctx, f)
	}

	return len(flows) == p.batchSize, nil
}

func (p *FlowPoller) runOne(ctx context.Context, f *model.Flow) {
	result, err := p.runner.Run(ctx, f)
	if err != nil {
		p.retryOrFail(ctx, f, err)
		return
	}

	if result.Done {
		if err := p.store.DeleteFlow(ctx, f.ID); err != nil {
			p.logger.Error("delete flow failed", "flow", f.ID, "error", err)
		}
		return
	}

	if result.State != nil {
		f.State = result.State
	}
	f.DueTime = result.NextDue
	f.NumCalls = 0
	f.NextAttempt = nil
	f.LastError = ""
	if err := p.store.UpsertFlow(ctx, f); err != nil {
		p.logger.Error("reschedule flow failed", "flow", f.ID, "error", err)
	}
}

func (p *FlowPoller) retryOrFail(ctx context.Context, f *model.Flow, cause error) {
	now := p.now().UTC()

	next, err := p.retry.NextAttempt(f, now)
	if errors.Is(err, ErrRetryExhausted) {
		p.logger.Warn("flow failed permanently", "flow", f.ID, "calls", f.NumCalls, "error", cause)
		if err := p.store.FailFlow(ctx, f.ID, now, cause.Error()); err != nil {
			p.logger.Error("fail flow failed", "flow", f.ID, "error", err)
		}
		return
	}

	p.logger.Warn("flow attempt failed", "flow", f.ID, "calls", f.NumCalls, "next_attempt", next, "error", cause)
	if err := p.store.RescheduleFlow(ctx, f.ID, &next, &next, f.NumCalls, cause.Error()); err != nil {
		p.logger.Error("reschedule flow failed", "flow", f.ID, "error", err)
	}
}
