// Package projection drives read models from the global event stream. Each
// projector consumes commits in position order from its own checkpoint and
// must be idempotent: replays after a crash converge to the same state.
package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/groblegark/contentd/internal/eventlog"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/snapshot"
)

// Projector consumes commits from the global catch-up stream.
type Projector interface {
	// Name identifies the projector; it keys the consumer checkpoint.
	Name() string
	// Apply folds one commit into the read model. It must be safe to call
	// again with the same commit.
	Apply(ctx context.Context, commit *model.EventCommit) error
}

// Checkpoint is the persisted consumer position, stored as a snapshot kind.
type Checkpoint struct {
	Position int64 `json:"position"`
}

// CheckpointKind is the snapshot-store discriminator for consumer checkpoints.
const CheckpointKind = "checkpoint"

// Runner polls the event log and feeds one projector from its checkpoint.
type Runner struct {
	log         *eventlog.Log
	checkpoints *snapshot.Store[Checkpoint]
	projector   Projector
	interval    time.Duration
	pageSize    int
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner for one projector.
func NewRunner(log *eventlog.Log, checkpoints *snapshot.Store[Checkpoint], p Projector, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Runner{
		log:         log,
		checkpoints: checkpoints,
		projector:   p,
		interval:    interval,
		pageSize:    100,
		logger:      logger,
	}
}

// Start begins polling. It catches up immediately, then on each tick.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop cancels the runner and waits for the current pass to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context) {
	r.CatchUp(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CatchUp(ctx)
		}
	}
}

// CatchUp applies all commits between the checkpoint and the head of the
// log. On an apply failure the checkpoint is not advanced; the failed commit
// is replayed on the next pass, which is safe because appliers are
// idempotent.
func (r *Runner) CatchUp(ctx context.Context) {
	cp, version, err := r.checkpoints.Load(ctx, r.projector.Name())
	if err != nil {
		r.logger.Error("load checkpoint failed", "projector", r.projector.Name(), "error", err)
		return
	}

	reader := eventlog.NewCatchUpReader(r.log, cp.Position, r.pageSize)
	for {
		if ctx.Err() != nil {
			return
		}

		commits, err := reader.Next(ctx)
		if err != nil {
			r.logger.Error("read catch-up page failed", "projector", r.projector.Name(), "error", err)
			return
		}
		if len(commits) == 0 {
			return
		}

		for _, c := range commits {
			if err := r.projector.Apply(ctx, c); err != nil {
				r.logger.Error("projection apply failed",
					"projector", r.projector.Name(), "stream", c.Stream, "commit", c.ID, "error", err)
				return
			}
		}

		cp.Position = reader.Position()
		if err := r.checkpoints.Save(ctx, r.projector.Name(), cp, version, version+1); err != nil {
			r.logger.Error("save checkpoint failed", "projector", r.projector.Name(), "error", err)
			return
		}
		version++
	}
}
