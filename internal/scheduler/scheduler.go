// Package scheduler runs the due-time pollers: scheduled content publishes,
// flow resumption and cron jobs. All pollers claim work through the store's
// SKIP LOCKED batch queries, so any number of replicas can run side by side
// without handing the same item to two workers.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller processes one batch of due work. It reports whether a full batch
// was claimed, in which case the worker polls again without waiting for the
// next tick.
type Poller interface {
	Name() string
	Poll(ctx context.Context) (more bool, err error)
}

// Worker drives one poller on a fixed interval.
type Worker struct {
	poller   Poller
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker for the given poller.
func NewWorker(p Poller, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{poller: p, interval: interval, logger: logger}
}

// Start launches the poll loop in the background.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight poll to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain polls until the backlog is empty or an error interrupts the pass.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		more, err := w.poller.Poll(ctx)
		if err != nil {
			w.logger.Error("poll failed", "poller", w.poller.Name(), "error", err)
			return
		}
		if !more {
			return
		}
	}
}
