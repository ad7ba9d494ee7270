package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/groblegark/contentd/internal/eventlog"
	"github.com/groblegark/contentd/internal/projection"
	"github.com/groblegark/contentd/internal/snapshot"
)

// CheckpointID keys the archiver's consumer checkpoint in the snapshot store.
const CheckpointID = "event-archive"

// Destination is the interface for an archive target.
type Destination interface {
	// Write stores one archive object under the given key.
	Write(ctx context.Context, key string, data []byte) error
}

// Archiver periodically exports new commits from the event log to the
// destination. It is an ordinary catch-up consumer: its checkpoint lives in
// the snapshot store and a crashed run re-uploads the same position range
// under the same key, which overwrites rather than duplicates.
type Archiver struct {
	log         *eventlog.Log
	checkpoints *snapshot.Store[projection.Checkpoint]
	dest        Destination
	interval    time.Duration
	batchSize   int
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiver creates an archiver exporting batches of up to batchSize
// commits at the given interval.
func NewArchiver(log *eventlog.Log, checkpoints *snapshot.Store[projection.Checkpoint], dest Destination, interval time.Duration, batchSize int, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Archiver{
		log:         log,
		checkpoints: checkpoints,
		dest:        dest,
		interval:    interval,
		batchSize:   batchSize,
		logger:      logger,
	}
}

// Start begins periodic archival. It runs an initial pass immediately, then
// on each tick.
func (a *Archiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

// Stop cancels the archiver and waits for the current pass (if any) to finish.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Archiver) run(ctx context.Context) {
	a.archiveOnce(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.archiveOnce(ctx)
		}
	}
}

func (a *Archiver) archiveOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		more, err := a.archiveBatch(ctx)
		if err != nil {
			a.logger.Error("archive pass failed", "err", err)
			return
		}
		if !more {
			return
		}
	}
}

func (a *Archiver) archiveBatch(ctx context.Context) (bool, error) {
	cp, version, err := a.checkpoints.Load(ctx, CheckpointID)
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}

	reader := eventlog.NewCatchUpReader(a.log, cp.Position, a.batchSize)
	commits, err := reader.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("read commits: %w", err)
	}
	if len(commits) == 0 {
		return false, nil
	}

	from, to := cp.Position, reader.Position()

	var buf bytes.Buffer
	if err := ExportJSONL(commits, from, to, &buf); err != nil {
		return false, fmt.Errorf("export: %w", err)
	}

	key := fmt.Sprintf("commits-%012d-%012d.jsonl", from+1, to)
	if err := a.dest.Write(ctx, key, buf.Bytes()); err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}

	cp.Position = to
	if err := a.checkpoints.Save(ctx, CheckpointID, cp, version, version+1); err != nil {
		return false, fmt.Errorf("save checkpoint: %w", err)
	}

	a.logger.Info("archived commits", "key", key, "commits", len(commits), "bytes", buf.Len())
	return len(commits) == a.batchSize, nil
}
