// Package eventlog provides the append-only, per-stream ordered event log
// with a global position sequence for catch-up consumers.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// Log is the write and read surface of the event log. Appends are
// optimistic-concurrency controlled per stream; positions are issued from a
// single atomically incremented counter.
type Log struct {
	store store.Store
	now   func() time.Time
}

// New creates a Log on top of the given store.
func New(s store.Store) *Log {
	return &Log{store: s, now: time.Now}
}

// Append stores one commit covering the whole event batch at
// stream_offset = expectedOffset and returns the new head offset.
// It returns store.ErrConcurrencyConflict when another writer appended at the
// same offset first; callers reload, re-fold and retry.
//
// The position counter is advanced in the same transaction: if the increment
// fails the whole append aborts, so no event is ever durably stored without
// an eventually-assigned position.
func (l *Log) Append(ctx context.Context, stream string, expectedOffset int64, events []model.Event) (int64, error) {
	if stream == "" {
		return 0, fmt.Errorf("append: empty stream")
	}
	if len(events) == 0 {
		return 0, fmt.Errorf("append to %s: empty event batch", stream)
	}
	if expectedOffset < 0 {
		return 0, fmt.Errorf("append to %s: negative expected offset %d", stream, expectedOffset)
	}

	commit := &model.EventCommit{
		ID:           uuid.New(),
		Stream:       stream,
		StreamOffset: expectedOffset,
		EventsCount:  int64(len(events)),
		Events:       events,
		CreatedAt:    l.now().UTC(),
	}

	err := l.store.RunInTransaction(ctx, func(tx store.Store) error {
		position, err := tx.NextPosition(ctx, commit.EventsCount)
		if err != nil {
			return err
		}
		commit.Position = &position
		return tx.InsertCommit(ctx, commit)
	})
	if err != nil {
		return 0, err
	}

	return commit.Head(), nil
}

// Head returns the current head offset of a stream (0 for an empty stream).
func (l *Log) Head(ctx context.Context, stream string) (int64, error) {
	return l.store.GetStreamHead(ctx, stream)
}

// RepairPositions assigns positions to commits that lack one (e.g. rows
// restored by external tooling). It processes at most batch commits in
// insertion order and returns how many were repaired.
func (l *Log) RepairPositions(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}

	var repaired int
	err := l.store.RunInTransaction(ctx, func(tx store.Store) error {
		commits, err := tx.GetUnassignedCommits(ctx, batch)
		if err != nil {
			return err
		}
		for _, c := range commits {
			position, err := tx.NextPosition(ctx, c.EventsCount)
			if err != nil {
				return err
			}
			if err := tx.AssignCommitPosition(ctx, c.ID, position); err != nil {
				return err
			}
			repaired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("repair positions: %w", err)
	}
	return repaired, nil
}
