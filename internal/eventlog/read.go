package eventlog

import (
	"context"
	"fmt"

	"github.com/groblegark/contentd/internal/model"
)

// ReadStream returns the commits of one stream from the given offset,
// ordered by stream offset. Per-stream order is total.
func (l *Log) ReadStream(ctx context.Context, stream string, fromOffset int64) ([]*model.EventCommit, error) {
	return l.store.GetStreamCommits(ctx, stream, fromOffset)
}

// ReadAll returns up to limit commits with position > fromPosition, ordered
// by position. Positions may have gaps; consumers must rely on monotonicity
// only, never on contiguity.
func (l *Log) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]*model.EventCommit, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.GetCommitsFromPosition(ctx, fromPosition, limit)
}

// CatchUpReader pages through the global stream from a starting position,
// enforcing position monotonicity across pages. It is restartable: persist
// Position() as a checkpoint and resume with NewCatchUpReader.
type CatchUpReader struct {
	log      *Log
	position int64
	pageSize int
}

// NewCatchUpReader creates a reader resuming after the given position.
func NewCatchUpReader(log *Log, fromPosition int64, pageSize int) *CatchUpReader {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &CatchUpReader{log: log, position: fromPosition, pageSize: pageSize}
}

// Next returns the next page of commits, or an empty slice when the reader
// has caught up with the head of the log.
func (r *CatchUpReader) Next(ctx context.Context) ([]*model.EventCommit, error) {
	commits, err := r.log.ReadAll(ctx, r.position, r.pageSize)
	if err != nil {
		return nil, err
	}

	for _, c := range commits {
		if c.Position == nil {
			return nil, fmt.Errorf("read all: commit %s has no position", c.ID)
		}
		if *c.Position <= r.position {
			return nil, fmt.Errorf("read all: position %d not monotonic after %d", *c.Position, r.position)
		}
		r.position = *c.Position
	}

	return commits, nil
}

// Position returns the last position the reader has consumed; persist it as
// the consumer checkpoint.
func (r *CatchUpReader) Position() int64 {
	return r.position
}
