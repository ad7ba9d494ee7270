package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// commitColumns is the column list used for SELECT statements on the events table.
const commitColumns = `id, stream, stream_offset, events_count, payload, created_at, position`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isUniqueViolation reports whether err is a Postgres unique-key violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func queryInsertCommit(ctx context.Context, db executor, c *model.EventCommit) error {
	payload, err := json.Marshal(c.Events)
	if err != nil {
		return fmt.Errorf("marshal commit payload: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO events (id, stream, stream_offset, events_count, payload, created_at, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID,
		c.Stream,
		c.StreamOffset,
		c.EventsCount,
		payload,
		c.CreatedAt,
		nullInt64Ptr(c.Position),
	)
	if isUniqueViolation(err) {
		// Another writer appended at the same offset first.
		return store.ErrConcurrencyConflict
	}
	return err
}

func queryNextPosition(ctx context.Context, db executor, count int64) (int64, error) {
	var position int64
	err := db.QueryRowContext(ctx, `
		UPDATE event_position SET position = position + $1
		WHERE id = 1
		RETURNING position`,
		count,
	).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("next position: %w", err)
	}
	return position, nil
}

func queryGetStreamCommits(ctx context.Context, db executor, stream string, fromOffset int64) ([]*model.EventCommit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM events
		WHERE stream = $1 AND stream_offset >= $2
		ORDER BY stream_offset ASC`,
		stream, fromOffset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommits(rows)
}

func queryGetCommitsFromPosition(ctx context.Context, db executor, fromPosition int64, limit int) ([]*model.EventCommit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM events
		WHERE position > $1
		ORDER BY position ASC
		LIMIT $2`,
		fromPosition, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommits(rows)
}

func queryGetStreamHead(ctx context.Context, db executor, stream string) (int64, error) {
	var head int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(stream_offset + events_count), 0)
		FROM events WHERE stream = $1`,
		stream,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("stream head: %w", err)
	}
	return head, nil
}

func queryGetUnassignedCommits(ctx context.Context, db executor, limit int) ([]*model.EventCommit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM events
		WHERE position IS NULL
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommits(rows)
}

func queryAssignCommitPosition(ctx context.Context, db executor, id uuid.UUID, position int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE events SET position = $2
		WHERE id = $1 AND position IS NULL`,
		id, position,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func queryGetSnapshot(ctx context.Context, db executor, kind, documentID string) (*model.Snapshot, error) {
	row := db.QueryRowContext(ctx, `
		SELECT kind, document_id, document, version
		FROM snapshots WHERE kind = $1 AND document_id = $2`,
		kind, documentID,
	)
	return scanSnapshot(row)
}

func queryInsertSnapshot(ctx context.Context, db executor, s *model.Snapshot) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO snapshots (kind, document_id, document, version)
		VALUES ($1, $2, $3, $4)`,
		s.Kind, s.DocumentID, jsonbBytes(s.Document), s.Version,
	)
	if isUniqueViolation(err) {
		return store.ErrConcurrencyConflict
	}
	return err
}

func queryUpdateSnapshot(ctx context.Context, db executor, s *model.Snapshot, expectedVersion int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE snapshots SET document = $3, version = $4
		WHERE kind = $1 AND document_id = $2 AND version = $5`,
		s.Kind, s.DocumentID, jsonbBytes(s.Document), s.Version, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrConcurrencyConflict
	}
	return nil
}
