package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// messageColumns is the column list used for SELECT statements on the messages table.
const messageColumns = `id, channel_name, queue_name, payload, headers,
	time_to_live, time_handled, version, created_at`

func queryEnqueueMessage(ctx context.Context, db executor, m *model.Message) error {
	var headers []byte
	if len(m.Headers) > 0 {
		var err error
		headers, err = json.Marshal(m.Headers)
		if err != nil {
			return fmt.Errorf("marshal headers: %w", err)
		}
	}

	return db.QueryRowContext(ctx, `
		INSERT INTO messages (id, channel_name, queue_name, payload, headers, time_to_live, version)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at`,
		m.ID, m.ChannelName, m.QueueName, jsonbBytes(m.Payload), headers, m.TimeToLive,
	).Scan(&m.CreatedAt)
}

// queryDequeueMessage claims the oldest unhandled, non-expired message on a
// channel. The version bump marks the claim; an ack carrying a stale version
// means another worker re-claimed the message in between. Messages enqueued
// in one transaction share a created_at (NOW() is transaction-fixed), so seq
// breaks ties in insertion order.
func queryDequeueMessage(ctx context.Context, db executor, channel string, now time.Time) (*model.Message, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE messages SET version = version + 1
		WHERE id = (
			SELECT id FROM messages
			WHERE channel_name = $1 AND time_handled IS NULL AND time_to_live > $2
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		channel, now,
	)
	return scanMessage(row)
}

func queryAckMessage(ctx context.Context, db executor, id uuid.UUID, version int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET time_handled = NOW()
		WHERE id = $1 AND version = $2 AND time_handled IS NULL`,
		id, version,
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

func querySweepExpiredMessages(ctx context.Context, db executor, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE time_handled IS NULL AND time_to_live <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
