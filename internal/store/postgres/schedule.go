package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
)

// flowColumns is the column list used for SELECT statements on the flows table.
const flowColumns = `id, owner_id, definition_id, state, schedule_partition,
	due_time, num_calls, next_attempt, expires, last_error, failed_at`

func queryUpsertFlow(ctx context.Context, db executor, f *model.Flow) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO flows (
			id, owner_id, definition_id, state, schedule_partition,
			due_time, num_calls, next_attempt, expires, last_error, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			schedule_partition = EXCLUDED.schedule_partition,
			due_time = EXCLUDED.due_time,
			num_calls = EXCLUDED.num_calls,
			next_attempt = EXCLUDED.next_attempt,
			expires = EXCLUDED.expires,
			last_error = EXCLUDED.last_error,
			failed_at = EXCLUDED.failed_at`,
		f.ID,
		f.OwnerID,
		f.DefinitionID,
		jsonbBytes(f.State),
		f.SchedulePartition,
		nullTimePtr(f.DueTime),
		f.NumCalls,
		nullTimePtr(f.NextAttempt),
		nullTimePtr(f.Expires),
		nullString(f.LastError),
		nullTimePtr(f.FailedAt),
	)
	return err
}

func queryGetFlow(ctx context.Context, db executor, id uuid.UUID) (*model.Flow, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	return scanFlow(row)
}

func queryDeleteFlow(ctx context.Context, db executor, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
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

// queryClaimDueFlows claims a bounded batch of due flows for one worker.
// Claiming clears due_time and counts the attempt in the same statement, so
// a row is never handed to two workers; SKIP LOCKED turns a racing claim into
// a skip rather than a wait.
func queryClaimDueFlows(ctx context.Context, db executor, now time.Time, partition, partitions, limit int) ([]*model.Flow, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE flows SET due_time = NULL, num_calls = num_calls + 1
		WHERE id IN (
			SELECT id FROM flows
			WHERE due_time IS NOT NULL AND due_time <= $1
			  AND failed_at IS NULL
			  AND schedule_partition % $2 = $3
			ORDER BY due_time ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+flowColumns,
		now, partitions, partition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due flows: %w", err)
	}
	defer rows.Close()
	return scanFlows(rows)
}

func queryRescheduleFlow(ctx context.Context, db executor, id uuid.UUID, dueTime, nextAttempt *time.Time, numCalls int, lastError string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE flows SET due_time = $2, next_attempt = $3, num_calls = $4, last_error = $5
		WHERE id = $1`,
		id, nullTimePtr(dueTime), nullTimePtr(nextAttempt), numCalls, nullString(lastError),
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

func queryFailFlow(ctx context.Context, db executor, id uuid.UUID, failedAt time.Time, lastError string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE flows SET failed_at = $2, last_error = $3, due_time = NULL, next_attempt = NULL
		WHERE id = $1`,
		id, failedAt, nullString(lastError),
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

func queryUpsertCronJob(ctx context.Context, db executor, j *model.CronJob) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, due_time, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET due_time = EXCLUDED.due_time, data = EXCLUDED.data`,
		j.ID, j.DueTime, jsonbBytes(j.Data),
	)
	return err
}

// queryClaimDueCronJobs claims due cron jobs by pushing due_time forward one
// minute as a redelivery lease; the runner reschedules properly after the
// invocation, and a crashed worker's claim simply falls due again.
func queryClaimDueCronJobs(ctx context.Context, db executor, now time.Time, limit int) ([]*model.CronJob, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE cron_jobs SET due_time = $1 + INTERVAL '1 minute'
		WHERE id IN (
			SELECT id FROM cron_jobs
			WHERE due_time <= $1
			ORDER BY due_time ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, due_time, data`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due cron jobs: %w", err)
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

func queryRescheduleCronJob(ctx context.Context, db executor, id string, dueTime time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE cron_jobs SET due_time = $2 WHERE id = $1`,
		id, dueTime,
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

func queryDeleteCronJob(ctx context.Context, db executor, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
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
