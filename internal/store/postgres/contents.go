package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
)

// contentAllColumns is the column list for SELECT statements on contents_all.
const contentAllColumns = `app_id, id, schema, status, data, new_status, new_data,
	schedule_job, scheduled_at, translation_status, is_deleted, version, created_at, updated_at`

// contentPublishedColumns is the column list for contents_published, which
// carries no pending-change or schedule columns.
const contentPublishedColumns = `app_id, id, schema, status, data, translation_status,
	version, created_at, updated_at`

func queryUpsertContent(ctx context.Context, db executor, c *model.Content) error {
	// Upsert, not insert: projection replay after a crash must converge.
	_, err := db.ExecContext(ctx, `
		INSERT INTO contents_all (
			app_id, id, schema, status, data, new_status, new_data,
			schedule_job, scheduled_at, translation_status, is_deleted, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (app_id, id) DO UPDATE SET
			schema = EXCLUDED.schema,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			new_status = EXCLUDED.new_status,
			new_data = EXCLUDED.new_data,
			schedule_job = EXCLUDED.schedule_job,
			scheduled_at = EXCLUDED.scheduled_at,
			translation_status = EXCLUDED.translation_status,
			is_deleted = EXCLUDED.is_deleted,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		c.AppID,
		c.ID,
		c.Schema,
		string(c.Status),
		jsonbBytes(c.Data),
		nullStatusPtr(c.NewStatus),
		jsonbBytes(c.NewData),
		nullStringPtr(c.ScheduleJob),
		nullTimePtr(c.ScheduledAt),
		jsonbBytes(c.TranslationStatus),
		c.IsDeleted,
		c.Version,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func queryGetContent(ctx context.Context, db executor, appID, id uuid.UUID) (*model.Content, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+contentAllColumns+` FROM contents_all
		WHERE app_id = $1 AND id = $2`,
		appID, id,
	)
	return scanContent(row)
}

func queryUpsertPublishedContent(ctx context.Context, db executor, c *model.Content) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO contents_published (
			app_id, id, schema, status, data, translation_status, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_id, id) DO UPDATE SET
			schema = EXCLUDED.schema,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			translation_status = EXCLUDED.translation_status,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		c.AppID,
		c.ID,
		c.Schema,
		string(c.Status),
		jsonbBytes(c.Data),
		jsonbBytes(c.TranslationStatus),
		c.Version,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func queryDeletePublishedContent(ctx context.Context, db executor, appID, id uuid.UUID) error {
	// Idempotent: deleting an absent row is not an error, replays hit this path.
	_, err := db.ExecContext(ctx, `
		DELETE FROM contents_published WHERE app_id = $1 AND id = $2`,
		appID, id,
	)
	return err
}

func queryGetPublishedContent(ctx context.Context, db executor, appID, id uuid.UUID) (*model.Content, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+contentPublishedColumns+` FROM contents_published
		WHERE app_id = $1 AND id = $2`,
		appID, id,
	)
	return scanPublishedContent(row)
}

func refsTable(published bool) string {
	if published {
		return "content_refs_published"
	}
	return "content_refs_all"
}

func queryGetContentByID(ctx context.Context, db executor, id uuid.UUID) (*model.Content, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+contentAllColumns+` FROM contents_all
		WHERE id = $1`,
		id,
	)
	return scanContent(row)
}

func queryReplaceContentRefs(ctx context.Context, db executor, appID, fromID uuid.UUID, fromSchema string, toIDs []uuid.UUID) error {
	if _, err := db.ExecContext(ctx,
		`DELETE FROM content_refs_all WHERE app_id = $1 AND from_id = $2`,
		appID, fromID,
	); err != nil {
		return fmt.Errorf("clear refs: %w", err)
	}

	if len(toIDs) == 0 {
		return nil
	}

	// Single multi-row insert; edges are deduplicated by the primary key.
	var (
		values []string
		args   []any
	)
	args = append(args, appID, fromID, fromSchema)
	for i, toID := range toIDs {
		values = append(values, fmt.Sprintf("($1, $2, $3, $%d)", i+4))
		args = append(args, toID)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO content_refs_all (app_id, from_id, from_schema, to_id) VALUES `+
			strings.Join(values, ", ")+` ON CONFLICT DO NOTHING`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert refs: %w", err)
	}
	return nil
}

// querySyncPublishedRefs recomputes the published edges touching one content
// item. The joins enforce the invariant that a published edge exists only
// when both endpoints are in contents_published.
func querySyncPublishedRefs(ctx context.Context, db executor, appID, id uuid.UUID) error {
	if _, err := db.ExecContext(ctx, `
		DELETE FROM content_refs_published
		WHERE app_id = $1 AND (from_id = $2 OR to_id = $2)`,
		appID, id,
	); err != nil {
		return fmt.Errorf("clear published refs: %w", err)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO content_refs_published (app_id, from_id, from_schema, to_id)
		SELECT r.app_id, r.from_id, r.from_schema, r.to_id
		FROM content_refs_all r
		JOIN contents_published src ON src.app_id = r.app_id AND src.id = r.from_id
		JOIN contents_published dst ON dst.app_id = r.app_id AND dst.id = r.to_id
		WHERE r.app_id = $1 AND (r.from_id = $2 OR r.to_id = $2)
		ON CONFLICT DO NOTHING`,
		appID, id,
	)
	if err != nil {
		return fmt.Errorf("sync published refs: %w", err)
	}
	return nil
}

func queryGetContentRefs(ctx context.Context, db executor, appID uuid.UUID, published bool) ([]*model.ContentReference, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT app_id, from_id, from_schema, to_id FROM `+refsTable(published)+`
		WHERE app_id = $1
		ORDER BY from_id, to_id`,
		appID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContentRefs(rows)
}

func queryDueScheduledContents(ctx context.Context, db executor, now time.Time, limit int) ([]*model.Content, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+contentAllColumns+` FROM contents_all
		WHERE scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContents(rows)
}
