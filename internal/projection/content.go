package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/content"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/snapshot"
	"github.com/groblegark/contentd/internal/store"
)

const contentStreamPrefix = "content-"

// ContentProjector materializes content commits into the two read models and
// the reference graph. Both tables and the edge tables are updated in one
// transaction per commit, so readers never observe a half-applied commit.
type ContentProjector struct {
	store   store.Store
	schemas *snapshot.Store[content.Schema]
}

// NewContentProjector creates the projector for the content read models.
func NewContentProjector(s store.Store, schemas *snapshot.Store[content.Schema]) *ContentProjector {
	return &ContentProjector{store: s, schemas: schemas}
}

// Name implements Projector.
func (p *ContentProjector) Name() string { return "content-read-models" }

// Apply folds one commit onto the current contents_all row and rewrites both
// read models. A commit whose head is not past the row version has already
// been applied and is skipped, which makes replays after a crash harmless.
func (p *ContentProjector) Apply(ctx context.Context, commit *model.EventCommit) error {
	if !strings.HasPrefix(commit.Stream, contentStreamPrefix) {
		return nil
	}
	id, err := uuid.Parse(strings.TrimPrefix(commit.Stream, contentStreamPrefix))
	if err != nil {
		return fmt.Errorf("parse content stream %q: %w", commit.Stream, err)
	}

	row, err := p.store.GetContentByID(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load content %s: %w", id, err)
	}

	var state content.State
	version := commit.Head()
	switch {
	case row != nil && row.Version >= commit.Head():
		return nil
	case (row == nil && commit.StreamOffset == 0) || (row != nil && row.Version == commit.StreamOffset):
		if row != nil {
			state = stateFromRow(row)
		}
		if state, err = content.FoldCommit(state, commit); err != nil {
			return fmt.Errorf("fold content %s: %w", id, err)
		}
	default:
		// Position repair can hand an early commit a late global position,
		// so commits of one stream may arrive out of order. The stream
		// itself is totally ordered; rebuild the row from it.
		if state, version, err = p.rebuild(ctx, commit.Stream); err != nil {
			return fmt.Errorf("rebuild content %s: %w", id, err)
		}
	}

	projected := state.Projection(version)
	if row != nil {
		projected.TranslationStatus = row.TranslationStatus
	}

	schema, _, err := p.schemas.Load(ctx, projected.Schema)
	if err != nil {
		return fmt.Errorf("load schema %q: %w", projected.Schema, err)
	}
	refs := content.ExtractReferences(projected.Data, schema.ReferenceFields)

	return p.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.UpsertContent(ctx, projected); err != nil {
			return err
		}

		if projected.IsServable() {
			published := *projected
			// The published row never carries pending state.
			published.NewStatus = nil
			published.NewData = nil
			published.ScheduleJob = nil
			published.ScheduledAt = nil
			if err := tx.UpsertPublishedContent(ctx, &published); err != nil {
				return err
			}
		} else if err := tx.DeletePublishedContent(ctx, projected.AppID, projected.ID); err != nil {
			return err
		}

		if err := tx.ReplaceContentRefs(ctx, projected.AppID, projected.ID, projected.Schema, refs); err != nil {
			return err
		}
		return tx.SyncPublishedRefs(ctx, projected.AppID, projected.ID)
	})
}

func (p *ContentProjector) rebuild(ctx context.Context, stream string) (content.State, int64, error) {
	commits, err := p.store.GetStreamCommits(ctx, stream, 0)
	if err != nil {
		return content.State{}, 0, fmt.Errorf("read stream %s: %w", stream, err)
	}
	var state content.State
	var head int64
	for _, c := range commits {
		if state, err = content.FoldCommit(state, c); err != nil {
			return content.State{}, 0, err
		}
		head = c.Head()
	}
	return state, head, nil
}

func stateFromRow(c *model.Content) content.State {
	return content.State{
		AppID:       c.AppID,
		ID:          c.ID,
		Schema:      c.Schema,
		Status:      c.Status,
		Data:        c.Data,
		NewStatus:   c.NewStatus,
		NewData:     c.NewData,
		ScheduleJob: c.ScheduleJob,
		ScheduledAt: c.ScheduledAt,
		IsDeleted:   c.IsDeleted,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}
