package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
)

// ErrConcurrencyConflict is returned when an append or save carries a stale
// expected offset/version. Callers recover by reloading, re-folding and
// retrying; it is a normal condition under concurrent writers, not a fault.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// Store defines the persistence interface for the content engine.
// Not-found is reported as sql.ErrNoRows.
type Store interface {
	// Event log
	InsertCommit(ctx context.Context, c *model.EventCommit) error
	NextPosition(ctx context.Context, count int64) (int64, error)
	GetStreamCommits(ctx context.Context, stream string, fromOffset int64) ([]*model.EventCommit, error)
	GetCommitsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]*model.EventCommit, error)
	GetStreamHead(ctx context.Context, stream string) (int64, error) // 0 if the stream is empty
	GetUnassignedCommits(ctx context.Context, limit int) ([]*model.EventCommit, error)
	AssignCommitPosition(ctx context.Context, id uuid.UUID, position int64) error

	// Snapshots (generic versioned state store)
	GetSnapshot(ctx context.Context, kind, documentID string) (*model.Snapshot, error)
	InsertSnapshot(ctx context.Context, s *model.Snapshot) error
	UpdateSnapshot(ctx context.Context, s *model.Snapshot, expectedVersion int64) error

	// Content read models
	UpsertContent(ctx context.Context, c *model.Content) error
	GetContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error)
	GetContentByID(ctx context.Context, id uuid.UUID) (*model.Content, error)
	UpsertPublishedContent(ctx context.Context, c *model.Content) error
	DeletePublishedContent(ctx context.Context, appID, id uuid.UUID) error
	GetPublishedContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error)
	ReplaceContentRefs(ctx context.Context, appID, fromID uuid.UUID, fromSchema string, toIDs []uuid.UUID) error
	SyncPublishedRefs(ctx context.Context, appID, id uuid.UUID) error
	GetContentRefs(ctx context.Context, appID uuid.UUID, published bool) ([]*model.ContentReference, error)
	DueScheduledContents(ctx context.Context, now time.Time, limit int) ([]*model.Content, error)

	// Flows
	UpsertFlow(ctx context.Context, f *model.Flow) error
	GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error)
	DeleteFlow(ctx context.Context, id uuid.UUID) error
	ClaimDueFlows(ctx context.Context, now time.Time, partition, partitions, limit int) ([]*model.Flow, error)
	RescheduleFlow(ctx context.Context, id uuid.UUID, dueTime, nextAttempt *time.Time, numCalls int, lastError string) error
	FailFlow(ctx context.Context, id uuid.UUID, failedAt time.Time, lastError string) error

	// Cron jobs
	UpsertCronJob(ctx context.Context, j *model.CronJob) error
	ClaimDueCronJobs(ctx context.Context, now time.Time, limit int) ([]*model.CronJob, error)
	RescheduleCronJob(ctx context.Context, id string, dueTime time.Time) error
	DeleteCronJob(ctx context.Context, id string) error

	// Outbox
	EnqueueMessage(ctx context.Context, m *model.Message) error
	DequeueMessage(ctx context.Context, channel string, now time.Time) (*model.Message, error)
	AckMessage(ctx context.Context, id uuid.UUID, version int) error
	SweepExpiredMessages(ctx context.Context, now time.Time) (int64, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
