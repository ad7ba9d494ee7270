// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertCommit(ctx context.Context, c *model.EventCommit) error {
	return queryInsertCommit(ctx, s.db, c)
}

func (s *PostgresStore) NextPosition(ctx context.Context, count int64) (int64, error) {
	return queryNextPosition(ctx, s.db, count)
}

func (s *PostgresStore) GetStreamCommits(ctx context.Context, stream string, fromOffset int64) ([]*model.EventCommit, error) {
	return queryGetStreamCommits(ctx, s.db, stream, fromOffset)
}

func (s *PostgresStore) GetCommitsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]*model.EventCommit, error) {
	return queryGetCommitsFromPosition(ctx, s.db, fromPosition, limit)
}

func (s *PostgresStore) GetStreamHead(ctx context.Context, stream string) (int64, error) {
	return queryGetStreamHead(ctx, s.db, stream)
}

func (s *PostgresStore) GetUnassignedCommits(ctx context.Context, limit int) ([]*model.EventCommit, error) {
	return queryGetUnassignedCommits(ctx, s.db, limit)
}

func (s *PostgresStore) AssignCommitPosition(ctx context.Context, id uuid.UUID, position int64) error {
	return queryAssignCommitPosition(ctx, s.db, id, position)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, kind, documentID string) (*model.Snapshot, error) {
	return queryGetSnapshot(ctx, s.db, kind, documentID)
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return queryInsertSnapshot(ctx, s.db, snap)
}

func (s *PostgresStore) UpdateSnapshot(ctx context.Context, snap *model.Snapshot, expectedVersion int64) error {
	return queryUpdateSnapshot(ctx, s.db, snap, expectedVersion)
}

func (s *PostgresStore) UpsertContent(ctx context.Context, c *model.Content) error {
	return queryUpsertContent(ctx, s.db, c)
}

func (s *PostgresStore) GetContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error) {
	return queryGetContent(ctx, s.db, appID, id)
}

func (s *PostgresStore) GetContentByID(ctx context.Context, id uuid.UUID) (*model.Content, error) {
	return queryGetContentByID(ctx, s.db, id)
}

func (s *PostgresStore) UpsertPublishedContent(ctx context.Context, c *model.Content) error {
	return queryUpsertPublishedContent(ctx, s.db, c)
}

func (s *PostgresStore) DeletePublishedContent(ctx context.Context, appID, id uuid.UUID) error {
	return queryDeletePublishedContent(ctx, s.db, appID, id)
}

func (s *PostgresStore) GetPublishedContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error) {
	return queryGetPublishedContent(ctx, s.db, appID, id)
}

func (s *PostgresStore) ReplaceContentRefs(ctx context.Context, appID, fromID uuid.UUID, fromSchema string, toIDs []uuid.UUID) error {
	return queryReplaceContentRefs(ctx, s.db, appID, fromID, fromSchema, toIDs)
}

func (s *PostgresStore) SyncPublishedRefs(ctx context.Context, appID, id uuid.UUID) error {
	return querySyncPublishedRefs(ctx, s.db, appID, id)
}

func (s *PostgresStore) GetContentRefs(ctx context.Context, appID uuid.UUID, published bool) ([]*model.ContentReference, error) {
	return queryGetContentRefs(ctx, s.db, appID, published)
}

func (s *PostgresStore) DueScheduledContents(ctx context.Context, now time.Time, limit int) ([]*model.Content, error) {
	return queryDueScheduledContents(ctx, s.db, now, limit)
}

func (s *PostgresStore) UpsertFlow(ctx context.Context, f *model.Flow) error {
	return queryUpsertFlow(ctx, s.db, f)
}

func (s *PostgresStore) GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	return queryGetFlow(ctx, s.db, id)
}

func (s *PostgresStore) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	return queryDeleteFlow(ctx, s.db, id)
}

func (s *PostgresStore) ClaimDueFlows(ctx context.Context, now time.Time, partition, partitions, limit int) ([]*model.Flow, error) {
	return queryClaimDueFlows(ctx, s.db, now, partition, partitions, limit)
}

func (s *PostgresStore) RescheduleFlow(ctx context.Context, id uuid.UUID, dueTime, nextAttempt *time.Time, numCalls int, lastError string) error {
	return queryRescheduleFlow(ctx, s.db, id, dueTime, nextAttempt, numCalls, lastError)
}

func (s *PostgresStore) FailFlow(ctx context.Context, id uuid.UUID, failedAt time.Time, lastError string) error {
	return queryFailFlow(ctx, s.db, id, failedAt, lastError)
}

func (s *PostgresStore) UpsertCronJob(ctx context.Context, j *model.CronJob) error {
	return queryUpsertCronJob(ctx, s.db, j)
}

func (s *PostgresStore) ClaimDueCronJobs(ctx context.Context, now time.Time, limit int) ([]*model.CronJob, error) {
	return queryClaimDueCronJobs(ctx, s.db, now, limit)
}

func (s *PostgresStore) RescheduleCronJob(ctx context.Context, id string, dueTime time.Time) error {
	return queryRescheduleCronJob(ctx, s.db, id, dueTime)
}

func (s *PostgresStore) DeleteCronJob(ctx context.Context, id string) error {
	return queryDeleteCronJob(ctx, s.db, id)
}

func (s *PostgresStore) EnqueueMessage(ctx context.Context, m *model.Message) error {
	return queryEnqueueMessage(ctx, s.db, m)
}

func (s *PostgresStore) DequeueMessage(ctx context.Context, channel string, now time.Time) (*model.Message, error) {
	return queryDequeueMessage(ctx, s.db, channel, now)
}

func (s *PostgresStore) AckMessage(ctx context.Context, id uuid.UUID, version int) error {
	return queryAckMessage(ctx, s.db, id, version)
}

func (s *PostgresStore) SweepExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	return querySweepExpiredMessages(ctx, s.db, now)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) InsertCommit(ctx context.Context, c *model.EventCommit) error {
	return queryInsertCommit(ctx, s.tx, c)
}

func (s *txStore) NextPosition(ctx context.Context, count int64) (int64, error) {
	return queryNextPosition(ctx, s.tx, count)
}

func (s *txStore) GetStreamCommits(ctx context.Context, stream string, fromOffset int64) ([]*model.EventCommit, error) {
	return queryGetStreamCommits(ctx, s.tx, stream, fromOffset)
}

func (s *txStore) GetCommitsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]*model.EventCommit, error) {
	return queryGetCommitsFromPosition(ctx, s.tx, fromPosition, limit)
}

func (s *txStore) GetStreamHead(ctx context.Context, stream string) (int64, error) {
	return queryGetStreamHead(ctx, s.tx, stream)
}

func (s *txStore) GetUnassignedCommits(ctx context.Context, limit int) ([]*model.EventCommit, error) {
	return queryGetUnassignedCommits(ctx, s.tx, limit)
}

func (s *txStore) AssignCommitPosition(ctx context.Context, id uuid.UUID, position int64) error {
	return queryAssignCommitPosition(ctx, s.tx, id, position)
}

func (s *txStore) GetSnapshot(ctx context.Context, kind, documentID string) (*model.Snapshot, error) {
	return queryGetSnapshot(ctx, s.tx, kind, documentID)
}

func (s *txStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return queryInsertSnapshot(ctx, s.tx, snap)
}

func (s *txStore) UpdateSnapshot(ctx context.Context, snap *model.Snapshot, expectedVersion int64) error {
	return queryUpdateSnapshot(ctx, s.tx, snap, expectedVersion)
}

func (s *txStore) UpsertContent(ctx context.Context, c *model.Content) error {
	return queryUpsertContent(ctx, s.tx, c)
}

func (s *txStore) GetContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error) {
	return queryGetContent(ctx, s.tx, appID, id)
}

func (s *txStore) GetContentByID(ctx context.Context, id uuid.UUID) (*model.Content, error) {
	return queryGetContentByID(ctx, s.tx, id)
}

func (s *txStore) UpsertPublishedContent(ctx context.Context, c *model.Content) error {
	return queryUpsertPublishedContent(ctx, s.tx, c)
}

func (s *txStore) DeletePublishedContent(ctx context.Context, appID, id uuid.UUID) error {
	return queryDeletePublishedContent(ctx, s.tx, appID, id)
}

func (s *txStore) GetPublishedContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error) {
	return queryGetPublishedContent(ctx, s.tx, appID, id)
}

func (s *txStore) ReplaceContentRefs(ctx context.Context, appID, fromID uuid.UUID, fromSchema string, toIDs []uuid.UUID) error {
	return queryReplaceContentRefs(ctx, s.tx, appID, fromID, fromSchema, toIDs)
}

func (s *txStore) SyncPublishedRefs(ctx context.Context, appID, id uuid.UUID) error {
	return querySyncPublishedRefs(ctx, s.tx, appID, id)
}

func (s *txStore) GetContentRefs(ctx context.Context, appID uuid.UUID, published bool) ([]*model.ContentReference, error) {
	return queryGetContentRefs(ctx, s.tx, appID, published)
}

func (s *txStore) DueScheduledContents(ctx context.Context, now time.Time, limit int) ([]*model.Content, error) {
	return queryDueScheduledContents(ctx, s.tx, now, limit)
}

func (s *txStore) UpsertFlow(ctx context.Context, f *model.Flow) error {
	return queryUpsertFlow(ctx, s.tx, f)
}

func (s *txStore) GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	return queryGetFlow(ctx, s.tx, id)
}

func (s *txStore) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	return queryDeleteFlow(ctx, s.tx, id)
}

func (s *txStore) ClaimDueFlows(ctx context.Context, now time.Time, partition, partitions, limit int) ([]*model.Flow, error) {
	return queryClaimDueFlows(ctx, s.tx, now, partition, partitions, limit)
}

func (s *txStore) RescheduleFlow(ctx context.Context, id uuid.UUID, dueTime, nextAttempt *time.Time, numCalls int, lastError string) error {
	return queryRescheduleFlow(ctx, s.tx, id, dueTime, nextAttempt, numCalls, lastError)
}

func (s *txStore) FailFlow(ctx context.Context, id uuid.UUID, failedAt time.Time, lastError string) error {
	return queryFailFlow(ctx, s.tx, id, failedAt, lastError)
}

func (s *txStore) UpsertCronJob(ctx context.Context, j *model.CronJob) error {
	return queryUpsertCronJob(ctx, s.tx, j)
}

func (s *txStore) ClaimDueCronJobs(ctx context.Context, now time.Time, limit int) ([]*model.CronJob, error) {
	return queryClaimDueCronJobs(ctx, s.tx, now, limit)
}

func (s *txStore) RescheduleCronJob(ctx context.Context, id string, dueTime time.Time) error {
	return queryRescheduleCronJob(ctx, s.tx, id, dueTime)
}

func (s *txStore) DeleteCronJob(ctx context.Context, id string) error {
	return queryDeleteCronJob(ctx, s.tx, id)
}

func (s *txStore) EnqueueMessage(ctx context.Context, m *model.Message) error {
	return queryEnqueueMessage(ctx, s.tx, m)
}

func (s *txStore) DequeueMessage(ctx context.Context, channel string, now time.Time) (*model.Message, error) {
	return queryDequeueMessage(ctx, s.tx, channel, now)
}

func (s *txStore) AckMessage(ctx context.Context, id uuid.UUID, version int) error {
	return queryAckMessage(ctx, s.tx, id, version)
}

func (s *txStore) SweepExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	return querySweepExpiredMessages(ctx, s.tx, now)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
