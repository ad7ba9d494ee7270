// Package memory implements store.Store with in-process maps, mirroring the
// Postgres semantics closely enough for tests and local development:
// offset/version conflicts, claim-clears-due-time, the version-guarded ack.
// Transactions are not rolled back; a failed transaction function leaves any
// writes it already made.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

type streamKey struct {
	stream string
	offset int64
}

type contentKey struct {
	appID uuid.UUID
	id    uuid.UUID
}

type refEdge struct {
	appID  uuid.UUID
	fromID uuid.UUID
	toID   uuid.UUID
}

type snapshotKey struct {
	kind string
	doc  string
}

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex

	commits   []*model.EventCommit
	byOffset  map[streamKey]*model.EventCommit
	position  int64
	snapshots map[snapshotKey]*model.Snapshot

	contents   map[contentKey]*model.Content
	published  map[contentKey]*model.Content
	refsAll    map[refEdge]string // edge -> from_schema
	refsPub    map[refEdge]string
	flows      map[uuid.UUID]*model.Flow
	cronJobs   map[string]*model.CronJob
	messages   map[uuid.UUID]*model.Message
	messageSeq int
	baseTime   time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		byOffset:  make(map[streamKey]*model.EventCommit),
		snapshots: make(map[snapshotKey]*model.Snapshot),
		contents:  make(map[contentKey]*model.Content),
		published: make(map[contentKey]*model.Content),
		refsAll:   make(map[refEdge]string),
		refsPub:   make(map[refEdge]string),
		flows:     make(map[uuid.UUID]*model.Flow),
		cronJobs:  make(map[string]*model.CronJob),
		messages:  make(map[uuid.UUID]*model.Message),
		baseTime:  time.Now().UTC(),
	}
}

func (s *Store) InsertCommit(ctx context.Context, c *model.EventCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{c.Stream, c.StreamOffset}
	if _, taken := s.byOffset[key]; taken {
		return store.ErrConcurrencyConflict
	}

	cp := *c
	if c.Position != nil {
		p := *c.Position
		cp.Position = &p
	}
	s.byOffset[key] = &cp
	s.commits = append(s.commits, &cp)
	return nil
}

func (s *Store) NextPosition(ctx context.Context, count int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position += count
	return s.position, nil
}

func (s *Store) GetStreamCommits(ctx context.Context, stream string, fromOffset int64) ([]*model.EventCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.EventCommit
	for _, c := range s.commits {
		if c.Stream == stream && c.StreamOffset >= fromOffset {
			out = append(out, copyCommit(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamOffset < out[j].StreamOffset })
	return out, nil
}

func (s *Store) GetCommitsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]*model.EventCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.EventCommit
	for _, c := range s.commits {
		if c.Position != nil && *c.Position > fromPosition {
			out = append(out, copyCommit(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].Position < *out[j].Position })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetStreamHead(ctx context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var head int64
	for _, c := range s.commits {
		if c.Stream == stream && c.StreamOffset+c.EventsCount > head {
			head = c.StreamOffset + c.EventsCount
		}
	}
	return head, nil
}

func (s *Store) GetUnassignedCommits(ctx context.Context, limit int) ([]*model.EventCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.EventCommit
	for _, c := range s.commits {
		if c.Position == nil {
			out = append(out, copyCommit(c))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) AssignCommitPosition(ctx context.Context, id uuid.UUID, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.commits {
		if c.ID == id {
			if c.Position != nil {
				return sql.ErrNoRows
			}
			c.Position = &position
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *Store) GetSnapshot(ctx context.Context, kind, documentID string) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[snapshotKey{kind, documentID}]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *snap
	return &cp, nil
}

func (s *Store) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{snap.Kind, snap.DocumentID}
	if _, taken := s.snapshots[key]; taken {
		return store.ErrConcurrencyConflict
	}
	cp := *snap
	s.snapshots[key] = &cp
	return nil
}

func (s *Store) UpdateSnapshot(ctx context.Context, snap *model.Snapshot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{snap.Kind, snap.DocumentID}
	cur, ok := s.snapshots[key]
	if !ok || cur.Version != expectedVersion {
		return store.ErrConcurrencyConflict
	}
	cp := *snap
	s.snapshots[key] = &cp
	return nil
}

func (s *Store) UpsertContent(ctx context.Context, c *model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contents[contentKey{c.AppID, c.ID}] = &cp
	return nil
}

func (s *Store) GetContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[contentKey{appID, id}]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetContentByID(ctx context.Context, id uuid.UUID) (*model.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contents {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *Store) UpsertPublishedContent(ctx context.Context, c *model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.published[contentKey{c.AppID, c.ID}] = &cp
	return nil
}

func (s *Store) DeletePublishedContent(ctx context.Context, appID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.published, contentKey{appID, id})
	return nil
}

func (s *Store) GetPublishedContent(ctx context.Context, appID, id uuid.UUID) (*model.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.published[contentKey{appID, id}]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ReplaceContentRefs(ctx context.Context, appID, fromID uuid.UUID, fromSchema string, toIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := range s.refsAll {
		if e.appID == appID && e.fromID == fromID {
			delete(s.refsAll, e)
		}
	}
	for _, toID := range toIDs {
		s.refsAll[refEdge{appID, fromID, toID}] = fromSchema
	}
	return nil
}

func (s *Store) SyncPublishedRefs(ctx context.Context, appID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := range s.refsPub {
		if e.appID == appID && (e.fromID == id || e.toID == id) {
			delete(s.refsPub, e)
		}
	}
	// An edge is published only when both endpoints are published.
	for e, schema := range s.refsAll {
		if e.appID != appID || (e.fromID != id && e.toID != id) {
			continue
		}
		_, srcOK := s.published[contentKey{appID, e.fromID}]
		_, dstOK := s.published[contentKey{appID, e.toID}]
		if srcOK && dstOK {
			s.refsPub[e] = schema
		}
	}
	return nil
}

func (s *Store) GetContentRefs(ctx context.Context, appID uuid.UUID, published bool) ([]*model.ContentReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.refsAll
	if published {
		set = s.refsPub
	}

	var out []*model.ContentReference
	for e, schema := range set {
		if e.appID != appID {
			continue
		}
		out = append(out, &model.ContentReference{
			AppID: e.appID, FromID: e.fromID, FromSchema: schema, ToID: e.toID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromID != out[j].FromID {
			return out[i].FromID.String() < out[j].FromID.String()
		}
		return out[i].ToID.String() < out[j].ToID.String()
	})
	return out, nil
}

func (s *Store) DueScheduledContents(ctx context.Context, now time.Time, limit int) ([]*model.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Content
	for _, c := range s.contents {
		if c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertFlow(ctx context.Context, f *model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flows[f.ID] = &cp
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *f
	return &cp, nil
}

func (s *Store) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.flows, id)
	return nil
}

func (s *Store) ClaimDueFlows(ctx context.Context, now time.Time, partition, partitions, limit int) ([]*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Flow
	for _, f := range s.flows {
		if f.DueTime == nil || f.DueTime.After(now) || f.FailedAt != nil {
			continue
		}
		if f.SchedulePartition%partitions != partition {
			continue
		}
		due = append(due, f)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueTime.Before(*due[j].DueTime) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.Flow, 0, len(due))
	for _, f := range due {
		f.DueTime = nil
		f.NumCalls++
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) RescheduleFlow(ctx context.Context, id uuid.UUID, dueTime, nextAttempt *time.Time, numCalls int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id]
	if !ok {
		return sql.ErrNoRows
	}
	f.DueTime = copyTime(dueTime)
	f.NextAttempt = copyTime(nextAttempt)
	f.NumCalls = numCalls
	f.LastError = lastError
	return nil
}

func (s *Store) FailFlow(ctx context.Context, id uuid.UUID, failedAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id]
	if !ok {
		return sql.ErrNoRows
	}
	f.FailedAt = &failedAt
	f.LastError = lastError
	f.DueTime = nil
	f.NextAttempt = nil
	return nil
}

func (s *Store) UpsertCronJob(ctx context.Context, j *model.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.cronJobs[j.ID] = &cp
	return nil
}

func (s *Store) ClaimDueCronJobs(ctx context.Context, now time.Time, limit int) ([]*model.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.CronJob
	for _, j := range s.cronJobs {
		if !j.DueTime.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueTime.Before(due[j].DueTime) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.CronJob, 0, len(due))
	for _, j := range due {
		j.DueTime = now.Add(time.Minute)
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) RescheduleCronJob(ctx context.Context, id string, dueTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.cronJobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	j.DueTime = dueTime
	return nil
}

func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cronJobs[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.cronJobs, id)
	return nil
}

func (s *Store) EnqueueMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messageSeq++
	m.CreatedAt = s.baseTime.Add(time.Duration(s.messageSeq)) // strict FIFO order
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) DequeueMessage(ctx context.Context, channel string, now time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *model.Message
	for _, m := range s.messages {
		if m.ChannelName != channel || m.TimeHandled != nil || !m.TimeToLive.After(now) {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, sql.ErrNoRows
	}
	oldest.Version++
	cp := *oldest
	return &cp, nil
}

func (s *Store) AckMessage(ctx context.Context, id uuid.UUID, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Version != version || m.TimeHandled != nil {
		return store.ErrConcurrencyConflict
	}
	now := time.Now().UTC()
	m.TimeHandled = &now
	return nil
}

func (s *Store) SweepExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.messages {
		if m.TimeHandled == nil && !m.TimeToLive.After(now) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *Store) Close() error { return nil }

func copyCommit(c *model.EventCommit) *model.EventCommit {
	cp := *c
	if c.Position != nil {
		p := *c.Position
		cp.Position = &p
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
