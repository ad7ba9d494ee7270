package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/groblegark/contentd/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanCommit scans a single row into a model.EventCommit.
// The row must contain columns in the order defined by commitColumns.
func scanCommit(row scannable) (*model.EventCommit, error) {
	var c model.EventCommit
	var (
		payload  []byte
		position sql.NullInt64
	)

	err := row.Scan(
		&c.ID,
		&c.Stream,
		&c.StreamOffset,
		&c.EventsCount,
		&payload,
		&c.CreatedAt,
		&position,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Events); err != nil {
			return nil, fmt.Errorf("unmarshal commit payload: %w", err)
		}
	}
	if position.Valid {
		p := position.Int64
		c.Position = &p
	}

	return &c, nil
}

// scanCommits scans multiple rows into a slice of model.EventCommit pointers.
func scanCommits(rows *sql.Rows) ([]*model.EventCommit, error) {
	var commits []*model.EventCommit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commits, nil
}

// scanSnapshot scans a single row into a model.Snapshot.
func scanSnapshot(row scannable) (*model.Snapshot, error) {
	var s model.Snapshot
	var document []byte
	err := row.Scan(&s.Kind, &s.DocumentID, &document, &s.Version)
	if err != nil {
		return nil, err
	}
	if len(document) > 0 {
		s.Document = json.RawMessage(document)
	}
	return &s, nil
}

// scanContent scans a single contents_all row into a model.Content.
func scanContent(row scannable) (*model.Content, error) {
	var c model.Content
	var (
		newStatus         sql.NullString
		newData           []byte
		scheduleJob       sql.NullString
		scheduledAt       sql.NullTime
		data              []byte
		translationStatus []byte
	)

	err := row.Scan(
		&c.AppID,
		&c.ID,
		&c.Schema,
		&c.Status,
		&data,
		&newStatus,
		&newData,
		&scheduleJob,
		&scheduledAt,
		&translationStatus,
		&c.IsDeleted,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		c.Data = json.RawMessage(data)
	}
	if len(newData) > 0 {
		c.NewData = json.RawMessage(newData)
	}
	if len(translationStatus) > 0 {
		c.TranslationStatus = json.RawMessage(translationStatus)
	}
	if newStatus.Valid {
		s := model.Status(newStatus.String)
		c.NewStatus = &s
	}
	if scheduleJob.Valid {
		j := scheduleJob.String
		c.ScheduleJob = &j
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		c.ScheduledAt = &t
	}

	return &c, nil
}

// scanContents scans multiple contents_all rows.
func scanContents(rows *sql.Rows) ([]*model.Content, error) {
	var contents []*model.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return contents, nil
}

// scanPublishedContent scans a single contents_published row.
func scanPublishedContent(row scannable) (*model.Content, error) {
	var c model.Content
	var (
		data              []byte
		translationStatus []byte
	)

	err := row.Scan(
		&c.AppID,
		&c.ID,
		&c.Schema,
		&c.Status,
		&data,
		&translationStatus,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		c.Data = json.RawMessage(data)
	}
	if len(translationStatus) > 0 {
		c.TranslationStatus = json.RawMessage(translationStatus)
	}

	return &c, nil
}

// scanContentRefs scans multiple reference-edge rows.
func scanContentRefs(rows *sql.Rows) ([]*model.ContentReference, error) {
	var refs []*model.ContentReference
	for rows.Next() {
		var r model.ContentReference
		if err := rows.Scan(&r.AppID, &r.FromID, &r.FromSchema, &r.ToID); err != nil {
			return nil, err
		}
		refs = append(refs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// scanFlow scans a single row into a model.Flow.
func scanFlow(row scannable) (*model.Flow, error) {
	var f model.Flow
	var (
		state       []byte
		dueTime     sql.NullTime
		nextAttempt sql.NullTime
		expires     sql.NullTime
		lastError   sql.NullString
		failedAt    sql.NullTime
	)

	err := row.Scan(
		&f.ID,
		&f.OwnerID,
		&f.DefinitionID,
		&state,
		&f.SchedulePartition,
		&dueTime,
		&f.NumCalls,
		&nextAttempt,
		&expires,
		&lastError,
		&failedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(state) > 0 {
		f.State = json.RawMessage(state)
	}
	f.LastError = lastError.String
	if dueTime.Valid {
		t := dueTime.Time
		f.DueTime = &t
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		f.NextAttempt = &t
	}
	if expires.Valid {
		t := expires.Time
		f.Expires = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		f.FailedAt = &t
	}

	return &f, nil
}

// scanFlows scans multiple rows into a slice of model.Flow pointers.
func scanFlows(rows *sql.Rows) ([]*model.Flow, error) {
	var flows []*model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return flows, nil
}

// scanCronJobs scans multiple rows into a slice of model.CronJob pointers.
func scanCronJobs(rows *sql.Rows) ([]*model.CronJob, error) {
	var jobs []*model.CronJob
	for rows.Next() {
		var j model.CronJob
		var data []byte
		if err := rows.Scan(&j.ID, &j.DueTime, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			j.Data = json.RawMessage(data)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// scanMessage scans a single row into a model.Message.
func scanMessage(row scannable) (*model.Message, error) {
	var m model.Message
	var (
		payload     []byte
		headers     []byte
		timeHandled sql.NullTime
	)

	err := row.Scan(
		&m.ID,
		&m.ChannelName,
		&m.QueueName,
		&payload,
		&headers,
		&m.TimeToLive,
		&timeHandled,
		&m.Version,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		m.Payload = json.RawMessage(payload)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal message headers: %w", err)
		}
	}
	if timeHandled.Valid {
		t := timeHandled.Time
		m.TimeHandled = &t
	}

	return &m, nil
}

// nullTimePtr converts a *time.Time to a sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringPtr converts a *string to sql.NullString.
func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullStatusPtr converts a *model.Status to sql.NullString.
func nullStatusPtr(s *model.Status) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

// nullInt64Ptr converts an *int64 to sql.NullInt64.
func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
