package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Flow is a suspended automation execution awaiting a timer or external
// event. State is opaque to the scheduler; it is interpreted by the flow
// runner. DueTime nil means the flow is dormant (waiting on an external
// trigger) and is never claimed.
type Flow struct {
	ID           uuid.UUID       `json:"id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	DefinitionID uuid.UUID       `json:"definition_id"`
	State        json.RawMessage `json:"state"`

	SchedulePartition int        `json:"schedule_partition"`
	DueTime           *time.Time `json:"due_time,omitempty"`

	// Retry bookkeeping: NumCalls counts attempts, NextAttempt is the
	// backoff-computed retry time, Expires bounds retries absolutely.
	NumCalls    int        `json:"num_calls"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
	Expires     *time.Time `json:"expires,omitempty"`

	LastError string     `json:"last_error,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
}

// Failed reports whether the flow has been marked permanently failed.
func (f *Flow) Failed() bool {
	return f.FailedAt != nil
}

// CronJob is the simpler periodic counterpart of a flow: strictly
// time-driven, no partitioning, no retry bookkeeping.
type CronJob struct {
	ID      string          `json:"id"`
	DueTime time.Time       `json:"due_time"`
	Data    json.RawMessage `json:"data,omitempty"`
}
