package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store/memory"
)

func TestCronPoller_ReschedulesOnSuccess(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	if err := st.UpsertCronJob(ctx, &model.CronJob{ID: "outbox-sweep", DueTime: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	next := time.Now().Add(time.Hour).UTC()
	calls := 0
	p := NewCronPoller(st, 10, discardLogger())
	p.Register("outbox-sweep", CronHandlerFunc(func(ctx context.Context, job *model.CronJob) (time.Time, bool, error) {
		calls++
		return next, false, nil
	}))

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}

	// The job is parked at the handler's next due time, not the lease time.
	jobs, err := st.ClaimDueCronJobs(ctx, next.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueCronJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "outbox-sweep" {
		t.Fatalf("jobs = %+v, want outbox-sweep due again at %s", jobs, next)
	}
}

func TestCronPoller_DoneDeletesJob(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	if err := st.UpsertCronJob(ctx, &model.CronJob{ID: "one-shot", DueTime: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	p := NewCronPoller(st, 10, discardLogger())
	p.Register("one-shot", CronHandlerFunc(func(ctx context.Context, job *model.CronJob) (time.Time, bool, error) {
		return time.Time{}, true, nil
	}))

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if err := st.DeleteCronJob(ctx, "one-shot"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("job should already be deleted, got %v", err)
	}
}

func TestCronPoller_ErrorKeepsLease(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := st.UpsertCronJob(ctx, &model.CronJob{ID: "flaky", DueTime: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	p := NewCronPoller(st, 10, discardLogger())
	p.Register("flaky", CronHandlerFunc(func(ctx context.Context, job *model.CronJob) (time.Time, bool, error) {
		return time.Time{}, false, fmt.Errorf("boom")
	}))

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Inside the lease window the job is not redelivered.
	jobs, err := st.ClaimDueCronJobs(ctx, now.Add(30*time.Second), 10)
	if err != nil {
		t.Fatalf("ClaimDueCronJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %+v, want none inside the lease", jobs)
	}

	// After the lease expires it comes back.
	jobs, err = st.ClaimDueCronJobs(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueCronJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want redelivery after the lease", jobs)
	}
}

func TestCronPoller_UnknownJobIsParked(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := st.UpsertCronJob(ctx, &model.CronJob{ID: "orphan", DueTime: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	p := NewCronPoller(st, 10, discardLogger())
	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Parked well past the lease so it cannot hot-loop.
	jobs, err := st.ClaimDueCronJobs(ctx, now.Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueCronJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %+v, want orphan parked for an hour", jobs)
	}
}
