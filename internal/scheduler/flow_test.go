package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addFlow(t *testing.T, st *memory.Store, due time.Time, partition int) *model.Flow {
	t.Helper()
	f := &model.Flow{
		ID:                uuid.New(),
		OwnerID:           uuid.New(),
		DefinitionID:      uuid.New(),
		State:             []byte(`{"step":0}`),
		SchedulePartition: partition,
		DueTime:           &due,
	}
	if err := st.UpsertFlow(context.Background(), f); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}
	return f
}

func TestFlowPoller_DoneDeletesFlow(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	f := addFlow(t, st, time.Now().Add(-time.Minute), 0)

	runner := FlowRunnerFunc(func(ctx context.Context, f *model.Flow) (FlowResult, error) {
		return FlowResult{Done: true}, nil
	})
	p := NewFlowPoller(st, runner, DefaultRetryPolicy, 0, 1, 10, discardLogger())

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if _, err := st.GetFlow(ctx, f.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetFlow = %v, want sql.ErrNoRows", err)
	}
}

func TestFlowPoller_SuspendReschedules(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	f := addFlow(t, st, time.Now().Add(-time.Minute), 0)

	next := time.Now().Add(time.Hour).UTC()
	runner := FlowRunnerFunc(func(ctx context.Context, f *model.Flow) (FlowResult, error) {
		return FlowResult{NextDue: &next, State: []byte(`{"step":1}`)}, nil
	})
	p := NewFlowPoller(st, runner, DefaultRetryPolicy, 0, 1, 10, discardLogger())

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	got, err := st.GetFlow(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if got.DueTime == nil || !got.DueTime.Equal(next) {
		t.Errorf("DueTime = %v, want %s", got.DueTime, next)
	}
	if string(got.State) != `{"step":1}` {
		t.Errorf("State = %s, want step 1", got.State)
	}
	if got.NumCalls != 0 || got.NextAttempt != nil || got.LastError != "" {
		t.Errorf("retry bookkeeping not reset: %+v", got)
	}
}

func TestFlowPoller_FailureBacksOff(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	f := addFlow(t, st, time.Now().Add(-time.Minute), 0)

	runner := FlowRunnerFunc(func(ctx context.Context, f *model.Flow) (FlowResult, error) {
		return FlowResult{}, fmt.Errorf("smtp unavailable")
	})
	p := NewFlowPoller(st, runner, RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: time.Minute, MaxCalls: 5}, 0, 1, 10, discardLogger())

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	got, err := st.GetFlow(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if got.NumCalls != 1 {
		t.Errorf("NumCalls = %d, want 1", got.NumCalls)
	}
	if got.DueTime == nil || got.NextAttempt == nil {
		t.Fatalf("flow not rescheduled: %+v", got)
	}
	if got.LastError != "smtp unavailable" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.Failed() {
		t.Error("flow must not be failed yet")
	}
}

func TestFlowPoller_ExhaustionFailsPermanently(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	f := addFlow(t, st, time.Now().Add(-time.Minute), 0)

	runner := FlowRunnerFunc(func(ctx context.Context, f *model.Flow) (FlowResult, error) {
		return FlowResult{}, fmt.Errorf("smtp unavailable")
	})
	p := NewFlowPoller(st, runner, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxCalls: 2}, 0, 1, 10, discardLogger())

	// Each failed attempt reschedules at now+1ms; walk the clock forward so
	// the next poll claims it again until the call budget runs out.
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		p.now = func() time.Time { return base.Add(time.Duration(i+1) * time.Second) }
		if _, err := p.Poll(ctx); err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
	}

	got, err := st.GetFlow(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if !got.Failed() {
		t.Fatalf("flow should be failed: %+v", got)
	}
	if got.DueTime != nil {
		t.Error("failed flow must not stay claimable")
	}
}

func TestFlowPoller_PartitionFilter(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	mine := addFlow(t, st, time.Now().Add(-time.Minute), 0)
	other := addFlow(t, st, time.Now().Add(-time.Minute), 1)

	var ran []uuid.UUID
	runner := FlowRunnerFunc(func(ctx context.Context, f *model.Flow) (FlowResult, error) {
		ran = append(ran, f.ID)
		return FlowResult{Done: true}, nil
	})
	p := NewFlowPoller(st, runner, DefaultRetryPolicy, 0, 2, 10, discardLogger())

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(ran) != 1 || ran[0] != mine.ID {
		t.Errorf("ran = %v, want only %s", ran, mine.ID)
	}
	if _, err := st.GetFlow(ctx, other.ID); err != nil {
		t.Errorf("other partition's flow must stay put: %v", err)
	}
}

func TestWorker_DrainsBacklog(t *testing.T) {
	calls := 0
	p := pollerFunc{name: "test", poll: func(ctx context.Context) (bool, error) {
		calls++
		return calls < 3, nil
	}}

	w := NewWorker(p, time.Hour, discardLogger())
	w.drain(context.Background())

	if calls != 3 {
		t.Errorf("calls = %d, want 3 (poll until the backlog is empty)", calls)
	}
}

type pollerFunc struct {
	name string
	poll func(ctx context.Context) (bool, error)
}

func (p pollerFunc) Name() string                           { return p.name }
func (p pollerFunc) Poll(ctx context.Context) (bool, error) { return p.poll(ctx) }
