package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/groblegark/contentd/internal/messaging"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store/memory"
)

func newHandler(st *memory.Store) *Handler {
	return NewHandler(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleTrigger_CreatesFlow(t *testing.T) {
	st := memory.New()
	h := newHandler(st)
	ctx := context.Background()

	ev := Event{
		FlowID:       uuid.New(),
		OwnerID:      uuid.New(),
		DefinitionID: uuid.New(),
		State:        json.RawMessage(`{"step":0}`),
	}
	if err := h.HandleTrigger(ctx, ev); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	f, err := st.GetFlow(ctx, ev.FlowID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if f.DefinitionID != ev.DefinitionID || f.OwnerID != ev.OwnerID {
		t.Errorf("flow = %+v, want owner/definition from the event", f)
	}
	if f.DueTime == nil {
		t.Error("DueTime must default to now")
	}
	if f.SchedulePartition != partitionFor(ev.FlowID) {
		t.Errorf("SchedulePartition = %d, want %d", f.SchedulePartition, partitionFor(ev.FlowID))
	}
}

func TestHandleTrigger_UnknownFlowWithoutDefinition(t *testing.T) {
	h := newHandler(memory.New())

	err := h.HandleTrigger(context.Background(), Event{FlowID: uuid.New()})
	if err == nil {
		t.Fatal("expected error for unknown flow with no definition")
	}
}

func TestHandleTrigger_WakesDormantFlow(t *testing.T) {
	st := memory.New()
	h := newHandler(st)
	ctx := context.Background()

	// A dormant flow: no due time, waiting on an external event.
	f := &model.Flow{ID: uuid.New(), OwnerID: uuid.New(), DefinitionID: uuid.New(), State: []byte(`{"step":1}`)}
	if err := st.UpsertFlow(ctx, f); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}

	due := time.Now().Add(time.Minute).UTC()
	ev := Event{FlowID: f.ID, State: json.RawMessage(`{"step":2}`), DueTime: &due}
	if err := h.HandleTrigger(ctx, ev); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	got, err := st.GetFlow(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if got.DueTime == nil || !got.DueTime.Equal(due) {
		t.Errorf("DueTime = %v, want %s", got.DueTime, due)
	}
	if string(got.State) != `{"step":2}` {
		t.Errorf("State = %s, want step 2", got.State)
	}
}

func TestHandleTrigger_DoneDeletesFlow(t *testing.T) {
	st := memory.New()
	h := newHandler(st)
	ctx := context.Background()

	f := &model.Flow{ID: uuid.New(), OwnerID: uuid.New(), DefinitionID: uuid.New()}
	if err := st.UpsertFlow(ctx, f); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}

	if err := h.HandleTrigger(ctx, Event{FlowID: f.ID, Done: true}); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	if _, err := st.GetFlow(ctx, f.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetFlow = %v, want sql.ErrNoRows", err)
	}
}

func TestHandleTrigger_DropsFailedFlow(t *testing.T) {
	st := memory.New()
	h := newHandler(st)
	ctx := context.Background()

	failedAt := time.Now().UTC()
	f := &model.Flow{ID: uuid.New(), OwnerID: uuid.New(), DefinitionID: uuid.New(), FailedAt: &failedAt}
	if err := st.UpsertFlow(ctx, f); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}

	if err := h.HandleTrigger(ctx, Event{FlowID: f.ID}); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	got, err := st.GetFlow(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if got.DueTime != nil {
		t.Error("a permanently failed flow must not be rescheduled")
	}
}

func TestHandleTrigger_MissingFlowID(t *testing.T) {
	h := newHandler(memory.New())

	if err := h.HandleTrigger(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for missing flow id")
	}
}

func TestPartitionFor_Stable(t *testing.T) {
	id := uuid.New()
	if partitionFor(id) != partitionFor(id) {
		t.Fatal("partition must be stable for one id")
	}
}

func TestStartSubscriber_SchedulesFlowFromBus(t *testing.T) {
	url := startTestNATS(t)
	st := memory.New()
	h := newHandler(st)

	sub, err := messaging.NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.StartSubscriber(ctx, sub) }()

	pub, err := messaging.NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	ev := Event{FlowID: uuid.New(), OwnerID: uuid.New(), DefinitionID: uuid.New()}
	if err := pub.Publish(ctx, SubjectFlowTrigger, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := st.GetFlow(ctx, ev.FlowID); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the trigger to schedule the flow")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StartSubscriber: %v", err)
	}
}

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}
