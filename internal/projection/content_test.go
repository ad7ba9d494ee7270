package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/groblegark/contentd/internal/content"
	"github.com/groblegark/contentd/internal/eventlog"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/snapshot"
	"github.com/groblegark/contentd/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	log     *eventlog.Log
	service *content.Service
	schemas *snapshot.Store[content.Schema]
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	log := eventlog.New(st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	schemas := snapshot.NewStore[content.Schema](st, content.SchemaSnapshotKind)
	checkpoints := snapshot.NewStore[Checkpoint](st, CheckpointKind)
	projector := NewContentProjector(st, schemas)

	return &fixture{
		store:   st,
		log:     log,
		service: content.NewService(log, snapshot.NewStore[content.State](st, content.SnapshotKind), logger),
		schemas: schemas,
		runner:  NewRunner(log, checkpoints, projector, time.Minute, logger),
	}
}

func TestApply_DraftOnlyInAllModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.New()

	id, err := f.service.Create(ctx, appID, "article", []byte(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.runner.CatchUp(ctx)

	row, err := f.store.GetContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if row.Status != "draft" || row.Version != 1 {
		t.Errorf("row = status %s version %d, want draft/1", row.Status, row.Version)
	}

	if _, err := f.store.GetPublishedContent(ctx, appID, id); err == nil {
		t.Error("draft item must not be in the published model")
	}
}

func TestApply_PublishAndUnpublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.New()

	id, err := f.service.Create(ctx, appID, "article", []byte(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.service.ChangeStatus(ctx, id, "published"); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}

	f.runner.CatchUp(ctx)

	pub, err := f.store.GetPublishedContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetPublishedContent: %v", err)
	}
	if pub.Status != "published" {
		t.Errorf("Status = %s, want published", pub.Status)
	}

	if err := f.service.ChangeStatus(ctx, id, "unpublished"); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	f.runner.CatchUp(ctx)

	if _, err := f.store.GetPublishedContent(ctx, appID, id); err == nil {
		t.Error("unpublished item must leave the published model")
	}
}

func TestApply_PublishedRowDropsPendingState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.New()

	id, err := f.service.Create(ctx, appID, "article", []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.service.ChangeStatus(ctx, id, "published"); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	// Stage an update on the published item.
	if err := f.service.Update(ctx, id, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.runner.CatchUp(ctx)

	all, err := f.store.GetContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if string(all.NewData) != `{"v":2}` {
		t.Errorf("contents_all NewData = %s, want staged v2", all.NewData)
	}

	pub, err := f.store.GetPublishedContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetPublishedContent: %v", err)
	}
	if string(pub.Data) != `{"v":1}` {
		t.Errorf("published Data = %s, want v1", pub.Data)
	}
	if pub.NewData != nil || pub.NewStatus != nil || pub.ScheduleJob != nil {
		t.Errorf("published row carries pending state: %+v", pub)
	}
}

func TestApply_DeleteRemovesFromPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.New()

	id, err := f.service.Create(ctx, appID, "article", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.service.ChangeStatus(ctx, id, "published"); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	f.runner.CatchUp(ctx)

	if err := f.service.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	f.runner.CatchUp(ctx)

	if _, err := f.store.GetPublishedContent(ctx, appID, id); err == nil {
		t.Error("deleted item must leave the published model")
	}
	all, err := f.store.GetContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if !all.IsDeleted {
		t.Error("contents_all must keep the tombstone")
	}
}

func TestApply_PublishedRefsRequireBothEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.New()

	if err := f.schemas.Save(ctx, "article", content.Schema{
		Name: "article", ReferenceFields: []string{"author"},
	}, 0, 1); err != nil {
		t.Fatalf("save schema: %v", err)
	}
	if err := f.schemas.Save(ctx, "author", content.Schema{Name: "author"}, 0, 1); err != nil {
		t.Fatalf("save schema: %v", err)
	}

	authorID, err := f.service.Create(ctx, appID, "author", []byte(`{"name":"amy"}`))
	if err != nil {
		t.Fatalf("Create author: %v", err)
	}
	articleID, err := f.service.Create(ctx, appID, "article",
		[]byte(fmt.Sprintf(`{"title":"t","author":%q}`, authorID)))
	if err != nil {
		t.Fatalf("Create article: %v", err)
	}
	if err := f.service.ChangeStatus(ctx, articleID, "published"); err != nil {
		t.Fatalf("publish article: %v", err)
	}
	f.runner.CatchUp(ctx)

	// The edge exists in the full graph immediately.
	all, err := f.store.GetContentRefs(ctx, appID, false)
	if err != nil {
		t.Fatalf("GetContentRefs: %v", err)
	}
	if len(all) != 1 || all[0].FromID != articleID || all[0].ToID != authorID {
		t.Fatalf("all refs = %+v, want article -> author", all)
	}

	// Published edges need both endpoints published; the author is a draft.
	pub, err := f.store.GetContentRefs(ctx, appID, true)
	if err != nil {
		t.Fatalf("GetContentRefs: %v", err)
	}
	if len(pub) != 0 {
		t.Fatalf("published refs = %+v, want none until the author is published", pub)
	}

	if err := f.service.ChangeStatus(ctx, authorID, "published"); err != nil {
		t.Fatalf("publish author: %v", err)
	}
	f.runner.CatchUp(ctx)

	pub, err = f.store.GetContentRefs(ctx, appID, true)
	if err != nil {
		t.Fatalf("GetContentRefs: %v", err)
	}
	if len(pub) != 1 {
		t.Fatalf("published refs = %+v, want the edge once both ends are live", pub)
	}
}

func TestApply_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.New()

	id, err := f.service.Create(ctx, appID, "article", []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.service.Update(ctx, id, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.runner.CatchUp(ctx)

	before, err := f.store.GetContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}

	// Replay every commit from position zero, as after a lost checkpoint.
	commits, err := f.log.ReadAll(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	projector := NewContentProjector(f.store, f.schemas)
	for _, c := range commits {
		if err := projector.Apply(ctx, c); err != nil {
			t.Fatalf("replay Apply: %v", err)
		}
	}

	after, err := f.store.GetContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if after.Version != before.Version || string(after.Data) != string(before.Data) {
		t.Errorf("replay changed the row: before %+v after %+v", before, after)
	}
}

func TestApply_OutOfOrderDeliveryRebuilds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.New()

	id, err := f.service.Create(ctx, appID, "article", []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.service.Update(ctx, id, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	commits, err := f.store.GetStreamCommits(ctx, contentStreamPrefix+id.String(), 0)
	if err != nil {
		t.Fatalf("GetStreamCommits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}

	// Position repair can give an early commit a late global position, so
	// the second commit may be delivered first. The projector rebuilds the
	// row from the stream instead of wedging on the gap.
	projector := NewContentProjector(f.store, f.schemas)
	if err := projector.Apply(ctx, commits[1]); err != nil {
		t.Fatalf("Apply out-of-order commit: %v", err)
	}

	row, err := f.store.GetContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if row.Version != 2 || string(row.Data) != `{"v":2}` {
		t.Errorf("row = version %d data %s, want 2/{\"v\":2}", row.Version, row.Data)
	}

	// The earlier commit arriving afterwards is already covered and skipped.
	if err := projector.Apply(ctx, commits[0]); err != nil {
		t.Fatalf("Apply earlier commit: %v", err)
	}
	row, err = f.store.GetContent(ctx, appID, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if row.Version != 2 {
		t.Errorf("late replay rewound the row to version %d", row.Version)
	}
}

func TestApply_IgnoresForeignStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stream := "audit-" + uuid.NewString()
	_, err := f.log.Append(ctx, stream, 0, []model.Event{
		{Type: "audit.recorded", Payload: json.RawMessage(`{"who":"x"}`)},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	commits, err := f.log.ReadAll(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	projector := NewContentProjector(f.store, f.schemas)
	for _, c := range commits {
		if err := projector.Apply(ctx, c); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
}

func TestCatchUp_AdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.Create(ctx, uuid.New(), "article", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.runner.CatchUp(ctx)

	checkpoints := snapshot.NewStore[Checkpoint](f.store, CheckpointKind)
	cp, version, err := checkpoints.Load(ctx, "content-read-models")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if version == 0 {
		t.Fatal("checkpoint was never saved")
	}
	if cp.Position < 1 {
		t.Errorf("checkpoint position = %d, want >= 1", cp.Position)
	}

	// A second pass with nothing new leaves the checkpoint untouched.
	f.runner.CatchUp(ctx)
	cp2, version2, err := checkpoints.Load(ctx, "content-read-models")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp2.Position != cp.Position || version2 != version {
		t.Errorf("idle pass moved checkpoint: %d@%d -> %d@%d", cp.Position, version, cp2.Position, version2)
	}
}
