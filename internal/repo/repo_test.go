package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"cabinet/internal/db"
	"cabinet/internal/domain"
	"cabinet/internal/events"
	"cabinet/internal/migrate"
)

func testRepo(t *testing.T) (Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return Repo{DB: conn}, conn
}

func insertRun(t *testing.T, r Repo, id string) domain.RunState {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	run := domain.Run{
		ID:        id,
		IssueID:   "transit-expansion",
		Status:    domain.RunStatusRunning,
		Stage:     domain.StageIntakeIssue,
		Config:    domain.RunConfig{MaxRounds: 5, ConvergenceThreshold: 0.15},
		CreatedAt: now,
		UpdatedAt: now,
	}
	state := domain.RunState{Run: run, Issue: domain.Issue{ID: "transit-expansion", Urgency: "high"}}
	if err := r.InsertRun(context.Background(), run, state); err != nil {
		t.Fatal(err)
	}
	return state
}

func TestRunRoundTrip(t *testing.T) {
	r, _ := testRepo(t)
	ctx := context.Background()
	state := insertRun(t, r, "r1")

	got, err := r.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.IssueID != "transit-expansion" || got.Config.MaxRounds != 5 {
		t.Fatalf("run = %+v", got)
	}

	state.Run.Status = domain.RunStatusCompleted
	state.Run.Stage = domain.StageFinalRuling
	state.Decision = &domain.Decision{Approved: true, PolicyText: "Adopt."}
	if err := r.SaveRunState(ctx, state); err != nil {
		t.Fatal(err)
	}

	reloaded, err := r.GetRunState(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Run.Status != domain.RunStatusCompleted || reloaded.Decision == nil {
		t.Fatalf("state = %+v", reloaded)
	}
	if reloaded.Issue.Urgency != "high" {
		t.Fatalf("issue lost: %+v", reloaded.Issue)
	}
}

func TestGetRunNotFound(t *testing.T) {
	r, _ := testRepo(t)
	if _, err := r.GetRun(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := r.SaveRunState(context.Background(), domain.RunState{Run: domain.Run{ID: "ghost"}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("save = %v", err)
	}
	if err := r.DeleteRun(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete = %v", err)
	}
}

func TestEventQueries(t *testing.T) {
	r, conn := testRepo(t)
	ctx := context.Background()
	insertRun(t, r, "r1")
	insertRun(t, r, "r2")

	w := events.Writer{DB: conn}
	for i := 0; i < 3; i++ {
		if _, err := w.Append(ctx, domain.Event{RunID: "r1", Type: domain.EventStageChange}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Append(ctx, domain.Event{RunID: "r2", Type: domain.EventCompleted, Payload: map[string]any{"approved": true}}); err != nil {
		t.Fatal(err)
	}

	all, err := r.ListEvents(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("r1 has %d events", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatal("events out of order")
		}
	}

	after, err := r.EventsAfter(ctx, "r1", all[0].Seq, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Fatalf("EventsAfter = %d events", len(after))
	}

	limited, err := r.EventsAfter(ctx, "r1", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Seq != all[0].Seq {
		t.Fatalf("limited = %+v", limited)
	}

	global, err := r.AllEventsAfter(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(global) != 4 {
		t.Fatalf("global = %d events", len(global))
	}
	if got, ok := global[3].Payload["approved"].(bool); !ok || !got {
		t.Fatalf("payload = %v", global[3].Payload)
	}

	latest, err := r.LatestEvents(ctx, 2, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 || latest[0].Seq >= latest[1].Seq {
		t.Fatalf("latest = %+v", latest)
	}

	typed, err := r.LatestEvents(ctx, 10, "r2", domain.EventCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(typed) != 1 || typed[0].RunID != "r2" {
		t.Fatalf("typed = %+v", typed)
	}

	maxID, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if maxID != global[3].Seq {
		t.Fatalf("latest id = %d, want %d", maxID, global[3].Seq)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	r, _ := testRepo(t)
	ctx := context.Background()
	insertRun(t, r, "r1")

	body := []byte(`{"approved":true}`)
	a := domain.Artifact{
		RunID:     "r1",
		Name:      "final_decision.json",
		Type:      "application/json",
		SizeBytes: int64(len(body)),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.InsertArtifact(ctx, a, body); err != nil {
		t.Fatal(err)
	}

	list, err := r.ListArtifacts(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SizeBytes != int64(len(body)) {
		t.Fatalf("list = %+v", list)
	}

	got, content, err := r.GetArtifact(ctx, "r1", "final_decision.json")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "application/json" || string(content) != string(body) {
		t.Fatalf("artifact = %+v, %q", got, content)
	}

	if _, _, err := r.GetArtifact(ctx, "r1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	r, conn := testRepo(t)
	ctx := context.Background()
	insertRun(t, r, "r1")

	w := events.Writer{DB: conn}
	if _, err := w.Append(ctx, domain.Event{RunID: "r1", Type: domain.EventStageChange}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertArtifact(ctx, domain.Artifact{RunID: "r1", Name: "a", Type: "text/plain", CreatedAt: "now"}, []byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	evs, err := r.ListEvents(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 0 {
		t.Fatalf("%d events survived", len(evs))
	}
	arts, err := r.ListArtifacts(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 0 {
		t.Fatalf("%d artifacts survived", len(arts))
	}
}
