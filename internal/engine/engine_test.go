package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"cabinet/internal/config"
	"cabinet/internal/db"
	"cabinet/internal/domain"
	"cabinet/internal/migrate"
	"cabinet/internal/repo"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return New(conn, config.Default())
}

func waitFinished(t *testing.T, e *Engine, id string) domain.Run {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.GetRun(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status != domain.RunStatusRunning {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
	return domain.Run{}
}

func TestCreateRunValidation(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		opts CreateRunOptions
	}{
		{"unknown issue", CreateRunOptions{IssueID: "nonexistent"}},
		{"negative rounds", CreateRunOptions{IssueID: "transit-expansion", MaxRounds: -1}},
		{"threshold too high", CreateRunOptions{IssueID: "transit-expansion", ConvergenceThreshold: 2}},
		{"temperature out of range", CreateRunOptions{IssueID: "transit-expansion", Temperature: ptr(3.0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateRun(ctx, tc.opts)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestRunLifecycle(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	run, err := e.CreateRun(ctx, CreateRunOptions{IssueID: "transit-expansion"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunStatusRunning || run.Stage != domain.StageIntakeIssue {
		t.Fatalf("fresh run = %+v", run)
	}
	if run.Config.MaxRounds != 5 {
		t.Fatalf("defaults not applied: %+v", run.Config)
	}

	final := waitFinished(t, e, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %q, error = %q", final.Status, final.Error)
	}

	state, err := e.GetState(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Decision == nil || !state.Decision.Approved {
		t.Fatalf("decision = %+v", state.Decision)
	}

	runs, err := e.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("runs = %+v", runs)
	}

	arts, err := e.ListArtifacts(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 3 {
		t.Fatalf("artifacts = %+v", arts)
	}
	_, body, err := e.FetchArtifact(ctx, run.ID, "final_decision.json")
	if err != nil || len(body) == 0 {
		t.Fatalf("fetch artifact: %v, %d bytes", err, len(body))
	}
}

func TestOptionOverridesApply(t *testing.T) {
	e := testEngine(t)
	run, err := e.CreateRun(context.Background(), CreateRunOptions{
		IssueID:              "data-privacy-act",
		MaxRounds:            2,
		ConvergenceThreshold: 0.5,
		Model:                "strict",
		Temperature:          ptr(0.0),
		EnableSentiment:      ptr(true),
	})
	if err != nil {
		t.Fatal(err)
	}
	rc := run.Config
	if rc.MaxRounds != 2 || rc.ConvergenceThreshold != 0.5 || rc.Model != "strict" {
		t.Fatalf("config = %+v", rc)
	}
	if rc.Temperature != 0 || !rc.EnableSentiment {
		t.Fatalf("pointer overrides not applied: %+v", rc)
	}
	waitFinished(t, e, run.ID)
}

func TestSubscribeLiveThenReplayAgree(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	run, err := e.CreateRun(ctx, CreateRunOptions{IssueID: "transit-expansion"})
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel, err := e.Subscribe(ctx, run.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	var live []domain.Event
	for ev := range ch {
		live = append(live, ev)
	}
	if len(live) == 0 {
		t.Fatal("live subscription saw nothing")
	}

	// the run is finished now, so this subscription replays from the store
	replayCh, cancelReplay, err := e.Subscribe(ctx, run.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelReplay()

	var replay []domain.Event
	for ev := range replayCh {
		replay = append(replay, ev)
	}
	if len(replay) != len(live) {
		t.Fatalf("replay saw %d events, live saw %d", len(replay), len(live))
	}
	for i := range replay {
		if replay[i].Seq != live[i].Seq || replay[i].Type != live[i].Type {
			t.Fatalf("event %d diverged: %+v vs %+v", i, replay[i], live[i])
		}
	}
}

func TestSubscribeUnknownRun(t *testing.T) {
	e := testEngine(t)
	_, _, err := e.Subscribe(context.Background(), "no-such-run", true)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelRun(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	run, err := e.CreateRun(ctx, CreateRunOptions{IssueID: "flood-defense"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CancelRun(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	final, err := e.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	// the run may have raced to completion before the cancel landed
	if final.Status == domain.RunStatusRunning || final.Status == domain.RunStatusFailed {
		t.Fatalf("status = %q", final.Status)
	}
	if e.ActiveRuns() != 0 {
		t.Fatalf("active runs = %d", e.ActiveRuns())
	}
}

func TestCancelSettlesOrphanedRecord(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	// simulate a run recorded as running by an engine that died
	now := time.Now().UTC().Format(time.RFC3339Nano)
	issue, _ := e.Config.FindIssue("transit-expansion")
	orphan := domain.Run{
		ID:        "orphan",
		IssueID:   issue.ID,
		Status:    domain.RunStatusRunning,
		Stage:     domain.StageDepartmentMemos,
		Config:    e.Config.RunDefaults(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertRun(ctx, orphan, domain.RunState{Run: orphan, Issue: issue}); err != nil {
		t.Fatal(err)
	}

	if err := e.CancelRun(ctx, "orphan"); err != nil {
		t.Fatal(err)
	}
	settled, err := e.GetRun(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if settled.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %q", settled.Status)
	}
}

func TestDeleteRun(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	run, err := e.CreateRun(ctx, CreateRunOptions{IssueID: "transit-expansion"})
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, e, run.ID)

	if err := e.DeleteRun(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetRun(ctx, run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := e.DeleteRun(ctx, run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}

	// artifacts and events go with the run
	var count int
	if err := e.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id=?`, run.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("%d events survived the delete", count)
	}
}

func TestDeleteActiveRunRefused(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	run, err := e.CreateRun(ctx, CreateRunOptions{IssueID: "flood-defense"})
	if err != nil {
		t.Fatal(err)
	}
	err = e.DeleteRun(ctx, run.ID)
	if err != nil && !errors.Is(err, ErrRunActive) {
		t.Fatalf("err = %v", err)
	}
	// if the run already finished the delete legitimately succeeds
	waitFinished(t, e, run.ID)
}

func TestIssuesCatalog(t *testing.T) {
	e := testEngine(t)
	issues := e.Issues()
	if len(issues) != 3 {
		t.Fatalf("issues = %+v", issues)
	}
}
