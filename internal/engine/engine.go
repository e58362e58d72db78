// Package engine is the run controller: it validates and creates runs,
// hands each one to its orchestrator goroutine, and mediates access to
// live event streams and stored run data.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cabinet/internal/config"
	"cabinet/internal/domain"
	"cabinet/internal/events"
	"cabinet/internal/orchestrate"
	"cabinet/internal/repo"
)

// ErrValidation wraps run configuration problems rejected before any state
// is created.
var ErrValidation = errors.New("invalid run configuration")

// ErrRunActive is returned when an operation needs the run to be finished.
var ErrRunActive = errors.New("run is still active")

type activeRun struct {
	stream *events.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		active: map[string]*activeRun{},
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateRunOptions are the user-settable parameters of a run. Zero values
// fall back to the workspace defaults.
type CreateRunOptions struct {
	IssueID              string
	MaxRounds            int
	ConvergenceThreshold float64
	Model                string
	Temperature          *float64
	EnableSearch         *bool
	EnableSentiment      *bool
}

func (e *Engine) resolveConfig(opts CreateRunOptions) domain.RunConfig {
	rc := e.Config.RunDefaults()
	if opts.MaxRounds != 0 {
		rc.MaxRounds = opts.MaxRounds
	}
	if opts.ConvergenceThreshold != 0 {
		rc.ConvergenceThreshold = opts.ConvergenceThreshold
	}
	if opts.Model != "" {
		rc.Model = opts.Model
	}
	if opts.Temperature != nil {
		rc.Temperature = *opts.Temperature
	}
	if opts.EnableSearch != nil {
		rc.EnableSearch = *opts.EnableSearch
	}
	if opts.EnableSentiment != nil {
		rc.EnableSentiment = *opts.EnableSentiment
	}
	return rc
}

// CreateRun validates the options, inserts the run and starts its
// orchestrator in the background. It returns as soon as the run exists.
func (e *Engine) CreateRun(ctx context.Context, opts CreateRunOptions) (domain.Run, error) {
	issue, ok := e.Config.FindIssue(opts.IssueID)
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: unknown issue %q", ErrValidation, opts.IssueID)
	}
	rc := e.resolveConfig(opts)
	if rc.MaxRounds < 1 {
		return domain.Run{}, fmt.Errorf("%w: max_rounds must be at least 1", ErrValidation)
	}
	if rc.ConvergenceThreshold <= 0 || rc.ConvergenceThreshold > 1 {
		return domain.Run{}, fmt.Errorf("%w: convergence_threshold must be in (0,1]", ErrValidation)
	}
	if rc.Temperature < 0 || rc.Temperature > 2 {
		return domain.Run{}, fmt.Errorf("%w: temperature must be in [0,2]", ErrValidation)
	}

	now := e.now().UTC().Format(time.RFC3339Nano)
	run := domain.Run{
		ID:        uuid.NewString(),
		IssueID:   issue.ID,
		Status:    domain.RunStatusRunning,
		Stage:     domain.StageIntakeIssue,
		Config:    rc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	state := domain.RunState{Run: run, Issue: issue}
	if err := e.Repo.InsertRun(ctx, run, state); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}

	stream := events.NewStream()
	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{stream: stream, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.active[run.ID] = ar
	e.mu.Unlock()

	orch := orchestrate.New(e.Repo, e.Events, stream, e.Config, state, e.now)
	go func() {
		defer close(ar.done)
		defer cancel()
		orch.Execute(runCtx)
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
	}()

	return run, nil
}

func (e *Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, id)
}

func (e *Engine) ListRuns(ctx context.Context) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx)
}

func (e *Engine) GetState(ctx context.Context, id string) (domain.RunState, error) {
	return e.Repo.GetRunState(ctx, id)
}

func (e *Engine) lookup(id string) *activeRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[id]
}

// Subscribe returns an ordered event channel for the run. Active runs get
// the live stream; finished runs get a replay of the stored log. The
// cancel func must be called when the consumer is done.
func (e *Engine) Subscribe(ctx context.Context, runID string, fromStart bool) (<-chan domain.Event, func(), error) {
	if ar := e.lookup(runID); ar != nil {
		ch, cancel := ar.stream.Subscribe(fromStart)
		return ch, cancel, nil
	}

	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}
	ch := make(chan domain.Event)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		if !fromStart {
			return
		}
		stored, err := e.Repo.ListEvents(ctx, runID)
		if err != nil {
			return
		}
		for _, ev := range stored {
			select {
			case ch <- ev:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return ch, func() { once.Do(func() { close(done) }) }, nil
}

// CancelRun requests cancellation of an active run and waits for its
// orchestrator to wind down so no background work survives the call.
func (e *Engine) CancelRun(ctx context.Context, id string) error {
	ar := e.lookup(id)
	if ar == nil {
		run, err := e.Repo.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run.Status == domain.RunStatusRunning {
			// engine restarted underneath a recorded run; settle the record
			run.Status = domain.RunStatusCancelled
			state, err := e.Repo.GetRunState(ctx, id)
			if err != nil {
				return err
			}
			state.Run = run
			return e.Repo.SaveRunState(ctx, state)
		}
		return nil
	}

	ar.cancel()
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.Repo.ListArtifacts(ctx, runID)
}

func (e *Engine) FetchArtifact(ctx context.Context, runID, name string) (domain.Artifact, []byte, error) {
	return e.Repo.GetArtifact(ctx, runID, name)
}

// DeleteRun removes a finished run and everything attached to it.
func (e *Engine) DeleteRun(ctx context.Context, id string) error {
	if ar := e.lookup(id); ar != nil {
		return ErrRunActive
	}
	return e.Repo.DeleteRun(ctx, id)
}

// ActiveRuns reports how many runs are currently executing.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Issues lists the issue catalog of the workspace.
func (e *Engine) Issues() []domain.Issue {
	return e.Config.IssueCatalog()
}
