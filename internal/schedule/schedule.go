// Package schedule runs actor turns concurrently with bounded parallelism
// and retry handling, so a slow or failing department degrades the run
// instead of stalling it.
package schedule

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cabinet/internal/actor"
	"cabinet/internal/domain"
)

// MaxConcurrent caps how many actor turns run at once.
const MaxConcurrent = 6

const retries = 2

// Result is the outcome of one actor's turn. Err is set only when every
// attempt failed; Unavailable mirrors it for downstream consumers.
type Result struct {
	ActorID     string
	Output      *actor.Output
	Err         error
	Unavailable bool
	Attempts    int
}

// Manager schedules turns for a fixed actor set. A per-actor mutex
// guarantees an actor never runs two turns concurrently even across
// overlapping RunTurn calls.
type Manager struct {
	Timeout time.Duration
	Backoff time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		Timeout: timeout,
		Backoff: 50 * time.Millisecond,
		locks:   map[string]*sync.Mutex{},
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// RunTurn steps every listed actor once, in parallel up to MaxConcurrent.
// observe builds the per-actor observation at execution time. Failed
// actors are retried with backoff and marked unavailable after the budget
// is spent; a cancelled parent context aborts everything.
func (m *Manager) RunTurn(ctx context.Context, stage domain.Stage, actors map[string]*actor.Actor, ids []string, observe func(id string) actor.Observation) map[string]Result {
	results := make([]Result, len(ids))

	var g errgroup.Group
	g.SetLimit(MaxConcurrent)

	for i, id := range ids {
		g.Go(func() error {
			results[i] = m.step(ctx, actors[id], id, observe)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Result, len(ids))
	for _, r := range results {
		out[r.ActorID] = r
	}
	return out
}

func (m *Manager) step(ctx context.Context, a *actor.Actor, id string, observe func(id string) actor.Observation) Result {
	res := Result{ActorID: id}
	if a == nil {
		res.Unavailable = true
		return res
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt <= retries; attempt++ {
		res.Attempts = attempt + 1
		if err := ctx.Err(); err != nil {
			res.Err = err
			res.Unavailable = true
			return res
		}
		if attempt > 0 {
			select {
			case <-time.After(m.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
				res.Err = ctx.Err()
				res.Unavailable = true
				return res
			}
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if m.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		}
		out, err := a.Step(stepCtx, observe(id))
		if cancel != nil {
			cancel()
		}
		if err == nil {
			res.Output = out
			res.Err = nil
			res.Unavailable = false
			return res
		}
		res.Err = err
	}
	res.Unavailable = true
	return res
}
