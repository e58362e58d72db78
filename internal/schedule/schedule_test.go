package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cabinet/internal/actor"
	"cabinet/internal/domain"
)

// stubBehavior lets each test script an actor's act phase.
type stubBehavior struct {
	act func(ctx context.Context, obs actor.Observation) (*actor.Output, error)
}

func (b stubBehavior) Think(actor.Observation) string  { return "thinking" }
func (b stubBehavior) Plan(actor.Observation) []string { return nil }
func (b stubBehavior) Act(ctx context.Context, _ *actor.Actor, obs actor.Observation) (*actor.Output, error) {
	return b.act(ctx, obs)
}

func stubActor(id string, act func(ctx context.Context, obs actor.Observation) (*actor.Output, error)) *actor.Actor {
	return &actor.Actor{ID: id, Behavior: stubBehavior{act: act}}
}

func observe(id string) actor.Observation {
	return actor.Observation{Stage: domain.StageDepartmentMemos}
}

func TestRunTurnCollectsAllOutputs(t *testing.T) {
	m := NewManager(time.Second)
	ids := []string{"finance", "legal", "planning"}
	actors := map[string]*actor.Actor{}
	for _, id := range ids {
		actors[id] = stubActor(id, func(context.Context, actor.Observation) (*actor.Output, error) {
			return &actor.Output{Memo: &domain.Memo{Department: id}}, nil
		})
	}

	results := m.RunTurn(context.Background(), domain.StageDepartmentMemos, actors, ids, observe)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, id := range ids {
		r := results[id]
		if r.Err != nil || r.Unavailable {
			t.Fatalf("%s: err=%v unavailable=%v", id, r.Err, r.Unavailable)
		}
		if r.Attempts != 1 {
			t.Fatalf("%s: attempts = %d, want 1", id, r.Attempts)
		}
		if r.Output == nil || r.Output.Memo.Department != id {
			t.Fatalf("%s: wrong output %+v", id, r.Output)
		}
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	m := NewManager(time.Second)
	m.Backoff = time.Millisecond

	var calls atomic.Int32
	a := stubActor("flaky", func(context.Context, actor.Observation) (*actor.Output, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &actor.Output{}, nil
	})

	r := m.RunTurn(context.Background(), domain.StageDepartmentMemos,
		map[string]*actor.Actor{"flaky": a}, []string{"flaky"}, observe)["flaky"]
	if r.Err != nil || r.Unavailable {
		t.Fatalf("err=%v unavailable=%v", r.Err, r.Unavailable)
	}
	if r.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", r.Attempts)
	}
}

func TestExhaustedRetriesMarkUnavailable(t *testing.T) {
	m := NewManager(time.Second)
	m.Backoff = time.Millisecond

	a := stubActor("down", func(context.Context, actor.Observation) (*actor.Output, error) {
		return nil, errors.New("permanent")
	})

	r := m.RunTurn(context.Background(), domain.StageDepartmentMemos,
		map[string]*actor.Actor{"down": a}, []string{"down"}, observe)["down"]
	if !r.Unavailable {
		t.Fatal("actor should be unavailable")
	}
	if r.Err == nil {
		t.Fatal("err should carry the last failure")
	}
	if r.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", r.Attempts)
	}
}

func TestTimeoutMarksUnavailable(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	m.Backoff = time.Millisecond

	a := stubActor("slow", func(ctx context.Context, _ actor.Observation) (*actor.Output, error) {
		select {
		case <-time.After(time.Second):
			return &actor.Output{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	r := m.RunTurn(context.Background(), domain.StageDepartmentMemos,
		map[string]*actor.Actor{"slow": a}, []string{"slow"}, observe)["slow"]
	if !r.Unavailable {
		t.Fatal("slow actor should be unavailable")
	}
	if !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", r.Err)
	}
}

func TestCancelledContextAborts(t *testing.T) {
	m := NewManager(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := stubActor("a", func(context.Context, actor.Observation) (*actor.Output, error) {
		return &actor.Output{}, nil
	})

	r := m.RunTurn(ctx, domain.StageDepartmentMemos,
		map[string]*actor.Actor{"a": a}, []string{"a"}, observe)["a"]
	if !r.Unavailable {
		t.Fatal("cancelled context should mark the actor unavailable")
	}
	if !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", r.Err)
	}
}

func TestMissingActorIsUnavailable(t *testing.T) {
	m := NewManager(time.Second)
	r := m.RunTurn(context.Background(), domain.StageDepartmentMemos,
		map[string]*actor.Actor{}, []string{"ghost"}, observe)["ghost"]
	if !r.Unavailable {
		t.Fatal("unknown actor should be unavailable")
	}
}

func TestPerActorTurnsNeverOverlap(t *testing.T) {
	m := NewManager(time.Second)

	var inFlight, maxInFlight int32
	var mu sync.Mutex
	a := stubActor("serial", func(context.Context, actor.Observation) (*actor.Output, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &actor.Output{}, nil
	})
	actors := map[string]*actor.Actor{"serial": a}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RunTurn(context.Background(), domain.StageDepartmentMemos, actors, []string{"serial"}, observe)
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("actor ran %d turns concurrently", maxInFlight)
	}
}
