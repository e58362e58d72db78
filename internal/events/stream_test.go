package events

import (
	"fmt"
	"testing"
	"time"

	"cabinet/internal/domain"
)

func ev(seq int64) domain.Event {
	return domain.Event{Seq: seq, RunID: "r1", Type: "stage_change", Message: fmt.Sprintf("event %d", seq)}
}

func collect(t *testing.T, ch <-chan domain.Event, n int) []domain.Event {
	t.Helper()
	var out []domain.Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestReplayThenLiveMatchesHistory(t *testing.T) {
	s := NewStream()
	for i := int64(1); i <= 3; i++ {
		s.Publish(ev(i))
	}

	ch, cancel := s.Subscribe(true)
	defer cancel()

	for i := int64(4); i <= 6; i++ {
		s.Publish(ev(i))
	}
	s.Close()

	got := collect(t, ch, 6)
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
	if _, open := <-ch; open {
		t.Fatal("channel should close after the backlog drains")
	}
}

func TestSubscribeFromNowSkipsHistory(t *testing.T) {
	s := NewStream()
	s.Publish(ev(1))
	s.Publish(ev(2))

	ch, cancel := s.Subscribe(false)
	defer cancel()

	s.Publish(ev(3))
	s.Close()

	got := collect(t, ch, 1)
	if got[0].Seq != 3 {
		t.Fatalf("seq = %d, want 3", got[0].Seq)
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed")
	}
}

func TestSubscribeAfterCloseReplaysAndEnds(t *testing.T) {
	s := NewStream()
	s.Publish(ev(1))
	s.Publish(ev(2))
	s.Close()

	ch, cancel := s.Subscribe(true)
	defer cancel()

	got := collect(t, ch, 2)
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("got %+v", got)
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(true)
	s.Publish(ev(1))
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel did not close after cancel")
		}
	}
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	s := NewStream()
	s.Publish(ev(1))
	s.Close()
	s.Publish(ev(2))
	if got := s.History(); len(got) != 1 {
		t.Fatalf("history = %d events, want 1", len(got))
	}
	if !s.Closed() {
		t.Fatal("stream should report closed")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(true)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 1000; i++ {
			s.Publish(ev(i))
		}
		s.Close()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	got := collect(t, ch, 1000)
	if got[999].Seq != 1000 {
		t.Fatalf("last seq = %d", got[999].Seq)
	}
}
