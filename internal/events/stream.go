package events

import (
	"sync"

	"cabinet/internal/domain"
)

// Stream is a per-run, append-only, strictly ordered event log with one
// writer and any number of live subscribers. Subscribers joining with
// fromStart first replay the full history, then switch to live delivery
// with no gap or duplicate at the boundary.
type Stream struct {
	mu      sync.Mutex
	history []domain.Event
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

func NewStream() *Stream {
	return &Stream{subs: map[int]*subscriber{}}
}

// Publish appends the event and fans it out to live subscribers. The
// orchestrator is the only caller and never publishes after Close.
func (s *Stream) Publish(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.history = append(s.history, e)
	for _, sub := range s.subs {
		sub.enqueue(e)
	}
}

// History returns a copy of all events published so far.
func (s *Stream) History() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.history))
	copy(out, s.history)
	return out
}

// Closed reports whether the stream reached its terminal state.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscribe returns a channel of events and a cancel func. With fromStart,
// history is queued before the subscriber registers for live events, both
// under the stream lock, so the replay boundary is exact. The channel
// closes after the stream closes and the backlog drains, or on cancel.
func (s *Stream) Subscribe(fromStart bool) (<-chan domain.Event, func()) {
	sub := newSubscriber()

	s.mu.Lock()
	if fromStart {
		sub.pending = append(sub.pending, s.history...)
	}
	if s.closed {
		sub.streamDone = true
	} else {
		id := s.nextSub
		s.nextSub++
		s.subs[id] = sub
	}
	s.mu.Unlock()

	go sub.pump()

	cancel := func() {
		s.mu.Lock()
		for id, candidate := range s.subs {
			if candidate == sub {
				delete(s.subs, id)
				break
			}
		}
		s.mu.Unlock()
		sub.cancel()
	}
	return sub.out, cancel
}

// Close marks the stream terminal. Subscriber channels close once their
// backlog is delivered.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.finish()
	}
	s.subs = map[int]*subscriber{}
}

type subscriber struct {
	mu         sync.Mutex
	cond       *sync.Cond
	pending    []domain.Event
	out        chan domain.Event
	quit       chan struct{}
	quitOnce   sync.Once
	cancelled  bool
	streamDone bool
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		out:  make(chan domain.Event, 16),
		quit: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (sub *subscriber) enqueue(e domain.Event) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, e)
	sub.mu.Unlock()
	sub.cond.Broadcast()
}

func (sub *subscriber) finish() {
	sub.mu.Lock()
	sub.streamDone = true
	sub.mu.Unlock()
	sub.cond.Broadcast()
}

func (sub *subscriber) cancel() {
	sub.quitOnce.Do(func() { close(sub.quit) })
	sub.mu.Lock()
	sub.cancelled = true
	sub.mu.Unlock()
	sub.cond.Broadcast()
}

// pump delivers queued events in order. A slow consumer only stalls its
// own subscription, never the writer.
func (sub *subscriber) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		for len(sub.pending) == 0 && !sub.cancelled && !sub.streamDone {
			sub.cond.Wait()
		}
		if sub.cancelled {
			sub.mu.Unlock()
			return
		}
		if len(sub.pending) == 0 {
			// stream closed and backlog drained
			sub.mu.Unlock()
			return
		}
		e := sub.pending[0]
		sub.pending = sub.pending[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- e:
		case <-sub.quit:
			return
		}
	}
}
