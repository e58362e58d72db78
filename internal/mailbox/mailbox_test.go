package mailbox

import (
	"fmt"
	"sync"
	"testing"
)

func TestSendAssignsID(t *testing.T) {
	m := New()
	sent := m.Send(Message{From: "finance", To: "legal", Kind: KindRequest, Body: "hello"})
	if sent.ID == "" {
		t.Fatal("Send should assign an id")
	}
	again := m.Send(Message{ID: "fixed", From: "finance", To: "legal", Kind: KindRequest})
	if again.ID != "fixed" {
		t.Fatalf("Send overwrote a caller-provided id: %q", again.ID)
	}
}

func TestReceiveDrainsQueue(t *testing.T) {
	m := New()
	m.Send(Message{From: "secretariat", To: "finance", Kind: KindProposal, Body: "first"})
	m.Send(Message{From: "secretariat", To: "finance", Kind: KindProposal, Body: "second"})
	m.Send(Message{From: "secretariat", To: "legal", Kind: KindRequest, Body: "other"})

	if got := m.Pending("finance"); got != 2 {
		t.Fatalf("Pending(finance) = %d, want 2", got)
	}

	msgs := m.Receive("finance")
	if len(msgs) != 2 {
		t.Fatalf("Receive returned %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Fatalf("messages out of send order: %q, %q", msgs[0].Body, msgs[1].Body)
	}
	if got := m.Pending("finance"); got != 0 {
		t.Fatalf("Pending(finance) after drain = %d, want 0", got)
	}
	if got := m.Pending("legal"); got != 1 {
		t.Fatalf("Pending(legal) = %d, want 1", got)
	}
	if got := m.Receive("finance"); got != nil {
		t.Fatalf("second Receive = %v, want nil", got)
	}
}

func TestLogPreservesSendOrder(t *testing.T) {
	m := New()
	m.Send(Message{From: "a", To: "b", Body: "1"})
	m.Send(Message{From: "b", To: "a", Body: "2"})
	m.Send(Message{From: "a", To: "c", Body: "3"})
	m.Receive("b")
	m.Receive("a")

	log := m.Log()
	if len(log) != 3 {
		t.Fatalf("Log has %d entries, want 3", len(log))
	}
	for i, want := range []string{"1", "2", "3"} {
		if log[i].Body != want {
			t.Fatalf("log[%d].Body = %q, want %q", i, log[i].Body, want)
		}
	}
}

func TestConcurrentSendersKeepPerSenderOrder(t *testing.T) {
	m := New()
	const perSender = 50
	var wg sync.WaitGroup
	for _, sender := range []string{"finance", "legal", "planning"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				m.Send(Message{From: sender, To: "secretariat", Body: fmt.Sprintf("%s-%d", sender, i)})
			}
		}()
	}
	wg.Wait()

	msgs := m.Receive("secretariat")
	if len(msgs) != 3*perSender {
		t.Fatalf("received %d messages, want %d", len(msgs), 3*perSender)
	}
	next := map[string]int{}
	for _, msg := range msgs {
		want := fmt.Sprintf("%s-%d", msg.From, next[msg.From])
		if msg.Body != want {
			t.Fatalf("out-of-order delivery for %s: got %q, want %q", msg.From, msg.Body, want)
		}
		next[msg.From]++
	}
}
