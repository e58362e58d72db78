package mailbox

import (
	"sync"

	"github.com/google/uuid"
)

// Message kinds exchanged during negotiation rounds.
const (
	KindRequest      = "request"
	KindResponse     = "response"
	KindProposal     = "proposal"
	KindAgreement    = "agreement"
	KindDisagreement = "disagreement"
)

type Message struct {
	ID    string `json:"id"`
	From  string `json:"from"`
	To    string `json:"to"`
	Kind  string `json:"kind"`
	Body  string `json:"body"`
	Round int    `json:"round"`
}

// Mailbox routes messages between actors within a single run. Delivery
// preserves per-sender ordering: two messages from the same sender to the
// same addressee arrive in send order.
type Mailbox struct {
	mu     sync.Mutex
	queues map[string][]Message
	log    []Message
}

func New() *Mailbox {
	return &Mailbox{queues: map[string][]Message{}}
}

// Send enqueues the message for the addressee and assigns it an id.
func (m *Mailbox) Send(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[msg.To] = append(m.queues[msg.To], msg)
	m.log = append(m.log, msg)
	return msg
}

// Receive drains and returns all messages queued for the addressee.
func (m *Mailbox) Receive(addressee string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queues[addressee]
	delete(m.queues, addressee)
	return msgs
}

// Pending reports how many undelivered messages the addressee has.
func (m *Mailbox) Pending(addressee string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[addressee])
}

// Log returns a copy of every message sent through the mailbox, in send
// order. Used when assembling the negotiation transcript.
func (m *Mailbox) Log() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.log))
	copy(out, m.log)
	return out
}
