// Package actor runs the participants of a simulation: one actor per
// department plus the secretariat coordinator and the decider. Each turn
// moves through observe, think, plan and act phases; only act may touch
// tools or the mailbox.
package actor

import (
	"context"
	"fmt"

	"cabinet/internal/domain"
	"cabinet/internal/mailbox"
	"cabinet/internal/negotiate"
	"cabinet/internal/tools"
)

// Observation is the read-only slice of run state an actor sees for one
// turn. Timestamp is the orchestrator clock reading for the turn, used for
// every CreatedAt the actor stamps.
type Observation struct {
	Stage         domain.Stage
	Round         int
	Issue         domain.Issue
	Card          domain.PolicyCard
	Memos         []domain.Memo
	Disputes      []domain.Dispute
	Concessions   []negotiate.Concession
	GateResults   []domain.GateResult
	LegalFindings []string
	BudgetCeiling float64
	Config        domain.RunConfig
	Timestamp     string

	// Inbox is filled by Step from the actor's mailbox.
	Inbox []mailbox.Message
}

// Output is the union of everything a turn can produce. Exactly the fields
// relevant to the behavior and stage are set.
type Output struct {
	Memo        *domain.Memo
	Card        *domain.PolicyCard
	Disputes    []domain.Dispute
	Concessions []negotiate.Concession
	Gate        *domain.GateResult
	Decision    *domain.Decision
	Plan        *domain.ExecutionPlan
}

// Memory is an actor's private, append-only record of its turns.
type Memory struct {
	Observations []string
	Thoughts     []string
	Actions      []string
	Sent         []mailbox.Message
	Received     []mailbox.Message
}

// Behavior supplies the reasoning for a turn. Implementations must be
// deterministic given the observation.
type Behavior interface {
	Think(obs Observation) string
	Plan(obs Observation) []string
	Act(ctx context.Context, a *Actor, obs Observation) (*Output, error)
}

// ToolEmit reports a tool invocation made during act.
type ToolEmit func(actorID, tool string, req tools.Request, res tools.Result, err error)

type Actor struct {
	ID       string
	Behavior Behavior
	Tools    *tools.Gateway
	Mail     *mailbox.Mailbox
	Emit     ToolEmit

	mem Memory
}

// Step runs one full turn. The scheduler guarantees no two Steps of the
// same actor overlap.
func (a *Actor) Step(ctx context.Context, obs Observation) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// observe
	if a.Mail != nil {
		obs.Inbox = a.Mail.Receive(a.ID)
		a.mem.Received = append(a.mem.Received, obs.Inbox...)
	}
	a.mem.Observations = append(a.mem.Observations, fmt.Sprintf(
		"stage=%s round=%d memos=%d disputes=%d inbox=%d",
		obs.Stage, obs.Round, len(obs.Memos), len(obs.Disputes), len(obs.Inbox)))

	// think
	a.mem.Thoughts = append(a.mem.Thoughts, a.Behavior.Think(obs))

	// plan
	steps := a.Behavior.Plan(obs)
	a.mem.Actions = append(a.mem.Actions, steps...)

	// act
	out, err := a.Behavior.Act(ctx, a, obs)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", a.ID, err)
	}
	return out, nil
}

// Recall returns a copy of the actor's record so far.
func (a *Actor) Recall() Memory {
	m := a.mem
	m.Observations = append([]string(nil), a.mem.Observations...)
	m.Thoughts = append([]string(nil), a.mem.Thoughts...)
	m.Actions = append([]string(nil), a.mem.Actions...)
	m.Sent = append([]mailbox.Message(nil), a.mem.Sent...)
	m.Received = append([]mailbox.Message(nil), a.mem.Received...)
	return m
}

// call invokes a tool through the gateway and reports it upstream. Only
// act-phase code may use it.
func (a *Actor) call(name string, req tools.Request) (tools.Result, error) {
	res, err := a.Tools.Invoke(name, req)
	if a.Emit != nil {
		a.Emit(a.ID, name, req, res, err)
	}
	return res, err
}

// send routes a message through the run mailbox, stamping the sender.
func (a *Actor) send(msg mailbox.Message) {
	if a.Mail == nil {
		return
	}
	msg.From = a.ID
	sent := a.Mail.Send(msg)
	a.mem.Sent = append(a.mem.Sent, sent)
}
