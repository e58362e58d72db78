// Package orchestrate drives a run through its eight stages. The
// orchestrator is the only writer of the run's event log and the only
// mutator of its stage and status; everything else reads snapshots.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cabinet/internal/actor"
	"cabinet/internal/config"
	"cabinet/internal/domain"
	"cabinet/internal/events"
	"cabinet/internal/mailbox"
	"cabinet/internal/negotiate"
	"cabinet/internal/repo"
	"cabinet/internal/schedule"
	"cabinet/internal/tools"
)

// Artifact names produced during a run.
const (
	ArtifactDecision   = "final_decision.json"
	ArtifactPlan       = "implementation_plan.txt"
	ArtifactTranscript = "transcript.json"
)

type Orchestrator struct {
	Repo   repo.Repo
	Writer events.Writer
	Stream *events.Stream
	Cfg    *config.Config
	Now    func() time.Time

	state       domain.RunState
	emitMu      sync.Mutex
	actors      map[string]*actor.Actor
	mgr         *schedule.Manager
	mail        *mailbox.Mailbox
	gateway     *tools.Gateway
	unavailable map[string]bool
}

// New prepares an orchestrator for a freshly inserted run.
func New(r repo.Repo, w events.Writer, stream *events.Stream, cfg *config.Config, state domain.RunState, now func() time.Time) *Orchestrator {
	o := &Orchestrator{
		Repo:        r,
		Writer:      w,
		Stream:      stream,
		Cfg:         cfg,
		Now:         now,
		state:       state,
		mgr:         schedule.NewManager(cfg.StageTimeout()),
		mail:        mailbox.New(),
		unavailable: map[string]bool{},
	}
	o.gateway = tools.NewGateway(state.Run.Config.EnableSentiment)
	o.actors = map[string]*actor.Actor{}
	for _, dept := range cfg.Departments {
		o.actors[dept.Code] = o.newActor(dept.Code, &actor.Department{
			Dept:          dept,
			BudgetCeiling: cfg.Constraints.BudgetCeiling,
		})
	}
	o.actors[actor.CoordinatorID] = o.newActor(actor.CoordinatorID, &actor.Coordinator{Departments: cfg.Departments})
	o.actors[actor.DeciderID] = o.newActor(actor.DeciderID, actor.Decider{})
	o.actors["legal-gate"] = o.newActor("legal-gate", actor.GateDuty{Gate: domain.GateLegal})
	o.actors["fiscal-gate"] = o.newActor("fiscal-gate", actor.GateDuty{Gate: domain.GateFiscal})
	return o
}

func (o *Orchestrator) newActor(id string, b actor.Behavior) *actor.Actor {
	return &actor.Actor{
		ID:       id,
		Behavior: b,
		Tools:    o.gateway,
		Mail:     o.mail,
		Emit:     o.emitToolCall,
	}
}

// Execute runs the stage sequence to a terminal status. It always leaves a
// consistent persisted snapshot, closes the stream, and never panics the
// caller's goroutine on storage errors.
func (o *Orchestrator) Execute(ctx context.Context) {
	defer o.Stream.Close()

	steps := []func(context.Context) error{
		o.intake,
		o.departmentMemos,
		o.disputeAggregation,
		o.negotiationRounds,
		o.legalGate,
		o.fiscalGate,
		o.finalRuling,
		o.executionPlanning,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			o.terminate(domain.RunStatusCancelled, "run cancelled")
			return
		}
		if err := step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				o.terminate(domain.RunStatusCancelled, "run cancelled")
			} else {
				o.terminate(domain.RunStatusFailed, err.Error())
			}
			return
		}
	}
	o.complete()
}

// State returns the current snapshot. Safe to call after Execute returns.
func (o *Orchestrator) State() domain.RunState {
	return o.state
}

func (o *Orchestrator) ts() string {
	return o.Now().UTC().Format(time.RFC3339Nano)
}

// emit appends one event, publishes it live, and persists the snapshot.
// Actor turns emit tool calls concurrently, so appends are serialized here.
// Persistence failures land in the run's Error without stopping the run.
func (o *Orchestrator) emit(e domain.Event) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	e.RunID = o.state.Run.ID
	stored, err := o.Writer.Append(context.Background(), e)
	if err != nil {
		o.state.Run.Error = "event append: " + err.Error()
		return
	}
	o.Stream.Publish(stored)
	o.persist()
}

func (o *Orchestrator) persist() {
	o.state.Run.UpdatedAt = o.ts()
	if err := o.Repo.SaveRunState(context.Background(), o.state); err != nil {
		o.state.Run.Error = "persist: " + err.Error()
	}
}

func (o *Orchestrator) emitToolCall(actorID, tool string, req tools.Request, res tools.Result, err error) {
	payload := map[string]any{"tool": tool}
	if req.Scenario != "" {
		payload["scenario"] = req.Scenario
	}
	if req.Aspect != "" {
		payload["aspect"] = req.Aspect
	}
	if req.RiskCategory != "" {
		payload["risk_category"] = req.RiskCategory
	}
	if req.StakeholderType != "" {
		payload["stakeholder_type"] = req.StakeholderType
	}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["result"] = res
	}
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventToolCall,
		Stage:   o.state.Run.Stage,
		ActorID: actorID,
		Message: fmt.Sprintf("%s invoked %s", actorID, tool),
		Payload: payload,
	})
}

func (o *Orchestrator) setStage(stage domain.Stage) {
	o.state.Run.Stage = stage
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventStageChange,
		Stage:   stage,
		Message: "entering " + string(stage),
	})
}

func (o *Orchestrator) observation(round int) actor.Observation {
	obs := actor.Observation{
		Stage:         o.state.Run.Stage,
		Round:         round,
		Issue:         o.state.Issue,
		Memos:         domain.LatestMemos(o.state.Memos),
		Disputes:      append([]domain.Dispute(nil), o.state.Disputes...),
		GateResults:   append([]domain.GateResult(nil), o.state.GateResults...),
		BudgetCeiling: o.Cfg.Constraints.BudgetCeiling,
		Config:        o.state.Run.Config,
		Timestamp:     o.ts(),
	}
	if o.state.PolicyCard != nil {
		obs.Card = *o.state.PolicyCard
	}
	return obs
}

func (o *Orchestrator) intake(ctx context.Context) error {
	o.setStage(domain.StageIntakeIssue)
	res := o.turnOne(ctx, actor.CoordinatorID, o.observation(0))
	if res.Err != nil {
		return fmt.Errorf("intake: %w", res.Err)
	}
	if res.Output == nil || res.Output.Card == nil {
		return errors.New("intake produced no policy card")
	}
	o.state.PolicyCard = res.Output.Card
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventPolicyCardCreated,
		Stage:   o.state.Run.Stage,
		ActorID: actor.CoordinatorID,
		Message: "policy card drafted",
		Payload: map[string]any{"policy_card": res.Output.Card},
	})
	return nil
}

func (o *Orchestrator) departmentMemos(ctx context.Context) error {
	o.setStage(domain.StageDepartmentMemos)
	codes := o.Cfg.DepartmentCodes()
	results := o.mgr.RunTurn(ctx, o.state.Run.Stage, o.actors, codes, func(string) actor.Observation {
		return o.observation(0)
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, code := range codes {
		res := results[code]
		if res.Unavailable || res.Output == nil || res.Output.Memo == nil {
			o.markUnavailable(code, res)
			continue
		}
		o.appendMemo(*res.Output.Memo)
	}
	return nil
}

// markUnavailable records a placeholder memo so downstream stages see the
// department's absence instead of a gap.
func (o *Orchestrator) markUnavailable(code string, res schedule.Result) {
	o.unavailable[code] = true
	o.state.Unavailable = appendUnique(o.state.Unavailable, code)

	reason := "no output"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	o.appendMemo(domain.Memo{
		Department:  code,
		Stance:      domain.StanceConditional,
		Rationale:   fmt.Sprintf("department unavailable after %d attempts: %s", res.Attempts, reason),
		Unavailable: true,
		CreatedAt:   o.ts(),
	})
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventError,
		Stage:   o.state.Run.Stage,
		ActorID: code,
		Message: fmt.Sprintf("%s marked unavailable, run continues degraded", code),
	})
}

func (o *Orchestrator) appendMemo(m domain.Memo) {
	o.state.Memos = append(o.state.Memos, m)
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventMemoReady,
		Stage:   o.state.Run.Stage,
		ActorID: m.Department,
		Message: fmt.Sprintf("%s memo round %d: %s", m.Department, m.Round, m.Stance),
		Payload: map[string]any{"memo": m},
	})
}

func (o *Orchestrator) disputeAggregation(ctx context.Context) error {
	o.setStage(domain.StageDisputeAggregation)
	res := o.turnOne(ctx, actor.CoordinatorID, o.observation(0))
	if res.Err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// degraded-continue: no disputes registered, negotiation is a no-op
		o.emit(domain.Event{
			TS:      o.ts(),
			Type:    domain.EventError,
			Stage:   o.state.Run.Stage,
			ActorID: actor.CoordinatorID,
			Message: "dispute aggregation failed, continuing without a dispute ledger",
		})
		return nil
	}
	if res.Output != nil {
		o.state.Disputes = res.Output.Disputes
	}
	o.emitDisputeUpdate("dispute ledger assembled")
	return nil
}

func (o *Orchestrator) emitDisputeUpdate(msg string) {
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventDisputeUpdate,
		Stage:   o.state.Run.Stage,
		ActorID: actor.CoordinatorID,
		Message: msg,
		Payload: map[string]any{"disputes": o.state.Disputes},
	})
}

func (o *Orchestrator) negotiationRounds(ctx context.Context) error {
	o.setStage(domain.StageNegotiationRounds)
	cfg := o.state.Run.Config

	for round := 1; round <= cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		score := negotiate.Score(o.state.Disputes, domain.LatestMemos(o.state.Memos))
		if negotiate.Converged(score, cfg.ConvergenceThreshold, o.state.Disputes) {
			break
		}

		obs := o.observation(round)
		res := o.turnOne(ctx, actor.CoordinatorID, obs)
		if res.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			break // coordinator down, leftovers close at limit below
		}
		var concessions []negotiate.Concession
		if res.Output != nil {
			concessions = res.Output.Concessions
		}
		o.state.Disputes = negotiate.MarkResolving(o.state.Disputes, concessions)
		if len(concessions) > 0 {
			o.emitDisputeUpdate(fmt.Sprintf("round %d: %d concessions planned", round, len(concessions)))
		}

		parties := concessionParties(concessions, o.unavailable)
		if len(parties) > 0 {
			results := o.mgr.RunTurn(ctx, o.state.Run.Stage, o.actors, parties, func(id string) actor.Observation {
				obs := o.observation(round)
				obs.Concessions = concessions
				return obs
			})
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, id := range parties {
				r := results[id]
				if r.Unavailable || r.Output == nil || r.Output.Memo == nil {
					o.markUnavailable(id, r)
					continue
				}
				o.appendMemo(*r.Output.Memo)
			}
		}

		var resolved []string
		o.state.Disputes, resolved = negotiate.Settle(o.state.Disputes, concessions, round)
		if len(resolved) > 0 {
			o.emitDisputeUpdate(fmt.Sprintf("round %d: resolved %s", round, strings.Join(resolved, ", ")))
		}

		latest := domain.LatestMemos(o.state.Memos)
		score = negotiate.Score(o.state.Disputes, latest)
		record := domain.NegotiationRound{
			Round:            round,
			Memos:            latest,
			ResolvedDisputes: resolved,
			OpenDisputes:     negotiate.OpenIDs(o.state.Disputes),
			ConvergenceScore: score,
			CreatedAt:        o.ts(),
		}
		o.state.Rounds = append(o.state.Rounds, record)
		o.emit(domain.Event{
			TS:      o.ts(),
			Type:    domain.EventNegotiationRound,
			Stage:   o.state.Run.Stage,
			Message: fmt.Sprintf("round %d complete, convergence %.3f", round, score),
			Payload: map[string]any{"round": record},
		})
	}

	if open := negotiate.OpenIDs(o.state.Disputes); len(open) > 0 {
		o.state.Disputes = negotiate.CloseAtLimit(o.state.Disputes)
		o.emitDisputeUpdate("round budget exhausted, marking leftovers unresolved")
	}
	return nil
}

func concessionParties(concessions []negotiate.Concession, unavailable map[string]bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range concessions {
		for _, id := range []string{c.Yielding, c.Counterpart} {
			if !seen[id] && !unavailable[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) legalGate(ctx context.Context) error {
	return o.runGate(ctx, domain.StageLegalGate, "legal-gate", nil)
}

func (o *Orchestrator) fiscalGate(ctx context.Context) error {
	var legalFindings []string
	for _, g := range o.state.GateResults {
		if g.Gate == domain.GateLegal {
			legalFindings = g.Findings
		}
	}
	return o.runGate(ctx, domain.StageFiscalGate, "fiscal-gate", legalFindings)
}

func (o *Orchestrator) runGate(ctx context.Context, stage domain.Stage, id string, legalFindings []string) error {
	o.setStage(stage)
	obs := o.observation(0)
	obs.LegalFindings = legalFindings
	res := o.turnOne(ctx, id, obs)

	var result domain.GateResult
	switch {
	case res.Err != nil && ctx.Err() != nil:
		return ctx.Err()
	case res.Err != nil || res.Output == nil || res.Output.Gate == nil:
		// an unreviewable proposal cannot pass
		gateName := domain.GateLegal
		if stage == domain.StageFiscalGate {
			gateName = domain.GateFiscal
		}
		result = domain.GateResult{
			Gate:      gateName,
			Verdict:   domain.VerdictFail,
			Findings:  []string{"gate review could not be completed"},
			CreatedAt: o.ts(),
		}
	default:
		result = *res.Output.Gate
	}

	o.state.GateResults = append(o.state.GateResults, result)
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventGateResult,
		Stage:   stage,
		ActorID: id,
		Message: fmt.Sprintf("%s gate: %s", result.Gate, result.Verdict),
		Payload: map[string]any{"gate_result": result},
	})
	return nil
}

func (o *Orchestrator) finalRuling(ctx context.Context) error {
	o.setStage(domain.StageFinalRuling)
	res := o.turnOne(ctx, actor.DeciderID, o.observation(0))
	if res.Err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the decider is load-bearing: no ruling means a failed run
		return fmt.Errorf("decider failed: %w", res.Err)
	}
	if res.Output == nil || res.Output.Decision == nil {
		return errors.New("decider produced no ruling")
	}
	o.state.Decision = res.Output.Decision
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventDecision,
		Stage:   o.state.Run.Stage,
		ActorID: actor.DeciderID,
		Message: fmt.Sprintf("ruling issued: approved=%t", res.Output.Decision.Approved),
		Payload: map[string]any{"decision": res.Output.Decision},
	})

	body, err := json.MarshalIndent(res.Output.Decision, "", "  ")
	if err == nil {
		o.writeArtifact(ArtifactDecision, "application/json", body)
	}
	return nil
}

func (o *Orchestrator) executionPlanning(ctx context.Context) error {
	if o.state.Decision == nil || !o.state.Decision.Approved {
		return nil
	}
	o.setStage(domain.StageExecutionPlanning)
	res := o.turnOne(ctx, actor.CoordinatorID, o.observation(0))
	if res.Err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.emit(domain.Event{
			TS:      o.ts(),
			Type:    domain.EventError,
			Stage:   o.state.Run.Stage,
			ActorID: actor.CoordinatorID,
			Message: "execution planning failed, completing without a plan",
		})
		return nil
	}
	if res.Output == nil || res.Output.Plan == nil {
		return nil
	}
	o.state.Plan = res.Output.Plan
	o.writeArtifact(ArtifactPlan, "text/plain", renderPlan(*res.Output.Plan))
	return nil
}

func renderPlan(plan domain.ExecutionPlan) []byte {
	var b strings.Builder
	b.WriteString("IMPLEMENTATION PLAN\n")
	b.WriteString("generated " + plan.CreatedAt + "\n\n")
	for i, s := range plan.Steps {
		fmt.Fprintf(&b, "%2d. [%s] %s (due day %d)\n", i+1, s.Owner, s.Action, s.DeadlineOffset)
	}
	return []byte(b.String())
}

func (o *Orchestrator) writeArtifact(name, contentType string, body []byte) {
	a := domain.Artifact{
		RunID:     o.state.Run.ID,
		Name:      name,
		Type:      contentType,
		SizeBytes: int64(len(body)),
		CreatedAt: o.ts(),
	}
	if err := o.Repo.InsertArtifact(context.Background(), a, body); err != nil {
		o.emit(domain.Event{
			TS:      o.ts(),
			Type:    domain.EventError,
			Stage:   o.state.Run.Stage,
			Message: fmt.Sprintf("artifact %s not stored: %s", name, err),
		})
		return
	}
	o.state.ArtifactList = append(o.state.ArtifactList, a)
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventArtifactCreated,
		Stage:   o.state.Run.Stage,
		Message: "artifact " + name,
		Payload: map[string]any{"artifact": a},
	})
}

// complete finishes a run that reached the end of the stage sequence,
// including auto-rejected ones.
func (o *Orchestrator) complete() {
	transcript := map[string]any{
		"run":      o.state.Run,
		"events":   o.Stream.History(),
		"messages": o.mail.Log(),
	}
	if body, err := json.MarshalIndent(transcript, "", "  "); err == nil {
		o.writeArtifact(ArtifactTranscript, "application/json", body)
	}

	o.state.Run.Status = domain.RunStatusCompleted
	approved := o.state.Decision != nil && o.state.Decision.Approved
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventCompleted,
		Stage:   o.state.Run.Stage,
		Message: fmt.Sprintf("run completed: approved=%t", approved),
		Payload: map[string]any{"approved": approved},
	})
}

func (o *Orchestrator) terminate(status, msg string) {
	o.state.Run.Status = status
	if status == domain.RunStatusFailed {
		o.state.Run.Error = msg
	}
	o.emit(domain.Event{
		TS:      o.ts(),
		Type:    domain.EventError,
		Stage:   o.state.Run.Stage,
		Message: msg,
	})
}

// turnOne schedules a single actor turn through the manager so timeout and
// retry handling stay uniform.
func (o *Orchestrator) turnOne(ctx context.Context, id string, obs actor.Observation) schedule.Result {
	results := o.mgr.RunTurn(ctx, o.state.Run.Stage, o.actors, []string{id}, func(string) actor.Observation {
		return obs
	})
	return results[id]
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	out := append(list, v)
	sort.Strings(out)
	return out
}
