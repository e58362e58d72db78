package actor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"cabinet/internal/config"
	"cabinet/internal/domain"
	"cabinet/internal/gate"
	"cabinet/internal/mailbox"
	"cabinet/internal/negotiate"
	"cabinet/internal/tools"
)

// CoordinatorID and DeciderID are the fixed actor ids for the two
// non-department participants.
const (
	CoordinatorID = "secretariat"
	DeciderID     = "decider"
)

func urgencyRank(urgency string) int {
	switch urgency {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	default:
		return 1
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

// Department acts for one line department. Its memo is derived entirely
// from tool results and the policy card, so identical inputs always yield
// the identical memo.
type Department struct {
	Dept          config.Department
	BudgetCeiling float64
}

func (d *Department) Think(obs Observation) string {
	if obs.Round > 0 {
		return fmt.Sprintf("%s reviewing round %d concession plan", d.Dept.Code, obs.Round)
	}
	return fmt.Sprintf("%s assessing %q from the %s angle", d.Dept.Code, obs.Card.Title, d.Dept.FeasibilityAspect)
}

func (d *Department) Plan(obs Observation) []string {
	if obs.Round > 0 {
		return []string{"apply concessions", "issue revised memo"}
	}
	steps := []string{"feasibility_check", "risk_assessment"}
	if d.Dept.Code == "finance" {
		steps = append(steps, "impact_estimate")
	}
	if obs.Config.EnableSentiment && d.Dept.RiskCategory == "social" {
		steps = append(steps, "sentiment_sim")
	}
	steps = append(steps, "draft memo")
	return steps
}

func (d *Department) Act(ctx context.Context, a *Actor, obs Observation) (*Output, error) {
	if obs.Round > 0 {
		return d.revise(a, obs)
	}
	return d.initial(ctx, a, obs)
}

func (d *Department) initial(ctx context.Context, a *Actor, obs Observation) (*Output, error) {
	feas, err := a.call(tools.FeasibilityCheck, tools.Request{Card: obs.Card, Aspect: d.Dept.FeasibilityAspect})
	if err != nil {
		return nil, err
	}
	risk, err := a.call(tools.RiskAssessment, tools.Request{Card: obs.Card, RiskCategory: d.Dept.RiskCategory})
	if err != nil {
		return nil, err
	}
	if d.Dept.Code == "finance" {
		if _, err := a.call(tools.ImpactEstimate, tools.Request{Card: obs.Card, Scenario: tools.ScenarioBaseline}); err != nil {
			return nil, err
		}
	}
	var sentiment tools.Result
	if obs.Config.EnableSentiment && d.Dept.RiskCategory == "social" {
		sentiment, err = a.call(tools.SentimentSim, tools.Request{Card: obs.Card, Context: obs.Issue.Description})
		if err != nil {
			return nil, err
		}
	}

	feasible, _ := feas["feasible"].(bool)
	score, _ := feas["score"].(float64)
	riskLevel, _ := risk["level"].(string)
	concerns := d.concerns(obs.Card, obs.Issue, sentiment)

	stance := domain.StanceSupport
	switch {
	case !feasible:
		stance = domain.StanceOppose
	case len(concerns) >= 2, riskLevel == domain.SeverityMedium && len(concerns) >= 1:
		stance = domain.StanceConditional
	}

	confidence := round2(clamp(score-0.05*float64(len(concerns)), 0.3, 0.95))

	memo := &domain.Memo{
		Department: d.Dept.Code,
		Stance:     stance,
		Rationale: fmt.Sprintf("%s assessment of %q: feasible=%t, %s risk %s",
			d.Dept.Name, obs.Card.Title, feasible, d.Dept.RiskCategory, riskLevel),
		Concerns:        concerns,
		Recommendations: d.recommendations(stance),
		Confidence:      confidence,
		Round:           0,
		CreatedAt:       obs.Timestamp,
	}
	return &Output{Memo: memo}, nil
}

// concerns derives the department's concern list. Each concern follows the
// "topic: detail" convention so dispute detection can match topics across
// departments.
func (d *Department) concerns(card domain.PolicyCard, issue domain.Issue, sentiment tools.Result) []string {
	var out []string
	for _, topic := range d.Dept.Topics {
		switch topic {
		case "financial":
			if card.EstimatedBudget > d.BudgetCeiling {
				out = append(out, "financial: estimated budget exceeds the fiscal ceiling")
			} else if card.EstimatedBudget > d.BudgetCeiling/2 {
				out = append(out, "financial: budget commits over half the fiscal ceiling")
			}
		case "timeline":
			if card.DurationMonths > 60 {
				out = append(out, "timeline: schedule exceeds the five year window")
			} else if card.DurationMonths > 36 {
				out = append(out, "timeline: multi year schedule carries slippage risk")
			}
		case "resource":
			if len(card.KeyMeasures) > 10 {
				out = append(out, "resource: measure count exceeds delivery capacity")
			} else if len(card.KeyMeasures) > 6 {
				out = append(out, "resource: measure count strains delivery capacity")
			}
		case "legal":
			if urgencyRank(issue.Urgency) >= 3 {
				out = append(out, "legal: expedited procedure needs an explicit statutory basis")
			}
		case "social":
			if len(card.RiskFactors) > 2 {
				out = append(out, "social: contested measures may face public resistance")
			}
			if support, ok := sentiment["support_rate"].(float64); ok && support < 0.6 {
				out = append(out, "social: projected public support is below comfort")
			}
		case "operational":
			if card.DurationMonths > 24 && len(card.KeyMeasures) > 5 {
				out = append(out, "operational: delivery complexity spans multiple agencies")
			}
		}
	}
	return out
}

func (d *Department) recommendations(stance string) []string {
	switch stance {
	case domain.StanceOppose:
		return []string{fmt.Sprintf("rework the proposal to satisfy %s constraints", d.Dept.FeasibilityAspect)}
	case domain.StanceConditional:
		return []string{fmt.Sprintf("proceed once %s safeguards are in place", d.Dept.RiskCategory)}
	default:
		return []string{"proceed as drafted"}
	}
}

// revise issues the round's memo. A yielding department drops the disputed
// topic, moves one step toward support and gains a little confidence; a
// counterpart reissues with a smaller confidence bump.
func (d *Department) revise(a *Actor, obs Observation) (*Output, error) {
	var prev *domain.Memo
	for i := range obs.Memos {
		if obs.Memos[i].Department == d.Dept.Code {
			prev = &obs.Memos[i]
		}
	}
	if prev == nil {
		return nil, fmt.Errorf("no prior memo for %s", d.Dept.Code)
	}

	memo := *prev
	memo.Round = obs.Round
	memo.CreatedAt = obs.Timestamp
	memo.Concerns = append([]string(nil), prev.Concerns...)

	for _, c := range obs.Concessions {
		switch d.Dept.Code {
		case c.Yielding:
			kept := memo.Concerns[:0]
			for _, concern := range memo.Concerns {
				if negotiate.ConcernTopic(concern) != c.Topic {
					kept = append(kept, concern)
				}
			}
			memo.Concerns = kept
			switch memo.Stance {
			case domain.StanceOppose:
				memo.Stance = domain.StanceConditional
			case domain.StanceConditional:
				memo.Stance = domain.StanceSupport
			}
			memo.Confidence = round2(clamp(memo.Confidence+0.05, 0.3, 0.95))
			memo.Rationale = fmt.Sprintf("%s yields on %s in round %d", d.Dept.Name, c.Topic, obs.Round)
			a.send(mailbox.Message{
				To:    c.Counterpart,
				Kind:  mailbox.KindAgreement,
				Body:  fmt.Sprintf("%s accepts the round %d concession on %s", d.Dept.Code, obs.Round, c.Topic),
				Round: obs.Round,
			})
		case c.Counterpart:
			memo.Confidence = round2(clamp(memo.Confidence+0.02, 0.3, 0.95))
			a.send(mailbox.Message{
				To:    c.Yielding,
				Kind:  mailbox.KindResponse,
				Body:  fmt.Sprintf("%s acknowledges the concession on %s", d.Dept.Code, c.Topic),
				Round: obs.Round,
			})
		}
	}
	if len(memo.Concerns) == 0 {
		memo.Concerns = nil
	}
	return &Output{Memo: &memo}, nil
}

// Coordinator is the secretariat: it drafts the policy card at intake,
// aggregates disputes, organizes concession rounds and writes the
// execution plan.
type Coordinator struct {
	Departments []config.Department
}

func (c *Coordinator) Think(obs Observation) string {
	return fmt.Sprintf("secretariat handling %s", obs.Stage)
}

func (c *Coordinator) Plan(obs Observation) []string {
	switch obs.Stage {
	case domain.StageIntakeIssue:
		return []string{"draft policy card"}
	case domain.StageDisputeAggregation:
		return []string{"compare memos", "register disputes", "notify departments"}
	case domain.StageNegotiationRounds:
		return []string{"rank disputes", "propose concessions"}
	case domain.StageExecutionPlanning:
		return []string{"analyze stakeholder impact", "assemble execution plan"}
	default:
		return nil
	}
}

func (c *Coordinator) Act(ctx context.Context, a *Actor, obs Observation) (*Output, error) {
	switch obs.Stage {
	case domain.StageIntakeIssue:
		card := c.draftCard(obs.Issue)
		return &Output{Card: &card}, nil
	case domain.StageDisputeAggregation:
		disputes := negotiate.Detect(obs.Memos, obs.Disputes)
		for _, d := range disputes {
			if d.Status != domain.DisputeOpen {
				continue
			}
			for _, dept := range d.Departments {
				a.send(mailbox.Message{
					To:   dept,
					Kind: mailbox.KindRequest,
					Body: fmt.Sprintf("dispute %s on %s registered, prepare to negotiate", d.ID, d.Topic),
				})
			}
		}
		return &Output{Disputes: disputes}, nil
	case domain.StageNegotiationRounds:
		concessions := negotiate.PlanConcessions(obs.Round, obs.Disputes, obs.Memos)
		for _, con := range concessions {
			a.send(mailbox.Message{
				To:    con.Yielding,
				Kind:  mailbox.KindProposal,
				Body:  fmt.Sprintf("yield on %s to %s this round", con.Topic, con.Counterpart),
				Round: obs.Round,
			})
		}
		return &Output{Concessions: concessions}, nil
	case domain.StageExecutionPlanning:
		engage, err := a.call(tools.StakeholderAnalysis, tools.Request{Card: obs.Card, StakeholderType: "citizens"})
		if err != nil {
			return nil, err
		}
		plan := c.draftPlan(obs, engage)
		return &Output{Plan: &plan}, nil
	default:
		return nil, fmt.Errorf("coordinator has no duty at stage %s", obs.Stage)
	}
}

// draftCard turns an issue into the structured proposal. The numbers scale
// with urgency so downstream analysis differs across issues without any
// randomness.
func (c *Coordinator) draftCard(issue domain.Issue) domain.PolicyCard {
	rank := urgencyRank(issue.Urgency)

	budgets := map[int]float64{1: 5e8, 2: 1.2e9, 3: 2.4e9, 4: 6e9}
	durations := map[int]int{1: 18, 2: 24, 3: 36, 4: 48}

	measures := []string{"establish an interagency oversight committee"}
	for _, sector := range issue.Sectors {
		measures = append(measures, fmt.Sprintf("coordinate %s delivery workstream", sector))
	}
	measures = append(measures, "publish quarterly progress reporting")

	var risks []string
	if rank >= 2 {
		risks = append(risks, "budget pressure")
	}
	if rank >= 3 {
		risks = append(risks, "compressed timeline")
	}
	if rank >= 4 {
		risks = append(risks, "public scrutiny")
	}

	return domain.PolicyCard{
		Title:              "Policy response: " + issue.Title,
		Summary:            issue.Description,
		EstimatedBudget:    budgets[rank],
		DurationMonths:     durations[rank],
		AffectedPopulation: 500000 * rank,
		KeyMeasures:        measures,
		RiskFactors:        risks,
	}
}

func (c *Coordinator) draftPlan(obs Observation, engage tools.Result) domain.ExecutionPlan {
	plan := domain.ExecutionPlan{CreatedAt: obs.Timestamp}
	plan.Steps = append(plan.Steps, domain.PlanStep{
		Owner:          CoordinatorID,
		Action:         "publish the final ruling and notify departments",
		DeadlineOffset: 7,
	})

	codes := make([]string, 0, len(c.Departments))
	for _, d := range c.Departments {
		codes = append(codes, d.Code)
	}
	sort.Strings(codes)

	offset := 30
	for i, measure := range obs.Card.KeyMeasures {
		owner := CoordinatorID
		if len(codes) > 0 {
			owner = codes[i%len(codes)]
		}
		plan.Steps = append(plan.Steps, domain.PlanStep{
			Owner:          owner,
			Action:         "implement: " + measure,
			DeadlineOffset: offset,
		})
		offset += 30
	}

	for _, g := range obs.GateResults {
		for _, cond := range g.Conditions {
			owner := "legal"
			if g.Gate == domain.GateFiscal {
				owner = "finance"
			}
			plan.Steps = append(plan.Steps, domain.PlanStep{
				Owner:          owner,
				Action:         "satisfy condition: " + cond,
				DeadlineOffset: offset,
			})
		}
	}
	if concerns, ok := engage["concerns"].([]string); ok && len(concerns) > 0 {
		plan.Steps = append(plan.Steps, domain.PlanStep{
			Owner:          CoordinatorID,
			Action:         "run a citizen engagement programme addressing " + strings.Join(concerns, " and "),
			DeadlineOffset: offset,
		})
	}
	plan.Steps = append(plan.Steps, domain.PlanStep{
		Owner:          CoordinatorID,
		Action:         "close out delivery and archive the run record",
		DeadlineOffset: offset + 30,
	})
	return plan
}

// Decider issues the final ruling from the gate results and the state of
// the negotiation. A failed gate always yields a rejection.
type Decider struct{}

func (Decider) Think(obs Observation) string {
	return fmt.Sprintf("weighing %d gate results and %d memos", len(obs.GateResults), len(obs.Memos))
}

func (Decider) Plan(obs Observation) []string {
	return []string{"review gates", "issue ruling"}
}

func (Decider) Act(ctx context.Context, a *Actor, obs Observation) (*Output, error) {
	approved := len(obs.GateResults) > 0
	var failed, conditions []string
	for _, g := range obs.GateResults {
		if g.Verdict == domain.VerdictFail {
			approved = false
			failed = append(failed, g.Gate)
		}
		conditions = append(conditions, g.Conditions...)
	}

	// The ruling must own its caveats: departments that never answered and
	// disputes that hit the round limit are named in the rationale itself.
	var absent []string
	for _, m := range obs.Memos {
		if m.Unavailable {
			absent = append(absent, m.Department)
		}
	}
	var deadlocked []string
	for _, dp := range obs.Disputes {
		if dp.Status == domain.DisputeUnresolvedAtLimit {
			deadlocked = append(deadlocked, dp.Topic)
		}
	}

	d := domain.Decision{
		Approved:   approved,
		Conditions: conditions,
		CreatedAt:  obs.Timestamp,
	}
	if approved {
		d.PolicyText = fmt.Sprintf("Adopt %q with the attached conditions.", obs.Card.Title)
		if len(deadlocked) > 0 {
			d.Rationale = fmt.Sprintf("both review gates cleared; disputes over %s stayed unresolved at the round limit", strings.Join(deadlocked, ", "))
		} else {
			d.Rationale = "both review gates cleared and departmental positions converged sufficiently"
		}
		d.NextSteps = []string{"draft the execution plan", "notify departments of adoption"}
	} else {
		d.PolicyText = fmt.Sprintf("Reject %q in its current form.", obs.Card.Title)
		if len(failed) > 0 {
			d.Rationale = fmt.Sprintf("gate review failed: %s", strings.Join(failed, ", "))
		} else {
			d.Rationale = "no gate review results were available"
		}
		if len(deadlocked) > 0 {
			d.Rationale += fmt.Sprintf("; disputes over %s stayed unresolved at the round limit", strings.Join(deadlocked, ", "))
		}
		d.NextSteps = []string{"return the proposal to the sponsoring departments for rework"}
	}
	if len(absent) > 0 {
		d.Rationale += fmt.Sprintf("; ruled without input from %s (unavailable)", strings.Join(absent, ", "))
	}
	return &Output{Decision: &d}, nil
}

// GateDuty wraps a gate evaluation as an actor turn so the legal and
// finance actors sit the review themselves.
type GateDuty struct {
	Gate string
}

func (g GateDuty) Think(obs Observation) string {
	return fmt.Sprintf("%s gate review of %q", g.Gate, obs.Card.Title)
}

func (g GateDuty) Plan(obs Observation) []string {
	return []string{"evaluate " + g.Gate + " gate"}
}

func (g GateDuty) Act(ctx context.Context, a *Actor, obs Observation) (*Output, error) {
	in := gate.Input{
		Card:          obs.Card,
		Memos:         obs.Memos,
		Disputes:      obs.Disputes,
		BudgetCeiling: obs.BudgetCeiling,
		LegalFindings: obs.LegalFindings,
	}
	var res domain.GateResult
	if g.Gate == domain.GateFiscal {
		res = gate.Fiscal(in)
	} else {
		res = gate.Legal(in)
	}
	res.CreatedAt = obs.Timestamp
	return &Output{Gate: &res}, nil
}
