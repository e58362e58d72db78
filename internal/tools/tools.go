// Package tools implements the deterministic analysis suite departments
// consult while drafting memos. Every tool is a pure function of its
// request, so repeated runs over the same issue produce identical numbers.
package tools

import (
	"fmt"
	"math"
	"strings"

	"cabinet/internal/domain"
)

// Tool names accepted by Invoke.
const (
	ImpactEstimate      = "impact_estimate"
	SentimentSim        = "sentiment_sim"
	StakeholderAnalysis = "stakeholder_analysis"
	RiskAssessment      = "risk_assessment"
	FeasibilityCheck    = "feasibility_check"
)

// Scenario names for impact_estimate.
const (
	ScenarioBaseline    = "baseline"
	ScenarioOptimistic  = "optimistic"
	ScenarioPessimistic = "pessimistic"
)

// Request carries the inputs a tool may consume. Unused fields are ignored
// by tools that do not need them.
type Request struct {
	Card            domain.PolicyCard `json:"policy_card"`
	Scenario        string            `json:"scenario,omitempty"`
	Context         string            `json:"context,omitempty"`
	StakeholderType string            `json:"stakeholder_type,omitempty"`
	RiskCategory    string            `json:"risk_category,omitempty"`
	Aspect          string            `json:"aspect,omitempty"`
}

// Result is a tool's structured output, stored verbatim on tool_call
// event payloads.
type Result map[string]any

// ExecutionError marks a failed or unknown tool invocation.
type ExecutionError struct {
	Tool   string
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}

// Gateway dispatches tool invocations for one run. Sentiment simulation is
// only offered when the run enables it.
type Gateway struct {
	SentimentEnabled bool
}

func NewGateway(sentimentEnabled bool) *Gateway {
	return &Gateway{SentimentEnabled: sentimentEnabled}
}

func (g *Gateway) Invoke(name string, req Request) (Result, error) {
	switch name {
	case ImpactEstimate:
		return g.impactEstimate(req.Card, req.Scenario), nil
	case SentimentSim:
		if !g.SentimentEnabled {
			return nil, &ExecutionError{Tool: name, Reason: "sentiment simulation disabled for this run"}
		}
		return g.sentimentSim(req.Card, req.Context), nil
	case StakeholderAnalysis:
		return g.stakeholderAnalysis(req.Card, req.StakeholderType), nil
	case RiskAssessment:
		return g.riskAssessment(req.Card, req.RiskCategory), nil
	case FeasibilityCheck:
		return g.feasibilityCheck(req.Card, req.Aspect), nil
	default:
		return nil, &ExecutionError{Tool: name, Reason: "unknown tool"}
	}
}

func (g *Gateway) impactEstimate(card domain.PolicyCard, scenario string) Result {
	multiplier := 1.0
	switch scenario {
	case ScenarioOptimistic:
		multiplier = 1.5
	case ScenarioPessimistic:
		multiplier = 0.6
	}

	budget := card.EstimatedBudget
	gdpDelta := (budget / 1e9) * 0.02 * multiplier
	employmentDelta := int((budget / 1e6) * 5 * multiplier)
	inflationDelta := (budget / 1e10) * 0.001 * multiplier

	return Result{
		"gdp_delta":        round4(gdpDelta),
		"employment_delta": employmentDelta,
		"inflation_delta":  round4(inflationDelta),
		"distributional_notes": fmt.Sprintf(
			"%s scenario: %d directly affected, an estimated %d indirectly affected",
			scenarioOrBaseline(scenario), card.AffectedPopulation, card.AffectedPopulation*3),
	}
}

func (g *Gateway) sentimentSim(card domain.PolicyCard, context string) Result {
	risks := len(card.RiskFactors)
	support := 0.65 - float64(risks)*0.05
	support = math.Max(0.3, math.Min(0.9, support))
	volatility := 0.1 + float64(risks)*0.02

	var concerns []string
	lc := strings.ToLower(context)
	if strings.Contains(lc, "budget") || strings.Contains(lc, "fiscal") {
		concerns = append(concerns, "fiscal burden")
	}
	if strings.Contains(lc, "urgent") || strings.Contains(lc, "deadline") {
		concerns = append(concerns, "delivery timeline")
	}
	if risks > 2 {
		concerns = append(concerns, "policy risk")
	}
	if len(concerns) == 0 {
		concerns = append(concerns, "transparency")
	}

	return Result{
		"support_rate": round2(support),
		"volatility":   round2(volatility),
		"key_concerns": concerns,
	}
}

func (g *Gateway) stakeholderAnalysis(card domain.PolicyCard, stakeholderType string) Result {
	var r Result
	switch stakeholderType {
	case "businesses":
		r = Result{
			"impact_level":     "medium",
			"benefits":         []string{"market opportunity", "policy support"},
			"concerns":         []string{"compliance cost", "shifting competitive landscape"},
			"engagement_level": "medium",
		}
	case "government":
		r = Result{
			"impact_level":     "high",
			"benefits":         []string{"policy objectives delivered", "stronger institutional capacity"},
			"concerns":         []string{"fiscal pressure", "execution difficulty"},
			"engagement_level": "high",
		}
	default:
		stakeholderType = "citizens"
		r = Result{
			"impact_level":     "medium",
			"benefits":         []string{"improved public services", "better living conditions"},
			"concerns":         []string{"possible tax burden", "delivery quality"},
			"engagement_level": "high",
		}
	}
	r["stakeholder_type"] = stakeholderType
	r["affected_population"] = card.AffectedPopulation
	r["policy_title"] = card.Title
	return r
}

func (g *Gateway) riskAssessment(card domain.PolicyCard, category string) Result {
	var r Result
	switch category {
	case "operational":
		r = Result{
			"level":      "medium",
			"risks":      []string{"insufficient delivery capacity", "schedule slippage"},
			"mitigation": []string{"capacity building", "milestone tracking"},
		}
	case "legal":
		r = Result{
			"level":      "low",
			"risks":      []string{"weak statutory basis", "procedural compliance"},
			"mitigation": []string{"strengthen legal grounding", "strict procedure adherence"},
		}
	case "social":
		level := "low"
		if len(card.RiskFactors) > 2 {
			level = "medium"
		}
		r = Result{
			"level":      level,
			"risks":      []string{"public acceptance", "conflicting interests"},
			"mitigation": []string{"communication campaign", "interest balancing"},
		}
	default:
		category = "financial"
		level := "low"
		if card.EstimatedBudget > 1e9 {
			level = "medium"
		}
		r = Result{
			"level":      level,
			"risks":      []string{"budget overrun", "unstable funding"},
			"mitigation": []string{"budget monitoring", "diversified funding sources"},
		}
	}
	r["category"] = category
	r["existing_risk_factors"] = card.RiskFactors
	return r
}

func (g *Gateway) feasibilityCheck(card domain.PolicyCard, aspect string) Result {
	var r Result
	switch aspect {
	case "financial":
		feasible := card.EstimatedBudget <= 5e9
		score, issues := 0.7, []string{}
		if !feasible {
			score, issues = 0.4, []string{"budget scale too large"}
		}
		r = Result{
			"feasible":        feasible,
			"score":           score,
			"issues":          issues,
			"recommendations": []string{"phase the rollout", "seek external funding"},
		}
	case "timeline":
		feasible := card.DurationMonths <= 60
		score, issues := 0.75, []string{}
		if !feasible {
			score, issues = 0.5, []string{"execution window too long"}
		}
		r = Result{
			"feasible":        feasible,
			"score":           score,
			"issues":          issues,
			"recommendations": []string{"tighten the schedule", "critical path management"},
		}
	case "resource":
		feasible := len(card.KeyMeasures) <= 10
		score, issues := 0.7, []string{}
		if !feasible {
			score, issues = 0.5, []string{"too many measures for available resources"}
		}
		r = Result{
			"feasible":        feasible,
			"score":           score,
			"issues":          issues,
			"recommendations": []string{"consolidate resources", "rank by priority"},
		}
	default:
		aspect = "technical"
		r = Result{
			"feasible":        true,
			"score":           0.8,
			"issues":          []string{"requires technical support", "requires specialist staff"},
			"recommendations": []string{"technical design review", "recruitment plan"},
		}
	}
	r["aspect"] = aspect
	return r
}

func scenarioOrBaseline(s string) string {
	if s == "" {
		return ScenarioBaseline
	}
	return s
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
