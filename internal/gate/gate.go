// Package gate implements the two review gates a proposal must clear
// before the final ruling. Gates only read run state; each evaluation
// produces a fresh GateResult.
package gate

import (
	"fmt"

	"cabinet/internal/domain"
	"cabinet/internal/negotiate"
)

// Input is the read-only slice of run state a gate evaluates.
type Input struct {
	Card          domain.PolicyCard
	Memos         []domain.Memo
	Disputes      []domain.Dispute
	BudgetCeiling float64
	LegalFindings []string
}

func memoFor(memos []domain.Memo, dept string) (domain.Memo, bool) {
	for _, m := range memos {
		if m.Department == dept {
			return m, true
		}
	}
	return domain.Memo{}, false
}

func unsettled(d domain.Dispute) bool {
	return d.Status != domain.DisputeResolved
}

func concernsOnTopic(memos []domain.Memo, topic string) []string {
	var out []string
	for _, m := range memos {
		for _, c := range m.Concerns {
			if negotiate.ConcernTopic(c) == topic {
				out = append(out, fmt.Sprintf("%s: %s", m.Department, c))
			}
		}
	}
	return out
}

// Legal evaluates statutory viability. It fails on opposition from the
// legal department or a high-severity legal dispute left unsettled, and
// passes conditionally while legal concerns remain on the table.
func Legal(in Input) domain.GateResult {
	res := domain.GateResult{Gate: domain.GateLegal, Verdict: domain.VerdictPass}

	if m, ok := memoFor(in.Memos, "legal"); ok && m.Stance == domain.StanceOppose {
		res.Verdict = domain.VerdictFail
		res.Findings = append(res.Findings, "legal department opposes the proposal")
	}
	for _, d := range in.Disputes {
		if d.Topic == "legal" && d.Severity == domain.SeverityHigh && unsettled(d) {
			res.Verdict = domain.VerdictFail
			res.Findings = append(res.Findings,
				fmt.Sprintf("high severity legal dispute %s remains unsettled", d.ID))
		}
	}
	if res.Verdict == domain.VerdictFail {
		res.Recommendations = append(res.Recommendations, "rework the statutory basis before resubmission")
		return res
	}

	if concerns := concernsOnTopic(in.Memos, "legal"); len(concerns) > 0 {
		res.Verdict = domain.VerdictConditionalPass
		res.Findings = append(res.Findings, concerns...)
		res.Conditions = append(res.Conditions, "address outstanding legal concerns before enactment")
	}
	return res
}

// Fiscal evaluates affordability. It runs after the legal gate and sees
// its findings. It fails on a budget above the ceiling or opposition from
// the finance department, and passes conditionally when the budget commits
// more than half the ceiling or financial disputes remain unsettled.
func Fiscal(in Input) domain.GateResult {
	res := domain.GateResult{Gate: domain.GateFiscal, Verdict: domain.VerdictPass}

	if in.Card.EstimatedBudget > in.BudgetCeiling {
		res.Verdict = domain.VerdictFail
		res.Findings = append(res.Findings,
			fmt.Sprintf("estimated budget %.0f exceeds the ceiling %.0f", in.Card.EstimatedBudget, in.BudgetCeiling))
	}
	if m, ok := memoFor(in.Memos, "finance"); ok && m.Stance == domain.StanceOppose {
		res.Verdict = domain.VerdictFail
		res.Findings = append(res.Findings, "finance department opposes the proposal")
	}
	if res.Verdict == domain.VerdictFail {
		res.Recommendations = append(res.Recommendations, "resize the budget envelope before resubmission")
		return res
	}

	if in.Card.EstimatedBudget > in.BudgetCeiling/2 {
		res.Verdict = domain.VerdictConditionalPass
		res.Findings = append(res.Findings, "budget commits over half the available ceiling")
		res.Conditions = append(res.Conditions, "quarterly spend review against the approved envelope")
	}
	for _, d := range in.Disputes {
		if d.Topic == "financial" && unsettled(d) {
			res.Verdict = domain.VerdictConditionalPass
			res.Findings = append(res.Findings,
				fmt.Sprintf("financial dispute %s remains unsettled", d.ID))
			res.Conditions = append(res.Conditions, "reconcile departmental funding positions during rollout")
		}
	}
	for _, f := range in.LegalFindings {
		res.Findings = append(res.Findings, "carried from legal gate: "+f)
	}
	return res
}
