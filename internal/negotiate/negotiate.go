// Package negotiate holds the deterministic dispute and convergence rules
// used by the negotiation sub-loop. Everything here is a pure function of
// its inputs, which is what makes replayed runs reproducible.
package negotiate

import (
	"fmt"
	"sort"
	"strings"

	"cabinet/internal/domain"
)

// severityRank orders severities for concession scheduling. A dispute
// becomes eligible for resolution in the first round >= its rank.
var severityRank = map[string]int{
	domain.SeverityLow:    1,
	domain.SeverityMedium: 2,
	domain.SeverityHigh:   3,
}

// SeverityRank returns the round at which a dispute of the given severity
// becomes resolvable. Unknown severities rank highest.
func SeverityRank(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return 3
}

// ConcernTopic extracts the topic prefix of a concern written in the
// "topic: detail" convention. Concerns without a prefix map to "".
func ConcernTopic(concern string) string {
	i := strings.Index(concern, ":")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(concern[:i])
}

func memoTopics(m domain.Memo) map[string]bool {
	topics := map[string]bool{}
	for _, c := range m.Concerns {
		if t := ConcernTopic(c); t != "" {
			topics[t] = true
		}
	}
	return topics
}

// pairSeverity derives dispute severity from the two stances in conflict.
func pairSeverity(a, b string) string {
	stances := a + "/" + b
	if a > b {
		stances = b + "/" + a
	}
	switch stances {
	case domain.StanceOppose + "/" + domain.StanceSupport:
		return domain.SeverityHigh
	case domain.StanceConditional + "/" + domain.StanceOppose:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func disputeID(topic, deptA, deptB string) string {
	if deptA > deptB {
		deptA, deptB = deptB, deptA
	}
	return fmt.Sprintf("d-%s-%s-%s", topic, deptA, deptB)
}

// Detect compares the latest memos pairwise and returns the dispute set,
// merged with existing disputes so re-detection never duplicates. A dispute
// exists where two departments share a concern topic but hold different
// stances. Existing disputes keep their id, severity and status; a dispute
// whose conflict has evaporated from the memos stays as recorded (its
// resolution is decided by the round loop, not by silence).
func Detect(memos []domain.Memo, existing []domain.Dispute) []domain.Dispute {
	byID := map[string]domain.Dispute{}
	order := make([]string, 0, len(existing))
	for _, d := range existing {
		byID[d.ID] = d
		order = append(order, d.ID)
	}

	sorted := make([]domain.Memo, len(memos))
	copy(sorted, memos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Department < sorted[j].Department })

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if a.Unavailable || b.Unavailable || a.Stance == b.Stance {
				continue
			}
			shared := memoTopics(a)
			for topic := range memoTopics(b) {
				if !shared[topic] {
					continue
				}
				id := disputeID(topic, a.Department, b.Department)
				if _, ok := byID[id]; ok {
					continue
				}
				byID[id] = domain.Dispute{
					ID:          id,
					Departments: []string{a.Department, b.Department},
					Topic:       topic,
					Positions:   map[string]string{a.Department: a.Stance, b.Department: b.Stance},
					Severity:    pairSeverity(a.Stance, b.Stance),
					Status:      domain.DisputeOpen,
				}
				order = append(order, id)
			}
		}
	}

	out := make([]domain.Dispute, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	// stable order for topic ties across detection calls
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Score computes the convergence score in [0,1] from the dispute ledger and
// the latest memos. Weights: dispute resolution 0.5, stance alignment 0.3,
// mean confidence 0.2. More open disputes always means a lower score.
func Score(disputes []domain.Dispute, memos []domain.Memo) float64 {
	resolution := 1.0
	if len(disputes) > 0 {
		resolved := 0
		for _, d := range disputes {
			if d.Status == domain.DisputeResolved {
				resolved++
			}
		}
		resolution = float64(resolved) / float64(len(disputes))
	}

	available := make([]domain.Memo, 0, len(memos))
	for _, m := range memos {
		if !m.Unavailable {
			available = append(available, m)
		}
	}

	alignment := 1.0
	if len(available) >= 2 {
		agree, pairs := 0, 0
		for i := 0; i < len(available); i++ {
			for j := i + 1; j < len(available); j++ {
				pairs++
				if available[i].Stance == available[j].Stance {
					agree++
				}
			}
		}
		alignment = float64(agree) / float64(pairs)
	}

	confidence := 0.0
	if len(available) > 0 {
		sum := 0.0
		for _, m := range available {
			sum += m.Confidence
		}
		confidence = sum / float64(len(available))
		if confidence > 1 {
			confidence = 1
		}
		if confidence < 0 {
			confidence = 0
		}
	}

	return 0.5*resolution + 0.3*alignment + 0.2*confidence
}

// Converged reports whether the loop may exit: every dispute settled, or
// the score has reached the floor implied by the configured threshold.
func Converged(score, threshold float64, disputes []domain.Dispute) bool {
	open := 0
	for _, d := range disputes {
		if d.Status == domain.DisputeOpen || d.Status == domain.DisputeResolving {
			open++
		}
	}
	if open == 0 {
		return true
	}
	return score >= 1.0-threshold
}

// Concession directs one department to yield on one dispute this round.
type Concession struct {
	DisputeID   string `json:"dispute_id"`
	Topic       string `json:"topic"`
	Yielding    string `json:"yielding"`
	Counterpart string `json:"counterpart"`
}

// PlanConcessions selects the disputes eligible this round and picks the
// yielding side: the department with the lower confidence in its latest
// memo, ties broken by department code. Deterministic given its inputs.
func PlanConcessions(round int, disputes []domain.Dispute, memos []domain.Memo) []Concession {
	conf := map[string]float64{}
	for _, m := range memos {
		conf[m.Department] = m.Confidence
	}

	var out []Concession
	for _, d := range disputes {
		if d.Status != domain.DisputeOpen || SeverityRank(d.Severity) > round || len(d.Departments) != 2 {
			continue
		}
		a, b := d.Departments[0], d.Departments[1]
		if a > b {
			a, b = b, a
		}
		yielding, counterpart := a, b
		if conf[b] < conf[a] {
			yielding, counterpart = b, a
		}
		out = append(out, Concession{
			DisputeID:   d.ID,
			Topic:       d.Topic,
			Yielding:    yielding,
			Counterpart: counterpart,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisputeID < out[j].DisputeID })
	return out
}

// MarkResolving flags the disputes named by the concessions as in-progress
// for the current round.
func MarkResolving(disputes []domain.Dispute, concessions []Concession) []domain.Dispute {
	planned := map[string]bool{}
	for _, c := range concessions {
		planned[c.DisputeID] = true
	}
	out := make([]domain.Dispute, len(disputes))
	copy(out, disputes)
	for i := range out {
		if planned[out[i].ID] && out[i].Status == domain.DisputeOpen {
			out[i].Status = domain.DisputeResolving
		}
	}
	return out
}

// Settle closes out resolving disputes after a round's revised memos are
// in, recording who yielded. Returns the updated set and the ids resolved.
func Settle(disputes []domain.Dispute, concessions []Concession, round int) ([]domain.Dispute, []string) {
	yieldedBy := map[string]string{}
	for _, c := range concessions {
		yieldedBy[c.DisputeID] = c.Yielding
	}
	out := make([]domain.Dispute, len(disputes))
	copy(out, disputes)
	var resolved []string
	for i := range out {
		if out[i].Status != domain.DisputeResolving {
			continue
		}
		out[i].Status = domain.DisputeResolved
		out[i].Resolution = fmt.Sprintf("%s yielded on %s in round %d", yieldedBy[out[i].ID], out[i].Topic, round)
		resolved = append(resolved, out[i].ID)
	}
	sort.Strings(resolved)
	return out, resolved
}

// CloseAtLimit marks every dispute still unsettled when the round budget
// runs out.
func CloseAtLimit(disputes []domain.Dispute) []domain.Dispute {
	out := make([]domain.Dispute, len(disputes))
	copy(out, disputes)
	for i := range out {
		if out[i].Status == domain.DisputeOpen || out[i].Status == domain.DisputeResolving {
			out[i].Status = domain.DisputeUnresolvedAtLimit
		}
	}
	return out
}

// OpenIDs lists the ids of disputes not yet settled, sorted.
func OpenIDs(disputes []domain.Dispute) []string {
	var ids []string
	for _, d := range disputes {
		if d.Status == domain.DisputeOpen || d.Status == domain.DisputeResolving {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
