package domain

import "sort"

// Stage is one of the eight ordered phases of a decision run.
type Stage string

const (
	StageIntakeIssue        Stage = "intake_issue"
	StageDepartmentMemos    Stage = "department_memos"
	StageDisputeAggregation Stage = "dispute_aggregation"
	StageNegotiationRounds  Stage = "negotiation_rounds"
	StageLegalGate          Stage = "legal_gate"
	StageFiscalGate         Stage = "fiscal_gate"
	StageFinalRuling        Stage = "final_ruling"
	StageExecutionPlanning  Stage = "execution_planning"
)

// StageOrder is the fixed total order of stages.
var StageOrder = []Stage{
	StageIntakeIssue,
	StageDepartmentMemos,
	StageDisputeAggregation,
	StageNegotiationRounds,
	StageLegalGate,
	StageFiscalGate,
	StageFinalRuling,
	StageExecutionPlanning,
}

// Index returns the stage's position in the total order, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Before reports whether s precedes other in the total order.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Memo stances.
const (
	StanceSupport     = "support"
	StanceOppose      = "oppose"
	StanceConditional = "conditional"
)

// Dispute statuses.
const (
	DisputeOpen              = "open"
	DisputeResolving         = "resolving"
	DisputeResolved          = "resolved"
	DisputeUnresolvedAtLimit = "unresolved_at_limit"
)

// Dispute severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Gate names and verdicts.
const (
	GateLegal  = "legal"
	GateFiscal = "fiscal"

	VerdictPass            = "pass"
	VerdictFail            = "fail"
	VerdictConditionalPass = "conditional_pass"
)

// Issue is an immutable policy question loaded from the catalog.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Background  string   `json:"background,omitempty"`
	Urgency     string   `json:"urgency" enum:"low,medium,high,critical"`
	Sectors     []string `json:"sectors"`
}

// PolicyCard is the structured proposal derived from an issue at intake.
type PolicyCard struct {
	Title              string   `json:"title"`
	Summary            string   `json:"summary"`
	EstimatedBudget    float64  `json:"estimated_budget"`
	DurationMonths     int      `json:"duration_months"`
	AffectedPopulation int      `json:"affected_population"`
	KeyMeasures        []string `json:"key_measures"`
	RiskFactors        []string `json:"risk_factors"`
}

// Memo is a department's immutable position statement. A revised memo is a
// new instance; Round is 0 for the initial memo.
type Memo struct {
	Department      string   `json:"department"`
	Stance          string   `json:"stance" enum:"support,oppose,conditional"`
	Rationale       string   `json:"rationale"`
	Concerns        []string `json:"concerns,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Confidence      float64  `json:"confidence"`
	Round           int      `json:"round"`
	Unavailable     bool     `json:"unavailable,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// Dispute is a detected disagreement between departments on one topic.
type Dispute struct {
	ID          string            `json:"id"`
	Departments []string          `json:"departments"`
	Topic       string            `json:"topic"`
	Positions   map[string]string `json:"positions,omitempty"`
	Severity    string            `json:"severity" enum:"low,medium,high"`
	Status      string            `json:"status" enum:"open,resolving,resolved,unresolved_at_limit"`
	Resolution  string            `json:"resolution,omitempty"`
}

// NegotiationRound records one completed round of the negotiation sub-loop.
type NegotiationRound struct {
	Round            int      `json:"round"`
	Memos            []Memo   `json:"memos"`
	ResolvedDisputes []string `json:"resolved_disputes,omitempty"`
	OpenDisputes     []string `json:"open_disputes,omitempty"`
	ConvergenceScore float64  `json:"convergence_score"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

// GateResult is one gate evaluation. Re-runs append new results; prior
// results are retained for audit.
type GateResult struct {
	Gate            string   `json:"gate" enum:"legal,fiscal"`
	Verdict         string   `json:"verdict" enum:"pass,fail,conditional_pass"`
	Findings        []string `json:"findings,omitempty"`
	Conditions      []string `json:"conditions,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// Decision is the final ruling, created at most once per run.
type Decision struct {
	Approved   bool     `json:"approved"`
	PolicyText string   `json:"policy_text"`
	Rationale  string   `json:"rationale"`
	Conditions []string `json:"conditions,omitempty"`
	NextSteps  []string `json:"next_steps,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

// PlanStep is one ordered step of an execution plan.
type PlanStep struct {
	Owner          string `json:"owner"`
	Action         string `json:"action"`
	DeadlineOffset int    `json:"deadline_offset_days"`
}

// ExecutionPlan exists iff the decision is approved.
type ExecutionPlan struct {
	Steps     []PlanStep `json:"steps"`
	CreatedAt string     `json:"created_at" format:"date-time"`
}

// Event is one immutable entry on a run's event stream. Seq is the total
// order within the run.
type Event struct {
	Seq     int64          `json:"seq"`
	RunID   string         `json:"run_id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	Stage   Stage          `json:"stage,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Event types.
const (
	EventStageChange       = "stage_change"
	EventPolicyCardCreated = "policy_card_created"
	EventMemoReady         = "memo_ready"
	EventDisputeUpdate     = "dispute_update"
	EventNegotiationRound  = "negotiation_round"
	EventToolCall          = "tool_call"
	EventGateResult        = "gate_result"
	EventDecision          = "decision"
	EventArtifactCreated   = "artifact_created"
	EventCompleted         = "completed"
	EventError             = "error"
)

// Artifact describes a named read-only blob attached to a run.
type Artifact struct {
	RunID     string `json:"run_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RunConfig is the per-run configuration validated at creation.
type RunConfig struct {
	MaxRounds            int     `json:"max_rounds"`
	ConvergenceThreshold float64 `json:"convergence_threshold"`
	Model                string  `json:"model,omitempty"`
	Temperature          float64 `json:"temperature"`
	EnableSearch         bool    `json:"enable_search"`
	EnableSentiment      bool    `json:"enable_sentiment"`
}

// Run is one simulation instance.
type Run struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Status    string    `json:"status" enum:"running,completed,failed,cancelled"`
	Stage     Stage     `json:"stage"`
	Config    RunConfig `json:"config"`
	Error     string    `json:"error,omitempty"`
	CreatedAt string    `json:"created_at" format:"date-time"`
	UpdatedAt string    `json:"updated_at" format:"date-time"`
}

// RunState is the full readable snapshot of a run, persisted after every
// event append so a fatal stop never leaves a half-written record.
type RunState struct {
	Run          Run                `json:"run"`
	Issue        Issue              `json:"issue"`
	PolicyCard   *PolicyCard        `json:"policy_card,omitempty"`
	Memos        []Memo             `json:"memos,omitempty"`
	Disputes     []Dispute          `json:"disputes,omitempty"`
	Rounds       []NegotiationRound `json:"rounds,omitempty"`
	GateResults  []GateResult       `json:"gate_results,omitempty"`
	Decision     *Decision          `json:"decision,omitempty"`
	Plan         *ExecutionPlan     `json:"plan,omitempty"`
	Unavailable  []string           `json:"unavailable_departments,omitempty"`
	ArtifactList []Artifact         `json:"artifacts,omitempty"`
}

// LatestMemos returns the most recent memo per department, sorted by
// department code so callers never depend on completion order.
func LatestMemos(memos []Memo) []Memo {
	latest := map[string]Memo{}
	for _, m := range memos {
		cur, ok := latest[m.Department]
		if !ok || m.Round >= cur.Round {
			latest[m.Department] = m
		}
	}
	out := make([]Memo, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Department < out[j].Department })
	return out
}
