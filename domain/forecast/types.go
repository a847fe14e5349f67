package forecast

import (
	"shadowgate/domain/core"
)

// CyclePhase tracks a forecast cycle from input gathering to its final
// bookkeeping: PENDING while inputs are gathered, CANDIDATE_COMPUTED
// once the pipeline has run, OUTCOME_RECORDED when the realized outcome
// lands, CLOSED once the comparison metrics are in the log.
type CyclePhase string

const (
	PhasePending           CyclePhase = "pending"
	PhaseCandidateComputed CyclePhase = "candidate_computed"
	PhaseOutcomeRecorded   CyclePhase = "outcome_recorded"
	PhaseClosed            CyclePhase = "closed"
)

// ForecastCycle is the shadow runner's in-flight record of one
// evaluation instant. The candidate probability is set exactly once by
// the pipeline; the persisted form is DecisionLogEntry.
type ForecastCycle struct {
	Key                  core.CycleKey  `json:"key"`
	BaselineProbability  float64        `json:"baseline_probability"`
	CandidateProbability *float64       `json:"candidate_probability,omitempty"`
	ActiveRules          []core.RuleID  `json:"active_rules"`
	Phase                CyclePhase     `json:"phase"`
	CreatedAt            core.Timestamp `json:"created_at"`
}

// AdjustmentResult is the output of the blend/adjustment pipeline.
type AdjustmentResult struct {
	FinalProbability float64          `json:"final_probability"`
	BandWidenPct     float64          `json:"band_widen_pct"`
	ConfReductionPct float64          `json:"conf_reduction_pct"`
	Degraded         bool             `json:"degraded"` // neutral prior substituted for empty history
	Trace            ExplanationTrace `json:"explanation_trace"`
}

// ExplanationTrace records every intermediate value of one adjustment.
// Both the rollout gate and human reviewers depend on it; it is never
// optional.
type ExplanationTrace struct {
	Baseline            float64       `json:"baseline"`
	Hits                int           `json:"hits"`
	Misses              int           `json:"misses"`
	Calibrated          float64       `json:"calibrated"`
	CalibratedLow       float64       `json:"calibrated_low"`  // 90% credible interval
	CalibratedHigh      float64       `json:"calibrated_high"` // 90% credible interval
	BlendLambda         float64       `json:"blend_lambda"`
	Blended             float64       `json:"blended"`
	RuleFactor          float64       `json:"rule_factor"`
	RuleShift           float64       `json:"rule_shift"`
	FiredRules          []core.RuleID `json:"fired_rules"`
	RuleNotes           []string      `json:"rule_notes"`
	ProposedDelta       float64       `json:"proposed_delta"`
	ClampedDelta        float64       `json:"clamped_delta"`
	GuardrailActions    []string      `json:"guardrail_actions"`
	GuardrailRejected   bool          `json:"guardrail_rejected"`
	GuardrailRejectedBy string        `json:"guardrail_rejected_by,omitempty"`
	Proposed            float64       `json:"proposed"`
	Final               float64       `json:"final"`
}

// OutcomeObservation is one persisted (predicted, actual) pair from the
// outcome store.
type OutcomeObservation struct {
	Predicted float64        `json:"predicted"`
	Actual    bool           `json:"actual"`
	At        core.Timestamp `json:"at"`
}

// OutcomeRecord completes a decision log entry once the realized outcome
// is known. Set exactly once per cycle.
type OutcomeRecord struct {
	Actual              bool           `json:"actual"`
	BaselineBrier       float64        `json:"baseline_brier"`
	CandidateBrier      float64        `json:"candidate_brier"`
	BaselineHit         bool           `json:"baseline_hit"`
	CandidateHit        bool           `json:"candidate_hit"`
	BaselineDivergence  float64        `json:"baseline_divergence"`
	CandidateDivergence float64        `json:"candidate_divergence"`
	RecordedAt          core.Timestamp `json:"recorded_at"`
}

// DecisionLogEntry is the append-only, immutable persisted form of a
// forecast cycle plus the candidate lifecycle state at the time it was
// written. The gate and governor read nothing else.
type DecisionLogEntry struct {
	Seq                  int64                 `json:"seq"`
	Key                  core.CycleKey         `json:"key"`
	BaselineProbability  float64               `json:"baseline_probability"`
	CandidateProbability float64               `json:"candidate_probability"`
	Result               AdjustmentResult      `json:"result"`
	CandidateState       string                `json:"candidate_state"`
	Fingerprint          core.InputFingerprint `json:"fingerprint"`
	Phase                CyclePhase            `json:"phase"`
	CreatedAt            core.Timestamp        `json:"created_at"`
	Outcome              *OutcomeRecord        `json:"outcome,omitempty"`
}

// Closed reports whether the entry has a recorded outcome.
func (e *DecisionLogEntry) Closed() bool {
	return e.Outcome != nil
}

// BrierScore is the squared error of a probability against a binary
// outcome.
func BrierScore(predicted float64, actual bool) float64 {
	outcome := 0.0
	if actual {
		outcome = 1.0
	}
	diff := predicted - outcome
	return diff * diff
}

// Hit reports whether the directional call implied by the probability
// matched the outcome.
func Hit(predicted float64, actual bool) bool {
	return (predicted > 0.5) == actual
}
