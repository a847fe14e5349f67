package gate

import (
	"fmt"

	"shadowgate/domain/core"
	"shadowgate/domain/window"
)

// Direction states which way a gate metric is good.
type Direction string

const (
	HigherIsBetter Direction = "higher_is_better"
	LowerIsBetter  Direction = "lower_is_better"
)

// Gate names. Each is an independent pass/fail criterion.
const (
	GateScoreImprovement = "score_improvement"
	GateCalibration      = "calibration_non_degradation"
	GateConfidenceGap    = "confidence_gap"
	GateConsistency      = "consistency"
)

// Evaluation is one named criterion's result for one assessment run.
type Evaluation struct {
	Name        string    `json:"name"`
	MetricValue float64   `json:"metric_value"`
	Threshold   float64   `json:"threshold"`
	Direction   Direction `json:"direction"`
	Pass        bool      `json:"pass"`
	Detail      string    `json:"detail,omitempty"`
}

// Report aggregates every gate evaluation plus the overall verdict: the
// logical AND of all of them. BlockingFactors lists the failing gate
// names for operator triage.
type Report struct {
	GeneratedAt     core.Timestamp `json:"generated_at"`
	Evaluations     []Evaluation   `json:"evaluations"`
	Ready           bool           `json:"ready"`
	BlockingFactors []string       `json:"blocking_factors"`
}

// Thresholds configures the four gates and their window requirements.
type Thresholds struct {
	ScoreImprovementPct       float64 `yaml:"score_improvement_pct"` // candidate must beat baseline by this much
	ScoreWindowDays           int     `yaml:"score_window_days"`
	ScoreMinDays              int     `yaml:"score_min_days"`
	CalibrationTolerancePct   float64 `yaml:"calibration_tolerance_pct"` // change must stay at or below this
	CalibrationWindowDays     int     `yaml:"calibration_window_days"`
	CalibrationMinDays        int     `yaml:"calibration_min_days"`
	ConfidenceGapTolerancePct float64 `yaml:"confidence_gap_tolerance_pct"`
	ConsistencyStreakDays     int     `yaml:"consistency_streak_days"`
	ShadowWindowDays          int     `yaml:"shadow_window_days"`
	ShadowMinDays             int     `yaml:"shadow_min_days"`
}

// DefaultThresholds mirrors the production gate: 2% Brier improvement
// over 60 days, no calibration degradation over 20 days, confidence gap
// within a 1% tolerance, and a 5-day not-worse streak over the 10-day
// shadow window.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ScoreImprovementPct:       2.0,
		ScoreWindowDays:           60,
		ScoreMinDays:              20,
		CalibrationTolerancePct:   0.0,
		CalibrationWindowDays:     20,
		CalibrationMinDays:        10,
		ConfidenceGapTolerancePct: 1.0,
		ConsistencyStreakDays:     5,
		ShadowWindowDays:          10,
		ShadowMinDays:             10,
	}
}

// Windows carries the rolling windows each gate reads. All three may be
// views over the same decision log snapshot.
type Windows struct {
	Score       *window.Window // long window for the aggregate score gate
	Calibration *window.Window // mid window for the calibration gate
	Shadow      *window.Window // short window for gap + consistency gates
}

// Gate evaluates the rollout criteria.
type Gate struct {
	th Thresholds
}

// New creates a gate with the given thresholds.
func New(th Thresholds) *Gate {
	return &Gate{th: th}
}

// Thresholds returns the configured thresholds.
func (g *Gate) Thresholds() Thresholds {
	return g.th
}

// Evaluate runs all four gates over the snapshot windows. The verdict is
// the AND of the individual evaluations; a window with too little data
// fails its gate rather than passing by default.
func (g *Gate) Evaluate(w Windows) Report {
	report := Report{GeneratedAt: core.Now()}

	report.add(g.scoreImprovement(w.Score))
	report.add(g.calibration(w.Calibration))
	report.add(g.confidenceGap(w.Shadow))
	report.add(g.consistency(w.Shadow))

	report.Ready = true
	for _, ev := range report.Evaluations {
		if !ev.Pass {
			report.Ready = false
			report.BlockingFactors = append(report.BlockingFactors, ev.Name)
		}
	}
	return report
}

func (r *Report) add(ev Evaluation) {
	r.Evaluations = append(r.Evaluations, ev)
}

func (g *Gate) scoreImprovement(w *window.Window) Evaluation {
	ev := Evaluation{
		Name:      GateScoreImprovement,
		Threshold: g.th.ScoreImprovementPct,
		Direction: HigherIsBetter,
	}
	if w.Len() < g.th.ScoreMinDays {
		ev.Detail = fmt.Sprintf("insufficient data: %d/%d days", w.Len(), g.th.ScoreMinDays)
		return ev
	}
	ev.MetricValue = w.BrierImprovementPct()
	ev.Pass = ev.MetricValue >= ev.Threshold
	ev.Detail = fmt.Sprintf("baseline brier %.4f, candidate brier %.4f over %d days",
		w.BaselineBrier(), w.CandidateBrier(), w.Len())
	return ev
}

func (g *Gate) calibration(w *window.Window) Evaluation {
	ev := Evaluation{
		Name:      GateCalibration,
		Threshold: g.th.CalibrationTolerancePct,
		Direction: LowerIsBetter,
	}
	if w.Len() < g.th.CalibrationMinDays {
		ev.Detail = fmt.Sprintf("insufficient data: %d/%d days", w.Len(), g.th.CalibrationMinDays)
		return ev
	}
	base := w.BaselineCalibrationError()
	cand := w.CandidateCalibrationError()
	ev.MetricValue = relativeDegradationPct(base, cand)
	ev.Pass = ev.MetricValue <= ev.Threshold
	ev.Detail = fmt.Sprintf("baseline ece %.4f, candidate ece %.4f over %d days", base, cand, w.Len())
	return ev
}

func (g *Gate) confidenceGap(w *window.Window) Evaluation {
	ev := Evaluation{
		Name:      GateConfidenceGap,
		Threshold: g.th.ConfidenceGapTolerancePct,
		Direction: LowerIsBetter,
	}
	if w.Len() < g.th.ShadowMinDays {
		ev.Detail = fmt.Sprintf("insufficient data: %d/%d days", w.Len(), g.th.ShadowMinDays)
		return ev
	}
	base := w.MeanBaselineDivergence()
	cand := w.MeanCandidateDivergence()
	ev.MetricValue = relativeDegradationPct(base, cand)
	ev.Pass = ev.MetricValue <= ev.Threshold
	ev.Detail = fmt.Sprintf("baseline gap %.4f, candidate gap %.4f over %d days", base, cand, w.Len())
	return ev
}

// relativeDegradationPct is the candidate's change against the baseline
// in percent, positive meaning worse. A zero baseline has no finite
// relative form; any candidate error against it counts as full
// degradation so a perfect baseline can never be quietly regressed.
func relativeDegradationPct(base, cand float64) float64 {
	if base > 0 {
		return (cand - base) / base * 100
	}
	if cand > base {
		return 100
	}
	return 0
}

func (g *Gate) consistency(w *window.Window) Evaluation {
	ev := Evaluation{
		Name:      GateConsistency,
		Threshold: float64(g.th.ConsistencyStreakDays),
		Direction: HigherIsBetter,
	}
	if w.Len() < g.th.ShadowMinDays {
		ev.Detail = fmt.Sprintf("insufficient data: %d/%d days", w.Len(), g.th.ShadowMinDays)
		return ev
	}
	streak := w.NotWorseStreak()
	ev.MetricValue = float64(streak)
	ev.Pass = streak >= g.th.ConsistencyStreakDays
	ev.Detail = fmt.Sprintf("candidate not worse for %d consecutive days", streak)
	return ev
}
