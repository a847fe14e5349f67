package governor

import (
	"fmt"

	"shadowgate/domain/core"
	"shadowgate/domain/window"
)

// Thresholds configures the auto-mute criteria. A breach of ANY
// threshold mutes the candidate.
type Thresholds struct {
	MinF1                  float64 `yaml:"min_f1"`
	MinDeltaAccuracy       float64 `yaml:"min_delta_accuracy"`
	MaxUsageRate           float64 `yaml:"max_usage_rate"`
	MaxBrierDegradationPct float64 `yaml:"max_brier_degradation_pct"`
	WindowDays             int     `yaml:"window_days"`
	MinDays                int     `yaml:"min_days"`
}

// DefaultThresholds mirrors the production governor: F1 floor 0.65,
// required accuracy edge +0.02, usage ceiling 50%, Brier degradation
// ceiling 2%, over a 10-day window with at least 5 days of data.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinF1:                  0.65,
		MinDeltaAccuracy:       0.02,
		MaxUsageRate:           0.50,
		MaxBrierDegradationPct: 2.0,
		WindowDays:             10,
		MinDays:                5,
	}
}

// Metrics is the snapshot of candidate quality the governor judged.
type Metrics struct {
	F1                  float64 `json:"f1"`
	Precision           float64 `json:"precision"`
	Recall              float64 `json:"recall"`
	UsageRate           float64 `json:"usage_rate"`
	DeltaAccuracy       float64 `json:"delta_accuracy"`
	BrierDegradationPct float64 `json:"brier_degradation_pct"`
	EvaluatedDays       int     `json:"evaluated_days"`
}

// Assessment is the outcome of one governor run.
type Assessment struct {
	ShouldMute bool           `json:"should_mute"`
	Reasons    []string       `json:"reasons"`
	Metrics    Metrics        `json:"metrics"`
	Evaluated  bool           `json:"evaluated"` // false when the window is too thin
	At         core.Timestamp `json:"at"`
}

// MuteEvent records one mute with its acknowledgment state. Un-mute
// needs both a fresh cohort re-pass and the operator acknowledgment.
type MuteEvent struct {
	ID           core.MuteEventID `json:"id"`
	At           core.Timestamp   `json:"at"`
	Reasons      []string         `json:"reasons"`
	Acknowledged bool             `json:"acknowledged"`
	AckAt        *core.Timestamp  `json:"ack_at,omitempty"`
}

// Governor watches the rolling candidate performance window.
type Governor struct {
	th Thresholds
}

// New creates a governor with the given thresholds.
func New(th Thresholds) *Governor {
	return &Governor{th: th}
}

// Thresholds returns the configured thresholds.
func (g *Governor) Thresholds() Thresholds {
	return g.th
}

// Assess evaluates the rolling window against every threshold. A window
// below the minimum day count produces no verdict.
func (g *Governor) Assess(w *window.Window) Assessment {
	a := Assessment{At: core.Now()}
	a.Metrics.EvaluatedDays = w.Len()
	if w.Len() < g.th.MinDays {
		return a
	}
	a.Evaluated = true

	cls := w.Classify()
	a.Metrics.F1 = cls.F1
	a.Metrics.Precision = cls.Precision
	a.Metrics.Recall = cls.Recall
	a.Metrics.UsageRate = cls.UsageRate
	a.Metrics.DeltaAccuracy = w.CandidateHitRate() - w.BaselineHitRate()
	if base := w.BaselineBrier(); base > 0 {
		a.Metrics.BrierDegradationPct = (w.CandidateBrier() - base) / base * 100
	}

	if a.Metrics.F1 < g.th.MinF1 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("F1 %.2f < %.2f", a.Metrics.F1, g.th.MinF1))
	}
	if a.Metrics.DeltaAccuracy < g.th.MinDeltaAccuracy {
		a.Reasons = append(a.Reasons, fmt.Sprintf("delta-accuracy %+.2f < %+.2f", a.Metrics.DeltaAccuracy, g.th.MinDeltaAccuracy))
	}
	if a.Metrics.UsageRate > g.th.MaxUsageRate {
		a.Reasons = append(a.Reasons, fmt.Sprintf("usage-rate %.2f > %.2f", a.Metrics.UsageRate, g.th.MaxUsageRate))
	}
	if a.Metrics.BrierDegradationPct >= g.th.MaxBrierDegradationPct {
		a.Reasons = append(a.Reasons, fmt.Sprintf("Brier degradation %.1f%% >= %.1f%% over %d days",
			a.Metrics.BrierDegradationPct, g.th.MaxBrierDegradationPct, w.Len()))
	}

	a.ShouldMute = len(a.Reasons) > 0
	return a
}

// CanUnmute checks the un-mute preconditions: the mute must be
// acknowledged by an operator AND a fresh cohort -- entries strictly
// after the mute timestamp -- must independently re-pass every
// threshold. Neither alone suffices.
func (g *Governor) CanUnmute(ev *MuteEvent, w *window.Window) (bool, string) {
	if ev == nil {
		return false, "no active mute event"
	}
	if !ev.Acknowledged {
		return false, "operator acknowledgment missing"
	}
	fresh := w.Since(ev.At)
	if fresh.Len() < g.th.MinDays {
		return false, fmt.Sprintf("fresh cohort too thin: %d/%d days after mute", fresh.Len(), g.th.MinDays)
	}
	assessment := g.Assess(fresh)
	if !assessment.Evaluated {
		return false, "fresh cohort not evaluable"
	}
	if assessment.ShouldMute {
		return false, fmt.Sprintf("fresh cohort still failing: %v", assessment.Reasons)
	}
	return true, ""
}
