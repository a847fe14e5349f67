package guardrail

import (
	"fmt"
	"math"

	"shadowgate/domain/core"

	"gonum.org/v1/gonum/stat"
)

// Policy holds the guardrail thresholds. Each policy is independently
// togglable. Composition order is fixed: magnitude cap, floor, rate
// limit, then (multi-source only) consensus.
type Policy struct {
	MagnitudeCap struct {
		Enabled bool    `yaml:"enabled"`
		Cap     float64 `yaml:"cap"` // |prob delta| ceiling
	} `yaml:"magnitude_cap"`
	Floor struct {
		Enabled           bool    `yaml:"enabled"`
		MinBaselineWeight float64 `yaml:"min_baseline_weight"`
	} `yaml:"floor"`
	RateLimit struct {
		Enabled    bool    `yaml:"enabled"`
		PerDayCap  float64 `yaml:"per_day_cap"`
		WindowDays int     `yaml:"window_days"`
	} `yaml:"rate_limit"`
	Consensus struct {
		Enabled            bool    `yaml:"enabled"`
		AgreementThreshold float64 `yaml:"agreement_threshold"`
		MaxDispersion      float64 `yaml:"max_dispersion"`
	} `yaml:"consensus"`
}

// DefaultPolicy mirrors the production boundaries: cap 0.30, baseline
// weight floor 0.40, 0.05/day over 7 days, 60% directional consensus.
func DefaultPolicy() Policy {
	var p Policy
	p.MagnitudeCap.Enabled = true
	p.MagnitudeCap.Cap = 0.30
	p.Floor.Enabled = true
	p.Floor.MinBaselineWeight = 0.40
	p.RateLimit.Enabled = true
	p.RateLimit.PerDayCap = 0.05
	p.RateLimit.WindowDays = 7
	p.Consensus.Enabled = true
	p.Consensus.AgreementThreshold = 0.6
	p.Consensus.MaxDispersion = 0.1
	return p
}

// Adjustment is a proposed change: a probability delta against the
// blended forecast and, for multi-source proposals, a shift of the
// baseline component weight.
type Adjustment struct {
	ProbDelta   float64 `json:"prob_delta"`
	WeightDelta float64 `json:"weight_delta"`
}

// HistoricDelta is one past signed adjustment, consulted by the rate
// limit policy.
type HistoricDelta struct {
	At    core.Timestamp `json:"at"`
	Delta float64        `json:"delta"`
}

// Proposal is one source's recommended adjustment for consensus
// admission.
type Proposal struct {
	Source     string     `json:"source"`
	Adjustment Adjustment `json:"adjustment"`
	Confidence float64    `json:"confidence"`
}

// Enforcer validates proposed adjustments. It needs the deployment's
// baseline blend weight to evaluate the floor.
type Enforcer struct {
	policy         Policy
	baselineWeight float64
}

// NewEnforcer builds an enforcer for the given policy and baseline blend
// weight (the pipeline's lambda).
func NewEnforcer(policy Policy, baselineWeight float64) *Enforcer {
	return &Enforcer{policy: policy, baselineWeight: baselineWeight}
}

// Clamp validates one adjustment against cap, floor, and rate limit, in
// that order. asOf anchors the trailing rate limit window, so the same
// inputs always produce the same verdict. The returned actions describe
// every constraint applied. A rate limit breach rejects the whole
// adjustment with ErrGuardrailRejected; the caller falls back to the
// unadjusted blend.
func (e *Enforcer) Clamp(adj Adjustment, asOf core.Timestamp, recent []HistoricDelta) (Adjustment, []string, error) {
	var actions []string

	if e.policy.MagnitudeCap.Enabled {
		limit := e.policy.MagnitudeCap.Cap
		if math.Abs(adj.ProbDelta) > limit {
			clamped := math.Copysign(limit, adj.ProbDelta)
			actions = append(actions, fmt.Sprintf("magnitude cap: delta %.3f clamped to %.3f", adj.ProbDelta, clamped))
			adj.ProbDelta = clamped
		}
	}

	if e.policy.Floor.Enabled {
		minWeight := e.policy.Floor.MinBaselineWeight
		if e.baselineWeight+adj.WeightDelta < minWeight {
			allowed := minWeight - e.baselineWeight // most negative permitted shift
			actions = append(actions, fmt.Sprintf("baseline weight floor: shift %.3f scaled to %.3f (floor %.2f)", adj.WeightDelta, allowed, minWeight))
			adj.WeightDelta = allowed
		}
	}

	if e.policy.RateLimit.Enabled {
		budget := e.policy.PerWindowBudget()
		sum := adj.ProbDelta
		cutoff := asOf.Time().AddDate(0, 0, -e.policy.RateLimit.WindowDays)
		for _, h := range recent {
			if h.At.Time().After(cutoff) {
				sum += h.Delta
			}
		}
		if math.Abs(sum) > budget {
			reason := fmt.Sprintf("trailing %dd adjustment sum %.3f exceeds budget %.3f", e.policy.RateLimit.WindowDays, sum, budget)
			return Adjustment{}, actions, core.NewGuardrailRejection("rate_limit", reason)
		}
	}

	return adj, actions, nil
}

// PerWindowBudget is the rate limit's total signed-adjustment budget.
func (p Policy) PerWindowBudget() float64 {
	return p.RateLimit.PerDayCap * float64(p.RateLimit.WindowDays)
}

// Admit evaluates multi-source proposals for consensus: enough sources
// must agree on direction and the magnitudes must not be dispersed.
// Admission returns the mean adjustment; disagreement returns
// ErrNoConsensus and the caller keeps the unadjusted blend.
func (e *Enforcer) Admit(proposals []Proposal) (Adjustment, error) {
	if !e.policy.Consensus.Enabled {
		return Adjustment{}, fmt.Errorf("consensus policy disabled")
	}
	if len(proposals) < 2 {
		return Adjustment{}, fmt.Errorf("%w: need at least 2 proposals, got %d", core.ErrNoConsensus, len(proposals))
	}

	deltas := make([]float64, len(proposals))
	weights := make([]float64, len(proposals))
	positive := 0
	negative := 0
	for i, p := range proposals {
		deltas[i] = p.Adjustment.ProbDelta
		weights[i] = p.Adjustment.WeightDelta
		if p.Adjustment.ProbDelta >= 0 {
			positive++
		} else {
			negative++
		}
	}

	agreement := float64(max(positive, negative)) / float64(len(proposals))
	if agreement < e.policy.Consensus.AgreementThreshold {
		return Adjustment{}, fmt.Errorf("%w: directional agreement %.2f below %.2f",
			core.ErrNoConsensus, agreement, e.policy.Consensus.AgreementThreshold)
	}

	magnitudes := make([]float64, len(deltas))
	for i, d := range deltas {
		magnitudes[i] = math.Abs(d)
	}
	dispersion := stat.StdDev(magnitudes, nil)
	if dispersion >= e.policy.Consensus.MaxDispersion {
		return Adjustment{}, fmt.Errorf("%w: magnitude dispersion %.3f at or above bound %.3f",
			core.ErrNoConsensus, dispersion, e.policy.Consensus.MaxDispersion)
	}

	return Adjustment{
		ProbDelta:   stat.Mean(deltas, nil),
		WeightDelta: stat.Mean(weights, nil),
	}, nil
}
