package app

import (
	"errors"
	"math"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/domain/guardrail"
	"shadowgate/domain/rules"

	"github.com/rs/zerolog"
)

// PipelineConfig fixes the blend weight and priors per deployment.
type PipelineConfig struct {
	Lambda     float64 `yaml:"lambda" validate:"gt=0,lt=1"`
	AlphaPrior float64 `yaml:"alpha_prior" validate:"gt=0"`
	BetaPrior  float64 `yaml:"beta_prior" validate:"gt=0"`
	ClipLow    float64 `yaml:"clip_low" validate:"gte=0"`
	ClipHigh   float64 `yaml:"clip_high" validate:"lte=1"`
}

// DefaultPipelineConfig mirrors the production deployment: lambda 0.7,
// symmetric (2,2) prior, clip to [0.05, 0.95].
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{Lambda: 0.7, AlphaPrior: 2.0, BetaPrior: 2.0, ClipLow: 0.05, ClipHigh: 0.95}
}

// AdjustInput is everything the pipeline needs beyond the baseline.
// AsOf anchors the rate limit's trailing window; the pipeline never
// reads the wall clock.
type AdjustInput struct {
	AsOf         core.Timestamp
	Hits         int
	Misses       int
	Rules        rules.Context
	RecentDeltas []guardrail.HistoricDelta
}

// Pipeline composes calibration, rule adjustment, and guardrail
// enforcement into one final probability. Adjust is deterministic: the
// same inputs always produce a bit-identical result.
type Pipeline struct {
	cfg      PipelineConfig
	adjuster *rules.Adjuster
	guard    *guardrail.Enforcer
	log      zerolog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(cfg PipelineConfig, adjuster *rules.Adjuster, guard *guardrail.Enforcer, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		adjuster: adjuster,
		guard:    guard,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Adjust runs the blend/adjustment pipeline:
//
//	p_cal   = calibrate(history)            (neutral prior on empty history)
//	p_blend = lambda*baseline + (1-lambda)*p_cal
//	proposed = factor*p_blend + shift       (fired rules)
//	delta   = guardrail-clamped (proposed - p_blend)
//	final   = clip(p_blend + delta, clip_low, clip_high)
//
// A guardrail rejection falls back to the unadjusted blend. A baseline
// outside (0,1) is fatal to the cycle.
func (p *Pipeline) Adjust(baseline float64, in AdjustInput) (*forecast.AdjustmentResult, error) {
	if math.IsNaN(baseline) || baseline <= 0 || baseline >= 1 {
		return nil, core.NewInvalidInputError("baseline_probability", baseline)
	}

	trace := forecast.ExplanationTrace{
		Baseline:    baseline,
		Hits:        in.Hits,
		Misses:      in.Misses,
		BlendLambda: p.cfg.Lambda,
	}

	degraded := false
	pCal, err := forecast.Calibrate(in.Hits, in.Misses, p.cfg.AlphaPrior, p.cfg.BetaPrior)
	if err != nil {
		if !errors.Is(err, core.ErrInsufficientData) {
			return nil, err
		}
		// Empty history: the neutral prior substitutes, the cycle is
		// flagged degraded. The only permitted fallback.
		pCal = forecast.NeutralPrior
		degraded = true
	}
	trace.Calibrated = pCal
	trace.CalibratedLow, trace.CalibratedHigh = forecast.CredibleInterval(in.Hits, in.Misses, p.cfg.AlphaPrior, p.cfg.BetaPrior, 0.90)

	pBlend := p.cfg.Lambda*baseline + (1-p.cfg.Lambda)*pCal
	trace.Blended = pBlend

	effect := p.adjuster.Evaluate(in.Rules)
	trace.RuleFactor = effect.Factor
	trace.RuleShift = effect.Shift
	trace.FiredRules = effect.Fired
	trace.RuleNotes = effect.Notes

	proposed := effect.Factor*pBlend + effect.Shift
	trace.ProposedDelta = proposed - pBlend

	adj, actions, err := p.guard.Clamp(guardrail.Adjustment{ProbDelta: trace.ProposedDelta}, in.AsOf, in.RecentDeltas)
	trace.GuardrailActions = actions
	if err != nil {
		if !core.IsGuardrailRejection(err) {
			return nil, err
		}
		// Whole-adjustment rejection: the cycle rides the unadjusted
		// blend, never a partial application.
		trace.GuardrailRejected = true
		trace.GuardrailRejectedBy = err.Error()
		adj = guardrail.Adjustment{}
		p.log.Warn().Err(err).Float64("blend", pBlend).Msg("adjustment rejected, using unadjusted blend")
	}
	trace.ClampedDelta = adj.ProbDelta
	trace.Proposed = pBlend + adj.ProbDelta

	final := clip(trace.Proposed, p.cfg.ClipLow, p.cfg.ClipHigh)
	trace.Final = final

	p.log.Debug().
		Float64("baseline", baseline).
		Float64("calibrated", pCal).
		Float64("blended", pBlend).
		Float64("final", final).
		Int("fired_rules", len(effect.Fired)).
		Bool("degraded", degraded).
		Msg("adjustment computed")

	return &forecast.AdjustmentResult{
		FinalProbability: final,
		BandWidenPct:     effect.BandWidenPct,
		ConfReductionPct: effect.ConfReductionPct,
		Degraded:         degraded,
		Trace:            trace,
	}, nil
}

// clip bounds p unconditionally; the last line of defense against
// anything leaving (0,1).
func clip(p, lo, hi float64) float64 {
	if math.IsNaN(p) {
		return lo
	}
	if p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}
