package rules

import (
	"fmt"
	"math"
	"sort"

	"shadowgate/domain/core"
)

// Effect is the composed result of every fired rule. Composition is
// commutative: factors multiply, shifts and percentages add, so the
// evaluation order of independently-fired rules is never observable.
type Effect struct {
	Factor           float64       `json:"factor"`
	Shift            float64       `json:"shift"`
	BandWidenPct     float64       `json:"band_widen_pct"`
	ConfReductionPct float64       `json:"conf_reduction_pct"`
	Fired            []core.RuleID `json:"fired"`
	Notes            []string      `json:"notes"`
}

// Neutral reports whether no rule contributed any effect.
func (e Effect) Neutral() bool {
	return e.Factor == 1.0 && e.Shift == 0 && e.BandWidenPct == 0 && e.ConfReductionPct == 0
}

// Adjuster evaluates the registry against a cycle context.
type Adjuster struct {
	registry *Registry
}

// NewAdjuster creates an adjuster over a validated registry.
func NewAdjuster(registry *Registry) *Adjuster {
	return &Adjuster{registry: registry}
}

// Evaluate fires every rule whose trigger is met and composes their
// effects. Fired rule ids and notes come back sorted by rule id so the
// result is identical under any registry ordering.
func (a *Adjuster) Evaluate(ctx Context) Effect {
	effect := Effect{Factor: 1.0}

	type firing struct {
		id   core.RuleID
		note string
	}
	var fired []firing

	for _, r := range a.registry.rules {
		note, ok := a.trigger(r, ctx)
		if !ok {
			continue
		}
		effect.Factor *= r.Factor
		effect.Shift += r.Shift
		effect.BandWidenPct += r.BandWidenPct
		effect.ConfReductionPct += r.ConfReductionPct
		fired = append(fired, firing{id: r.ID, note: note})
	}

	sort.Slice(fired, func(i, j int) bool { return fired[i].id < fired[j].id })
	for _, f := range fired {
		effect.Fired = append(effect.Fired, f.id)
		effect.Notes = append(effect.Notes, f.note)
	}
	return effect
}

func (a *Adjuster) trigger(r Rule, ctx Context) (string, bool) {
	switch r.Kind {
	case KindCountTrigger:
		count := ctx.countTag(r.Tag, r.WindowDays)
		if count < r.Threshold {
			return "", false
		}
		return fmt.Sprintf("%s hot: %d occurrences in %dd >= %d", r.Tag, count, r.WindowDays, r.Threshold), true
	case KindVolatilityRegime:
		volHit := r.VolDeltaMin > 0 && math.Abs(ctx.Signals.VolatilityDelta) >= r.VolDeltaMin
		vvixHit := r.VVIXRiseMin > 0 && ctx.Signals.VVIXRise >= r.VVIXRiseMin
		if !volHit && !vvixHit {
			return "", false
		}
		if volHit {
			return fmt.Sprintf("vol delta %.1f >= %.1f: bands +%.0f%%, confidence -%.0f%%",
				ctx.Signals.VolatilityDelta, r.VolDeltaMin, r.BandWidenPct, r.ConfReductionPct), true
		}
		return fmt.Sprintf("vvix rise %.1f >= %.1f: bands +%.0f%%, confidence -%.0f%%",
			ctx.Signals.VVIXRise, r.VVIXRiseMin, r.BandWidenPct, r.ConfReductionPct), true
	}
	return "", false
}
