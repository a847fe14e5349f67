package app

import (
	"math"
	"testing"
	"time"

	"shadowgate/domain/core"
	"shadowgate/domain/guardrail"
	"shadowgate/domain/rules"

	"github.com/rs/zerolog"
)

func newTestPipeline(t *testing.T, policy guardrail.Policy) *Pipeline {
	t.Helper()
	reg, err := rules.NewRegistry(rules.DefaultRules())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewPipeline(DefaultPipelineConfig(), rules.NewAdjuster(reg), guardrail.NewEnforcer(policy, 0.7), zerolog.Nop())
}

func TestAdjustKnownCycle(t *testing.T) {
	// baseline 0.58, 13 hits / 7 misses, no rules firing:
	// p_cal = 15/24 = 0.625, blend = 0.7*0.58 + 0.3*0.625 = 0.5935.
	p := newTestPipeline(t, guardrail.DefaultPolicy())

	res, err := p.Adjust(0.58, AdjustInput{Hits: 13, Misses: 7})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if math.Abs(res.FinalProbability-0.5935) > 1e-12 {
		t.Errorf("final = %v, want 0.5935", res.FinalProbability)
	}
	if res.Degraded {
		t.Error("cycle flagged degraded with nonempty history")
	}
	if res.Trace.Calibrated != 0.625 {
		t.Errorf("calibrated = %v, want 0.625", res.Trace.Calibrated)
	}
	if len(res.Trace.FiredRules) != 0 {
		t.Errorf("fired rules = %v, want none", res.Trace.FiredRules)
	}
}

func TestAdjustEmptyHistoryDegrades(t *testing.T) {
	p := newTestPipeline(t, guardrail.DefaultPolicy())

	res, err := p.Adjust(0.58, AdjustInput{})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if !res.Degraded {
		t.Error("empty history should flag the cycle degraded")
	}
	// blend of baseline with the neutral prior.
	want := 0.7*0.58 + 0.3*0.5
	if math.Abs(res.FinalProbability-want) > 1e-12 {
		t.Errorf("final = %v, want %v", res.FinalProbability, want)
	}
}

func TestAdjustInvalidBaseline(t *testing.T) {
	p := newTestPipeline(t, guardrail.DefaultPolicy())

	for _, b := range []float64{0, 1, -0.2, 1.3, math.NaN()} {
		if _, err := p.Adjust(b, AdjustInput{Hits: 5, Misses: 5}); !core.IsInvalidInput(err) {
			t.Errorf("Adjust(%v) err = %v, want invalid input", b, err)
		}
	}
}

func TestAdjustRuleFires(t *testing.T) {
	p := newTestPipeline(t, guardrail.DefaultPolicy())

	now := time.Now().UTC()
	var events []rules.TaggedEvent
	for i := 0; i < 2; i++ {
		events = append(events, rules.TaggedEvent{Tag: "VOL_SHIFT", At: core.NewTimestamp(now.AddDate(0, 0, -(i + 1)))})
	}
	res, err := p.Adjust(0.58, AdjustInput{
		Hits:   13,
		Misses: 7,
		Rules:  rules.Context{AsOf: core.NewTimestamp(now), Events: events},
	})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	want := 0.90 * 0.5935
	if math.Abs(res.FinalProbability-want) > 1e-12 {
		t.Errorf("final = %v, want %v", res.FinalProbability, want)
	}
	if len(res.Trace.FiredRules) != 1 {
		t.Errorf("fired = %v, want one rule", res.Trace.FiredRules)
	}
}

func TestAdjustGuardrailRejectionFallsBack(t *testing.T) {
	// Exhaust the rate-limit budget so any nonzero delta is rejected.
	p := newTestPipeline(t, guardrail.DefaultPolicy())

	now := time.Date(2025, 8, 22, 16, 0, 0, 0, time.UTC)
	var recent []guardrail.HistoricDelta
	for i := 0; i < 7; i++ {
		recent = append(recent, guardrail.HistoricDelta{
			At:    core.NewTimestamp(now.AddDate(0, 0, -i)),
			Delta: 0.06,
		})
	}
	events := []rules.TaggedEvent{
		{Tag: "NEWS_EVENT", At: core.NewTimestamp(now.AddDate(0, 0, -1))},
		{Tag: "NEWS_EVENT", At: core.NewTimestamp(now.AddDate(0, 0, -2))},
	}
	res, err := p.Adjust(0.58, AdjustInput{
		AsOf:         core.NewTimestamp(now),
		Hits:         13,
		Misses:       7,
		Rules:        rules.Context{AsOf: core.NewTimestamp(now), Events: events},
		RecentDeltas: recent,
	})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if !res.Trace.GuardrailRejected {
		t.Fatal("expected guardrail rejection in trace")
	}
	// Falls back to the unadjusted blend, not a partially applied delta.
	if math.Abs(res.FinalProbability-0.5935) > 1e-12 {
		t.Errorf("final = %v, want unadjusted blend 0.5935", res.FinalProbability)
	}
}

func TestAdjustClipsToBounds(t *testing.T) {
	// A huge positive shift must land on the upper clip, and an all-miss
	// history with a tiny baseline on the lower clip.
	reg, err := rules.NewRegistry([]rules.Rule{{
		ID:         "SHIFT_UP",
		Kind:       rules.KindCountTrigger,
		Tag:        "X",
		WindowDays: 7,
		Threshold:  1,
		Factor:     1.0,
		Shift:      0.9,
	}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	policy := guardrail.DefaultPolicy()
	policy.MagnitudeCap.Enabled = false
	policy.RateLimit.Enabled = false
	p := NewPipeline(DefaultPipelineConfig(), rules.NewAdjuster(reg), guardrail.NewEnforcer(policy, 0.7), zerolog.Nop())

	now := time.Now().UTC()
	res, err := p.Adjust(0.9, AdjustInput{
		Hits:   20,
		Misses: 0,
		Rules: rules.Context{
			AsOf:   core.NewTimestamp(now),
			Events: []rules.TaggedEvent{{Tag: "X", At: core.NewTimestamp(now.Add(-time.Hour))}},
		},
	})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if res.FinalProbability != 0.95 {
		t.Errorf("final = %v, want clip at 0.95", res.FinalProbability)
	}
}

func TestAdjustDeterministic(t *testing.T) {
	p := newTestPipeline(t, guardrail.DefaultPolicy())

	now := time.Date(2025, 8, 22, 16, 0, 0, 0, time.UTC)
	in := AdjustInput{
		AsOf:   core.NewTimestamp(now),
		Hits:   9,
		Misses: 4,
		Rules: rules.Context{
			AsOf: core.NewTimestamp(now),
			Events: []rules.TaggedEvent{
				{Tag: "DRIFT_DAY", At: core.NewTimestamp(now.AddDate(0, 0, -1))},
				{Tag: "DRIFT_DAY", At: core.NewTimestamp(now.AddDate(0, 0, -2))},
			},
			Signals: rules.AuxiliarySignals{VolatilityDelta: 2.0},
		},
	}
	first, err := p.Adjust(0.62, in)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := p.Adjust(0.62, in)
		if err != nil {
			t.Fatalf("Adjust: %v", err)
		}
		if again.FinalProbability != first.FinalProbability {
			t.Fatalf("run %d: final = %v, want bit-identical %v", i, again.FinalProbability, first.FinalProbability)
		}
	}
}
