package rules

import (
	"math/rand"
	"reflect"
	"testing"
	"time"

	"shadowgate/domain/core"
)

func testContext(t *testing.T, tags []string, signals AuxiliarySignals) Context {
	t.Helper()
	asOf := time.Date(2025, 8, 22, 9, 0, 0, 0, time.UTC)
	events := make([]TaggedEvent, 0, len(tags))
	for i, tag := range tags {
		events = append(events, TaggedEvent{
			Tag: tag,
			At:  core.NewTimestamp(asOf.AddDate(0, 0, -(i % 5))),
		})
	}
	return Context{AsOf: core.NewTimestamp(asOf), Events: events, Signals: signals}
}

func TestAdjuster_NoRulesFire(t *testing.T) {
	reg, err := NewRegistry(DefaultRules())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	adj := NewAdjuster(reg)

	effect := adj.Evaluate(testContext(t, []string{"TECH_BREAK"}, AuxiliarySignals{VolatilityDelta: 0.4, VVIXRise: 1.0}))
	if !effect.Neutral() {
		t.Errorf("expected neutral effect, got %+v", effect)
	}
	if len(effect.Fired) != 0 {
		t.Errorf("expected no fired rules, got %v", effect.Fired)
	}
}

func TestAdjuster_CountTriggerFires(t *testing.T) {
	reg, err := NewRegistry(DefaultRules())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	adj := NewAdjuster(reg)

	// Two VOL_SHIFT tags within the window meet the hot threshold.
	effect := adj.Evaluate(testContext(t, []string{"VOL_SHIFT", "VOL_SHIFT"}, AuxiliarySignals{}))
	if effect.Factor != 0.90 {
		t.Errorf("expected factor 0.90, got %v", effect.Factor)
	}
	if len(effect.Fired) != 1 || effect.Fired[0] != "VOL_SHIFT_HOT" {
		t.Errorf("expected VOL_SHIFT_HOT to fire, got %v", effect.Fired)
	}
}

func TestAdjuster_EventsOutsideWindowIgnored(t *testing.T) {
	reg, _ := NewRegistry(DefaultRules())
	adj := NewAdjuster(reg)

	asOf := time.Date(2025, 8, 22, 9, 0, 0, 0, time.UTC)
	ctx := Context{
		AsOf: core.NewTimestamp(asOf),
		Events: []TaggedEvent{
			{Tag: "VOL_SHIFT", At: core.NewTimestamp(asOf.AddDate(0, 0, -1))},
			{Tag: "VOL_SHIFT", At: core.NewTimestamp(asOf.AddDate(0, 0, -10))}, // stale
		},
	}
	effect := adj.Evaluate(ctx)
	if len(effect.Fired) != 0 {
		t.Errorf("stale event should not count toward the threshold, fired: %v", effect.Fired)
	}
}

func TestAdjuster_VolatilityGuard(t *testing.T) {
	reg, _ := NewRegistry(DefaultRules())
	adj := NewAdjuster(reg)

	effect := adj.Evaluate(testContext(t, nil, AuxiliarySignals{VolatilityDelta: -1.8}))
	if effect.BandWidenPct != 15.0 || effect.ConfReductionPct != 10.0 {
		t.Errorf("expected bands +15%% and confidence -10%%, got %+v", effect)
	}
	if effect.Factor != 1.0 {
		t.Errorf("vol guard must not change the probability factor, got %v", effect.Factor)
	}

	// VVIX trigger alone also fires the guard.
	effect = adj.Evaluate(testContext(t, nil, AuxiliarySignals{VVIXRise: 6.2}))
	if len(effect.Fired) != 1 || effect.Fired[0] != "VOL_GUARD" {
		t.Errorf("expected VOL_GUARD to fire on vvix rise, got %v", effect.Fired)
	}
}

func TestAdjuster_MultipleRulesCompose(t *testing.T) {
	reg, _ := NewRegistry(DefaultRules())
	adj := NewAdjuster(reg)

	tags := []string{"VOL_SHIFT", "VOL_SHIFT", "NEWS_EVENT", "NEWS_EVENT", "DRIFT_DAY", "DRIFT_DAY"}
	effect := adj.Evaluate(testContext(t, tags, AuxiliarySignals{}))

	want := 0.90 * 0.90 * 1.05
	if diff := effect.Factor - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("expected composed factor %v, got %v", want, effect.Factor)
	}
	if len(effect.Fired) != 3 {
		t.Errorf("expected 3 fired rules, got %v", effect.Fired)
	}
}

// TestAdjuster_CompositionIsCommutative permutes the registry order and
// verifies the composed effect never changes.
func TestAdjuster_CompositionIsCommutative(t *testing.T) {
	base := DefaultRules()
	ctx := testContext(t,
		[]string{"VOL_SHIFT", "VOL_SHIFT", "DRIFT_DAY", "DRIFT_DAY"},
		AuxiliarySignals{VolatilityDelta: 2.0})

	reg, _ := NewRegistry(base)
	reference := NewAdjuster(reg).Evaluate(ctx)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := make([]Rule, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		permReg, err := NewRegistry(shuffled)
		if err != nil {
			t.Fatalf("registry: %v", err)
		}
		got := NewAdjuster(permReg).Evaluate(ctx)
		if !reflect.DeepEqual(reference, got) {
			t.Fatalf("permutation %d changed the effect:\nwant %+v\ngot  %+v", i, reference, got)
		}
	}
}

func TestNewRegistry_RejectsInvalidRules(t *testing.T) {
	cases := []struct {
		name  string
		rules []Rule
	}{
		{"empty id", []Rule{{Kind: KindCountTrigger, Tag: "X", WindowDays: 5, Threshold: 1}}},
		{"unknown kind", []Rule{{ID: "R", Kind: "mystery"}}},
		{"count trigger without tag", []Rule{{ID: "R", Kind: KindCountTrigger, WindowDays: 5, Threshold: 1}}},
		{"vol regime without trigger level", []Rule{{ID: "R", Kind: KindVolatilityRegime}}},
		{"duplicate ids", []Rule{
			{ID: "R", Kind: KindCountTrigger, Tag: "X", WindowDays: 5, Threshold: 1},
			{ID: "R", Kind: KindCountTrigger, Tag: "Y", WindowDays: 5, Threshold: 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.rules); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
