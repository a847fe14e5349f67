package rules

import (
	"fmt"

	"shadowgate/domain/core"
)

// Kind discriminates the rule variants carried by the registry.
type Kind string

const (
	// KindCountTrigger fires when a tag shows up often enough in the
	// recent window (miss-tag style rules).
	KindCountTrigger Kind = "count_trigger"
	// KindVolatilityRegime fires on auxiliary volatility signals and
	// widens bands / cuts confidence.
	KindVolatilityRegime Kind = "volatility_regime"
)

// Rule is one named heuristic correction. Immutable after load; the
// registry validates every rule before accepting it.
type Rule struct {
	ID   core.RuleID `yaml:"id"`
	Kind Kind        `yaml:"kind"`

	// Count-trigger fields
	Tag        string `yaml:"tag,omitempty"`
	WindowDays int    `yaml:"window_days,omitempty"`
	Threshold  int    `yaml:"threshold,omitempty"`

	// Volatility-regime fields
	VolDeltaMin float64 `yaml:"vol_delta_min,omitempty"`
	VVIXRiseMin float64 `yaml:"vvix_rise_min,omitempty"`

	// Effects. Factor defaults to 1 (no multiplicative effect).
	Factor           float64 `yaml:"factor,omitempty"`
	Shift            float64 `yaml:"shift,omitempty"`
	BandWidenPct     float64 `yaml:"band_widen_pct,omitempty"`
	ConfReductionPct float64 `yaml:"conf_reduction_pct,omitempty"`
}

func (r Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule with empty id")
	}
	switch r.Kind {
	case KindCountTrigger:
		if r.Tag == "" {
			return fmt.Errorf("rule %s: count trigger needs a tag", r.ID)
		}
		if r.WindowDays <= 0 {
			return fmt.Errorf("rule %s: window_days must be positive", r.ID)
		}
		if r.Threshold <= 0 {
			return fmt.Errorf("rule %s: threshold must be positive", r.ID)
		}
	case KindVolatilityRegime:
		if r.VolDeltaMin <= 0 && r.VVIXRiseMin <= 0 {
			return fmt.Errorf("rule %s: volatility regime needs a trigger level", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.Factor < 0 {
		return fmt.Errorf("rule %s: factor must be non-negative", r.ID)
	}
	return nil
}

// TaggedEvent is one tagged occurrence in the recent history, typically a
// categorized forecast miss.
type TaggedEvent struct {
	Tag string         `json:"tag"`
	At  core.Timestamp `json:"at"`
}

// AuxiliarySignals carries the volatility/news context for one cycle.
type AuxiliarySignals struct {
	VolatilityDelta float64         `json:"volatility_delta"`
	VVIXRise        float64         `json:"vvix_rise"`
	NewsScore       float64         `json:"news_score"`
	MacroEventFlags map[string]bool `json:"macro_event_flags,omitempty"`
}

// Context is everything a rule may inspect for one cycle.
type Context struct {
	AsOf    core.Timestamp   `json:"as_of"`
	Events  []TaggedEvent    `json:"events"`
	Signals AuxiliarySignals `json:"signals"`
}

// countTag counts occurrences of tag within the trailing window.
func (c Context) countTag(tag string, windowDays int) int {
	cutoff := c.AsOf.Time().AddDate(0, 0, -windowDays)
	n := 0
	for _, ev := range c.Events {
		if ev.Tag == tag && ev.At.Time().After(cutoff) {
			n++
		}
	}
	return n
}

// Registry holds the validated rule set. Loaded once at start, never
// mutated at runtime.
type Registry struct {
	rules []Rule
}

// NewRegistry validates every rule and rejects duplicate identifiers.
func NewRegistry(rules []Rule) (*Registry, error) {
	seen := make(map[core.RuleID]bool, len(rules))
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("invalid rule configuration: %w", err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
		if r.Factor == 0 {
			r.Factor = 1.0
		}
		normalized = append(normalized, r)
	}
	return &Registry{rules: normalized}, nil
}

// Rules returns a copy of the configured rules.
func (g *Registry) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// DefaultRules is the production rule set: miss-tag confidence shifts and
// the volatility guard.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "VOL_SHIFT_HOT", Kind: KindCountTrigger, Tag: "VOL_SHIFT", WindowDays: 7, Threshold: 2, Factor: 0.90},
		{ID: "NEWS_EVENT_HOT", Kind: KindCountTrigger, Tag: "NEWS_EVENT", WindowDays: 7, Threshold: 2, Factor: 0.90},
		{ID: "DRIFT_DAY_HOT", Kind: KindCountTrigger, Tag: "DRIFT_DAY", WindowDays: 7, Threshold: 2, Factor: 1.05},
		{ID: "VOL_GUARD", Kind: KindVolatilityRegime, VolDeltaMin: 1.5, VVIXRiseMin: 5.0, Factor: 1.0, BandWidenPct: 15.0, ConfReductionPct: 10.0},
	}
}
