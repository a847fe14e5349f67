package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/domain/guardrail"
	"shadowgate/domain/lifecycle"
	"shadowgate/domain/rules"
	"shadowgate/internal/metrics"
	"shadowgate/ports"

	"github.com/rs/zerolog"
)

// ShadowConfig fixes the shadow runner's lookback and the divergence
// reference probability.
type ShadowConfig struct {
	HistoryDays          int     `yaml:"history_days" validate:"gt=0"`
	ReferenceProbability float64 `yaml:"reference_probability" validate:"gt=0,lt=1"`
}

// DefaultShadowConfig uses a 30-day calibration lookback and the neutral
// reference.
func DefaultShadowConfig() ShadowConfig {
	return ShadowConfig{HistoryDays: 30, ReferenceProbability: 0.5}
}

// ShadowRunner runs candidate cycles in shadow: it gathers inputs, runs
// the pipeline, and appends exactly one decision log entry per cycle.
// The candidate probability never reaches production from here.
type ShadowRunner struct {
	cfg       ShadowConfig
	pipeline  *Pipeline
	baseline  ports.BaselineProvider
	outcomes  ports.OutcomeStore
	signals   ports.SignalProvider
	decisions ports.DecisionLog
	machine   *lifecycle.Machine
	recorder  *metrics.Recorder
	log       zerolog.Logger
}

// NewShadowRunner wires the runner.
func NewShadowRunner(
	cfg ShadowConfig,
	pipeline *Pipeline,
	baseline ports.BaselineProvider,
	outcomes ports.OutcomeStore,
	signals ports.SignalProvider,
	decisions ports.DecisionLog,
	machine *lifecycle.Machine,
	recorder *metrics.Recorder,
	log zerolog.Logger,
) *ShadowRunner {
	return &ShadowRunner{
		cfg:       cfg,
		pipeline:  pipeline,
		baseline:  baseline,
		outcomes:  outcomes,
		signals:   signals,
		decisions: decisions,
		machine:   machine,
		recorder:  recorder,
		log:       log.With().Str("component", "shadow_runner").Logger(),
	}
}

// RunCycle executes one shadow cycle for the key. Re-running a key with
// unchanged inputs returns the already-logged entry; re-running with
// changed inputs is ErrDuplicateCycle. A failed cycle appends nothing.
func (r *ShadowRunner) RunCycle(ctx context.Context, key core.CycleKey) (*forecast.DecisionLogEntry, error) {
	if key.IsZero() || !key.Session.Valid() {
		return nil, fmt.Errorf("%w: cycle key %q", core.ErrInvalidInput, key.String())
	}

	cycle := forecast.ForecastCycle{
		Key:       key,
		Phase:     forecast.PhasePending,
		CreatedAt: core.Now(),
	}

	baseline, err := r.baseline.BaselineProbability(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("baseline probability for %s: %w", key, err)
	}
	history, err := r.outcomes.HistoricalOutcomes(ctx, r.cfg.HistoryDays)
	if err != nil {
		return nil, fmt.Errorf("outcome history: %w", err)
	}
	tags, err := r.outcomes.MissTags(ctx, r.cfg.HistoryDays)
	if err != nil {
		return nil, fmt.Errorf("miss tags: %w", err)
	}
	signals, err := r.signals.AuxiliarySignals(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("auxiliary signals: %w", err)
	}

	hits, misses := tally(history)
	fp := fingerprint(key, baseline, hits, misses, tags, signals)

	existing, err := r.decisions.Get(ctx, key)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	if existing != nil {
		if existing.Fingerprint == fp {
			r.log.Debug().Str("cycle", key.String()).Msg("cycle already logged, inputs unchanged")
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s re-run with changed inputs", core.ErrDuplicateCycle, key)
	}

	recent, err := r.recentDeltas(ctx)
	if err != nil {
		return nil, fmt.Errorf("recent adjustment deltas: %w", err)
	}

	cycle.BaselineProbability = baseline
	result, err := r.pipeline.Adjust(baseline, AdjustInput{
		AsOf:   cycle.CreatedAt,
		Hits:   hits,
		Misses: misses,
		Rules: rules.Context{
			AsOf:    cycle.CreatedAt,
			Events:  tags,
			Signals: signals,
		},
		RecentDeltas: recent,
	})
	if err != nil {
		r.recorder.RecordCycle(string(key.Session), "error")
		return nil, fmt.Errorf("adjustment pipeline for %s: %w", key, err)
	}
	cycle.CandidateProbability = &result.FinalProbability
	cycle.ActiveRules = result.Trace.FiredRules
	cycle.Phase = forecast.PhaseCandidateComputed

	entry := &forecast.DecisionLogEntry{
		Key:                  cycle.Key,
		BaselineProbability:  cycle.BaselineProbability,
		CandidateProbability: *cycle.CandidateProbability,
		Result:               *result,
		CandidateState:       string(r.machine.State()),
		Fingerprint:          fp,
		Phase:                cycle.Phase,
		CreatedAt:            cycle.CreatedAt,
	}
	if err := r.decisions.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append decision log: %w", err)
	}

	r.recorder.RecordCycle(string(key.Session), "ok")
	r.recorder.RecordFinalProbability(result.FinalProbability)
	if result.Trace.GuardrailRejected {
		r.recorder.RecordGuardrailRejection("rate_limit")
	}
	r.log.Info().
		Str("cycle", key.String()).
		Float64("baseline", baseline).
		Float64("candidate", result.FinalProbability).
		Str("state", entry.CandidateState).
		Bool("degraded", result.Degraded).
		Msg("shadow cycle logged")
	return entry, nil
}

// RecordOutcome completes a logged cycle with its realized outcome and
// the derived comparison metrics. One completion per cycle.
func (r *ShadowRunner) RecordOutcome(ctx context.Context, key core.CycleKey, actual bool) (*forecast.OutcomeRecord, error) {
	entry, err := r.decisions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	if entry.Closed() {
		return nil, fmt.Errorf("%w: outcome for %s already recorded", core.ErrDuplicateCycle, key)
	}

	ref := r.cfg.ReferenceProbability
	outcome := forecast.OutcomeRecord{
		Actual:              actual,
		BaselineBrier:       forecast.BrierScore(entry.BaselineProbability, actual),
		CandidateBrier:      forecast.BrierScore(entry.CandidateProbability, actual),
		BaselineHit:         forecast.Hit(entry.BaselineProbability, actual),
		CandidateHit:        forecast.Hit(entry.CandidateProbability, actual),
		BaselineDivergence:  math.Abs(entry.BaselineProbability - ref),
		CandidateDivergence: math.Abs(entry.CandidateProbability - ref),
		RecordedAt:          core.Now(),
	}
	if err := r.decisions.RecordOutcome(ctx, key, outcome); err != nil {
		return nil, fmt.Errorf("record outcome for %s: %w", key, err)
	}
	if err := r.decisions.Close(ctx, key); err != nil {
		return nil, fmt.Errorf("close cycle %s: %w", key, err)
	}

	r.log.Info().
		Str("cycle", key.String()).
		Bool("actual", actual).
		Float64("baseline_brier", outcome.BaselineBrier).
		Float64("candidate_brier", outcome.CandidateBrier).
		Msg("outcome recorded")
	return &outcome, nil
}

// recentDeltas collects the applied probability deltas from prior log
// entries for the rate limit policy.
func (r *ShadowRunner) recentDeltas(ctx context.Context) ([]guardrail.HistoricDelta, error) {
	entries, _, err := r.decisions.ReadSince(ctx, 0)
	if err != nil {
		return nil, err
	}
	var deltas []guardrail.HistoricDelta
	for i := range entries {
		e := &entries[i]
		if e.Result.Trace.GuardrailRejected || e.Result.Trace.ClampedDelta == 0 {
			continue
		}
		deltas = append(deltas, guardrail.HistoricDelta{At: e.CreatedAt, Delta: e.Result.Trace.ClampedDelta})
	}
	return deltas, nil
}

func tally(history []forecast.OutcomeObservation) (hits, misses int) {
	for _, obs := range history {
		if forecast.Hit(obs.Predicted, obs.Actual) {
			hits++
		} else {
			misses++
		}
	}
	return hits, misses
}

// fingerprint canonically hashes everything the pipeline consumed, so a
// re-run can be told apart from a conflicting rewrite.
func fingerprint(key core.CycleKey, baseline float64, hits, misses int, tags []rules.TaggedEvent, signals rules.AuxiliarySignals) core.InputFingerprint {
	tagged := make([]string, 0, len(tags))
	for _, t := range tags {
		tagged = append(tagged, fmt.Sprintf("%s@%s", t.Tag, t.At.Time().Format("2006-01-02")))
	}
	return core.ComputeInputFingerprint(map[string]interface{}{
		"cycle":    key.String(),
		"baseline": baseline,
		"hits":     hits,
		"misses":   misses,
		"tags":     tagged,
		"signals":  signals,
	})
}
