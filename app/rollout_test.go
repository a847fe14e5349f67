package app

import (
	"context"
	"testing"
	"time"

	"shadowgate/adapters/memlog"
	"shadowgate/adapters/memstate"
	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/domain/gate"
	"shadowgate/domain/governor"
	"shadowgate/domain/lifecycle"
	"shadowgate/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// testGateThresholds relaxes the day minimums so a short seeded log can
// exercise every gate.
func testGateThresholds() gate.Thresholds {
	th := gate.DefaultThresholds()
	th.ScoreMinDays = 5
	th.CalibrationMinDays = 5
	th.ShadowWindowDays = 5
	th.ShadowMinDays = 5
	th.ConsistencyStreakDays = 3
	return th
}

func newTestRollout(t *testing.T) (*RolloutService, *memlog.Log, *lifecycle.Machine) {
	t.Helper()
	log := memlog.New()
	svc := rolloutOver(t, log, memstate.New())
	return svc, log, svc.Machine()
}

func rolloutOver(t *testing.T, log *memlog.Log, states *memstate.Store) *RolloutService {
	t.Helper()
	svc, err := NewRolloutService(
		context.Background(),
		log,
		states,
		gate.New(testGateThresholds()),
		governor.New(governor.DefaultThresholds()),
		metrics.New(prometheus.NewRegistry()),
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("NewRolloutService: %v", err)
	}
	return svc
}

type seedEntry struct {
	baseline  float64
	candidate float64
	outcome   bool
	baseDiv   float64
	candDiv   float64
}

// healthySeed alternates up and down days where the candidate is right
// on both and the baseline misses the down days.
func healthySeed(i int) seedEntry {
	if i%2 == 0 {
		return seedEntry{baseline: 0.60, candidate: 0.70, outcome: true, baseDiv: 0.128, candDiv: 0.125}
	}
	return seedEntry{baseline: 0.52, candidate: 0.30, outcome: false, baseDiv: 0.128, candDiv: 0.125}
}

// degradedSeed has the candidate confidently wrong every day.
func degradedSeed(int) seedEntry {
	return seedEntry{baseline: 0.30, candidate: 0.70, outcome: false, baseDiv: 0.128, candDiv: 0.128}
}

// wideGapSeed keeps the candidate accurate but with a worse divergence
// from the reference than the baseline.
func wideGapSeed(i int) seedEntry {
	e := healthySeed(i)
	e.candDiv = 0.145
	return e
}

func seed(t *testing.T, log *memlog.Log, start time.Time, days int, gen func(int) seedEntry) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < days; i++ {
		at := start.AddDate(0, 0, i)
		e := gen(i)
		entry := &forecast.DecisionLogEntry{
			Key:                  core.NewCycleKey(at, core.SessionEvening),
			BaselineProbability:  e.baseline,
			CandidateProbability: e.candidate,
			Phase:                forecast.PhaseCandidateComputed,
			CreatedAt:            core.NewTimestamp(at),
		}
		if err := log.Append(ctx, entry); err != nil {
			t.Fatalf("seed append day %d: %v", i, err)
		}
		outcome := forecast.OutcomeRecord{
			Actual:              e.outcome,
			BaselineBrier:       forecast.BrierScore(e.baseline, e.outcome),
			CandidateBrier:      forecast.BrierScore(e.candidate, e.outcome),
			BaselineHit:         forecast.Hit(e.baseline, e.outcome),
			CandidateHit:        forecast.Hit(e.candidate, e.outcome),
			BaselineDivergence:  e.baseDiv,
			CandidateDivergence: e.candDiv,
			RecordedAt:          core.NewTimestamp(at),
		}
		if err := log.RecordOutcome(ctx, entry.Key, outcome); err != nil {
			t.Fatalf("seed outcome day %d: %v", i, err)
		}
	}
}

func TestGateReportEmptyLog(t *testing.T) {
	svc, _, _ := newTestRollout(t)

	report, err := svc.GateReport(context.Background())
	if err != nil {
		t.Fatalf("GateReport: %v", err)
	}
	if report.Ready {
		t.Error("empty log must not be ready")
	}
	if len(report.BlockingFactors) != 4 {
		t.Errorf("blocking factors = %v, want all four gates", report.BlockingFactors)
	}
}

func TestEvaluatePromotesHealthyCandidate(t *testing.T) {
	svc, log, machine := newTestRollout(t)
	seed(t, log, time.Date(2025, 8, 1, 16, 0, 0, 0, time.UTC), 6, healthySeed)

	report, err := svc.EvaluateAndTransition(context.Background())
	if err != nil {
		t.Fatalf("EvaluateAndTransition: %v", err)
	}
	if !report.Ready {
		t.Fatalf("report not ready, blocking: %v", report.BlockingFactors)
	}
	if machine.State() != lifecycle.StateCandidateReady {
		t.Errorf("state = %v, want CANDIDATE_READY", machine.State())
	}
}

func TestEvaluateRevokesReadiness(t *testing.T) {
	svc, log, machine := newTestRollout(t)
	ctx := context.Background()
	seed(t, log, time.Date(2025, 8, 1, 16, 0, 0, 0, time.UTC), 6, healthySeed)

	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	if machine.State() != lifecycle.StateCandidateReady {
		t.Fatalf("state = %v, want CANDIDATE_READY", machine.State())
	}

	// The candidate stays accurate but its divergence worsens; the
	// confidence gap gate fails while the governor stays satisfied.
	seed(t, log, time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC), 5, wideGapSeed)

	report, err := svc.EvaluateAndTransition(ctx)
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if report.Ready {
		t.Fatal("report should not be ready with a widened confidence gap")
	}
	if machine.State() != lifecycle.StateShadow {
		t.Errorf("state = %v, want SHADOW after readiness revoked", machine.State())
	}
}

func TestGovernorMutesDegradedCandidate(t *testing.T) {
	svc, log, machine := newTestRollout(t)
	ctx := context.Background()
	seed(t, log, time.Date(2025, 8, 1, 16, 0, 0, 0, time.UTC), 6, healthySeed)

	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}

	seed(t, log, time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC), 6, degradedSeed)
	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if machine.State() != lifecycle.StateMuted {
		t.Fatalf("state = %v, want MUTED", machine.State())
	}
	ev := svc.ActiveMute()
	if ev == nil || len(ev.Reasons) == 0 {
		t.Fatal("expected an active mute event with reasons")
	}
}

func TestUnmuteRequiresAckAndFreshCohort(t *testing.T) {
	svc, log, machine := newTestRollout(t)
	ctx := context.Background()
	seed(t, log, time.Date(2025, 8, 1, 16, 0, 0, 0, time.UTC), 6, healthySeed)
	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	seed(t, log, time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC), 6, degradedSeed)
	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if machine.State() != lifecycle.StateMuted {
		t.Fatalf("state = %v, want MUTED", machine.State())
	}
	ev := svc.ActiveMute()

	// Recovery alone, without the operator acknowledgment.
	if err := svc.TryUnmute(ctx); !core.IsInvalidTransition(err) {
		t.Fatalf("unacknowledged unmute err = %v, want invalid transition", err)
	}

	// Acknowledgment alone, without a fresh post-mute cohort.
	if err := svc.Acknowledge(ctx, ev.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := svc.TryUnmute(ctx); !core.IsInvalidTransition(err) {
		t.Fatalf("stale-cohort unmute err = %v, want invalid transition", err)
	}
	if machine.State() != lifecycle.StateMuted {
		t.Fatalf("state = %v, want still MUTED", machine.State())
	}

	// A fresh healthy cohort strictly after the mute satisfies both
	// un-mute preconditions.
	seed(t, log, time.Now().UTC().Add(time.Minute), 6, healthySeed)
	if err := svc.TryUnmute(ctx); err != nil {
		t.Fatalf("TryUnmute: %v", err)
	}
	if machine.State() != lifecycle.StateShadow {
		t.Errorf("state = %v, want SHADOW after un-mute", machine.State())
	}
	if svc.ActiveMute() != nil {
		t.Error("active mute should be cleared")
	}
	if len(svc.MuteHistory()) != 1 {
		t.Errorf("mute history = %d events, want 1", len(svc.MuteHistory()))
	}
}

func TestApproveNeedsReadiness(t *testing.T) {
	svc, log, machine := newTestRollout(t)
	ctx := context.Background()

	if err := svc.Approve(ctx, "ops"); !core.IsInvalidTransition(err) {
		t.Fatalf("approve from SHADOW err = %v, want invalid transition", err)
	}

	seed(t, log, time.Date(2025, 8, 1, 16, 0, 0, 0, time.UTC), 6, healthySeed)
	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("EvaluateAndTransition: %v", err)
	}
	if err := svc.Approve(ctx, "ops"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if machine.State() != lifecycle.StateLive {
		t.Errorf("state = %v, want LIVE", machine.State())
	}

	history := svc.StateHistory()
	if len(history) != 2 {
		t.Fatalf("history = %d transitions, want 2", len(history))
	}
	if history[1].Event != lifecycle.EventApprove {
		t.Errorf("last event = %v, want approve", history[1].Event)
	}
}

func TestAcknowledgeWithoutMute(t *testing.T) {
	svc, _, _ := newTestRollout(t)
	if err := svc.Acknowledge(context.Background(), core.MuteEventID("missing")); err == nil {
		t.Fatal("expected error acknowledging with no active mute")
	}
}

// TestMuteSurvivesRewiring drives the governor into a mute, then
// rebuilds the service over the same state store and decision log as a
// process restart would. The mute must still latch: the restarted
// service reports MUTED, carries the same mute event, and keeps
// refusing an un-mute until the usual preconditions hold.
func TestMuteSurvivesRewiring(t *testing.T) {
	log := memlog.New()
	states := memstate.New()
	ctx := context.Background()

	svc := rolloutOver(t, log, states)
	seed(t, log, time.Date(2025, 8, 1, 16, 0, 0, 0, time.UTC), 6, healthySeed)
	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	seed(t, log, time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC), 6, degradedSeed)
	if _, err := svc.EvaluateAndTransition(ctx); err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if svc.CandidateState() != lifecycle.StateMuted {
		t.Fatalf("state = %v, want MUTED", svc.CandidateState())
	}
	muted := svc.ActiveMute()

	restarted := rolloutOver(t, log, states)
	if restarted.CandidateState() != lifecycle.StateMuted {
		t.Fatalf("restarted state = %v, want MUTED", restarted.CandidateState())
	}
	ev := restarted.ActiveMute()
	if ev == nil || ev.ID != muted.ID {
		t.Fatal("restart lost the active mute event")
	}
	if len(restarted.StateHistory()) != len(svc.StateHistory()) {
		t.Errorf("restart lost transitions: %d vs %d", len(restarted.StateHistory()), len(svc.StateHistory()))
	}

	// The latch still holds across the restart: no ack, no un-mute.
	if err := restarted.TryUnmute(ctx); !core.IsInvalidTransition(err) {
		t.Fatalf("unacknowledged unmute after restart err = %v, want invalid transition", err)
	}

	// An acknowledgment persists too.
	if err := restarted.Acknowledge(ctx, ev.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	again := rolloutOver(t, log, states)
	if got := again.ActiveMute(); got == nil || !got.Acknowledged {
		t.Error("acknowledgment lost across restart")
	}
}
