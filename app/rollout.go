package app

import (
	"context"
	"fmt"
	"sync"

	"shadowgate/domain/core"
	"shadowgate/domain/forecast"
	"shadowgate/domain/gate"
	"shadowgate/domain/governor"
	"shadowgate/domain/lifecycle"
	"shadowgate/domain/window"
	"shadowgate/internal/metrics"
	"shadowgate/ports"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RolloutService owns the candidate lifecycle. It reads the decision log
// snapshot, runs the gate and governor over it, and drives the state
// machine. All promotion decisions route through here.
type RolloutService struct {
	decisions ports.DecisionLog
	store     ports.StateStore
	gate      *gate.Gate
	governor  *governor.Governor
	machine   *lifecycle.Machine
	recorder  *metrics.Recorder
	log       zerolog.Logger

	group singleflight.Group

	mu         sync.Mutex
	activeMute *governor.MuteEvent
	pastMutes  []governor.MuteEvent
}

// NewRolloutService wires the service, restoring the candidate
// lifecycle from the state store so a mute survives restarts. A store
// without a record starts the candidate fresh in SHADOW.
func NewRolloutService(
	ctx context.Context,
	decisions ports.DecisionLog,
	store ports.StateStore,
	g *gate.Gate,
	gov *governor.Governor,
	recorder *metrics.Recorder,
	log zerolog.Logger,
) (*RolloutService, error) {
	rec, ok, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load candidate state: %w", err)
	}
	machine := lifecycle.NewMachine()
	if ok {
		machine = lifecycle.Restore(rec.State, rec.History)
	}
	return &RolloutService{
		decisions:  decisions,
		store:      store,
		gate:       g,
		governor:   gov,
		machine:    machine,
		recorder:   recorder,
		log:        log.With().Str("component", "rollout").Logger(),
		activeMute: rec.ActiveMute,
		pastMutes:  rec.PastMutes,
	}, nil
}

// Machine exposes the restored lifecycle machine, for wiring the shadow
// runner against the same state.
func (s *RolloutService) Machine() *lifecycle.Machine {
	return s.machine
}

// persist writes the whole lifecycle record. A state change that cannot
// be persisted surfaces as the caller's error so a restart cannot
// silently diverge from what the operator saw.
func (s *RolloutService) persist(ctx context.Context) error {
	rec := ports.StateRecord{
		State:   s.machine.State(),
		History: s.machine.History(),
	}
	s.mu.Lock()
	if s.activeMute != nil {
		ev := *s.activeMute
		rec.ActiveMute = &ev
	}
	rec.PastMutes = append([]governor.MuteEvent(nil), s.pastMutes...)
	s.mu.Unlock()

	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist candidate state: %w", err)
	}
	return nil
}

// snapshot reads the full decision log and partitions the closed entries
// into the three gate windows plus the governor window. Open cycles do
// not count toward any window.
func (s *RolloutService) snapshot(ctx context.Context, th gate.Thresholds, govDays int) (gate.Windows, *window.Window, error) {
	entries, _, err := s.decisions.ReadSince(ctx, 0)
	if err != nil {
		return gate.Windows{}, nil, fmt.Errorf("read decision log: %w", err)
	}

	var closed []window.Entry
	for i := range entries {
		e := &entries[i]
		if !e.Closed() {
			continue
		}
		closed = append(closed, window.Entry{
			Key:                 e.Key,
			At:                  e.Outcome.RecordedAt,
			Baseline:            e.BaselineProbability,
			Candidate:           e.CandidateProbability,
			Outcome:             e.Outcome.Actual,
			BaselineDivergence:  e.Outcome.BaselineDivergence,
			CandidateDivergence: e.Outcome.CandidateDivergence,
		})
	}

	windows := gate.Windows{
		Score:       window.FromEntries(th.ScoreWindowDays, closed),
		Calibration: window.FromEntries(th.CalibrationWindowDays, closed),
		Shadow:      window.FromEntries(th.ShadowWindowDays, closed),
	}
	return windows, window.FromEntries(govDays, closed), nil
}

// GateReport evaluates the rollout gate over the current log snapshot.
// Concurrent callers share one evaluation.
func (s *RolloutService) GateReport(ctx context.Context) (gate.Report, error) {
	v, err, _ := s.group.Do("gate", func() (interface{}, error) {
		windows, _, err := s.snapshot(ctx, s.gate.Thresholds(), s.governor.Thresholds().WindowDays)
		if err != nil {
			return nil, err
		}
		report := s.gate.Evaluate(windows)
		s.recorder.RecordGateVerdict(report.Ready)
		return report, nil
	})
	if err != nil {
		return gate.Report{}, err
	}
	return v.(gate.Report), nil
}

// EvaluateAndTransition runs one evaluation sweep: the governor first
// (failing health mutes regardless of readiness), then the gate verdict
// moves the candidate between SHADOW and CANDIDATE_READY.
func (s *RolloutService) EvaluateAndTransition(ctx context.Context) (gate.Report, error) {
	windows, govWindow, err := s.snapshot(ctx, s.gate.Thresholds(), s.governor.Thresholds().WindowDays)
	if err != nil {
		return gate.Report{}, err
	}

	assessment := s.governor.Assess(govWindow)
	if assessment.Evaluated && assessment.ShouldMute && s.machine.CanApply(lifecycle.EventMute) {
		if err := s.mute(ctx, assessment); err != nil {
			return gate.Report{}, err
		}
	}

	report := s.gate.Evaluate(windows)
	s.recorder.RecordGateVerdict(report.Ready)

	switch {
	case report.Ready && s.machine.State() == lifecycle.StateShadow:
		if _, err := s.machine.Apply(lifecycle.EventGateReady, "all gates passing"); err != nil {
			return report, err
		}
		s.log.Info().Msg("candidate promoted to CANDIDATE_READY")
	case !report.Ready && s.machine.State() == lifecycle.StateCandidateReady:
		cause := fmt.Sprintf("gates failing: %v", report.BlockingFactors)
		if _, err := s.machine.Apply(lifecycle.EventGateNotReady, cause); err != nil {
			return report, err
		}
		s.log.Info().Strs("blocking", report.BlockingFactors).Msg("candidate readiness revoked")
	}
	if err := s.persist(ctx); err != nil {
		return report, err
	}
	s.recorder.RecordState(string(s.machine.State()))
	return report, nil
}

func (s *RolloutService) mute(ctx context.Context, a governor.Assessment) error {
	cause := fmt.Sprintf("governor: %v", a.Reasons)
	if _, err := s.machine.Apply(lifecycle.EventMute, cause); err != nil {
		return err
	}
	ev := governor.MuteEvent{
		ID:      core.MuteEventID(core.NewID()),
		At:      a.At,
		Reasons: a.Reasons,
	}
	s.mu.Lock()
	s.activeMute = &ev
	s.mu.Unlock()
	if err := s.persist(ctx); err != nil {
		return err
	}

	s.recorder.RecordMute()
	s.recorder.RecordState(string(s.machine.State()))
	s.log.Warn().Strs("reasons", a.Reasons).Msg("candidate muted by governor")
	return nil
}

// GovernorStatus returns the latest assessment over the current snapshot
// plus the active mute, if any.
func (s *RolloutService) GovernorStatus(ctx context.Context) (governor.Assessment, *governor.MuteEvent, error) {
	_, govWindow, err := s.snapshot(ctx, s.gate.Thresholds(), s.governor.Thresholds().WindowDays)
	if err != nil {
		return governor.Assessment{}, nil, err
	}
	return s.governor.Assess(govWindow), s.ActiveMute(), nil
}

// ActiveMute returns a copy of the active mute event, or nil.
func (s *RolloutService) ActiveMute() *governor.MuteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeMute == nil {
		return nil
	}
	ev := *s.activeMute
	return &ev
}

// Acknowledge marks the active mute as operator-acknowledged.
// Acknowledgment alone never un-mutes.
func (s *RolloutService) Acknowledge(ctx context.Context, muteID core.MuteEventID) error {
	s.mu.Lock()
	if s.activeMute == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no active mute", core.ErrNotFound)
	}
	if s.activeMute.ID != muteID {
		s.mu.Unlock()
		return fmt.Errorf("%w: mute event %s", core.ErrNotFound, muteID)
	}
	changed := false
	if !s.activeMute.Acknowledged {
		now := core.Now()
		s.activeMute.Acknowledged = true
		s.activeMute.AckAt = &now
		changed = true
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.log.Info().Str("mute_id", muteID.String()).Msg("mute acknowledged")
	return nil
}

// TryUnmute attempts the MUTED -> SHADOW transition. It succeeds only
// when the mute is acknowledged and a fresh post-mute cohort re-passes
// the governor.
func (s *RolloutService) TryUnmute(ctx context.Context) error {
	if s.machine.State() != lifecycle.StateMuted {
		return core.NewTransitionError(string(s.machine.State()), string(lifecycle.StateShadow), "not muted")
	}
	_, govWindow, err := s.snapshot(ctx, s.gate.Thresholds(), s.governor.Thresholds().WindowDays)
	if err != nil {
		return err
	}

	ev := s.ActiveMute()
	ok, reason := s.governor.CanUnmute(ev, govWindow)
	if !ok {
		return core.NewTransitionError(string(lifecycle.StateMuted), string(lifecycle.StateShadow), reason)
	}
	if _, err := s.machine.Apply(lifecycle.EventUnmute, "fresh cohort re-passed, mute acknowledged"); err != nil {
		return err
	}

	s.mu.Lock()
	s.pastMutes = append(s.pastMutes, *s.activeMute)
	s.activeMute = nil
	s.mu.Unlock()
	if err := s.persist(ctx); err != nil {
		return err
	}

	s.recorder.RecordState(string(s.machine.State()))
	s.log.Info().Msg("candidate un-muted, returning to SHADOW")
	return nil
}

// Approve performs the explicit operator go-live approval,
// CANDIDATE_READY -> LIVE. Readiness alone never goes live.
func (s *RolloutService) Approve(ctx context.Context, operator string) error {
	cause := fmt.Sprintf("approved by %s", operator)
	if _, err := s.machine.Apply(lifecycle.EventApprove, cause); err != nil {
		return err
	}
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.recorder.RecordState(string(s.machine.State()))
	s.log.Info().Str("operator", operator).Msg("candidate approved for live")
	return nil
}

// CandidateState returns the current lifecycle state.
func (s *RolloutService) CandidateState() lifecycle.State {
	return s.machine.State()
}

// StateHistory returns the recorded transitions, oldest first.
func (s *RolloutService) StateHistory() []lifecycle.Transition {
	return s.machine.History()
}

// MuteHistory returns resolved past mutes, oldest first.
func (s *RolloutService) MuteHistory() []governor.MuteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]governor.MuteEvent, len(s.pastMutes))
	copy(out, s.pastMutes)
	return out
}

// ReadLog exposes the decision log stream for operator consumption.
func (s *RolloutService) ReadLog(ctx context.Context, cursor ports.Cursor) ([]forecast.DecisionLogEntry, ports.Cursor, error) {
	return s.decisions.ReadSince(ctx, cursor)
}
