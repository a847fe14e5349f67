package governor

import (
	"strings"
	"testing"
	"time"

	"shadowgate/domain/core"
	"shadowgate/domain/window"
)

// degradedWindow builds n days where the candidate classifier is poor:
// mostly false positives and misses, F1 well below the floor.
func degradedWindow(n int, start time.Time) *window.Window {
	w := window.New(n)
	for i := 0; i < n; i++ {
		at := start.AddDate(0, 0, i)
		e := window.Entry{
			Key:      core.NewCycleKey(at, core.SessionMorning),
			At:       core.NewTimestamp(at),
			Baseline: 0.60,
			Outcome:  true,
		}
		// One true positive, the rest confident misses.
		if i == 0 {
			e.Candidate = 0.80
		} else {
			e.Candidate = 0.20
		}
		w.Push(e)
	}
	return w
}

// healthyWindow builds n days where the candidate is accurate and usage
// stays reasonable.
func healthyWindow(n int, start time.Time) *window.Window {
	w := window.New(n)
	for i := 0; i < n; i++ {
		at := start.AddDate(0, 0, i)
		outcome := i%2 == 0
		candidate := 0.75
		baseline := 0.55
		if !outcome {
			candidate = 0.25
			baseline = 0.52 // baseline misses the down days
		}
		w.Push(window.Entry{
			Key:       core.NewCycleKey(at, core.SessionMorning),
			At:        core.NewTimestamp(at),
			Baseline:  baseline,
			Candidate: candidate,
			Outcome:   outcome,
		})
	}
	return w
}

func TestAssess_MutesOnLowF1(t *testing.T) {
	g := New(DefaultThresholds())
	start := time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC)

	a := g.Assess(degradedWindow(10, start))
	if !a.Evaluated {
		t.Fatal("expected an evaluated assessment")
	}
	if !a.ShouldMute {
		t.Fatalf("expected mute verdict, metrics: %+v", a.Metrics)
	}
	foundF1 := false
	for _, r := range a.Reasons {
		if strings.HasPrefix(r, "F1 ") && strings.Contains(r, "< 0.65") {
			foundF1 = true
		}
	}
	if !foundF1 {
		t.Errorf("expected an F1 reason naming value and threshold, got %v", a.Reasons)
	}
}

func TestAssess_HealthyWindowStaysLive(t *testing.T) {
	g := New(DefaultThresholds())
	start := time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC)

	a := g.Assess(healthyWindow(10, start))
	if !a.Evaluated {
		t.Fatal("expected an evaluated assessment")
	}
	if a.ShouldMute {
		t.Errorf("healthy window should not mute, reasons: %v metrics: %+v", a.Reasons, a.Metrics)
	}
}

func TestAssess_ThinWindowGivesNoVerdict(t *testing.T) {
	g := New(DefaultThresholds())
	start := time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC)

	a := g.Assess(degradedWindow(3, start))
	if a.Evaluated {
		t.Error("3 days is below the 5-day minimum, no verdict expected")
	}
	if a.ShouldMute {
		t.Error("thin window must never mute")
	}
}

func TestCanUnmute_RequiresAcknowledgment(t *testing.T) {
	g := New(DefaultThresholds())
	muteAt := time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC)
	ev := &MuteEvent{ID: "m1", At: core.NewTimestamp(muteAt)}

	// Fresh passing cohort, but no acknowledgment.
	fresh := healthyWindow(8, muteAt.AddDate(0, 0, 1))
	ok, reason := g.CanUnmute(ev, fresh)
	if ok {
		t.Fatal("un-mute without acknowledgment must be refused")
	}
	if !strings.Contains(reason, "acknowledgment") {
		t.Errorf("expected acknowledgment reason, got %q", reason)
	}
}

func TestCanUnmute_StaleWindowDoesNotCount(t *testing.T) {
	g := New(DefaultThresholds())
	muteAt := time.Date(2025, 8, 20, 16, 0, 0, 0, time.UTC)
	ack := core.Now()
	ev := &MuteEvent{ID: "m1", At: core.NewTimestamp(muteAt), Acknowledged: true, AckAt: &ack}

	// Every entry predates the mute: acknowledged or not, the cohort is
	// stale and must not clear the mute.
	stale := healthyWindow(10, muteAt.AddDate(0, 0, -15))
	ok, reason := g.CanUnmute(ev, stale)
	if ok {
		t.Fatal("stale pre-mute cohort must not clear the mute")
	}
	if !strings.Contains(reason, "fresh cohort") {
		t.Errorf("expected fresh-cohort reason, got %q", reason)
	}
}

func TestCanUnmute_FreshPassingCohortWithAck(t *testing.T) {
	g := New(DefaultThresholds())
	muteAt := time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC)
	ack := core.Now()
	ev := &MuteEvent{ID: "m1", At: core.NewTimestamp(muteAt), Acknowledged: true, AckAt: &ack}

	fresh := healthyWindow(8, muteAt.AddDate(0, 0, 1))
	ok, reason := g.CanUnmute(ev, fresh)
	if !ok {
		t.Fatalf("expected un-mute to clear, refused with %q", reason)
	}
}

func TestCanUnmute_FreshFailingCohortStaysMuted(t *testing.T) {
	g := New(DefaultThresholds())
	muteAt := time.Date(2025, 8, 10, 16, 0, 0, 0, time.UTC)
	ack := core.Now()
	ev := &MuteEvent{ID: "m1", At: core.NewTimestamp(muteAt), Acknowledged: true, AckAt: &ack}

	fresh := degradedWindow(8, muteAt.AddDate(0, 0, 1))
	ok, _ := g.CanUnmute(ev, fresh)
	if ok {
		t.Fatal("fresh cohort that still fails thresholds must stay muted")
	}
}
