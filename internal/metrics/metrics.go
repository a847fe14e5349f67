package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the engine's operational metrics via Prometheus.
type Recorder struct {
	cyclesTotal        *prometheus.CounterVec
	guardrailRejects   *prometheus.CounterVec
	gateVerdicts       *prometheus.CounterVec
	muteEvents         prometheus.Counter
	finalProbability   prometheus.Gauge
	candidateStateInfo *prometheus.GaugeVec
}

// New creates a recorder registered on the given registry.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowgate_cycles_total",
				Help: "Shadow cycles run, by session and result",
			},
			[]string{"session", "result"},
		),
		guardrailRejects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowgate_guardrail_rejections_total",
				Help: "Adjustments rejected by guardrail policy",
			},
			[]string{"policy"},
		),
		gateVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowgate_gate_verdicts_total",
				Help: "Rollout gate evaluations, by verdict",
			},
			[]string{"verdict"},
		),
		muteEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowgate_mute_events_total",
				Help: "Governor mute events",
			},
		),
		finalProbability: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shadowgate_final_probability",
				Help: "Last adjusted candidate probability",
			},
		),
		candidateStateInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shadowgate_candidate_state",
				Help: "Current candidate lifecycle state (1 = active)",
			},
			[]string{"state"},
		),
	}
}

// RecordCycle records a shadow cycle run.
func (r *Recorder) RecordCycle(session, result string) {
	r.cyclesTotal.WithLabelValues(session, result).Inc()
}

// RecordGuardrailRejection records a policy rejection.
func (r *Recorder) RecordGuardrailRejection(policy string) {
	r.guardrailRejects.WithLabelValues(policy).Inc()
}

// RecordGateVerdict records one rollout gate evaluation.
func (r *Recorder) RecordGateVerdict(ready bool) {
	verdict := "not_ready"
	if ready {
		verdict = "ready"
	}
	r.gateVerdicts.WithLabelValues(verdict).Inc()
}

// RecordMute records a governor mute event.
func (r *Recorder) RecordMute() {
	r.muteEvents.Inc()
}

// RecordFinalProbability publishes the latest adjusted probability.
func (r *Recorder) RecordFinalProbability(p float64) {
	r.finalProbability.Set(p)
}

// RecordState publishes the lifecycle state as a one-hot gauge.
func (r *Recorder) RecordState(state string) {
	for _, s := range []string{"SHADOW", "CANDIDATE_READY", "LIVE", "MUTED"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.candidateStateInfo.WithLabelValues(s).Set(v)
	}
}
