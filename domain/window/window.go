package window

import (
	"math"

	"shadowgate/domain/core"

	"github.com/montanaflynn/stats"
)

// Entry is one cohort day's worth of per-cycle metrics. Entries are
// appended once and never edited.
type Entry struct {
	Key                 core.CycleKey  `json:"key"`
	At                  core.Timestamp `json:"at"`
	Baseline            float64        `json:"baseline"`
	Candidate           float64        `json:"candidate"`
	Outcome             bool           `json:"outcome"`
	BaselineDivergence  float64        `json:"baseline_divergence"`
	CandidateDivergence float64        `json:"candidate_divergence"`
}

// Window is a fixed-size rolling buffer of cohort entries. Oldest
// entries drop off past the capacity.
type Window struct {
	capacity int
	entries  []Entry
}

// New creates an empty window with the given capacity.
func New(capacity int) *Window {
	return &Window{capacity: capacity}
}

// FromEntries builds a window over the most recent entries, at most
// capacity of them.
func FromEntries(capacity int, entries []Entry) *Window {
	w := New(capacity)
	for _, e := range entries {
		w.Push(e)
	}
	return w
}

// Push appends an entry, evicting the oldest when full.
func (w *Window) Push(e Entry) {
	w.entries = append(w.entries, e)
	if w.capacity > 0 && len(w.entries) > w.capacity {
		w.entries = w.entries[len(w.entries)-w.capacity:]
	}
}

// Len returns the number of entries currently held.
func (w *Window) Len() int {
	return len(w.entries)
}

// Entries returns a copy, oldest first.
func (w *Window) Entries() []Entry {
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Since returns a new window holding only entries strictly after t. Used
// to build the fresh cohort after a mute event.
func (w *Window) Since(t core.Timestamp) *Window {
	fresh := New(w.capacity)
	for _, e := range w.entries {
		if e.At.After(t) {
			fresh.Push(e)
		}
	}
	return fresh
}

func (w *Window) mean(f func(Entry) float64) float64 {
	if len(w.entries) == 0 {
		return 0
	}
	vals := make([]float64, len(w.entries))
	for i, e := range w.entries {
		vals[i] = f(e)
	}
	m, err := stats.Mean(vals)
	if err != nil {
		return 0
	}
	return m
}

func brier(p float64, outcome bool) float64 {
	o := 0.0
	if outcome {
		o = 1.0
	}
	return (p - o) * (p - o)
}

// BaselineBrier is the mean squared error of the baseline forecasts.
func (w *Window) BaselineBrier() float64 {
	return w.mean(func(e Entry) float64 { return brier(e.Baseline, e.Outcome) })
}

// CandidateBrier is the mean squared error of the candidate forecasts.
func (w *Window) CandidateBrier() float64 {
	return w.mean(func(e Entry) float64 { return brier(e.Candidate, e.Outcome) })
}

// BrierImprovementPct is the candidate's relative Brier improvement over
// the baseline, in percent. Positive means the candidate is better.
func (w *Window) BrierImprovementPct() float64 {
	base := w.BaselineBrier()
	if base == 0 {
		return 0
	}
	return (base - w.CandidateBrier()) / base * 100
}

// BaselineHitRate is the fraction of cycles where the baseline called the
// direction correctly.
func (w *Window) BaselineHitRate() float64 {
	return w.mean(func(e Entry) float64 {
		if (e.Baseline > 0.5) == e.Outcome {
			return 1
		}
		return 0
	})
}

// CandidateHitRate is the fraction of cycles where the candidate called
// the direction correctly.
func (w *Window) CandidateHitRate() float64 {
	return w.mean(func(e Entry) float64 {
		if (e.Candidate > 0.5) == e.Outcome {
			return 1
		}
		return 0
	})
}

// calibrationError is an ECE-style binned error: the entry-weighted mean
// gap between predicted confidence and observed accuracy per bin.
func (w *Window) calibrationError(pick func(Entry) float64, bins int) float64 {
	if len(w.entries) == 0 || bins <= 0 {
		return 0
	}
	type bin struct {
		n        int
		sumPred  float64
		sumHit   float64
	}
	buckets := make([]bin, bins)
	for _, e := range w.entries {
		p := pick(e)
		idx := int(p * float64(bins))
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		buckets[idx].n++
		buckets[idx].sumPred += p
		if e.Outcome {
			buckets[idx].sumHit++
		}
	}
	var ece float64
	total := float64(len(w.entries))
	for _, b := range buckets {
		if b.n == 0 {
			continue
		}
		n := float64(b.n)
		ece += n / total * math.Abs(b.sumPred/n-b.sumHit/n)
	}
	return ece
}

// BaselineCalibrationError is the baseline's ECE over 10 bins.
func (w *Window) BaselineCalibrationError() float64 {
	return w.calibrationError(func(e Entry) float64 { return e.Baseline }, 10)
}

// CandidateCalibrationError is the candidate's ECE over 10 bins.
func (w *Window) CandidateCalibrationError() float64 {
	return w.calibrationError(func(e Entry) float64 { return e.Candidate }, 10)
}

// BaselineDivergence is the mean gap to the external reference signal.
func (w *Window) MeanBaselineDivergence() float64 {
	return w.mean(func(e Entry) float64 { return e.BaselineDivergence })
}

// MeanCandidateDivergence is the candidate's mean gap to the external
// reference signal.
func (w *Window) MeanCandidateDivergence() float64 {
	return w.mean(func(e Entry) float64 { return e.CandidateDivergence })
}

// NotWorseStreak walks the window from the most recent entry backwards
// and counts consecutive cohort days where the candidate's Brier was not
// worse than the baseline's, stopping at the first failure.
func (w *Window) NotWorseStreak() int {
	streak := 0
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if brier(e.Candidate, e.Outcome) <= brier(e.Baseline, e.Outcome) {
			streak++
		} else {
			break
		}
	}
	return streak
}

// Classification treats the candidate as a binary classifier (positive =
// probability above 0.5) and scores it against the realized outcomes.
type Classification struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	TrueNegatives  int     `json:"true_negatives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	UsageRate      float64 `json:"usage_rate"` // fraction of cycles called positive
}

// Classify computes precision/recall/F1 and usage rate for the candidate.
func (w *Window) Classify() Classification {
	var c Classification
	for _, e := range w.entries {
		positive := e.Candidate > 0.5
		switch {
		case positive && e.Outcome:
			c.TruePositives++
		case positive && !e.Outcome:
			c.FalsePositives++
		case !positive && e.Outcome:
			c.FalseNegatives++
		default:
			c.TrueNegatives++
		}
	}
	if n := len(w.entries); n > 0 {
		c.UsageRate = float64(c.TruePositives+c.FalsePositives) / float64(n)
	}
	if c.TruePositives+c.FalsePositives > 0 {
		c.Precision = float64(c.TruePositives) / float64(c.TruePositives+c.FalsePositives)
	}
	if c.TruePositives+c.FalseNegatives > 0 {
		c.Recall = float64(c.TruePositives) / float64(c.TruePositives+c.FalseNegatives)
	}
	if c.Precision+c.Recall > 0 {
		c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
	}
	return c
}
