package bifmon

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindowSize is the number of composite scores kept as the baseline.
const DefaultWindowSize = 10

// stdEpsilon absorbs rounding noise so that a history of identical values has
// a standard deviation of exactly zero.
const stdEpsilon = 1e-12

// Window is a bounded FIFO of past bifurcation indices.
//
// Trade-off: a small window reacts quickly to regime changes but gives a noisy
// baseline; a large one is stable but slow to forget an old regime.
type Window struct {
	values   []float64
	capacity int
}

// NewWindow creates a window holding at most capacity values.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		values:   make([]float64, 0, capacity),
		capacity: capacity,
	}
}

// Push appends v, evicting the oldest value once capacity is exceeded.
func (w *Window) Push(v float64) {
	if len(w.values) == w.capacity {
		copy(w.values, w.values[1:])
		w.values = w.values[:len(w.values)-1]
	}
	w.values = append(w.values, v)
}

// Values returns a copy, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, len(w.values))
	copy(out, w.values)
	return out
}

// Len returns the number of stored values.
func (w *Window) Len() int { return len(w.values) }

// Cap returns the window capacity.
func (w *Window) Cap() int { return w.capacity }

// Reset empties the window.
func (w *Window) Reset() { w.values = w.values[:0] }

// Baseline returns the arithmetic mean and population standard deviation of
// history. Mean is 0 for an empty history and std is 0 below two points.
func Baseline(history []float64) (mean, std float64) {
	switch len(history) {
	case 0:
		return 0, 0
	case 1:
		return history[0], 0
	}

	mean, std = stat.PopMeanStdDev(history, nil)
	if std < stdEpsilon {
		std = 0
	}
	return mean, std
}

// ZScore returns (current-mean)/std, or 0 when std is 0.
func ZScore(current, mean, std float64) float64 {
	if std > 0 {
		return (current - mean) / std
	}
	return 0
}

// Severity is the three-level outlier classification.
type Severity string

const (
	SeverityStable   Severity = "stable"   // Within the baseline (or still calibrating)
	SeverityWarning  Severity = "warning"  // z > threshold
	SeverityCritical Severity = "critical" // z > threshold × multiplier
)

// Classification is the outcome of comparing one observation to its baseline.
type Classification struct {
	Mean        float64
	StdDev      float64
	ZScore      float64
	Severity    Severity
	Calibrating bool // Fewer than MinBaseline prior points
	Baseline    int  // Number of prior points used
}

// Classifier turns a z-score into a Severity.
type Classifier struct {
	CriticalThreshold  float64 // z above this is a warning
	CriticalMultiplier float64 // z above threshold × multiplier is critical
	MinBaseline        int     // Prior points required before classifying
}

// DefaultClassifier returns the thresholds of the dashboard's monitor.
func DefaultClassifier() Classifier {
	return Classifier{
		CriticalThreshold:  2.5,
		CriticalMultiplier: 1.5,
		MinBaseline:        3,
	}
}

// Classify compares current against history, which must not include current.
func (c Classifier) Classify(current float64, history []float64) Classification {
	if len(history) < c.MinBaseline {
		return Classification{
			Severity:    SeverityStable,
			Calibrating: true,
			Baseline:    len(history),
		}
	}

	mean, std := Baseline(history)
	z := ZScore(current, mean, std)

	severity := SeverityStable
	switch {
	case z > c.CriticalThreshold*c.CriticalMultiplier:
		severity = SeverityCritical
	case z > c.CriticalThreshold:
		severity = SeverityWarning
	}

	return Classification{
		Mean:     mean,
		StdDev:   std,
		ZScore:   z,
		Severity: severity,
		Baseline: len(history),
	}
}

// Validate reports thresholds that can never classify sensibly.
func (c Classifier) Validate() error {
	if c.CriticalThreshold <= 0 {
		return fmt.Errorf("critical threshold must be positive, got %.4f", c.CriticalThreshold)
	}
	if c.CriticalMultiplier < 1 {
		return fmt.Errorf("critical multiplier must be >= 1, got %.4f", c.CriticalMultiplier)
	}
	if c.MinBaseline < 0 {
		return fmt.Errorf("min baseline must be >= 0, got %d", c.MinBaseline)
	}
	return nil
}
