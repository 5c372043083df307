// Package anomaly scores current metric samples against a subject's
// baseline distribution and keeps a versioned history of those baselines.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/motion.report/internal/keyed"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

const (
	// DefaultThreshold normalises the combined deviation into [0,1].
	DefaultThreshold = 0.85
	// DefaultCandidateZ is the z-score above which a sample is a candidate
	// anomaly.
	DefaultCandidateZ = 2.0
	// MaxZ caps the z-score reported against a zero-variance baseline.
	MaxZ = 100.0

	eps = 1e-9
)

var (
	// ErrEmptyBaseline is returned when a baseline update carries no values.
	ErrEmptyBaseline = errors.New("empty baseline")
	// ErrNoBaseline is returned when scoring against a subject with no
	// stored baseline.
	ErrNoBaseline = errors.New("no baseline for subject")
)

// Score is the anomaly assessment of one current sample.
type Score struct {
	Metric string  `json:"metric_name"`
	Index  int     `json:"index"`
	Value  float64 `json:"value"`
	// Score is the z-score in standard deviations (≥ 0).
	Score float64 `json:"score"`
	// Normalized combines the z-score and relative deviation, scaled by the
	// threshold and capped at 1.
	Normalized float64 `json:"normalized"`
	Candidate  bool    `json:"candidate"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// Baseline is one stored version of a subject's reference distribution.
type Baseline struct {
	SubjectID  string    `json:"subject_id"`
	Version    int       `json:"version"`
	Values     []float32 `json:"values"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"std_dev"`
	Variance   float64   `json:"variance"`
	Count      int       `json:"count"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Options configures a Detector. Zero fields take the defaults.
type Options struct {
	Threshold  float64
	CandidateZ float64
	Clock      timeutil.Clock
	// OnUpdate, if set, receives each new baseline version after it is
	// stored.
	OnUpdate func(Baseline)
}

// Detector scores samples and stores baselines. Baseline updates for one
// subject are serialised; different subjects never contend.
type Detector struct {
	threshold  float64
	candidateZ float64
	clock      timeutil.Clock
	onUpdate   func(Baseline)

	locks     keyed.Locks
	baselines keyed.Map[[]Baseline]
}

// NewDetector returns a Detector.
func NewDetector(opts Options) *Detector {
	d := &Detector{threshold: opts.Threshold, candidateZ: opts.CandidateZ, clock: opts.Clock, onUpdate: opts.OnUpdate}
	if d.threshold <= 0 {
		d.threshold = DefaultThreshold
	}
	if d.candidateZ <= 0 {
		d.candidateZ = DefaultCandidateZ
	}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	return d
}

// Threshold returns the normalisation threshold in use.
func (d *Detector) Threshold() float64 { return d.threshold }

// Detect scores each value of current against the baseline distribution.
// An empty baseline yields no scores.
func (d *Detector) Detect(metric string, current, baseline []float32, ts int64) []Score {
	if len(baseline) == 0 || len(current) == 0 {
		return nil
	}
	mean, std := meanStd(toFloat64(baseline))
	return d.score(metric, current, mean, std, len(baseline), ts)
}

// DetectFor scores current against the subject's current baseline.
func (d *Detector) DetectFor(subjectID, metric string, current []float32, ts int64) ([]Score, error) {
	b, ok := d.Baseline(subjectID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBaseline, subjectID)
	}
	return d.score(metric, current, b.Mean, b.StdDev, b.Count, ts), nil
}

func (d *Detector) score(metric string, current []float32, mean, std float64, n int, ts int64) []Score {
	conf := sampleConfidence(n)
	scores := make([]Score, 0, len(current))
	for i, v := range current {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		dev := math.Abs(x - mean)

		var z float64
		switch {
		case std > eps:
			z = dev / std
		case dev > eps:
			z = MaxZ
		}
		z = math.Min(z, MaxZ)

		relDev := math.Min(dev/math.Max(math.Abs(mean), eps), 1)
		combined := (z/d.candidateZ + relDev) / 2
		scores = append(scores, Score{
			Metric:     metric,
			Index:      i,
			Value:      x,
			Score:      z,
			Normalized: math.Min(combined/d.threshold, 1),
			Candidate:  z > d.candidateZ,
			Confidence: conf,
			Timestamp:  ts,
		})
	}
	return scores
}

// sampleConfidence grows with the baseline sample count and reaches 1 at
// 100 samples.
func sampleConfidence(n int) float64 {
	if n <= 1 {
		return 0
	}
	return math.Min(math.Log10(float64(n))/2, 1)
}

// UpdateBaseline stores values as the subject's new current baseline.
// Earlier versions remain available through BaselineHistory.
func (d *Detector) UpdateBaseline(subjectID string, values []float32) error {
	_, err := d.addBaseline(subjectID, values, false)
	return err
}

// addBaseline appends a version built from values. With firstOnly it does
// nothing when the subject already has a baseline; the check and the append
// share the subject lock.
func (d *Detector) addBaseline(subjectID string, values []float32, firstOnly bool) (bool, error) {
	if len(values) == 0 {
		return false, fmt.Errorf("%w: %s", ErrEmptyBaseline, subjectID)
	}
	vals := toFloat64(values)
	if floats.HasNaN(vals) || math.IsInf(floats.Sum(vals), 0) {
		return false, fmt.Errorf("baseline for %s contains non-finite values", subjectID)
	}

	mean, std := meanStd(vals)
	variance := std * std
	n := len(vals)

	unlock := d.locks.Lock(subjectID)
	prev, _ := d.baselines.Load(subjectID)
	if firstOnly && len(prev) > 0 {
		unlock()
		return false, nil
	}
	b := Baseline{
		SubjectID:  subjectID,
		Version:    len(prev) + 1,
		Values:     slices.Clone(values),
		Mean:       mean,
		StdDev:     std,
		Variance:   variance,
		Count:      n,
		Confidence: BaselineConfidence(variance, n),
		CreatedAt:  d.clock.Now(),
	}
	d.baselines.Store(subjectID, append(slices.Clip(prev), b))
	unlock()

	if d.onUpdate != nil {
		d.onUpdate(b)
	}
	return true, nil
}

// Restore installs previously persisted versions for a subject that has no
// baselines in memory. It reports whether anything was installed.
func (d *Detector) Restore(history []Baseline) bool {
	if len(history) == 0 {
		return false
	}
	subjectID := history[0].SubjectID
	h := slices.Clone(history)
	slices.SortFunc(h, func(a, b Baseline) int { return a.Version - b.Version })

	unlock := d.locks.Lock(subjectID)
	defer unlock()
	if prev, _ := d.baselines.Load(subjectID); len(prev) > 0 {
		return false
	}
	d.baselines.Store(subjectID, h)
	return true
}

// EnsureBaseline stores values as the first baseline for subjectID if it has
// none. It reports whether a baseline was created.
func (d *Detector) EnsureBaseline(subjectID string, values []float32) (bool, error) {
	if _, ok := d.Baseline(subjectID); ok {
		return false, nil
	}
	return d.addBaseline(subjectID, values, true)
}

// BaselineConfidence is min(1/(1+variance) * log10(count), 1).
func BaselineConfidence(variance float64, count int) float64 {
	if count <= 0 {
		return 0
	}
	c := 1 / (1 + variance) * math.Log10(float64(count))
	return math.Max(0, math.Min(c, 1))
}

// Baseline returns the subject's current baseline.
func (d *Detector) Baseline(subjectID string) (Baseline, bool) {
	h, _ := d.baselines.Load(subjectID)
	if len(h) == 0 {
		return Baseline{}, false
	}
	return h[len(h)-1], true
}

// BaselineHistory returns every stored version, oldest first.
func (d *Detector) BaselineHistory(subjectID string) []Baseline {
	h, _ := d.baselines.Load(subjectID)
	return slices.Clone(h)
}

// SubjectKey builds the baseline key for one metric of one athlete.
func SubjectKey(athleteID, metric string) string {
	return athleteID + "/" + metric
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// meanStd returns the mean and sample standard deviation. A single sample
// has zero spread.
func meanStd(v []float64) (float64, float64) {
	if len(v) < 2 {
		return stat.Mean(v, nil), 0
	}
	return stat.MeanStdDev(v, nil)
}
