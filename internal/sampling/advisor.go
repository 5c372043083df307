// Package sampling recommends sensor sampling rates from analysis results.
// Recommendations are advisory: nothing here talks to sensor hardware.
package sampling

import (
	"math"
	"slices"

	"github.com/banshee-data/motion.report/internal/biomech"
	"github.com/banshee-data/motion.report/internal/keyed"
)

const (
	DefaultMinRate = 25.0
	DefaultMaxRate = 1000.0
	// DefaultHighIntensity is the peak intensity, in g, treated as high
	// activity.
	DefaultHighIntensity = 1.5
	// DefaultHighAngularRate is the mean gyro magnitude, in rad/s, treated
	// as high activity.
	DefaultHighAngularRate = 3.0
	// DefaultStaticStreak is how many consecutive static windows pass before
	// the rate is lowered.
	DefaultStaticStreak = 3
)

// Change is the direction of a recommendation.
type Change string

const (
	Hold  Change = "hold"
	Raise Change = "raise"
	Lower Change = "lower"
)

// Recommendation is the advised rate for one sensor.
type Recommendation struct {
	SensorID    string  `json:"sensor_id"`
	Current     float64 `json:"current_hz"`
	Recommended float64 `json:"recommended_hz"`
	Change      Change  `json:"change"`
	Reason      string  `json:"reason"`
}

// Options tunes an Advisor. Zero fields take the defaults.
type Options struct {
	MinRate         float64
	MaxRate         float64
	HighIntensity   float64
	HighAngularRate float64
	StaticStreak    int
}

// Advisor tracks per-sensor activity and recommends rates.
type Advisor struct {
	opts   Options
	streak keyed.Map[int]
	locks  keyed.Locks
}

// NewAdvisor returns an Advisor.
func NewAdvisor(opts Options) *Advisor {
	if opts.MinRate <= 0 {
		opts.MinRate = DefaultMinRate
	}
	if opts.MaxRate <= 0 {
		opts.MaxRate = DefaultMaxRate
	}
	if opts.MaxRate < opts.MinRate {
		opts.MaxRate = opts.MinRate
	}
	if opts.HighIntensity <= 0 {
		opts.HighIntensity = DefaultHighIntensity
	}
	if opts.HighAngularRate <= 0 {
		opts.HighAngularRate = DefaultHighAngularRate
	}
	if opts.StaticStreak <= 0 {
		opts.StaticStreak = DefaultStaticStreak
	}
	return &Advisor{opts: opts}
}

// Recommend doubles the rate (up to MaxRate) on high activity and halves it
// (down to MinRate) after StaticStreak consecutive static windows.
func (a *Advisor) Recommend(sensorID string, current float64, res biomech.Result) Recommendation {
	rec := Recommendation{SensorID: sensorID, Current: current, Recommended: current, Change: Hold, Reason: "steady"}
	if res.Kinematics == nil {
		rec.Reason = "no imu data"
		return rec
	}

	unlock := a.locks.Lock(sensorID)
	defer unlock()

	switch {
	case a.high(res):
		a.streak.Delete(sensorID)
		rec.Recommended = math.Min(current*2, a.opts.MaxRate)
		rec.Reason = "high activity"
	case isStatic(res.Kinematics):
		n, _ := a.streak.Load(sensorID)
		n++
		if n < a.opts.StaticStreak {
			a.streak.Store(sensorID, n)
			rec.Reason = "static"
			return rec
		}
		a.streak.Delete(sensorID)
		rec.Recommended = math.Max(current*0.5, a.opts.MinRate)
		rec.Reason = "sustained static"
	default:
		a.streak.Delete(sensorID)
		return rec
	}

	switch {
	case rec.Recommended > current:
		rec.Change = Raise
	case rec.Recommended < current:
		rec.Change = Lower
	default:
		rec.Reason += " (at limit)"
	}
	return rec
}

func (a *Advisor) high(res biomech.Result) bool {
	if res.Kinematics.AngularRate >= a.opts.HighAngularRate {
		return true
	}
	for _, ma := range res.MuscleActivity {
		if ma.Peak >= a.opts.HighIntensity {
			return true
		}
	}
	return false
}

func isStatic(k *biomech.Kinematics) bool {
	return len(k.Patterns) == 0 || slices.Equal(k.Patterns, []string{biomech.PatternStatic})
}

// Forget drops the activity history of sensorID.
func (a *Advisor) Forget(sensorID string) {
	a.streak.Delete(sensorID)
}
