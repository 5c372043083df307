// Package biomech derives muscle activity, kinematics and load distribution
// from filtered sensor windows.
//
// Every function here is a pure function of its input window and the
// sensor's calibration parameters; an Analyzer holds no mutable state and
// may be shared across goroutines.
package biomech

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/sensor"
)

// Gravity is the reference acceleration used to normalise intensity.
const Gravity = 9.81

var (
	// ErrEmptyWindow is returned when a window holds no readings of the
	// required channel.
	ErrEmptyWindow = errors.New("empty window")
	// ErrDegenerate is returned when a computation produces a non-finite
	// value.
	ErrDegenerate = errors.New("degenerate computation")
)

// MuscleActivity summarises accelerometer-derived effort for one muscle
// group. Current and Peak are ratios to Gravity.
type MuscleActivity struct {
	Current  float64 `json:"current"`
	Peak     float64 `json:"peak"`
	Baseline float64 `json:"baseline"`
	Variance float64 `json:"variance"`
}

// Force is the load carried by one body region.
type Force struct {
	Magnitude float64 `json:"magnitude"`
	// Direction is (right-left)/(right+left): negative loads the left side.
	Direction float64 `json:"direction"`
	Balance   float64 `json:"balance"`
}

// Motion is the range of motion of one joint, in degrees.
type Motion struct {
	Current   float64 `json:"current"`
	Baseline  float64 `json:"baseline"`
	Deviation float64 `json:"deviation"`
}

// Movement pattern labels.
const (
	PatternStatic     = "static"
	PatternLinear     = "linear"
	PatternRotational = "rotational"
)

// Kinematics is the integrated motion over one IMU window.
type Kinematics struct {
	// Velocity is the drift-corrected linear speed at the end of the window (m/s).
	Velocity     float64 `json:"velocity"`
	PeakVelocity float64 `json:"peak_velocity"`
	// Acceleration is the mean gravity-removed acceleration magnitude (m/s²).
	Acceleration float64 `json:"acceleration"`
	// AngularRate is the mean gyro magnitude (rad/s).
	AngularRate float64 `json:"angular_rate"`
	// Excursion is the largest per-axis angular range (degrees).
	Excursion float64  `json:"excursion"`
	Patterns  []string `json:"patterns"`
}

// Result is the analysis of one evaluation window.
type Result struct {
	SensorID          string                    `json:"sensor_id"`
	Timestamp         int64                     `json:"timestamp"`
	MuscleActivity    map[string]MuscleActivity `json:"muscle_activity"`
	ForceDistribution map[string]Force          `json:"force_distribution"`
	RangeOfMotion     map[string]Motion         `json:"range_of_motion"`
	Kinematics        *Kinematics               `json:"kinematics,omitempty"`
	// Intensities are the per-reading normalised accelerometer magnitudes,
	// kept for anomaly scoring.
	Intensities []float32 `json:"-"`
}

// Placement maps a sensor to the body labels its metrics are reported under.
// Empty labels default to the sensor id.
type Placement struct {
	Muscle string `json:"muscle,omitempty"`
	Joint  string `json:"joint,omitempty"`
	Region string `json:"region,omitempty"`
}

func (p Placement) withDefaults(sensorID string) Placement {
	if p.Muscle == "" {
		p.Muscle = sensorID
	}
	if p.Joint == "" {
		p.Joint = sensorID
	}
	if p.Region == "" {
		p.Region = sensorID
	}
	return p
}

// Reference carries baseline values keyed by muscle and joint label.
type Reference struct {
	MuscleActivity map[string]float64 `json:"muscle_activity,omitempty"`
	RangeOfMotion  map[string]float64 `json:"range_of_motion,omitempty"`
}

// Analyzer computes biomechanics results. The zero value is ready to use.
type Analyzer struct{}

// Analyze runs every analysis that applies to the readings' channels and
// assembles a Result labelled according to placement. Each channel is
// limited to its latest p.SampleWindow readings.
func (Analyzer) Analyze(sensorID string, filtered []sensor.FilteredReading, p calibration.Params, placement Placement, ref Reference) (Result, error) {
	if len(filtered) == 0 {
		return Result{}, fmt.Errorf("%w: sensor %s", ErrEmptyWindow, sensorID)
	}
	placement = placement.withDefaults(sensorID)
	res := Result{
		SensorID:          sensorID,
		Timestamp:         filtered[len(filtered)-1].Timestamp,
		MuscleActivity:    map[string]MuscleActivity{},
		ForceDistribution: map[string]Force{},
		RangeOfMotion:     map[string]Motion{},
	}

	imu, tof := split(filtered)
	imu, tof = latest(imu, p.SampleWindow), latest(tof, p.SampleWindow)
	if len(imu) > 0 {
		ma, intensities, err := AnalyzeMuscleActivity(imu, p)
		if err != nil {
			return Result{}, err
		}
		ma.Baseline = ref.MuscleActivity[placement.Muscle]
		res.MuscleActivity[placement.Muscle] = ma
		res.Intensities = intensities

		k, err := AnalyzeKinematics(imu, p)
		if err != nil {
			return Result{}, err
		}
		res.Kinematics = &k

		m := Motion{Current: k.Excursion}
		if base, ok := ref.RangeOfMotion[placement.Joint]; ok {
			m.Baseline = base
			m.Deviation = math.Abs(k.Excursion - base)
		}
		res.RangeOfMotion[placement.Joint] = m
	}
	if len(tof) > 0 {
		f, err := CalculateLoadDistribution(tof, p)
		if err != nil {
			return Result{}, err
		}
		res.ForceDistribution[placement.Region] = f
	}
	return res, nil
}

func split(filtered []sensor.FilteredReading) (imu, tof []sensor.FilteredReading) {
	for _, r := range filtered {
		switch r.Channel {
		case sensor.IMU:
			imu = append(imu, r)
		case sensor.TOF:
			tof = append(tof, r)
		}
	}
	return imu, tof
}

// latest returns the n most recent readings, or all of them when n <= 0.
func latest(rs []sensor.FilteredReading, n int) []sensor.FilteredReading {
	if n <= 0 || len(rs) <= n {
		return rs
	}
	sorted := slices.Clone(rs)
	slices.SortStableFunc(sorted, func(a, b sensor.FilteredReading) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return sorted[len(sorted)-n:]
}

// AnalyzeMuscleActivity returns intensity (mean accelerometer magnitude over
// Gravity), the in-window peak and the variance of the normalised
// magnitudes, plus the per-reading magnitudes themselves.
func AnalyzeMuscleActivity(filtered []sensor.FilteredReading, _ calibration.Params) (MuscleActivity, []float32, error) {
	mags := make([]float64, 0, len(filtered))
	for _, r := range filtered {
		if r.Channel != sensor.IMU || len(r.Values) < sensor.IMUArity {
			continue
		}
		mags = append(mags, r.AccelMagnitude()/Gravity)
	}
	if len(mags) == 0 {
		return MuscleActivity{}, nil, fmt.Errorf("%w: no imu readings", ErrEmptyWindow)
	}

	mean, variance := stat.PopMeanVariance(mags, nil)
	ma := MuscleActivity{
		Current:  mean,
		Peak:     floats.Max(mags),
		Variance: variance,
	}
	if !finite(ma.Current, ma.Peak, ma.Variance) {
		return MuscleActivity{}, nil, fmt.Errorf("%w: muscle activity", ErrDegenerate)
	}

	intensities := make([]float32, len(mags))
	for i, m := range mags {
		intensities[i] = float32(m)
	}
	return ma, intensities, nil
}

// AnalyzeKinematics integrates the IMU window. Linear speed is the
// trapezoidal integral of gravity-removed acceleration with a leak of
// IMUDriftCorrection per second; angle per gyro axis is integrated the same
// way. Movement above FilterCutoff/10 (m/s² or rad/s) is labelled linear or
// rotational.
func AnalyzeKinematics(filtered []sensor.FilteredReading, p calibration.Params) (Kinematics, error) {
	rs := make([]sensor.FilteredReading, 0, len(filtered))
	for _, r := range filtered {
		if r.Channel == sensor.IMU && len(r.Values) >= sensor.IMUArity {
			rs = append(rs, r)
		}
	}
	if len(rs) == 0 {
		return Kinematics{}, fmt.Errorf("%w: no imu readings", ErrEmptyWindow)
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Timestamp < rs[j].Timestamp })

	lin := make([]float64, len(rs))
	rate := make([]float64, len(rs))
	for i, r := range rs {
		lin[i] = r.AccelMagnitude() - Gravity
		rate[i] = r.GyroMagnitude()
	}

	var (
		v, peak float64
		angle   [3]float64
		lo, hi  [3]float64
	)
	k := p.IMUDriftCorrection
	for i := 1; i < len(rs); i++ {
		dt := float64(rs[i].Timestamp-rs[i-1].Timestamp) / 1000
		if dt <= 0 {
			continue
		}
		leak := math.Max(0, 1-k*dt)
		v = (v + (lin[i-1]+lin[i])/2*dt) * leak
		peak = math.Max(peak, math.Abs(v))

		for axis := 0; axis < 3; axis++ {
			w0 := float64(rs[i-1].Values[sensor.GyroX+axis])
			w1 := float64(rs[i].Values[sensor.GyroX+axis])
			angle[axis] = (angle[axis] + (w0+w1)/2*dt) * leak
			lo[axis] = math.Min(lo[axis], angle[axis])
			hi[axis] = math.Max(hi[axis], angle[axis])
		}
	}

	var excursion float64
	for axis := 0; axis < 3; axis++ {
		excursion = math.Max(excursion, hi[axis]-lo[axis])
	}

	absLin := make([]float64, len(lin))
	for i, a := range lin {
		absLin[i] = math.Abs(a)
	}
	kin := Kinematics{
		Velocity:     math.Abs(v),
		PeakVelocity: peak,
		Acceleration: stat.Mean(absLin, nil),
		AngularRate:  stat.Mean(rate, nil),
		Excursion:    excursion * 180 / math.Pi,
	}
	if !finite(kin.Velocity, kin.PeakVelocity, kin.Acceleration, kin.AngularRate, kin.Excursion) {
		return Kinematics{}, fmt.Errorf("%w: kinematics", ErrDegenerate)
	}

	floor := p.FilterCutoff / 10
	if kin.Acceleration > floor {
		kin.Patterns = append(kin.Patterns, PatternLinear)
	}
	if kin.AngularRate > floor {
		kin.Patterns = append(kin.Patterns, PatternRotational)
	}
	if len(kin.Patterns) == 0 {
		kin.Patterns = []string{PatternStatic}
	}
	return kin, nil
}

// CalculateLoadDistribution splits ToF zones into a left half and a right
// half, rescales each reading from its reported gain to the calibrated
// TOFGain, ignores zone loads below PressureThreshold, and compares the side
// means: balance = 1 - |l-r|/(l+r), or 1 when both sides are unloaded.
func CalculateLoadDistribution(filtered []sensor.FilteredReading, p calibration.Params) (Force, error) {
	var left, right []float64
	half := sensor.TOFZones / 2
	for _, r := range filtered {
		if r.Channel != sensor.TOF || len(r.Values) < sensor.TOFArity {
			continue
		}
		scale := 1.0
		if g := float64(r.Values[sensor.TOFGain]); g >= 1 {
			scale = float64(p.TOFGain) / g
		}
		for z := 0; z < sensor.TOFZones; z++ {
			load := float64(r.Values[z]) * scale
			if load < p.PressureThreshold {
				load = 0
			}
			if z < half {
				left = append(left, load)
			} else {
				right = append(right, load)
			}
		}
	}
	if len(left) == 0 {
		return Force{}, fmt.Errorf("%w: no tof readings", ErrEmptyWindow)
	}

	l, r := stat.Mean(left, nil), stat.Mean(right, nil)
	if !finite(l, r) {
		return Force{}, fmt.Errorf("%w: load distribution", ErrDegenerate)
	}
	f := Force{Magnitude: l + r, Balance: Balance(l, r)}
	if l+r > 0 {
		f.Direction = (r - l) / (r + l)
	}
	return f, nil
}

// Balance returns 1 - |l-r|/(l+r) clamped to [0,1], or 1 when both sides
// are zero. Negative side loads count as zero.
func Balance(l, r float64) float64 {
	l, r = math.Max(l, 0), math.Max(r, 0)
	if l+r == 0 {
		return 1
	}
	return clamp01(1 - math.Abs(l-r)/(l+r))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
