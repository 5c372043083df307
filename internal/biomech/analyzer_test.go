package biomech

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/sensor"
)

func imuAt(ts int64, accel [3]float32, gyro [3]float32) sensor.FilteredReading {
	return sensor.FilteredReading{
		Reading: sensor.Reading{
			SensorID:   "thigh",
			Channel:    sensor.IMU,
			Values:     []float32{accel[0], accel[1], accel[2], gyro[0], gyro[1], gyro[2], 20, 0, -40, 30},
			Timestamp:  ts,
			Confidence: 1,
		},
		Applied: []sensor.FilterKind{sensor.FilterKalman},
	}
}

func tofAt(ts int64, left, right float32, gain float32) sensor.FilteredReading {
	v := make([]float32, sensor.TOFArity)
	for z := 0; z < sensor.TOFZones; z++ {
		if z < sensor.TOFZones/2 {
			v[z] = left
		} else {
			v[z] = right
		}
	}
	v[sensor.TOFGain] = gain
	v[sensor.TOFAmbient] = 50
	return sensor.FilteredReading{
		Reading: sensor.Reading{SensorID: "insole", Channel: sensor.TOF, Values: v, Timestamp: ts, Confidence: 1},
		Applied: []sensor.FilterKind{sensor.FilterMedian},
	}
}

func atRest(n int) []sensor.FilteredReading {
	out := make([]sensor.FilteredReading, n)
	for i := range out {
		out[i] = imuAt(int64(i*10), [3]float32{0, 0, Gravity}, [3]float32{})
	}
	return out
}

func TestMuscleActivityAtRest(t *testing.T) {
	t.Parallel()

	ma, intensities, err := AnalyzeMuscleActivity(atRest(10), calibration.DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ma.Current, 1e-6)
	assert.InDelta(t, 1.0, ma.Peak, 1e-6)
	assert.InDelta(t, 0.0, ma.Variance, 1e-12)
	assert.Len(t, intensities, 10)
}

func TestMuscleActivityPeak(t *testing.T) {
	t.Parallel()

	window := atRest(3)
	window[1] = imuAt(10, [3]float32{0, 0, 3 * Gravity}, [3]float32{})
	ma, _, err := AnalyzeMuscleActivity(window, calibration.DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 5.0/3.0, ma.Current, 1e-6)
	assert.InDelta(t, 3.0, ma.Peak, 1e-6)
	assert.Greater(t, ma.Variance, 0.0)

	_, _, err = AnalyzeMuscleActivity(nil, calibration.DefaultParams())
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestKinematicsStatic(t *testing.T) {
	t.Parallel()

	k, err := AnalyzeKinematics(atRest(20), calibration.DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 0, k.Velocity, 1e-5)
	assert.InDelta(t, 0, k.Excursion, 1e-9)
	assert.Equal(t, []string{PatternStatic}, k.Patterns)
}

func TestKinematicsTrapezoid(t *testing.T) {
	t.Parallel()

	// constant 1 m/s² of extra acceleration for 1s, sampled every 100ms
	var window []sensor.FilteredReading
	for i := 0; i <= 10; i++ {
		window = append(window, imuAt(int64(i*100), [3]float32{0, 0, Gravity + 1}, [3]float32{}))
	}

	p := calibration.DefaultParams()
	p.IMUDriftCorrection = 0.1
	k, err := AnalyzeKinematics(window, p)
	require.NoError(t, err)

	// v_i = (v_{i-1} + 0.1) * (1 - 0.1*0.1)
	want := 0.0
	for i := 0; i < 10; i++ {
		want = (want + 0.1) * 0.99
	}
	assert.InDelta(t, want, k.Velocity, 1e-5)
	assert.InDelta(t, want, k.PeakVelocity, 1e-5)
	assert.InDelta(t, 1.0, k.Acceleration, 1e-5)
	assert.Contains(t, k.Patterns, PatternLinear)

	// stronger drift correction bleeds off more velocity
	p.IMUDriftCorrection = 2.0
	k2, err := AnalyzeKinematics(window, p)
	require.NoError(t, err)
	assert.Less(t, k2.Velocity, k.Velocity)
}

func TestKinematicsRotation(t *testing.T) {
	t.Parallel()

	// 1 rad/s about x for 500ms, then 1 rad/s back
	var window []sensor.FilteredReading
	for i := 0; i <= 5; i++ {
		window = append(window, imuAt(int64(i*100), [3]float32{0, 0, Gravity}, [3]float32{1, 0, 0}))
	}
	for i := 6; i <= 10; i++ {
		window = append(window, imuAt(int64(i*100), [3]float32{0, 0, Gravity}, [3]float32{-1, 0, 0}))
	}

	p := calibration.DefaultParams()
	p.IMUDriftCorrection = 0.1
	k, err := AnalyzeKinematics(window, p)
	require.NoError(t, err)
	assert.Greater(t, k.Excursion, 20.0)
	assert.Less(t, k.Excursion, 30.0)
	assert.Equal(t, []string{PatternRotational}, k.Patterns)
}

func TestKinematicsUnorderedAndDuplicateTimestamps(t *testing.T) {
	t.Parallel()

	window := []sensor.FilteredReading{
		imuAt(200, [3]float32{0, 0, Gravity}, [3]float32{}),
		imuAt(0, [3]float32{0, 0, Gravity}, [3]float32{}),
		imuAt(0, [3]float32{0, 0, Gravity}, [3]float32{}),
		imuAt(100, [3]float32{0, 0, Gravity}, [3]float32{}),
	}
	k, err := AnalyzeKinematics(window, calibration.DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 0, k.Velocity, 1e-5)
}

func TestLoadDistribution(t *testing.T) {
	t.Parallel()

	p := calibration.DefaultParams() // gain 8, threshold 1.0

	tests := []struct {
		name          string
		window        []sensor.FilteredReading
		wantBalance   float64
		wantDirection float64
		wantMagnitude float64
	}{
		{"even", []sensor.FilteredReading{tofAt(0, 100, 100, 8)}, 1, 0, 200},
		{"left heavy", []sensor.FilteredReading{tofAt(0, 300, 100, 8)}, 0.5, -0.5, 400},
		{"right only", []sensor.FilteredReading{tofAt(0, 0, 50, 8)}, 0, 1, 50},
		{"unloaded", []sensor.FilteredReading{tofAt(0, 0, 0, 8)}, 1, 0, 0},
		{"below threshold ignored", []sensor.FilteredReading{tofAt(0, 0.5, 0.9, 8)}, 1, 0, 0},
		{"gain rescaled", []sensor.FilteredReading{tofAt(0, 100, 100, 4)}, 1, 0, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := CalculateLoadDistribution(tt.window, p)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantBalance, f.Balance, 1e-9)
			assert.InDelta(t, tt.wantDirection, f.Direction, 1e-9)
			assert.InDelta(t, tt.wantMagnitude, f.Magnitude, 1e-6)
		})
	}

	_, err := CalculateLoadDistribution(atRest(2), p)
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestBalanceInvariant(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Balance(0, 0))
	assert.Equal(t, 1.0, Balance(-3, 0))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10_000; i++ {
		l := (rng.Float64() - 0.2) * math.Pow(10, float64(rng.Intn(12)-4))
		r := (rng.Float64() - 0.2) * math.Pow(10, float64(rng.Intn(12)-4))
		b := Balance(l, r)
		require.GreaterOrEqual(t, b, 0.0, "l=%v r=%v", l, r)
		require.LessOrEqual(t, b, 1.0, "l=%v r=%v", l, r)
		if l == r && l >= 0 {
			require.Equal(t, 1.0, b)
		}
	}
	assert.Equal(t, 0.0, Balance(math.Inf(1), 1))
}

func TestAnalyzeLabelsAndReference(t *testing.T) {
	t.Parallel()

	window := append(atRest(5), tofAt(40, 100, 300, 8))
	ref := Reference{
		MuscleActivity: map[string]float64{"quadriceps": 1.2},
		RangeOfMotion:  map[string]float64{"knee": 15},
	}
	res, err := Analyzer{}.Analyze("thigh", window, calibration.DefaultParams(),
		Placement{Muscle: "quadriceps", Joint: "knee", Region: "lower_body"}, ref)
	require.NoError(t, err)

	assert.Equal(t, "thigh", res.SensorID)
	assert.Equal(t, int64(40), res.Timestamp)
	require.Contains(t, res.MuscleActivity, "quadriceps")
	assert.Equal(t, 1.2, res.MuscleActivity["quadriceps"].Baseline)
	require.Contains(t, res.RangeOfMotion, "knee")
	assert.Equal(t, 15.0, res.RangeOfMotion["knee"].Baseline)
	assert.InDelta(t, 15.0, res.RangeOfMotion["knee"].Deviation, 1e-9)
	require.Contains(t, res.ForceDistribution, "lower_body")
	assert.InDelta(t, 0.5, res.ForceDistribution["lower_body"].Balance, 1e-9)
	assert.Len(t, res.Intensities, 5)
	require.NotNil(t, res.Kinematics)
}

func TestAnalyzeDefaultsLabelsToSensor(t *testing.T) {
	t.Parallel()

	res, err := Analyzer{}.Analyze("wrist", atRest(3), calibration.DefaultParams(), Placement{}, Reference{})
	require.NoError(t, err)
	assert.Contains(t, res.MuscleActivity, "wrist")
	assert.Contains(t, res.RangeOfMotion, "wrist")
	assert.Empty(t, res.ForceDistribution)
	assert.Zero(t, res.RangeOfMotion["wrist"].Deviation)

	_, err = Analyzer{}.Analyze("wrist", nil, calibration.DefaultParams(), Placement{}, Reference{})
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestAnalyzeUsesLatestSampleWindow(t *testing.T) {
	t.Parallel()

	window := make([]sensor.FilteredReading, 0, 120)
	for i := 119; i >= 0; i-- {
		accel := [3]float32{0, 0, Gravity}
		if i < 70 {
			accel[2] = 2 * Gravity
		}
		window = append(window, imuAt(int64(i*10), accel, [3]float32{}))
	}

	p := calibration.DefaultParams()
	p.SampleWindow = 50
	res, err := Analyzer{}.Analyze("thigh", window, p, Placement{}, Reference{})
	require.NoError(t, err)
	assert.Len(t, res.Intensities, 50)
	assert.InDelta(t, 1.0, res.MuscleActivity["thigh"].Current, 1e-6, "older readings fall outside the window")

	p.SampleWindow = 500
	res, err = Analyzer{}.Analyze("thigh", window, p, Placement{}, Reference{})
	require.NoError(t, err)
	assert.Len(t, res.Intensities, 120)
	assert.Greater(t, res.MuscleActivity["thigh"].Current, 1.5)
}
