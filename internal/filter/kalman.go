package filter

import "math"

// Default noise parameters for the IMU Kalman filter.
const (
	DefaultProcessNoise     = 0.1
	DefaultMeasurementNoise = 0.1

	// initialCovariance is the error covariance assigned when the filter is
	// seeded from its first measurement.
	initialCovariance = 1.0
)

// Kalman is a single-state recursive filter with fixed process noise Q and
// measurement noise R.
type Kalman struct {
	Q float64
	R float64
}

// KalmanState is the filter's estimate and error covariance. The zero value
// is unseeded; the first measurement seeds X and sets P to 1.
type KalmanState struct {
	X      float64
	P      float64
	Seeded bool
}

// Step folds measurement z into s and returns the new state.
//
//	gain = P/(P+R)
//	X   += gain*(z-X)
//	P    = (1-gain)*P + |Q|
func (k Kalman) Step(s KalmanState, z float64) KalmanState {
	if !s.Seeded {
		s = KalmanState{X: z, P: initialCovariance, Seeded: true}
	}
	gain := s.P / (s.P + k.R)
	next := KalmanState{
		X:      s.X + gain*(z-s.X),
		P:      (1-gain)*s.P + math.Abs(k.Q),
		Seeded: true,
	}
	// A degenerate R (0 with P 0) yields NaN; hold the previous estimate.
	if math.IsNaN(next.X) || math.IsInf(next.X, 0) || math.IsNaN(next.P) || math.IsInf(next.P, 0) {
		return s
	}
	return next
}

// Run filters window from state s and returns the smoothed series together
// with the final state. Non-finite measurements are not folded in; the
// current estimate is emitted in their place.
func (k Kalman) Run(s KalmanState, window []float32) ([]float32, KalmanState) {
	out := make([]float32, len(window))
	for i, z := range window {
		f := float64(z)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			if s.Seeded {
				out[i] = float32(s.X)
			}
			continue
		}
		s = k.Step(s, f)
		out[i] = float32(s.X)
	}
	return out, s
}
