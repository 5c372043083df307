package filter

import (
	"math"

	"github.com/banshee-data/motion.report/internal/config"
	"github.com/banshee-data/motion.report/internal/sensor"
)

// Range is an inclusive accepted interval for a sample value.
type Range struct {
	Min, Max float32
}

func (r Range) clamp(v float32) (float32, bool) {
	if v < r.Min {
		return r.Min, false
	}
	if v > r.Max {
		return r.Max, false
	}
	return v, true
}

// Channel-wide envelopes used when no axis is given.
var (
	imuEnvelope = Range{Min: -5000, Max: 5000}
	tofEnvelope = Range{Min: 0, Max: 100000}
)

// AxisRange returns the plausible physical range for value index axis of a
// reading on channel ch. A negative axis returns the channel envelope.
func AxisRange(ch sensor.Channel, axis int) Range {
	switch ch {
	case sensor.IMU:
		switch {
		case axis < 0:
			return imuEnvelope
		case axis <= sensor.AccelZ:
			return Range{-160, 160} // ±16 g in m/s²
		case axis <= sensor.GyroZ:
			return Range{-35, 35} // ±2000 °/s in rad/s
		case axis <= sensor.MagZ:
			return Range{-4900, 4900} // µT
		case axis == sensor.Temperature:
			return Range{-40, 125} // °C
		}
	case sensor.TOF:
		switch {
		case axis < 0:
			return tofEnvelope
		case axis < sensor.TOFZones:
			return Range{0, 4000} // mm
		case axis == sensor.TOFGain:
			return Range{0, 16}
		case axis == sensor.TOFAmbient:
			return Range{0, 100000}
		}
	}
	return Range{Min: -math.MaxFloat32, Max: math.MaxFloat32}
}

// Quality summarises the range checks applied to one filtered window.
type Quality struct {
	Samples    int     `json:"samples"`
	NonFinite  int     `json:"non_finite"`
	OutOfRange int     `json:"out_of_range"`
	Confidence float64 `json:"confidence"`
}

func (q *Quality) merge(o Quality) {
	q.Samples += o.Samples
	q.NonFinite += o.NonFinite
	q.OutOfRange += o.OutOfRange
	q.finish()
}

func (q *Quality) finish() {
	if q.Samples == 0 {
		q.Confidence = 1
		return
	}
	good := q.Samples - q.NonFinite - q.OutOfRange
	q.Confidence = float64(good) / float64(q.Samples)
}

// SignalFilter applies the channel-specific noise filter. The zero value
// uses the default noise and window parameters.
type SignalFilter struct {
	Kalman       Kalman
	MedianWindow int
}

// New returns a SignalFilter configured from cfg.
func New(cfg *config.EngineConfig) *SignalFilter {
	return &SignalFilter{
		Kalman: Kalman{
			Q: cfg.GetKalmanProcessNoise(),
			R: cfg.GetKalmanMeasurementNoise(),
		},
		MedianWindow: DefaultMedianWindow,
	}
}

func (f *SignalFilter) kalman() Kalman {
	if f.Kalman.R == 0 && f.Kalman.Q == 0 {
		return Kalman{Q: DefaultProcessNoise, R: DefaultMeasurementNoise}
	}
	return f.Kalman
}

func (f *SignalFilter) medianWindow() int {
	if f.MedianWindow <= 0 {
		return DefaultMedianWindow
	}
	return f.MedianWindow
}

// Filter smooths a single series sampled from channel ch, checking values
// against the channel envelope.
func (f *SignalFilter) Filter(ch sensor.Channel, window []float32) ([]float32, Quality) {
	return f.FilterAxis(ch, -1, window)
}

// FilterAxis smooths the series for value index axis of channel ch.
func (f *SignalFilter) FilterAxis(ch sensor.Channel, axis int, window []float32) ([]float32, Quality) {
	clean, q := sanitise(window, AxisRange(ch, axis))
	switch ch {
	case sensor.IMU:
		out, _ := f.kalman().Run(KalmanState{}, clean)
		return out, q
	case sensor.TOF:
		return Median(clean, f.medianWindow()), q
	}
	// Unknown channels pass through untouched.
	return clean, q
}

// sanitise clamps out-of-range samples and replaces non-finite samples with
// the previous good value (or the first good value for a leading run).
func sanitise(window []float32, r Range) ([]float32, Quality) {
	out := make([]float32, len(window))
	q := Quality{Samples: len(window)}

	var fill float32
	for _, v := range window {
		if sensor.Finite(v) {
			fill, _ = r.clamp(v)
			break
		}
	}
	for i, v := range window {
		if !sensor.Finite(v) {
			q.NonFinite++
			out[i] = fill
			continue
		}
		c, ok := r.clamp(v)
		if !ok {
			q.OutOfRange++
		}
		out[i] = c
		fill = c
	}
	q.finish()
	return out, q
}

// FilterReadings filters a batch of readings from one sensor, axis by axis,
// and returns them in input order. Reading confidence is scaled by the
// quality of the batch. Readings must share a channel; mixed input is split
// by channel and each group filtered independently.
func (f *SignalFilter) FilterReadings(readings []sensor.Reading) ([]sensor.FilteredReading, Quality) {
	out := make([]sensor.FilteredReading, len(readings))
	total := Quality{}
	total.finish()

	groups := map[sensor.Channel][]int{}
	var order []sensor.Channel
	for i, r := range readings {
		if _, ok := groups[r.Channel]; !ok {
			order = append(order, r.Channel)
		}
		groups[r.Channel] = append(groups[r.Channel], i)
	}

	for _, ch := range order {
		idx := groups[ch]
		arity := ch.Arity()
		kind := sensor.FilterKalman
		if ch == sensor.TOF {
			kind = sensor.FilterMedian
		}

		for _, i := range idx {
			r := readings[i].Clone()
			out[i] = sensor.FilteredReading{Reading: r, Applied: []sensor.FilterKind{kind}}
		}

		q := Quality{}
		series := make([]float32, len(idx))
		for axis := 0; axis < arity; axis++ {
			for j, i := range idx {
				series[j] = valueAt(readings[i], axis)
			}
			filtered, aq := f.FilterAxis(ch, axis, series)
			q.merge(aq)
			for j, i := range idx {
				if axis < len(out[i].Values) {
					out[i].Values[axis] = filtered[j]
				}
			}
		}
		q.finish()
		for _, i := range idx {
			out[i].Confidence = float32(float64(out[i].Confidence) * q.Confidence)
		}
		total.merge(q)
	}
	return out, total
}

func valueAt(r sensor.Reading, axis int) float32 {
	if axis < len(r.Values) {
		return r.Values[axis]
	}
	return float32(math.NaN())
}
