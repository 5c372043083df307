// Package calibration establishes and maintains per-sensor correction
// parameters.
//
// An Engine owns a cache of Params keyed by sensor id. Each sensor has a
// single writer at a time (Calibrate and Adjust serialise per sensor) while
// reads of any sensor proceed concurrently. Cached parameters expire after a
// TTL; expiry is checked on read and by a periodic sweep.
package calibration

import (
	"errors"
	"math"
	"strconv"

	"github.com/banshee-data/motion.report/internal/sensor"
)

var (
	// ErrInvalidParameter is wrapped by the ValidationError returned for an
	// out-of-range calibration field.
	ErrInvalidParameter = errors.New("invalid calibration parameter")
	// ErrNotCalibrated is returned when a sensor has no live calibration.
	ErrNotCalibrated = errors.New("sensor not calibrated")
	// ErrVerificationFailed is returned when the probe rejects the refined
	// parameters, errors, or times out.
	ErrVerificationFailed = errors.New("calibration verification failed")
)

// Params are the correction parameters applied to one sensor.
type Params struct {
	TOFGain            int     `json:"tof_gain"`
	IMUDriftCorrection float64 `json:"imu_drift_correction"`
	PressureThreshold  float64 `json:"pressure_threshold"`
	SampleWindow       int     `json:"sample_window"`
	FilterCutoff       float64 `json:"filter_cutoff"`
}

// DefaultParams returns the parameters assumed for a sensor that has not
// been given explicit values.
func DefaultParams() Params {
	return Params{
		TOFGain:            8,
		IMUDriftCorrection: 0.5,
		PressureThreshold:  1.0,
		SampleWindow:       100,
		FilterCutoff:       2.0,
	}
}

// Config is a partial set of Params. Nil fields are filled from defaults by
// Calibrate and left unchanged by Adjust.
type Config struct {
	TOFGain            *int     `json:"tof_gain,omitempty"`
	IMUDriftCorrection *float64 `json:"imu_drift_correction,omitempty"`
	PressureThreshold  *float64 `json:"pressure_threshold,omitempty"`
	SampleWindow       *int     `json:"sample_window,omitempty"`
	FilterCutoff       *float64 `json:"filter_cutoff,omitempty"`
}

// ConfigFrom returns a Config with every field set from p.
func ConfigFrom(p Params) Config {
	return Config{
		TOFGain:            &p.TOFGain,
		IMUDriftCorrection: &p.IMUDriftCorrection,
		PressureThreshold:  &p.PressureThreshold,
		SampleWindow:       &p.SampleWindow,
		FilterCutoff:       &p.FilterCutoff,
	}
}

// field describes one tunable parameter: its accepted range and the step
// the refinement stages probe with.
type field struct {
	name     string
	min, max float64
	step     float64
	get      func(Params) float64
	set      func(*Params, float64)
}

var (
	gainField = field{
		name: "tof_gain", min: 1, max: 16, step: 1,
		get: func(p Params) float64 { return float64(p.TOFGain) },
		set: func(p *Params, v float64) { p.TOFGain = int(math.Round(v)) },
	}
	driftField = field{
		name: "imu_drift_correction", min: 0.1, max: 2.0, step: 0.1,
		get: func(p Params) float64 { return p.IMUDriftCorrection },
		set: func(p *Params, v float64) { p.IMUDriftCorrection = v },
	}
	thresholdField = field{
		name: "pressure_threshold", min: 0.1, max: 5.0, step: 0.1,
		get: func(p Params) float64 { return p.PressureThreshold },
		set: func(p *Params, v float64) { p.PressureThreshold = v },
	}
	windowField = field{
		name: "sample_window", min: 50, max: 500, step: 10,
		get: func(p Params) float64 { return float64(p.SampleWindow) },
		set: func(p *Params, v float64) { p.SampleWindow = int(math.Round(v)) },
	}
	cutoffField = field{
		name: "filter_cutoff", min: 0.5, max: 10.0, step: 0.5,
		get: func(p Params) float64 { return p.FilterCutoff },
		set: func(p *Params, v float64) { p.FilterCutoff = v },
	}
	fields = []field{gainField, driftField, thresholdField, windowField, cutoffField}
)

func (f field) check(v float64) error {
	if math.IsNaN(v) || v < f.min || v > f.max {
		return &sensor.ValidationError{
			Field:  f.name,
			Value:  v,
			Reason: rangeReason(f),
			Err:    ErrInvalidParameter,
		}
	}
	return nil
}

func rangeReason(f field) string {
	return "must be within [" + strconv.FormatFloat(f.min, 'g', -1, 64) +
		", " + strconv.FormatFloat(f.max, 'g', -1, 64) + "]"
}

// Validate checks every field against its range.
func (p Params) Validate() error {
	for _, f := range fields {
		if err := f.check(f.get(p)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every set field against its range.
func (c Config) Validate() error {
	checks := []struct {
		f   field
		set bool
		v   float64
	}{
		{gainField, c.TOFGain != nil, derefInt(c.TOFGain)},
		{driftField, c.IMUDriftCorrection != nil, derefFloat(c.IMUDriftCorrection)},
		{thresholdField, c.PressureThreshold != nil, derefFloat(c.PressureThreshold)},
		{windowField, c.SampleWindow != nil, derefInt(c.SampleWindow)},
		{cutoffField, c.FilterCutoff != nil, derefFloat(c.FilterCutoff)},
	}
	for _, ch := range checks {
		if !ch.set {
			continue
		}
		if err := ch.f.check(ch.v); err != nil {
			return err
		}
	}
	return nil
}

// Apply overlays the set fields of c onto p.
func (c Config) Apply(p Params) Params {
	if c.TOFGain != nil {
		p.TOFGain = *c.TOFGain
	}
	if c.IMUDriftCorrection != nil {
		p.IMUDriftCorrection = *c.IMUDriftCorrection
	}
	if c.PressureThreshold != nil {
		p.PressureThreshold = *c.PressureThreshold
	}
	if c.SampleWindow != nil {
		p.SampleWindow = *c.SampleWindow
	}
	if c.FilterCutoff != nil {
		p.FilterCutoff = *c.FilterCutoff
	}
	return p
}

func derefInt(v *int) float64 {
	if v == nil {
		return 0
	}
	return float64(*v)
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
