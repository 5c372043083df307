// Package sensor defines the readings exchanged between the ingest, filter
// and analysis stages, and the validation rules applied at the boundary.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Channel identifies the physical sensor kind a reading came from.
type Channel uint8

const (
	IMU Channel = iota + 1
	TOF
)

// IMU value layout.
const (
	AccelX = iota
	AccelY
	AccelZ
	GyroX
	GyroY
	GyroZ
	MagX
	MagY
	MagZ
	Temperature
	IMUArity
)

// TOFZones is the number of distance zones reported by a ToF sensor. A ToF
// reading carries the zones followed by the gain and ambient light level.
const (
	TOFZones   = 8
	TOFGain    = TOFZones
	TOFAmbient = TOFZones + 1
	TOFArity   = TOFZones + 2
)

// Arity returns the fixed value count for c, or 0 for an unknown channel.
func (c Channel) Arity() int {
	switch c {
	case IMU:
		return IMUArity
	case TOF:
		return TOFArity
	}
	return 0
}

func (c Channel) String() string {
	switch c {
	case IMU:
		return "imu"
	case TOF:
		return "tof"
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

func (c Channel) MarshalText() ([]byte, error) {
	if c.Arity() == 0 {
		return nil, fmt.Errorf("unknown channel %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Channel) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "imu":
		*c = IMU
	case "tof":
		*c = TOF
	default:
		return fmt.Errorf("unknown channel %q", b)
	}
	return nil
}

// Reading is one timestamped sample vector from one sensor channel.
type Reading struct {
	SensorID   string    `json:"sensor_id"`
	Channel    Channel   `json:"channel"`
	Values     []float32 `json:"values"`
	Timestamp  int64     `json:"timestamp"` // monotonic milliseconds
	Confidence float32   `json:"confidence"`
	// Seq is an optional per-sensor sequence number assigned by the producer.
	// The engine carries it through but does not deduplicate on it.
	Seq uint64 `json:"seq,omitempty"`
}

// Validate checks the channel arity, finiteness and confidence range.
func (r Reading) Validate() error {
	if r.SensorID == "" {
		return &ValidationError{Field: "sensor_id", Reason: "must not be empty"}
	}
	want := r.Channel.Arity()
	if want == 0 {
		return &ValidationError{Field: "channel", Value: r.Channel, Reason: "unknown channel"}
	}
	if len(r.Values) != want {
		return &ValidationError{
			Field:  "values",
			Value:  len(r.Values),
			Reason: fmt.Sprintf("%s reading needs %d values", r.Channel, want),
		}
	}
	for i, v := range r.Values {
		if !Finite(v) {
			return &ValidationError{Field: fmt.Sprintf("values[%d]", i), Value: v, Reason: "not finite"}
		}
	}
	if !Finite(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "confidence", Value: r.Confidence, Reason: "must be within [0,1]"}
	}
	return nil
}

// Clone returns a deep copy of r.
func (r Reading) Clone() Reading {
	r.Values = append([]float32(nil), r.Values...)
	return r
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// AccelMagnitude returns |(ax, ay, az)| for an IMU reading.
func (r Reading) AccelMagnitude() float64 {
	return magnitude(r.Values[AccelX], r.Values[AccelY], r.Values[AccelZ])
}

// GyroMagnitude returns |(gx, gy, gz)| for an IMU reading.
func (r Reading) GyroMagnitude() float64 {
	return magnitude(r.Values[GyroX], r.Values[GyroY], r.Values[GyroZ])
}

func magnitude(x, y, z float32) float64 {
	fx, fy, fz := float64(x), float64(y), float64(z)
	return math.Sqrt(fx*fx + fy*fy + fz*fz)
}

// FilterKind records which noise filter produced a FilteredReading.
type FilterKind string

const (
	FilterKalman FilterKind = "kalman"
	FilterMedian FilterKind = "median"
)

// FilteredReading is a Reading after noise reduction, tagged with the filters
// that touched it.
type FilteredReading struct {
	Reading
	Applied []FilterKind `json:"filtering_applied"`
}

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError rejects a malformed reading or an out-of-range parameter.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
	// Err optionally narrows the failure, e.g. calibration.ErrInvalidParameter.
	Err error
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// Partition validates readings, returning the accepted ones in order and the
// rejection error for each dropped reading.
func Partition(readings []Reading) (ok []Reading, rejected []error) {
	ok = make([]Reading, 0, len(readings))
	for _, r := range readings {
		if err := r.Validate(); err != nil {
			rejected = append(rejected, fmt.Errorf("sensor %q: %w", r.SensorID, err))
			continue
		}
		ok = append(ok, r)
	}
	return ok, rejected
}
