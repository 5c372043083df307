// Package codec frames reading batches and analysis outputs for transport.
// Frames are JSON, optionally zstd-compressed; decoders detect which.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/motion.report/internal/anomaly"
	"github.com/banshee-data/motion.report/internal/biomech"
	"github.com/banshee-data/motion.report/internal/sensor"
)

// TargetRatio is the raw-to-compressed size ratio the wire format aims for.
const TargetRatio = 10.0

// maxFrame caps the decompressed size of one frame.
const maxFrame = 16 << 20

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Output is one analysed window as published to consumers.
type Output struct {
	SessionID string          `json:"session_id"`
	AthleteID string          `json:"athlete_id,omitempty"`
	SensorID  string          `json:"sensor_id"`
	Timestamp int64           `json:"timestamp"`
	Result    biomech.Result  `json:"result"`
	Scores    []anomaly.Score `json:"anomaly_scores,omitempty"`
}

// batchFrame is the wire form of a reading batch.
type batchFrame struct {
	Readings []sensor.Reading `json:"readings"`
}

// Ratio accumulates compression statistics. The zero value is ready to use.
type Ratio struct {
	raw        atomic.Int64
	compressed atomic.Int64
}

func (r *Ratio) add(raw, compressed int) {
	r.raw.Add(int64(raw))
	r.compressed.Add(int64(compressed))
}

// Value returns raw/compressed bytes so far, or 0 before any frame.
func (r *Ratio) Value() float64 {
	c := r.compressed.Load()
	if c == 0 {
		return 0
	}
	return float64(r.raw.Load()) / float64(c)
}

// MeetsTarget reports whether the running ratio is at least TargetRatio.
func (r *Ratio) MeetsTarget() bool { return r.Value() >= TargetRatio }

// Codec encodes and decodes frames. It is safe for concurrent use.
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	ratio    Ratio
}

// New returns a Codec. When compress is false frames are plain JSON, but
// compressed frames are still accepted on decode.
func New(compress bool) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrame))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{compress: compress, enc: enc, dec: dec}, nil
}

// Close releases the zstd resources.
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// Ratio returns the compression statistics for frames encoded so far.
func (c *Codec) Ratio() *Ratio { return &c.ratio }

func (c *Codec) encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if !c.compress {
		return raw, nil
	}
	out := c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))
	c.ratio.add(len(raw), len(out))
	return out, nil
}

func (c *Codec) decode(frame []byte, v any) error {
	if bytes.HasPrefix(frame, zstdMagic) {
		raw, err := c.dec.DecodeAll(frame, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		frame = raw
	}
	if err := json.Unmarshal(frame, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeBatch frames a batch of readings.
func (c *Codec) EncodeBatch(readings []sensor.Reading) ([]byte, error) {
	return c.encode(batchFrame{Readings: readings})
}

// DecodeBatch parses a batch frame. A bare JSON array of readings is also
// accepted. Readings are not validated here.
func (c *Codec) DecodeBatch(frame []byte) ([]sensor.Reading, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var readings []sensor.Reading
		if err := c.decode(trimmed, &readings); err != nil {
			return nil, err
		}
		return readings, nil
	}
	var b batchFrame
	if err := c.decode(frame, &b); err != nil {
		return nil, err
	}
	return b.Readings, nil
}

// EncodeOutput frames an analysis output.
func (c *Codec) EncodeOutput(o Output) ([]byte, error) {
	return c.encode(o)
}

// DecodeOutput parses an output frame.
func (c *Codec) DecodeOutput(frame []byte) (Output, error) {
	var o Output
	err := c.decode(frame, &o)
	return o, err
}

// LatencyEvent reports a batch that was handled later than the latency
// budget allows.
type LatencyEvent struct {
	SessionID string  `json:"session_id,omitempty"`
	SensorID  string  `json:"sensor_id"`
	Batch     uint64  `json:"batch"`
	Readings  int     `json:"readings"`
	LatencyMs float64 `json:"latency_ms"`
	BudgetMs  float64 `json:"budget_ms"`
}

// EncodeLatency frames a latency event.
func (c *Codec) EncodeLatency(e LatencyEvent) ([]byte, error) {
	return c.encode(e)
}

// DecodeLatency parses a latency event frame.
func (c *Codec) DecodeLatency(frame []byte) (LatencyEvent, error) {
	var e LatencyEvent
	err := c.decode(frame, &e)
	return e, err
}
