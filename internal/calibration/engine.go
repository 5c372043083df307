package calibration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/motion.report/internal/keyed"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

// Defaults for Options.
const (
	DefaultTTL          = time.Hour
	DefaultProbeTimeout = 30 * time.Second
	DefaultMinQuality   = 0.8
)

// Probe measures the data quality a sensor produces with the given
// parameters. It is the engine's only external I/O.
type Probe interface {
	Probe(ctx context.Context, sensorID string, p Params) (float64, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, sensorID string, p Params) (float64, error)

func (f ProbeFunc) Probe(ctx context.Context, sensorID string, p Params) (float64, error) {
	return f(ctx, sensorID, p)
}

// Action names the operation that produced a history entry.
type Action string

const (
	ActionCalibrate Action = "calibrate"
	ActionAdjust    Action = "adjust"
)

// HistoryEntry records one calibration attempt.
type HistoryEntry struct {
	SensorID string    `json:"sensor_id"`
	Action   Action    `json:"action"`
	Params   Params    `json:"params"`
	Quality  float64   `json:"quality"`
	Accepted bool      `json:"accepted"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// HistorySink receives a copy of every history entry, typically for
// persistence. Sink failures are logged and do not fail the calibration.
type HistorySink interface {
	RecordCalibration(ctx context.Context, e HistoryEntry) error
}

// HistorySinks fans an entry out to several sinks.
type HistorySinks []HistorySink

func (hs HistorySinks) RecordCalibration(ctx context.Context, e HistoryEntry) error {
	var errs []error
	for _, h := range hs {
		if err := h.RecordCalibration(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options configures an Engine. Zero fields take the package defaults.
type Options struct {
	Clock        timeutil.Clock
	TTL          time.Duration
	ProbeTimeout time.Duration
	MinQuality   float64
	// Stages replaces DefaultStages when non-nil. An empty, non-nil slice
	// disables refinement.
	Stages   []Stage
	History  HistorySink
	Counters *monitoring.Counters
}

type entry struct {
	params Params
	at     time.Time
}

// Engine calibrates sensors and caches their parameters.
type Engine struct {
	probe        Probe
	clock        timeutil.Clock
	ttl          time.Duration
	probeTimeout time.Duration
	minQuality   float64
	stages       []Stage
	sink         HistorySink
	counters     *monitoring.Counters

	locks   keyed.Locks
	cache   keyed.Map[entry]
	history keyed.Map[[]HistoryEntry]
}

// NewEngine returns an Engine that verifies calibrations with probe.
func NewEngine(probe Probe, opts Options) *Engine {
	e := &Engine{
		probe:        probe,
		clock:        opts.Clock,
		ttl:          opts.TTL,
		probeTimeout: opts.ProbeTimeout,
		minQuality:   opts.MinQuality,
		stages:       opts.Stages,
		sink:         opts.History,
		counters:     opts.Counters,
	}
	if e.clock == nil {
		e.clock = timeutil.RealClock{}
	}
	if e.ttl <= 0 {
		e.ttl = DefaultTTL
	}
	if e.probeTimeout <= 0 {
		e.probeTimeout = DefaultProbeTimeout
	}
	if e.minQuality <= 0 {
		e.minQuality = DefaultMinQuality
	}
	if e.stages == nil {
		e.stages = DefaultStages()
	}
	return e
}

// Calibrate validates cfg, seeds omitted fields with defaults, refines the
// result and verifies it with the probe. On success the parameters replace
// any cached calibration; on failure the previous calibration stays in
// effect.
func (e *Engine) Calibrate(ctx context.Context, sensorID string, cfg Config) (Params, error) {
	if err := cfg.Validate(); err != nil {
		return Params{}, err
	}

	unlock := e.locks.Lock(sensorID)
	defer unlock()

	p := cfg.Apply(DefaultParams())
	score := func(ctx context.Context, cand Params) (float64, error) {
		return e.runProbe(ctx, sensorID, cand)
	}
	for _, st := range e.stages {
		refined, err := st.Refine(ctx, sensorID, p, score)
		if err != nil {
			err = fmt.Errorf("%w: %s stage: %w", ErrVerificationFailed, st.Name(), err)
			e.record(ctx, ActionCalibrate, sensorID, p, 0, err)
			return Params{}, err
		}
		if err := refined.Validate(); err != nil {
			err = fmt.Errorf("%w: %s stage produced %w", ErrVerificationFailed, st.Name(), err)
			e.record(ctx, ActionCalibrate, sensorID, p, 0, err)
			return Params{}, err
		}
		p = refined
	}

	return e.verifyAndStore(ctx, ActionCalibrate, sensorID, p)
}

// Adjust merges the set fields of cfg into the sensor's live calibration,
// re-validates and re-verifies it.
func (e *Engine) Adjust(ctx context.Context, sensorID string, cfg Config) (Params, error) {
	if err := cfg.Validate(); err != nil {
		return Params{}, err
	}

	unlock := e.locks.Lock(sensorID)
	defer unlock()

	cur, err := e.Current(sensorID)
	if err != nil {
		return Params{}, err
	}
	p := cfg.Apply(cur)
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return e.verifyAndStore(ctx, ActionAdjust, sensorID, p)
}

func (e *Engine) verifyAndStore(ctx context.Context, action Action, sensorID string, p Params) (Params, error) {
	quality, err := e.runProbe(ctx, sensorID, p)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrVerificationFailed, err)
		e.record(ctx, action, sensorID, p, 0, err)
		return Params{}, err
	}
	if quality < e.minQuality {
		err = fmt.Errorf("%w: quality %.3f below %.2f", ErrVerificationFailed, quality, e.minQuality)
		e.record(ctx, action, sensorID, p, quality, err)
		return Params{}, err
	}

	e.cache.Store(sensorID, entry{params: p, at: e.clock.Now()})
	e.record(ctx, action, sensorID, p, quality, nil)
	return p, nil
}

// runProbe calls the probe under the engine's probe timeout.
func (e *Engine) runProbe(ctx context.Context, sensorID string, p Params) (float64, error) {
	if e.probe == nil {
		return 0, errors.New("no probe configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	type result struct {
		q   float64
		err error
	}
	done := make(chan result, 1)
	go func() {
		q, err := e.probe.Probe(ctx, sensorID, p)
		done <- result{q, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return 0, r.err
		}
		return r.q, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("probe %s: %w", sensorID, ctx.Err())
	}
}

// Current returns the sensor's cached parameters, or ErrNotCalibrated if
// none exist or they are older than the TTL.
func (e *Engine) Current(sensorID string) (Params, error) {
	ent, ok := e.cache.Load(sensorID)
	if !ok {
		return Params{}, fmt.Errorf("%w: %s", ErrNotCalibrated, sensorID)
	}
	if e.expired(ent) {
		e.cache.DeleteIf(sensorID, func(cur entry) bool { return cur.at.Equal(ent.at) })
		return Params{}, fmt.Errorf("%w: %s calibration expired", ErrNotCalibrated, sensorID)
	}
	return ent.params, nil
}

func (e *Engine) expired(ent entry) bool {
	return e.clock.Since(ent.at) >= e.ttl
}

// Sweep removes every expired calibration and returns how many were removed.
func (e *Engine) Sweep() int {
	var stale []string
	e.cache.Range(func(id string, ent entry) bool {
		if e.expired(ent) {
			stale = append(stale, id)
		}
		return true
	})
	n := 0
	for _, id := range stale {
		if e.cache.DeleteIf(id, e.expired) {
			n++
		}
	}
	if n > 0 {
		monitoring.L().Debug("swept expired calibrations", zap.Int("count", n))
	}
	return n
}

// Run sweeps expired calibrations every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Sweep()
		}
	}
}

// Sensors returns the ids of sensors with a cached calibration, expired or not.
func (e *Engine) Sensors() []string {
	return e.cache.Keys()
}

// History returns a copy of the sensor's calibration history, oldest first.
func (e *Engine) History(sensorID string) []HistoryEntry {
	h, _ := e.history.Load(sensorID)
	return slices.Clone(h)
}

// record appends to the history log. Callers hold the sensor lock, so the
// log has a single writer per sensor.
func (e *Engine) record(ctx context.Context, action Action, sensorID string, p Params, quality float64, err error) {
	he := HistoryEntry{
		SensorID: sensorID,
		Action:   action,
		Params:   p,
		Quality:  quality,
		Accepted: err == nil,
		At:       e.clock.Now(),
	}
	log := monitoring.L().With(zap.String("sensor_id", sensorID), zap.String("action", string(action)))
	if err != nil {
		he.Error = err.Error()
		if e.counters != nil {
			e.counters.CalibrationsFailed.Add(1)
		}
		log.Warn("calibration rejected", zap.Float64("quality", quality), zap.Error(err))
	} else {
		log.Info("calibration accepted", zap.Float64("quality", quality))
	}

	prev, _ := e.history.Load(sensorID)
	e.history.Store(sensorID, append(slices.Clip(prev), he))

	if e.sink != nil {
		if serr := e.sink.RecordCalibration(context.WithoutCancel(ctx), he); serr != nil {
			log.Error("failed to persist calibration history", zap.Error(serr))
		}
	}
}
