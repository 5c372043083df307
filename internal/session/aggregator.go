package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/motion.report/internal/anomaly"
	"github.com/banshee-data/motion.report/internal/biomech"
	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/filter"
	"github.com/banshee-data/motion.report/internal/keyed"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

const (
	// DefaultMaxAttempts is how many times a failing batch is processed
	// before the session is Errored.
	DefaultMaxAttempts = 3
	// DefaultSnapshotEvery is the number of processed batches between
	// persisted snapshots.
	DefaultSnapshotEvery = 50
)

// Filter cleans a batch of readings.
type Filter interface {
	FilterReadings(readings []sensor.Reading) ([]sensor.FilteredReading, filter.Quality)
}

// Analyzer turns filtered readings into biomechanics results.
type Analyzer interface {
	Analyze(sensorID string, filtered []sensor.FilteredReading, p calibration.Params, placement biomech.Placement, ref biomech.Reference) (biomech.Result, error)
}

// Detector scores intensities against per-athlete baselines.
type Detector interface {
	EnsureBaseline(subjectID string, values []float32) (bool, error)
	DetectFor(subjectID, metric string, current []float32, ts int64) ([]anomaly.Score, error)
	Baseline(subjectID string) (anomaly.Baseline, bool)
}

// ParamsSource yields a sensor's current calibration.
type ParamsSource interface {
	Current(sensorID string) (calibration.Params, error)
}

// Snapshotter persists session snapshots.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, s Session) error
}

// Flusher drains any readings still queued for a session's sensors.
type Flusher interface {
	Flush(ctx context.Context, s Session) error
}

// FlusherFunc adapts a function to Flusher.
type FlusherFunc func(ctx context.Context, s Session) error

func (f FlusherFunc) Flush(ctx context.Context, s Session) error { return f(ctx, s) }

// Output is one merged batch result, handed to the OnResult hook.
type Output struct {
	SessionID string
	AthleteID string
	Result    biomech.Result
	Scores    []anomaly.Score
}

// Options wires an Aggregator. Filter, Analyzer and Detector are required.
type Options struct {
	Filter   Filter
	Analyzer Analyzer
	Detector Detector
	// Params is optional; sensors without calibration use default params.
	Params      ParamsSource
	Snapshotter Snapshotter
	Flusher     Flusher
	// OnResult is called outside the session lock after each merge.
	OnResult func(Output)

	Clock         timeutil.Clock
	MaxAttempts   int
	SnapshotEvery int
	Counters      *monitoring.Counters
	Logger        *zap.Logger
}

type state struct {
	mu sync.Mutex
	s  Session
}

// Aggregator owns every session. Each session is guarded by its own mutex so
// batches for different sessions never contend.
type Aggregator struct {
	opts     Options
	log      *zap.Logger
	sessions keyed.Map[*state]
	// bindings maps a sensor id to the active session consuming it.
	bindings keyed.Map[string]
	bindMu   sync.Mutex
}

// NewAggregator returns an Aggregator.
func NewAggregator(opts Options) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = DefaultSnapshotEvery
	}
	if opts.Counters == nil {
		opts.Counters = &monitoring.Counters{}
	}
	if opts.Logger == nil {
		opts.Logger = monitoring.L()
	}
	return &Aggregator{opts: opts, log: opts.Logger.Named("session")}
}

// SetFlusher installs the flusher used by End. It must be called before the
// aggregator is shared.
func (a *Aggregator) SetFlusher(f Flusher) { a.opts.Flusher = f }

// Start validates cfg and opens an Active session for athleteID.
func (a *Aggregator) Start(athleteID string, cfg Config) (Session, error) {
	if athleteID == "" {
		return Session{}, fmt.Errorf("%w: athlete_id is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return Session{}, err
	}
	s := Session{
		ID:        uuid.NewString(),
		AthleteID: athleteID,
		StartTime: a.opts.Clock.Now(),
		Config:    cfg.clone(),
		Metrics:   newMetrics(),
		Status:    StatusInitializing,
	}
	if err := a.bind(s.ID, cfg.Sensors()); err != nil {
		return Session{}, err
	}
	s.Status = StatusActive
	a.sessions.Store(s.ID, &state{s: s})
	a.log.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("athlete_id", athleteID),
		zap.String("type", cfg.Type),
		zap.Strings("sensors", cfg.Sensors()))
	return s.Clone(), nil
}

// Resume registers a previously persisted session. Active and Initializing
// sessions continue accepting batches; terminal sessions are read-only.
func (a *Aggregator) Resume(s Session) (Session, error) {
	if s.ID == "" {
		return Session{}, fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if s.AthleteID == "" {
		return Session{}, fmt.Errorf("%w: athlete_id is required", ErrInvalidConfig)
	}
	if err := s.Config.Validate(); err != nil {
		return Session{}, err
	}
	if _, ok := a.sessions.Load(s.ID); ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	s = s.Clone()
	s.Metrics.ensure()
	if s.Status == "" || s.Status == StatusInitializing {
		s.Status = StatusActive
	}
	if !s.Status.Terminal() {
		if err := a.bind(s.ID, s.Config.Sensors()); err != nil {
			return Session{}, err
		}
	}
	if _, loaded := a.sessions.LoadOrStore(s.ID, &state{s: s}); loaded {
		a.unbind(s.ID, s.Config.Sensors())
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	a.log.Info("session resumed", zap.String("session_id", s.ID), zap.String("status", string(s.Status)))
	return s.Clone(), nil
}

func (a *Aggregator) bind(sessionID string, sensors []string) error {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()
	for _, id := range sensors {
		if owner, ok := a.bindings.Load(id); ok && owner != sessionID {
			return fmt.Errorf("%w: %s is used by session %s", ErrSensorInUse, id, owner)
		}
	}
	for _, id := range sensors {
		a.bindings.Store(id, sessionID)
	}
	return nil
}

func (a *Aggregator) unbind(sessionID string, sensors []string) {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()
	for _, id := range sensors {
		a.bindings.DeleteIf(id, func(owner string) bool { return owner == sessionID })
	}
}

// SessionForSensor returns the active session bound to sensorID.
func (a *Aggregator) SessionForSensor(sensorID string) (string, bool) {
	return a.bindings.Load(sensorID)
}

// Get returns a copy of the session.
func (a *Aggregator) Get(id string) (Session, error) {
	st, ok := a.sessions.Load(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Clone(), nil
}

// List returns copies of every session ordered by id.
func (a *Aggregator) List() []Session {
	out := make([]Session, 0, a.sessions.Len())
	for _, id := range a.sessions.Keys() {
		if s, err := a.Get(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// ProcessBatch filters, analyses and scores readings and merges the results
// into the session. Invalid readings are dropped and counted. Readings from
// several sensors are analysed per sensor in order of first appearance.
// If ctx ends first its error is returned and the session is left Active with
// nothing from the batch merged.
func (a *Aggregator) ProcessBatch(ctx context.Context, sessionID string, readings []sensor.Reading) error {
	st, ok := a.sessions.Load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	st.mu.Lock()
	if st.s.Status != StatusActive {
		status := st.s.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, status)
	}
	athleteID := st.s.AthleteID
	cfg := st.s.Config
	st.mu.Unlock()

	valid, rejected := sensor.Partition(readings)
	if len(rejected) > 0 {
		a.opts.Counters.ReadingsRejected.Add(int64(len(rejected)))
		a.log.Debug("dropped invalid readings",
			zap.String("session_id", sessionID),
			zap.Int("count", len(rejected)),
			zap.Error(errors.Join(rejected...)))
	}

	var outputs []Output
	for _, group := range groupBySensor(valid) {
		out, err := a.analyseWithRetry(ctx, sessionID, athleteID, cfg, group)
		if err != nil {
			// Only an exhausted retry budget errors the session.
			var perr *ProcessingError
			if errors.As(err, &perr) {
				a.fail(ctx, st, err)
			}
			return err
		}
		outputs = append(outputs, out)
	}

	st.mu.Lock()
	if st.s.Status != StatusActive {
		status := st.s.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, status)
	}
	m := &st.s.Metrics
	for _, out := range outputs {
		m.merge(out.Result, out.Scores)
	}
	m.Batches++
	m.Readings += len(valid)
	m.Rejected += len(rejected)
	var snap *Session
	if every := a.snapshotEvery(cfg); m.Batches%every == 0 {
		c := st.s.Clone()
		snap = &c
	}
	st.mu.Unlock()

	for _, out := range outputs {
		for _, s := range out.Scores {
			if s.Candidate {
				a.opts.Counters.AnomalyCandidates.Add(1)
			}
		}
		if a.opts.OnResult != nil {
			a.opts.OnResult(out)
		}
	}
	if snap != nil {
		a.snapshot(ctx, *snap)
	}
	return nil
}

func (a *Aggregator) snapshotEvery(cfg Config) int {
	if cfg.SnapshotEvery > 0 {
		return cfg.SnapshotEvery
	}
	return a.opts.SnapshotEvery
}

func groupBySensor(readings []sensor.Reading) [][]sensor.Reading {
	var order []string
	groups := map[string][]sensor.Reading{}
	for _, r := range readings {
		if _, ok := groups[r.SensorID]; !ok {
			order = append(order, r.SensorID)
		}
		groups[r.SensorID] = append(groups[r.SensorID], r)
	}
	out := make([][]sensor.Reading, 0, len(order))
	for _, id := range order {
		out = append(out, groups[id])
	}
	return out
}

func (a *Aggregator) analyseWithRetry(ctx context.Context, sessionID, athleteID string, cfg Config, readings []sensor.Reading) (Output, error) {
	sensorID := readings[0].SensorID
	var last error
	for attempt := 1; attempt <= a.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		out, err := a.analyse(athleteID, cfg, readings)
		if err == nil {
			out.SessionID = sessionID
			return out, nil
		}
		last = err
		a.log.Warn("batch analysis failed",
			zap.String("session_id", sessionID),
			zap.String("sensor_id", sensorID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return Output{}, &ProcessingError{SessionID: sessionID, SensorID: sensorID, Attempts: a.opts.MaxAttempts, Err: last}
}

func (a *Aggregator) params(sensorID string) (calibration.Params, error) {
	if a.opts.Params == nil {
		return calibration.DefaultParams(), nil
	}
	p, err := a.opts.Params.Current(sensorID)
	if errors.Is(err, calibration.ErrNotCalibrated) {
		return calibration.DefaultParams(), nil
	}
	return p, err
}

func (a *Aggregator) analyse(athleteID string, cfg Config, readings []sensor.Reading) (Output, error) {
	sensorID := readings[0].SensorID
	p, err := a.params(sensorID)
	if err != nil {
		return Output{}, err
	}
	filtered, _ := a.opts.Filter.FilterReadings(readings)
	res, err := a.opts.Analyzer.Analyze(sensorID, filtered, p, cfg.Placements[sensorID], cfg.Reference)
	if err != nil {
		return Output{}, err
	}
	out := Output{AthleteID: athleteID, Result: res}
	if len(res.Intensities) == 0 {
		return out, nil
	}

	// One muscle label per IMU result.
	for label, ma := range res.MuscleActivity {
		metric := "muscle_activity." + label
		subject := anomaly.SubjectKey(athleteID, metric)
		if _, err := a.opts.Detector.EnsureBaseline(subject, res.Intensities); err != nil {
			return Output{}, err
		}
		scores, err := a.opts.Detector.DetectFor(subject, metric, res.Intensities, res.Timestamp)
		if err != nil {
			return Output{}, err
		}
		if _, hasRef := cfg.Reference.MuscleActivity[label]; !hasRef {
			if b, ok := a.opts.Detector.Baseline(subject); ok {
				ma.Baseline = b.Mean
				res.MuscleActivity[label] = ma
			}
		}
		out.Scores = append(out.Scores, scores...)
	}
	out.Result = res
	return out, nil
}

func (a *Aggregator) fail(ctx context.Context, st *state, cause error) {
	st.mu.Lock()
	if st.s.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.s.Status = StatusErrored
	st.s.Error = cause.Error()
	now := a.opts.Clock.Now()
	st.s.EndTime = &now
	snap := st.s.Clone()
	st.mu.Unlock()

	a.unbind(snap.ID, snap.Config.Sensors())
	a.log.Error("session errored", zap.String("session_id", snap.ID), zap.Error(cause))
	a.snapshot(ctx, snap)
}

// End flushes queued readings, completes the session and persists a final
// snapshot. Ending a terminal session returns it unchanged.
func (a *Aggregator) End(ctx context.Context, id string) (Session, error) {
	st, ok := a.sessions.Load(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	st.mu.Lock()
	if st.s.Status.Terminal() {
		defer st.mu.Unlock()
		return st.s.Clone(), nil
	}
	pre := st.s.Clone()
	st.mu.Unlock()

	// The flush merges through ProcessBatch, which takes st.mu.
	if a.opts.Flusher != nil {
		if err := a.opts.Flusher.Flush(ctx, pre); err != nil {
			a.log.Warn("final flush failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	st.mu.Lock()
	if st.s.Status.Terminal() {
		defer st.mu.Unlock()
		return st.s.Clone(), nil
	}
	st.s.Status = StatusCompleted
	now := a.opts.Clock.Now()
	st.s.EndTime = &now
	snap := st.s.Clone()
	st.mu.Unlock()

	a.unbind(id, snap.Config.Sensors())
	a.log.Info("session completed",
		zap.String("session_id", id),
		zap.Int("batches", snap.Metrics.Batches),
		zap.Duration("duration", now.Sub(snap.StartTime)))
	a.snapshot(ctx, snap)
	return snap.Clone(), nil
}

func (a *Aggregator) snapshot(ctx context.Context, s Session) {
	if a.opts.Snapshotter == nil {
		return
	}
	if err := a.opts.Snapshotter.SaveSnapshot(ctx, s); err != nil {
		a.log.Warn("snapshot failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}
