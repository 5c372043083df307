package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.report/internal/anomaly"
	"github.com/banshee-data/motion.report/internal/biomech"
	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/filter"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func gravityBatch(sensorID string, start int64, n int) []sensor.Reading {
	out := make([]sensor.Reading, n)
	for i := range out {
		out[i] = sensor.Reading{
			SensorID:   sensorID,
			Channel:    sensor.IMU,
			Values:     []float32{0, 0, biomech.Gravity, 0, 0, 0, 20, 0, -40, 30},
			Timestamp:  start + int64(i*10),
			Confidence: 1,
		}
	}
	return out
}

func insoleBatch(sensorID string, start int64, n int, left, right float32) []sensor.Reading {
	out := make([]sensor.Reading, n)
	for i := range out {
		v := make([]float32, sensor.TOFArity)
		for z := 0; z < sensor.TOFZones; z++ {
			if z < sensor.TOFZones/2 {
				v[z] = left
			} else {
				v[z] = right
			}
		}
		v[sensor.TOFGain] = 8
		v[sensor.TOFAmbient] = 50
		out[i] = sensor.Reading{SensorID: sensorID, Channel: sensor.TOF, Values: v, Timestamp: start + int64(i*10), Confidence: 1}
	}
	return out
}

type snapshots struct {
	mu    sync.Mutex
	saved []Session
}

func (s *snapshots) SaveSnapshot(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sess)
	return nil
}

func (s *snapshots) all() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Session(nil), s.saved...)
}

type fixture struct {
	agg      *Aggregator
	detector *anomaly.Detector
	clock    *timeutil.MockClock
	snaps    *snapshots
	counters *monitoring.Counters
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	f := fixture{
		detector: anomaly.NewDetector(anomaly.Options{Clock: clock}),
		clock:    clock,
		snaps:    &snapshots{},
		counters: &monitoring.Counters{},
	}
	opts := Options{
		Filter:      &filter.SignalFilter{},
		Analyzer:    biomech.Analyzer{},
		Detector:    f.detector,
		Snapshotter: f.snaps,
		Clock:       clock,
		Counters:    f.counters,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.agg = NewAggregator(opts)
	return f
}

func runConfig(sensors ...string) Config {
	rates := map[string]float64{}
	for _, s := range sensors {
		rates[s] = 100
	}
	return Config{Type: "sprint", SamplingRates: rates}
}

func TestStartValidatesConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	cases := []struct {
		name    string
		athlete string
		cfg     Config
	}{
		{"missing athlete", "", runConfig("thigh")},
		{"missing type", "ath-1", Config{SamplingRates: map[string]float64{"thigh": 100}}},
		{"no sensors", "ath-1", Config{Type: "sprint"}},
		{"zero rate", "ath-1", Config{Type: "sprint", SamplingRates: map[string]float64{"thigh": 0}}},
		{"negative snapshot interval", "ath-1", Config{Type: "sprint", SamplingRates: map[string]float64{"thigh": 100}, SnapshotEvery: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.agg.Start(tc.athlete, tc.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.Empty(t, f.agg.List())
}

func TestStartActivatesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	s, err := f.agg.Start("ath-1", runConfig("thigh", "insole"))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, epoch, s.StartTime)
	assert.Nil(t, s.EndTime)

	owner, ok := f.agg.SessionForSensor("insole")
	require.True(t, ok)
	assert.Equal(t, s.ID, owner)

	_, err = f.agg.Start("ath-2", runConfig("insole"))
	require.ErrorIs(t, err, ErrSensorInUse)
}

func TestGravityBatchesClusterAtOneG(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	s, err := f.agg.Start("ath-1", runConfig("thigh"))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		require.NoError(t, f.agg.ProcessBatch(ctx, s.ID, gravityBatch("thigh", int64(i*100), 10)))
	}

	got, err := f.agg.Get(s.ID)
	require.NoError(t, err)
	ma, ok := got.Metrics.MuscleActivity["thigh"]
	require.True(t, ok)
	assert.InDelta(t, 1.0, ma.Current, 1e-3)
	assert.InDelta(t, 1.0, ma.Peak, 1e-3)
	assert.Less(t, ma.Variance, 1e-6)
	assert.Equal(t, 1000, got.Metrics.Batches)
	assert.Equal(t, 10000, got.Metrics.Readings)
	assert.InDelta(t, 1.0, got.Metrics.Performance.Efficiency, 1e-6)
	assert.InDelta(t, 1.0, got.Metrics.Performance.Technique, 1e-6)
	assert.Empty(t, got.Metrics.Anomalies)
	assert.Zero(t, f.counters.AnomalyCandidates.Load())

	b, ok := f.detector.Baseline(anomaly.SubjectKey("ath-1", "muscle_activity.thigh"))
	require.True(t, ok)
	assert.InDelta(t, 1.0, b.Mean, 1e-3)
	assert.InDelta(t, b.Mean, ma.Baseline, 1e-12)

	// 1000 batches at the default interval of 50.
	assert.Len(t, f.snaps.all(), 20)
}

func TestUnknownSessionLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	s, err := f.agg.Start("ath-1", runConfig("thigh"))
	require.NoError(t, err)
	before := f.agg.List()

	err = f.agg.ProcessBatch(context.Background(), "missing", gravityBatch("thigh", 0, 5))
	require.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, before, f.agg.List())
	_, ok := f.detector.Baseline(anomaly.SubjectKey("ath-1", "muscle_activity.thigh"))
	assert.False(t, ok)
	got, err := f.agg.Get(s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Metrics.Batches)

	_, err = f.agg.End(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndIsIdempotent(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int32
	f := newFixture(t, func(o *Options) {
		o.Flusher = FlusherFunc(func(context.Context, Session) error {
			flushes.Add(1)
			return nil
		})
	})
	ctx := context.Background()
	s, err := f.agg.Start("ath-1", runConfig("thigh"))
	require.NoError(t, err)
	require.NoError(t, f.agg.ProcessBatch(ctx, s.ID, gravityBatch("thigh", 0, 10)))

	f.clock.Advance(5 * time.Minute)
	first, err := f.agg.End(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)
	require.NotNil(t, first.EndTime)
	assert.Equal(t, epoch.Add(5*time.Minute), *first.EndTime)

	f.clock.Advance(time.Minute)
	second, err := f.agg.End(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, flushes.Load())

	err = f.agg.ProcessBatch(ctx, s.ID, gravityBatch("thigh", 100, 10))
	require.ErrorIs(t, err, ErrSessionNotActive)

	_, bound := f.agg.SessionForSensor("thigh")
	assert.False(t, bound)

	saved := f.snaps.all()
	require.Len(t, saved, 1)
	assert.Equal(t, StatusCompleted, saved[0].Status)
}

func TestEndFlushMergesBeforeCompleting(t *testing.T) {
	t.Parallel()

	var agg *Aggregator
	f := newFixture(t, func(o *Options) {
		o.Flusher = FlusherFunc(func(ctx context.Context, s Session) error {
			return agg.ProcessBatch(ctx, s.ID, gravityBatch("thigh", 500, 4))
		})
	})
	agg = f.agg

	s, err := f.agg.Start("ath-1", runConfig("thigh"))
	require.NoError(t, err)
	done, err := f.agg.End(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Metrics.Batches)
	assert.Equal(t, 4, done.Metrics.Readings)
}

func TestInvalidReadingsAreDroppedAndCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	s, err := f.agg.Start("ath-1", runConfig("thigh"))
	require.NoError(t, err)

	batch := gravityBatch("thigh", 0, 5)
	batch = append(batch, sensor.Reading{SensorID: "thigh", Channel: sensor.IMU, Values: []float32{1, 2}, Confidence: 1})
	require.NoError(t, f.agg.ProcessBatch(context.Background(), s.ID, batch))

	got, err := f.agg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Metrics.Readings)
	assert.Equal(t, 1, got.Metrics.Rejected)
	assert.EqualValues(t, 1, f.counters.ReadingsRejected.Load())
}

type flakyAnalyzer struct {
	biomech.Analyzer
	failures atomic.Int32
	calls    atomic.Int32
}

func (a *flakyAnalyzer) Analyze(sensorID string, filtered []sensor.FilteredReading, p calibration.Params, pl biomech.Placement, ref biomech.Reference) (biomech.Result, error) {
	a.calls.Add(1)
	if a.failures.Load() > 0 {
		a.failures.Add(-1)
		return biomech.Result{}, errors.New("transient")
	}
	return a.Analyzer.Analyze(sensorID, filtered, p, pl, ref)
}

func TestTransientFailureIsRetried(t *testing.T) {
	t.Parallel()

	an := &flakyAnalyzer{}
	an.failures.Store(1)
	f := newFixture(t, func(o *Options) { o.Analyzer = an })
	s, err := f.agg.Start("ath-1", runConfig("thigh"))
	require.NoError(t, err)

	require.NoError(t, f.agg.ProcessBatch(context.Background(), s.ID, gravityBatch("thigh", 0, 10)))
	assert.EqualValues(t, 2, an.calls.Load())

	got, err := f.agg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.Metrics.Batches)
}

func TestPersistentFailureErrorsSession(t *testing.T) {
	t.Parallel()

	an := &flakyAnalyzer{}
	an.failures.Store(100)
	f := newFixture(t, func(o *Options) { o.Analyzer = an })
	s, err := f.agg.Start("ath-1", runConfig("thigh"))
	require.NoError(t, err)

	err = f.agg.ProcessBatch(context.Background(), s.ID, gravityBatch("thigh", 0, 10))
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DefaultMaxAttempts, perr.Attempts)
	assert.Equal(t, "thigh", perr.SensorID)
	assert.EqualValues(t, DefaultMaxAttempts, an.calls.Load())

	got, err := f.agg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, got.Status)
	assert.Contains(t, got.Error, "transient")

	ended, err := f.agg.End(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, ended.Status)
}

func TestMergeKeepsLatestAndAveragesVariance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	cfg := runConfig("insole")
	cfg.Placements = map[string]biomech.Placement{"insole": {Region: "feet"}}
	s, err := f.agg.Start("ath-1", cfg)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, f.agg.ProcessBatch(ctx, s.ID, insoleBatch("insole", 0, 5, 10, 10)))
	require.NoError(t, f.agg.ProcessBatch(ctx, s.ID, insoleBatch("insole", 100, 5, 30, 10)))

	got, err := f.agg.Get(s.ID)
	require.NoError(t, err)
	force, ok := got.Metrics.ForceDistribution["feet"]
	require.True(t, ok)
	assert.InDelta(t, 0.5, force.Balance, 1e-6)
	// Symmetry averages the balanced and the 3:1 batch.
	assert.InDelta(t, (1.0+0.5)/2, got.Metrics.Performance.Symmetry, 1e-6)
}

func TestRunningMean(t *testing.T) {
	t.Parallel()

	m := 0.0
	for i, v := range []float64{2, 4, 6} {
		m = runningMean(m, i, v)
	}
	assert.InDelta(t, 4.0, m, 1e-12)
}

func TestResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	prev := Session{
		ID:        "sess-1",
		AthleteID: "ath-1",
		StartTime: epoch,
		Config:    runConfig("thigh"),
		Status:    StatusActive,
		Metrics:   Metrics{Batches: 7},
	}
	got, err := f.agg.Resume(prev)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.NotNil(t, got.Metrics.MuscleActivity)

	require.NoError(t, f.agg.ProcessBatch(context.Background(), "sess-1", gravityBatch("thigh", 0, 10)))
	cur, err := f.agg.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 8, cur.Metrics.Batches)

	_, err = f.agg.Resume(prev)
	require.ErrorIs(t, err, ErrSessionExists)

	done := prev
	done.ID = "sess-2"
	done.Status = StatusCompleted
	_, err = f.agg.Resume(done)
	require.NoError(t, err)
	err = f.agg.ProcessBatch(context.Background(), "sess-2", gravityBatch("thigh", 0, 10))
	require.ErrorIs(t, err, ErrSessionNotActive)
}

func TestConcurrentBatchesAcrossSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	ids := make([]string, 4)
	for i := range ids {
		s, err := f.agg.Start("ath", runConfig(string(rune('a'+i))))
		require.NoError(t, err)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, f.agg.ProcessBatch(ctx, id, gravityBatch(string(rune('a'+i)), int64(j*100), 5)))
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		s, err := f.agg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, 25, s.Metrics.Batches)
	}
}

// cancellingAnalyzer fails its first call and cancels the caller's context.
type cancellingAnalyzer struct {
	biomech.Analyzer
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (a *cancellingAnalyzer) Analyze(string, []sensor.FilteredReading, calibration.Params, biomech.Placement, biomech.Reference) (biomech.Result, error) {
	a.calls.Add(1)
	a.cancel()
	return biomech.Result{}, errors.New("transient")
}

func TestCancelledContextLeavesSessionActive(t *testing.T) {
	t.Parallel()

	t.Run("cancelled before processing", func(t *testing.T) {
		f := newFixture(t, nil)
		s, err := f.agg.Start("ath-1", runConfig("thigh"))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = f.agg.ProcessBatch(ctx, s.ID, gravityBatch("thigh", 0, 10))
		require.ErrorIs(t, err, context.Canceled)
		var perr *ProcessingError
		assert.False(t, errors.As(err, &perr))

		got, err := f.agg.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
		assert.Empty(t, got.Error)
		assert.Zero(t, got.Metrics.Batches)
		assert.Empty(t, f.snaps.all())

		require.NoError(t, f.agg.ProcessBatch(context.Background(), s.ID, gravityBatch("thigh", 100, 10)))
		got, err = f.agg.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Metrics.Batches)
	})

	t.Run("deadline passed", func(t *testing.T) {
		f := newFixture(t, nil)
		s, err := f.agg.Start("ath-1", runConfig("thigh"))
		require.NoError(t, err)

		ctx, cancel := context.WithDeadline(context.Background(), time.Unix(0, 0))
		defer cancel()
		err = f.agg.ProcessBatch(ctx, s.ID, gravityBatch("thigh", 0, 10))
		require.ErrorIs(t, err, context.DeadlineExceeded)

		got, err := f.agg.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
	})

	t.Run("cancelled between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		an := &cancellingAnalyzer{cancel: cancel}
		f := newFixture(t, func(o *Options) { o.Analyzer = an })
		s, err := f.agg.Start("ath-1", runConfig("thigh"))
		require.NoError(t, err)

		err = f.agg.ProcessBatch(ctx, s.ID, gravityBatch("thigh", 0, 10))
		require.ErrorIs(t, err, context.Canceled)
		assert.EqualValues(t, 1, an.calls.Load())

		got, err := f.agg.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
	})
}

func TestRetryBudgetIsExact(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		maxAttempts int
		failures    int32
		wantStatus  Status
		wantCalls   int32
	}{
		{"recovers on last attempt", 5, 4, StatusActive, 5},
		{"errors after budget", 5, 5, StatusErrored, 5},
		{"single attempt", 1, 1, StatusErrored, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			an := &flakyAnalyzer{}
			an.failures.Store(tc.failures)
			f := newFixture(t, func(o *Options) {
				o.Analyzer = an
				o.MaxAttempts = tc.maxAttempts
			})
			s, err := f.agg.Start("ath-1", runConfig("thigh"))
			require.NoError(t, err)

			err = f.agg.ProcessBatch(context.Background(), s.ID, gravityBatch("thigh", 0, 10))
			assert.Equal(t, tc.wantCalls, an.calls.Load())
			if tc.wantStatus == StatusErrored {
				var perr *ProcessingError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tc.maxAttempts, perr.Attempts)
			} else {
				require.NoError(t, err)
			}

			got, err := f.agg.Get(s.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.Status)
		})
	}
}
