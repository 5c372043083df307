package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

func reading(id string, ts int64) sensor.Reading {
	return sensor.Reading{
		SensorID:   id,
		Channel:    sensor.IMU,
		Values:     []float32{0, 0, 9.81, 0, 0, 0, 20, 0, -40, 30},
		Timestamp:  ts,
		Confidence: 1,
	}
}

type recorder struct {
	mu      sync.Mutex
	batches []Batch
	ch      chan Batch
}

func newRecorder() *recorder { return &recorder{ch: make(chan Batch, 64)} }

func (r *recorder) HandleBatch(_ context.Context, b Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	r.ch <- b
	return nil
}

func (r *recorder) next(t *testing.T) Batch {
	t.Helper()
	select {
	case b := <-r.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no batch dispatched")
		return Batch{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case b := <-r.ch:
		t.Fatalf("unexpected batch %+v", b)
	case <-time.After(30 * time.Millisecond):
	}
}

func newClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
}

func stop(t *testing.T, in *Ingestor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, in.Stop(ctx))
}

func TestDispatchOnCapacity(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	in := New(rec, Options{Capacity: 4, Clock: newClock()})
	defer stop(t, in)

	for i := 0; i < 3; i++ {
		require.NoError(t, in.Push(reading("s1", int64(i))))
	}
	rec.none(t)
	require.NoError(t, in.Push(reading("s1", 3)))

	b := rec.next(t)
	assert.Equal(t, "s1", b.SensorID)
	assert.Equal(t, ReasonCapacity, b.Reason)
	assert.Equal(t, uint64(1), b.Seq)
	require.Len(t, b.Readings, 4)
	for i, r := range b.Readings {
		assert.Equal(t, int64(i), r.Timestamp)
	}
}

func TestDispatchOnWindow(t *testing.T) {
	t.Parallel()

	clock := newClock()
	rec := newRecorder()
	in := New(rec, Options{Window: 100 * time.Millisecond, Clock: clock})
	defer stop(t, in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, in.Push(reading("s1", 1)))
	require.NoError(t, in.Push(reading("s1", 2)))
	assert.Equal(t, Buffering, in.State("s1"))
	assert.Equal(t, 2, in.Pending("s1"))

	clock.Advance(50 * time.Millisecond)
	rec.none(t)

	clock.Advance(50 * time.Millisecond)
	b := rec.next(t)
	assert.Equal(t, ReasonWindow, b.Reason)
	assert.Len(t, b.Readings, 2)

	// an empty window dispatches nothing
	clock.Advance(100 * time.Millisecond)
	rec.none(t)
}

func TestOrderingWithinStream(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	in := New(rec, Options{Capacity: 5, Clock: newClock()})

	for i := 0; i < 50; i++ {
		require.NoError(t, in.Push(reading("s1", int64(i))))
	}
	stop(t, in)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var prevSeq uint64
	var got []int64
	for _, b := range rec.batches {
		assert.Greater(t, b.Seq, prevSeq)
		prevSeq = b.Seq
		for _, r := range b.Readings {
			got = append(got, r.Timestamp)
		}
	}
	// nothing is evicted when the handler keeps up, so every reading arrives once, in order
	require.Len(t, got, 50-countEvicted(rec.batches))
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func countEvicted(bs []Batch) int {
	n := 0
	for _, b := range bs {
		n += b.Evicted
	}
	return n
}

func TestOverflowEvictsOldestWithoutBlocking(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan Batch, 8)
	h := HandlerFunc(func(_ context.Context, b Batch) error {
		started <- b
		<-release
		return nil
	})
	counters := &monitoring.Counters{}
	in := New(h, Options{Capacity: 3, Clock: newClock(), Counters: counters})

	// first batch occupies the worker
	for i := 0; i < 3; i++ {
		require.NoError(t, in.Push(reading("s1", int64(i))))
	}
	first := <-started
	assert.Len(t, first.Readings, 3)
	assert.Equal(t, Dispatching, in.State("s1"))

	done := make(chan struct{})
	go func() {
		for i := 3; i < 10; i++ {
			_ = in.Push(reading("s1", int64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a busy stream")
	}
	assert.Equal(t, int64(4), counters.SamplesEvicted.Load())

	close(release)
	second := <-started
	require.Len(t, second.Readings, 3)
	assert.Equal(t, int64(7), second.Readings[0].Timestamp)
	assert.Equal(t, int64(9), second.Readings[2].Timestamp)
	assert.Equal(t, 4, second.Evicted)

	stop(t, in)
	assert.Equal(t, int64(10), counters.ReadingsAccepted.Load())
}

func TestLatencyBudgetExceeded(t *testing.T) {
	t.Parallel()

	clock := newClock()
	var mu sync.Mutex
	var events []LatencyBudgetExceeded
	reporter := LatencyReporterFunc(func(e LatencyBudgetExceeded) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	handled := make(chan Batch, 4)
	h := HandlerFunc(func(_ context.Context, b Batch) error {
		clock.Advance(150 * time.Millisecond)
		handled <- b
		return nil
	})
	counters := &monitoring.Counters{}
	in := New(h, Options{Capacity: 2, Clock: clock, Reporter: reporter, Counters: counters})

	require.NoError(t, in.Push(reading("s1", 1)))
	require.NoError(t, in.Push(reading("s1", 2)))
	b := <-handled
	assert.Len(t, b.Readings, 2, "batch still completes")

	stop(t, in)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "s1", events[0].SensorID)
	assert.Equal(t, 150*time.Millisecond, events[0].Latency)
	assert.Equal(t, DefaultBudget, events[0].Budget)
	assert.Equal(t, int64(1), counters.LatencyViolations.Load())
	assert.Contains(t, events[0].Error(), "latency budget exceeded")
}

func TestWithinBudgetNotReported(t *testing.T) {
	t.Parallel()

	reported := 0
	in := New(HandlerFunc(func(context.Context, Batch) error { return nil }), Options{
		Capacity: 1,
		Clock:    newClock(),
		Reporter: LatencyReporterFunc(func(LatencyBudgetExceeded) { reported++ }),
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, in.Push(reading("s1", int64(i))))
	}
	stop(t, in)
	assert.Zero(t, reported)
}

func TestCloseFlushesOnce(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	in := New(rec, Options{Clock: newClock()})

	for i := 0; i < 7; i++ {
		require.NoError(t, in.Push(reading("s1", int64(i))))
	}
	require.NoError(t, in.Push(reading("s2", 0)))

	require.NoError(t, in.Close(context.Background(), "s1"))
	b := rec.next(t)
	assert.Equal(t, ReasonFlush, b.Reason)
	assert.Len(t, b.Readings, 7)
	rec.none(t)

	assert.Equal(t, []string{"s2"}, in.Streams())
	assert.Equal(t, Idle, in.State("s1"))
	assert.Equal(t, 1, in.Pending("s2"))
	require.NoError(t, in.Close(context.Background(), "unknown"))

	// a closed sensor can start a fresh stream
	require.NoError(t, in.Push(reading("s1", 100)))
	assert.Equal(t, Buffering, in.State("s1"))

	stop(t, in)
	assert.Empty(t, in.Streams())
	assert.ErrorIs(t, in.Push(reading("s1", 101)), ErrStreamClosed)
}

// gatedHandler blocks its first batch until release is closed.
type gatedHandler struct {
	*recorder
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedHandler) HandleBatch(ctx context.Context, b Batch) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	return g.recorder.HandleBatch(ctx, b)
}

func TestDetachMergesQueuedIntoOneFlush(t *testing.T) {
	t.Parallel()

	h := &gatedHandler{recorder: newRecorder(), started: make(chan struct{}), release: make(chan struct{})}
	in := New(h, Options{Clock: newClock()})
	t.Cleanup(func() { stop(t, in) })

	for i := 0; i < 3; i++ {
		require.NoError(t, in.Push(reading("s1", int64(i))))
	}
	in.Tick()
	<-h.started

	// Queue a window cut behind the blocked batch, then keep buffering.
	for i := 3; i < 7; i++ {
		require.NoError(t, in.Push(reading("s1", int64(i))))
	}
	in.Tick()
	require.NoError(t, in.Push(reading("s1", 7)))
	require.NoError(t, in.Push(reading("s1", 8)))

	detached := make(chan error, 1)
	go func() { detached <- in.Detach(context.Background(), "s1") }()
	require.Eventually(t, func() bool {
		s, _ := in.streams.Load("s1")
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.detached) == 1
	}, 2*time.Second, time.Millisecond)
	close(h.release)

	first := h.next(t)
	assert.Equal(t, ReasonWindow, first.Reason)
	assert.Len(t, first.Readings, 3)

	merged := h.next(t)
	assert.Equal(t, ReasonFlush, merged.Reason)
	require.Len(t, merged.Readings, 6)
	assert.Equal(t, int64(3), merged.Readings[0].Timestamp)
	assert.Equal(t, int64(8), merged.Readings[5].Timestamp)
	require.NoError(t, <-detached)
	h.none(t)

	assert.Equal(t, []string{"s1"}, in.Streams(), "detach keeps the stream open")
	assert.Equal(t, Idle, in.State("s1"))
	require.NoError(t, in.Push(reading("s1", 9)))
	assert.Equal(t, Buffering, in.State("s1"))
	assert.Equal(t, 1, in.Pending("s1"))
}

func TestDetachEdgeCases(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	in := New(rec, Options{Clock: newClock()})

	t.Run("unknown stream", func(t *testing.T) {
		require.NoError(t, in.Detach(context.Background(), "missing"))
	})

	t.Run("empty stream answers without a batch", func(t *testing.T) {
		require.NoError(t, in.Push(reading("s2", 0)))
		require.NoError(t, in.Detach(context.Background(), "s2"))
		assert.Len(t, rec.next(t).Readings, 1)
		require.NoError(t, in.Detach(context.Background(), "s2"))
		rec.none(t)
	})

	t.Run("cancelled wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, in.Push(reading("s3", 0)))
		err := in.Detach(ctx, "s3")
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
		assert.Len(t, rec.next(t).Readings, 1, "the flush still happens")
	})

	stop(t, in)
}

func TestRejectsInvalidReadings(t *testing.T) {
	t.Parallel()

	counters := &monitoring.Counters{}
	in := New(newRecorder(), Options{Clock: newClock(), Counters: counters})
	defer stop(t, in)

	bad := reading("s1", 1)
	bad.Values = bad.Values[:3]
	err := in.Push(bad)
	assert.ErrorIs(t, err, sensor.ErrValidation)

	n, err := in.PushBatch([]sensor.Reading{reading("s1", 1), bad, reading("s1", 2)})
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, sensor.ErrValidation)
	assert.Equal(t, int64(2), counters.ReadingsRejected.Load())
	assert.Equal(t, 2, in.Pending("s1"))
}

func TestStreamsAreIndependent(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	got := make(chan string, 4)
	h := HandlerFunc(func(_ context.Context, b Batch) error {
		if b.SensorID == "slow" {
			<-block
		}
		got <- b.SensorID
		return nil
	})
	in := New(h, Options{Capacity: 1, Clock: newClock()})

	require.NoError(t, in.Push(reading("slow", 1)))
	require.NoError(t, in.Push(reading("fast", 1)))

	select {
	case id := <-got:
		assert.Equal(t, "fast", id)
	case <-time.After(2 * time.Second):
		t.Fatal("fast stream blocked behind slow stream")
	}
	close(block)
	stop(t, in)
}

func TestHandlerErrorsAreCounted(t *testing.T) {
	t.Parallel()

	counters := &monitoring.Counters{}
	in := New(HandlerFunc(func(context.Context, Batch) error { return errors.New("boom") }),
		Options{Clock: newClock(), Counters: counters})
	require.NoError(t, in.Push(reading("s1", 1)))
	require.NoError(t, in.Push(reading("s1", 2)))
	stop(t, in)

	assert.Equal(t, int64(1), counters.BatchesFailed.Load())
	assert.Zero(t, counters.BatchesProcessed.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "buffering", Buffering.String())
	assert.Equal(t, "dispatching", Dispatching.String())
	assert.Equal(t, "closed", Closed.String())
}
