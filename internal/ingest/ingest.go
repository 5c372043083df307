// Package ingest decouples the arrival cadence of sensor readings from the
// processing cadence.
//
// Each sensor stream owns a bounded ring buffer and a single dispatch
// worker, so batches of one stream are handled strictly in arrival order
// while different streams proceed independently. A batch is cut when the
// tumbling window elapses or when the ring fills, whichever happens first.
// If the handler falls behind, the ring keeps accepting readings by evicting
// the oldest; producers never block.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/motion.report/internal/keyed"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

// Defaults for Options.
const (
	DefaultWindow   = 100 * time.Millisecond
	DefaultCapacity = 1024
	DefaultBudget   = 100 * time.Millisecond
)

// ErrStreamClosed is returned when pushing to a stream that is closing.
var ErrStreamClosed = errors.New("stream closed")

// State is the lifecycle state of one sensor stream.
type State int32

const (
	Idle State = iota
	Buffering
	Dispatching
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Dispatching:
		return "dispatching"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Reason records what cut a batch.
type Reason string

const (
	ReasonWindow   Reason = "window"
	ReasonCapacity Reason = "capacity"
	ReasonFlush    Reason = "flush"
)

// Batch is a group of readings from one sensor, in arrival order.
type Batch struct {
	SensorID string
	Seq      uint64
	Readings []sensor.Reading
	Reason   Reason
	// LastArrival is when the newest reading in the batch was pushed.
	LastArrival time.Time
	// Evicted counts readings dropped from this stream since the previous batch.
	Evicted int
}

// Handler processes one batch. Errors are logged and counted; they do not
// stop the stream.
type Handler interface {
	HandleBatch(ctx context.Context, b Batch) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, b Batch) error

func (f HandlerFunc) HandleBatch(ctx context.Context, b Batch) error { return f(ctx, b) }

// LatencyBudgetExceeded reports a batch whose handling finished later than
// the budget after its last reading arrived. The batch was still handled.
type LatencyBudgetExceeded struct {
	SensorID string
	Seq      uint64
	Readings int
	Latency  time.Duration
	Budget   time.Duration
}

func (e LatencyBudgetExceeded) Error() string {
	return fmt.Sprintf("latency budget exceeded for %s batch %d: %v > %v", e.SensorID, e.Seq, e.Latency, e.Budget)
}

// LatencyReporter receives latency budget violations.
type LatencyReporter interface {
	ReportLatency(LatencyBudgetExceeded)
}

// LatencyReporterFunc adapts a function to LatencyReporter.
type LatencyReporterFunc func(LatencyBudgetExceeded)

func (f LatencyReporterFunc) ReportLatency(e LatencyBudgetExceeded) { f(e) }

// Options configures an Ingestor. Zero fields take the defaults.
type Options struct {
	Window   time.Duration
	Capacity int
	Budget   time.Duration
	// MaxConcurrent bounds how many batches are handled at once across all
	// streams. Defaults to 4*GOMAXPROCS.
	MaxConcurrent int64
	Clock         timeutil.Clock
	Reporter      LatencyReporter
	Counters      *monitoring.Counters
}

// Ingestor buffers readings per sensor and dispatches batches to a Handler.
type Ingestor struct {
	handler  Handler
	window   time.Duration
	capacity int
	budget   time.Duration
	clock    timeutil.Clock
	reporter LatencyReporter
	counters *monitoring.Counters
	sem      *semaphore.Weighted
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	streams keyed.Map[*stream]
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New returns an Ingestor delivering batches to h. Call Run to enable
// window-based dispatch and Stop to flush and release every stream.
func New(h Handler, opts Options) *Ingestor {
	in := &Ingestor{
		handler:  h,
		window:   opts.Window,
		capacity: opts.Capacity,
		budget:   opts.Budget,
		clock:    opts.Clock,
		reporter: opts.Reporter,
		counters: opts.Counters,
		log:      monitoring.L().Named("ingest"),
	}
	if in.window <= 0 {
		in.window = DefaultWindow
	}
	if in.capacity <= 0 {
		in.capacity = DefaultCapacity
	}
	if in.budget <= 0 {
		in.budget = DefaultBudget
	}
	if in.clock == nil {
		in.clock = timeutil.RealClock{}
	}
	if in.counters == nil {
		in.counters = &monitoring.Counters{}
	}
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = int64(4 * runtime.GOMAXPROCS(0))
	}
	in.sem = semaphore.NewWeighted(limit)
	in.ctx, in.cancel = context.WithCancel(context.Background())
	return in
}

type stream struct {
	id          string
	mu          sync.Mutex
	ring        *Ring[sensor.Reading]
	state       State
	lastArrival time.Time
	evicted     int
	seq         uint64
	reason      Reason
	closing     bool
	// detached are Detach callers waiting for the merged flush.
	detached []chan struct{}
	wake     chan struct{}
	done     chan struct{}
}

func (s *stream) signal(r Reason) {
	if s.reason == "" || r == ReasonCapacity {
		s.reason = r
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (in *Ingestor) stream(id string) *stream {
	if s, ok := in.streams.Load(id); ok {
		return s
	}
	s := &stream{
		id:   id,
		ring: NewRing[sensor.Reading](in.capacity),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	actual, loaded := in.streams.LoadOrStore(id, s)
	if !loaded {
		in.wg.Add(1)
		go in.work(s)
	}
	return actual
}

// Push validates r and buffers it on its sensor's stream. It never blocks
// on downstream processing.
func (in *Ingestor) Push(r sensor.Reading) error {
	if err := r.Validate(); err != nil {
		in.counters.ReadingsRejected.Add(1)
		return err
	}
	if in.stopped.Load() {
		return fmt.Errorf("%w: ingestor stopped", ErrStreamClosed)
	}
	s := in.stream(r.SensorID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return fmt.Errorf("%w: %s", ErrStreamClosed, r.SensorID)
	}
	if s.ring.Push(r) {
		s.evicted++
		in.counters.SamplesEvicted.Add(1)
	}
	in.counters.ReadingsAccepted.Add(1)
	s.lastArrival = in.clock.Now()
	if s.state == Idle {
		s.state = Buffering
	}
	if s.ring.Full() {
		s.signal(ReasonCapacity)
	}
	return nil
}

// PushBatch pushes every reading and returns how many were accepted along
// with the joined errors of the rejected ones.
func (in *Ingestor) PushBatch(readings []sensor.Reading) (int, error) {
	var errs []error
	n := 0
	for _, r := range readings {
		if err := in.Push(r); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Run cuts a batch on every non-empty stream each window until ctx is done.
func (in *Ingestor) Run(ctx context.Context) {
	ticker := in.clock.NewTicker(in.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			in.Tick()
		}
	}
}

// Tick closes the current window on every stream holding readings.
func (in *Ingestor) Tick() {
	in.streams.Range(func(_ string, s *stream) bool {
		s.mu.Lock()
		if s.ring.Len() > 0 && !s.closing {
			s.signal(ReasonWindow)
		}
		s.mu.Unlock()
		return true
	})
}

// State reports a stream's lifecycle state. Unknown streams are Idle.
func (in *Ingestor) State(sensorID string) State {
	s, ok := in.streams.Load(sensorID)
	if !ok {
		return Idle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of buffered, undispatched readings for a sensor.
func (in *Ingestor) Pending(sensorID string) int {
	s, ok := in.streams.Load(sensorID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Len()
}

// Streams returns the ids of open streams.
func (in *Ingestor) Streams() []string {
	return in.streams.Keys()
}

// Close stops accepting readings for sensorID, folds everything still
// buffered into one final batch, waits for it to be handled and releases the
// stream. Closing an unknown stream is a no-op.
func (in *Ingestor) Close(ctx context.Context, sensorID string) error {
	s, ok := in.streams.Load(sensorID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.closing = true
	s.signal(ReasonFlush)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	in.streams.DeleteIf(sensorID, func(cur *stream) bool { return cur == s })
	return nil
}

// Detach folds everything buffered for sensorID, including readings a
// pending window or capacity cut would have dispatched, into one flush batch
// and waits for it to be handled. Unlike Close the stream stays open and
// later readings start a fresh window.
func (in *Ingestor) Detach(ctx context.Context, sensorID string) error {
	s, ok := in.streams.Load(sensorID)
	if !ok {
		return nil
	}
	flushed := make(chan struct{})
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamClosed, sensorID)
	}
	s.detached = append(s.detached, flushed)
	s.signal(ReasonFlush)
	s.mu.Unlock()

	select {
	case <-flushed:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Stop closes every stream, flushing buffered readings, then releases the
// ingestor.
func (in *Ingestor) Stop(ctx context.Context) error {
	in.stopped.Store(true)
	var errs []error
	for _, id := range in.streams.Keys() {
		if err := in.Close(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	in.cancel()
	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (in *Ingestor) work(s *stream) {
	defer in.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-s.wake:
		case <-in.ctx.Done():
			s.mu.Lock()
			s.state = Closed
			s.mu.Unlock()
			return
		}

		b, ok, last, detached := in.take(s)
		if ok {
			in.dispatch(b)
			s.mu.Lock()
			if s.state == Dispatching {
				s.state = Buffering
			}
			s.mu.Unlock()
		}
		if len(detached) > 0 {
			s.mu.Lock()
			if s.state != Closed && s.ring.Len() == 0 {
				s.state = Idle
			}
			s.mu.Unlock()
			for _, ch := range detached {
				close(ch)
			}
		}
		if last {
			s.mu.Lock()
			s.state = Closed
			s.mu.Unlock()
			return
		}
	}
}

// take drains the ring into a batch. last reports that the stream is
// closing and this is its final batch; detached are the Detach callers this
// batch answers.
func (in *Ingestor) take(s *stream) (b Batch, ok, last bool, detached []chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := s.reason
	s.reason = ""
	detached, s.detached = s.detached, nil
	if s.closing || len(detached) > 0 {
		reason = ReasonFlush
	}
	if s.ring.Len() == 0 {
		return Batch{}, false, s.closing, detached
	}
	s.seq++
	b = Batch{
		SensorID:    s.id,
		Seq:         s.seq,
		Readings:    s.ring.Drain(),
		Reason:      reason,
		LastArrival: s.lastArrival,
		Evicted:     s.evicted,
	}
	if s.evicted > 0 {
		in.log.Warn("buffer overflow, oldest readings evicted",
			zap.String("sensor_id", s.id), zap.Int("evicted", s.evicted), zap.Uint64("batch", b.Seq))
	}
	s.evicted = 0
	s.state = Dispatching
	return b, true, s.closing, detached
}

func (in *Ingestor) dispatch(b Batch) {
	// The final flush during Stop runs before cancel, so the base context
	// is still live here.
	if err := in.sem.Acquire(in.ctx, 1); err != nil {
		return
	}
	defer in.sem.Release(1)

	err := in.handler.HandleBatch(in.ctx, b)

	latency := in.clock.Since(b.LastArrival)
	if latency > in.budget {
		ev := LatencyBudgetExceeded{
			SensorID: b.SensorID,
			Seq:      b.Seq,
			Readings: len(b.Readings),
			Latency:  latency,
			Budget:   in.budget,
		}
		in.counters.LatencyViolations.Add(1)
		in.log.Warn("latency budget exceeded", zap.String("sensor_id", b.SensorID),
			zap.Uint64("batch", b.Seq), zap.Duration("latency", latency))
		if in.reporter != nil {
			in.reporter.ReportLatency(ev)
		}
	}

	if err != nil {
		in.counters.BatchesFailed.Add(1)
		in.log.Error("batch failed", zap.String("sensor_id", b.SensorID), zap.Uint64("batch", b.Seq), zap.Error(err))
		return
	}
	in.counters.BatchesProcessed.Add(1)
}
