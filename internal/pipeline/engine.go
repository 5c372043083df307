// Package pipeline wires ingestion, calibration, analysis, anomaly
// detection, session aggregation and publishing into one engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.report/internal/anomaly"
	"github.com/banshee-data/motion.report/internal/biomech"
	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/codec"
	"github.com/banshee-data/motion.report/internal/config"
	"github.com/banshee-data/motion.report/internal/filter"
	"github.com/banshee-data/motion.report/internal/httputil"
	"github.com/banshee-data/motion.report/internal/ingest"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/sampling"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/session"
	"github.com/banshee-data/motion.report/internal/timeutil"
	"github.com/banshee-data/motion.report/internal/transport"
)

// DefaultSweepInterval is how often expired calibrations are dropped.
const DefaultSweepInterval = time.Minute

// ErrTopicMismatch is returned when a reading names a different sensor from
// the topic it arrived on.
var ErrTopicMismatch = errors.New("reading does not match topic sensor")

// Store persists engine state. *db.DB satisfies it.
type Store interface {
	session.Snapshotter
	calibration.HistorySink
	SaveBaseline(ctx context.Context, b anomaly.Baseline) error
	Baselines(ctx context.Context) (map[string][]anomaly.Baseline, error)
	ListSessions(ctx context.Context, status session.Status) ([]session.Session, error)
}

// Options wires an Engine. Every field is optional; without a Probe every
// calibration fails verification and sensors run on default params.
type Options struct {
	Config *config.EngineConfig
	Probe  calibration.Probe
	Store  Store
	// CalibrationSinks receive history entries in addition to Store.
	CalibrationSinks []calibration.HistorySink
	// Publisher receives every analysis output on transport.ResultsTopic.
	Publisher transport.Publisher
	// Codec frames published outputs. Defaults to an uncompressed codec.
	Codec *codec.Codec
	// OnRecommendation is called when the sampling advisor proposes a
	// rate change.
	OnRecommendation func(sampling.Recommendation)
	Clock            timeutil.Clock
	Counters         *monitoring.Counters
	SweepInterval    time.Duration
}

// Engine is the composition root. Its components are exported so the API
// and the entry point can drive them directly.
type Engine struct {
	Calibration *calibration.Engine
	Detector    *anomaly.Detector
	Sessions    *session.Aggregator
	Ingest      *ingest.Ingestor
	Advisor     *sampling.Advisor

	cfg      atomic.Pointer[config.EngineConfig]
	filter   *liveFilter
	codec    *codec.Codec
	pub      transport.Publisher
	store    Store
	onRec    func(sampling.Recommendation)
	counters *monitoring.Counters
	sweep    time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	unbound   atomic.Int64
	published atomic.Int64
	pubFailed atomic.Int64

	recMu sync.Mutex
	recs  map[string]sampling.Recommendation
}

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Counters == nil {
		opts.Counters = &monitoring.Counters{}
	}
	if opts.Codec == nil {
		c, err := codec.New(false)
		if err != nil {
			return nil, fmt.Errorf("create codec: %w", err)
		}
		opts.Codec = c
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		filter:   &liveFilter{},
		codec:    opts.Codec,
		pub:      opts.Publisher,
		store:    opts.Store,
		onRec:    opts.OnRecommendation,
		counters: opts.Counters,
		sweep:    opts.SweepInterval,
		log:      monitoring.L().Named("pipeline"),
		ctx:      ctx,
		cancel:   cancel,
		recs:     make(map[string]sampling.Recommendation),
	}
	e.cfg.Store(cfg)
	e.filter.set(filter.New(cfg))

	var sinks calibration.HistorySinks
	var snap session.Snapshotter
	var onUpdate func(anomaly.Baseline)
	if opts.Store != nil {
		sinks = append(sinks, opts.Store)
		snap = opts.Store
		onUpdate = e.saveBaseline
	}
	sinks = append(sinks, opts.CalibrationSinks...)
	var history calibration.HistorySink
	if len(sinks) > 0 {
		history = sinks
	}

	e.Calibration = calibration.NewEngine(opts.Probe, calibration.Options{
		Clock:    opts.Clock,
		History:  history,
		Counters: opts.Counters,
	})
	e.Detector = anomaly.NewDetector(anomaly.Options{
		Threshold: cfg.GetAnomalyThreshold(),
		Clock:     opts.Clock,
		OnUpdate:  onUpdate,
	})
	e.Sessions = session.NewAggregator(session.Options{
		Filter:      e.filter,
		Analyzer:    biomech.Analyzer{},
		Detector:    e.Detector,
		Params:      configParams{e},
		Snapshotter: snap,
		Flusher:     session.FlusherFunc(e.flushSession),
		OnResult:    e.onResult,
		Clock:       opts.Clock,
		Counters:    opts.Counters,
	})
	e.Ingest = ingest.New(ingest.HandlerFunc(e.handleBatch), ingest.Options{
		Reporter: ingest.LatencyReporterFunc(e.reportLatency),
		Window:   cfg.GetBatchWindow(),
		Capacity: cfg.GetBufferCapacity(),
		Clock:    opts.Clock,
		Counters: opts.Counters,
	})
	e.Advisor = sampling.NewAdvisor(sampling.Options{})
	return e, nil
}

// configParams serves a sensor's calibration. Uncalibrated sensors get the
// default params with sample_window and filter_cutoff from the config in
// effect.
type configParams struct{ e *Engine }

func (p configParams) Current(sensorID string) (calibration.Params, error) {
	params, err := p.e.Calibration.Current(sensorID)
	if !errors.Is(err, calibration.ErrNotCalibrated) {
		return params, err
	}
	cfg := p.e.cfg.Load()
	params = calibration.DefaultParams()
	params.SampleWindow = cfg.GetSampleWindow()
	params.FilterCutoff = cfg.GetFilterCutoff()
	return params, nil
}

// liveFilter lets a config reload swap the filter under running sessions.
type liveFilter struct {
	p atomic.Pointer[filter.SignalFilter]
}

func (l *liveFilter) set(f *filter.SignalFilter) { l.p.Store(f) }

func (l *liveFilter) FilterReadings(readings []sensor.Reading) ([]sensor.FilteredReading, filter.Quality) {
	return l.p.Load().FilterReadings(readings)
}

// Config returns the config currently in effect.
func (e *Engine) Config() *config.EngineConfig { return e.cfg.Load() }

// ApplyConfig installs a reloaded config. Filter, sample window and cutoff
// settings take effect on the next batch; batch window, capacity and
// threshold changes need a restart.
func (e *Engine) ApplyConfig(cfg *config.EngineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	prev := e.cfg.Swap(cfg)
	e.filter.set(filter.New(cfg))
	if prev.GetBatchWindow() != cfg.GetBatchWindow() ||
		prev.GetBufferCapacity() != cfg.GetBufferCapacity() ||
		prev.GetAnomalyThreshold() != cfg.GetAnomalyThreshold() {
		e.log.Warn("config change needs a restart to take full effect")
	}
	e.log.Info("config applied",
		zap.Int("sample_window", cfg.GetSampleWindow()),
		zap.Float64("filter_cutoff", cfg.GetFilterCutoff()))
	return nil
}

// Restore reloads persisted baselines and resumes sessions that were active
// when the process last stopped.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	baselines, err := e.store.Baselines(ctx)
	if err != nil {
		return fmt.Errorf("restore baselines: %w", err)
	}
	restored := 0
	for _, hist := range baselines {
		if e.Detector.Restore(hist) {
			restored++
		}
	}

	active, err := e.store.ListSessions(ctx, session.StatusActive)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	var errs []error
	for _, s := range active {
		if _, err := e.Sessions.Resume(s); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", s.ID, err))
		}
	}
	e.log.Info("restored state", zap.Int("baselines", restored), zap.Int("sessions", len(active)-len(errs)))
	return errors.Join(errs...)
}

// Run drives batch windows and calibration expiry until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Ingest.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.Calibration.Run(ctx, e.sweep)
	}()
	wg.Wait()
}

// Stop flushes every stream and releases the engine. Sessions stay Active so
// they resume on the next start.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.Ingest.Stop(ctx)
	e.cancel()
	return err
}

// Push buffers one reading.
func (e *Engine) Push(r sensor.Reading) error {
	return e.Ingest.Push(r)
}

// SubmitReadings buffers a decoded batch. It fails only when no reading was
// accepted.
func (e *Engine) SubmitReadings(_ context.Context, readings []sensor.Reading) error {
	n, err := e.Ingest.PushBatch(readings)
	if n == 0 && err != nil {
		return err
	}
	if err != nil {
		e.log.Debug("partial batch accepted", zap.Int("accepted", n), zap.Error(err))
	}
	return nil
}

// HandleMessage decodes a readings message from the transport and buffers
// it. Readings without a sensor id take the one from the topic.
func (e *Engine) HandleMessage(ctx context.Context, m transport.Message) error {
	sensorID, ok := transport.SensorFromTopic(m.Topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", m.Topic)
	}
	readings, err := e.codec.DecodeBatch(m.Payload)
	if err != nil {
		return err
	}
	for i := range readings {
		switch readings[i].SensorID {
		case "":
			readings[i].SensorID = sensorID
		case sensorID:
		default:
			return fmt.Errorf("%w: %s on %s", ErrTopicMismatch, readings[i].SensorID, m.Topic)
		}
	}
	return e.SubmitReadings(ctx, readings)
}

// handleBatch routes an ingest batch to the session bound to its sensor.
// Batches from unbound sensors are dropped.
func (e *Engine) handleBatch(ctx context.Context, b ingest.Batch) error {
	sessionID, ok := e.Sessions.SessionForSensor(b.SensorID)
	if !ok {
		e.unbound.Add(1)
		e.log.Debug("dropping batch from unbound sensor", zap.String("sensor_id", b.SensorID), zap.Int("readings", len(b.Readings)))
		return nil
	}
	return e.Sessions.ProcessBatch(ctx, sessionID, b.Readings)
}

// flushSession drains the session's sensor streams before it completes.
func (e *Engine) flushSession(ctx context.Context, s session.Session) error {
	var errs []error
	for _, id := range s.Config.Sensors() {
		if err := e.Ingest.Close(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
		e.Advisor.Forget(id)
		e.recMu.Lock()
		delete(e.recs, id)
		e.recMu.Unlock()
	}
	return errors.Join(errs...)
}

// FlushSensor hands everything buffered for a sensor to its session now,
// as one batch, without closing the stream.
func (e *Engine) FlushSensor(ctx context.Context, sensorID string) error {
	return e.Ingest.Detach(ctx, sensorID)
}

// reportLatency publishes a latency budget violation on the sensor's
// latency topic.
func (e *Engine) reportLatency(ev ingest.LatencyBudgetExceeded) {
	if e.pub == nil {
		return
	}
	sessionID, _ := e.Sessions.SessionForSensor(ev.SensorID)
	frame, err := e.codec.EncodeLatency(codec.LatencyEvent{
		SessionID: sessionID,
		SensorID:  ev.SensorID,
		Batch:     ev.Seq,
		Readings:  ev.Readings,
		LatencyMs: float64(ev.Latency) / float64(time.Millisecond),
		BudgetMs:  float64(ev.Budget) / float64(time.Millisecond),
	})
	if err != nil {
		e.log.Error("encode latency event", zap.String("sensor_id", ev.SensorID), zap.Error(err))
		return
	}
	if err := e.pub.Publish(e.ctx, transport.LatencyTopic(ev.SensorID), frame); err != nil {
		e.log.Warn("publish latency event", zap.String("sensor_id", ev.SensorID), zap.Error(err))
	}
}

func (e *Engine) onResult(out session.Output) {
	e.publish(out)
	e.advise(out)
}

func (e *Engine) publish(out session.Output) {
	if e.pub == nil {
		return
	}
	frame, err := e.codec.EncodeOutput(codec.Output{
		SessionID: out.SessionID,
		AthleteID: out.AthleteID,
		SensorID:  out.Result.SensorID,
		Timestamp: out.Result.Timestamp,
		Result:    out.Result,
		Scores:    out.Scores,
	})
	if err != nil {
		e.pubFailed.Add(1)
		e.log.Error("encode output", zap.String("session_id", out.SessionID), zap.Error(err))
		return
	}
	if err := e.pub.Publish(e.ctx, transport.ResultsTopic(out.SessionID), frame); err != nil {
		e.pubFailed.Add(1)
		e.log.Warn("publish output", zap.String("session_id", out.SessionID), zap.Error(err))
		return
	}
	e.published.Add(1)
}

func (e *Engine) advise(out session.Output) {
	sensorID := out.Result.SensorID
	s, err := e.Sessions.Get(out.SessionID)
	if err != nil {
		return
	}
	rate, ok := s.Config.SamplingRates[sensorID]
	if !ok {
		return
	}
	rec := e.Advisor.Recommend(sensorID, rate, out.Result)
	if rec.Change == sampling.Hold {
		return
	}
	e.recMu.Lock()
	e.recs[sensorID] = rec
	e.recMu.Unlock()
	e.log.Info("sampling rate advice",
		zap.String("sensor_id", sensorID),
		zap.String("change", string(rec.Change)),
		zap.Float64("recommended_hz", rec.Recommended),
		zap.String("reason", rec.Reason))
	if e.onRec != nil {
		e.onRec(rec)
	}
}

// Recommendations returns the latest non-hold advice per sensor.
func (e *Engine) Recommendations() map[string]sampling.Recommendation {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	out := make(map[string]sampling.Recommendation, len(e.recs))
	for k, v := range e.recs {
		out[k] = v
	}
	return out
}

func (e *Engine) saveBaseline(b anomaly.Baseline) {
	if err := e.store.SaveBaseline(e.ctx, b); err != nil {
		e.log.Warn("persist baseline", zap.String("subject_id", b.SubjectID), zap.Int("version", b.Version), zap.Error(err))
	}
}

// Stats is the engine summary served on the debug page.
type Stats struct {
	Counters         map[string]int64                   `json:"counters"`
	Streams          map[string]string                  `json:"streams"`
	ActiveSessions   int                                `json:"active_sessions"`
	UnboundBatches   int64                              `json:"unbound_batches"`
	Published        int64                              `json:"published"`
	PublishFailed    int64                              `json:"publish_failed"`
	CompressionRatio float64                            `json:"compression_ratio"`
	MeetsRatioTarget bool                               `json:"meets_ratio_target"`
	Recommendations  map[string]sampling.Recommendation `json:"recommendations"`
}

// Stats returns a point-in-time summary.
func (e *Engine) Stats() Stats {
	st := Stats{
		Counters:         e.counters.Snapshot(),
		Streams:          make(map[string]string),
		UnboundBatches:   e.unbound.Load(),
		Published:        e.published.Load(),
		PublishFailed:    e.pubFailed.Load(),
		CompressionRatio: e.codec.Ratio().Value(),
		MeetsRatioTarget: e.codec.Ratio().MeetsTarget(),
		Recommendations:  e.Recommendations(),
	}
	for _, id := range e.Ingest.Streams() {
		st.Streams[id] = e.Ingest.State(id).String()
	}
	for _, s := range e.Sessions.List() {
		if s.Status == session.StatusActive {
			st.ActiveSessions++
		}
	}
	return st
}

// MetricFamilies returns the counters and point-in-time gauges for a
// Prometheus scrape.
func (e *Engine) MetricFamilies() []*dto.MetricFamily {
	st := e.Stats()
	return append(e.counters.MetricFamilies("motion_engine"),
		monitoring.Gauge("motion_engine_active_sessions", "Sessions currently active.", float64(st.ActiveSessions)),
		monitoring.Gauge("motion_engine_streams", "Sensor streams known to the ingestor.", float64(len(st.Streams))),
		monitoring.Gauge("motion_engine_unbound_batches", "Batches dropped because their sensor had no active session.", float64(st.UnboundBatches)),
		monitoring.Gauge("motion_engine_outputs_published", "Outputs published to the transport.", float64(st.Published)),
		monitoring.Gauge("motion_engine_outputs_publish_failed", "Outputs that failed to encode or publish.", float64(st.PublishFailed)),
		monitoring.Gauge("motion_engine_compression_ratio", "Raw to compressed payload size ratio.", st.CompressionRatio),
	)
}

// AttachAdminRoutes adds the engine summary to the tsweb debug page, serves
// GET /metrics and publishes the counters to expvar.
func (e *Engine) AttachAdminRoutes(mux *http.ServeMux) {
	e.counters.Publish("motion_engine")
	mux.Handle("GET /metrics", monitoring.MetricsHandler(e.MetricFamilies))
	debug := tsweb.Debugger(mux)
	debug.Handle("engine", "Engine stats", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, e.Stats())
	}))
	debug.Handle("engine-config", "Engine config in effect", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, e.Config())
	}))
	debug.HandleSilentFunc("engine-flush", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		id := r.URL.Query().Get("sensor")
		if id == "" {
			httputil.BadRequest(w, "missing 'sensor' parameter")
			return
		}
		pending := e.Ingest.Pending(id)
		if err := e.FlushSensor(r.Context(), id); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]any{"sensor_id": id, "flushed": pending})
	})
}
