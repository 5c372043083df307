package monitoring

import (
	"expvar"
	"sync"
	"sync/atomic"
)

// Counters tracks engine-wide event totals. The zero value is ready to use.
type Counters struct {
	ReadingsAccepted   atomic.Int64
	ReadingsRejected   atomic.Int64
	SamplesEvicted     atomic.Int64
	BatchesProcessed   atomic.Int64
	BatchesFailed      atomic.Int64
	LatencyViolations  atomic.Int64
	AnomalyCandidates  atomic.Int64
	CalibrationsFailed atomic.Int64
}

// Snapshot returns the counter values keyed by their exported names.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"readings_accepted":   c.ReadingsAccepted.Load(),
		"readings_rejected":   c.ReadingsRejected.Load(),
		"samples_evicted":     c.SamplesEvicted.Load(),
		"batches_processed":   c.BatchesProcessed.Load(),
		"batches_failed":      c.BatchesFailed.Load(),
		"latency_violations":  c.LatencyViolations.Load(),
		"anomaly_candidates":  c.AnomalyCandidates.Load(),
		"calibrations_failed": c.CalibrationsFailed.Load(),
	}
}

var publishOnce sync.Map

// Publish exposes the counters under name on /debug/vars. Publishing the same
// name twice is a no-op.
func (c *Counters) Publish(name string) {
	if _, loaded := publishOnce.LoadOrStore(name, struct{}{}); loaded {
		return
	}
	expvar.Publish(name, expvar.Func(func() any { return c.Snapshot() }))
}
