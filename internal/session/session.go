// Package session owns the lifecycle of training sessions and accumulates
// per-batch analysis into cumulative session metrics.
package session

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/banshee-data/motion.report/internal/anomaly"
	"github.com/banshee-data/motion.report/internal/biomech"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session not active")
	ErrInvalidConfig    = errors.New("invalid session config")
	ErrSessionExists    = errors.New("session already exists")
	ErrSensorInUse      = errors.New("sensor bound to another active session")
)

// ProcessingError is returned when a batch keeps failing after every retry.
// The session is Errored by the time it is returned.
type ProcessingError struct {
	SessionID string
	SensorID  string
	Attempts  int
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("session %s: sensor %s failed after %d attempts: %v", e.SessionID, e.SensorID, e.Attempts, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusErrored      Status = "errored"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// Config describes what a session records.
type Config struct {
	Type string `json:"type"`
	// SamplingRates maps each sensor taking part to its sampling rate in Hz.
	SamplingRates map[string]float64           `json:"sampling_rates"`
	Placements    map[string]biomech.Placement `json:"placements,omitempty"`
	Reference     biomech.Reference            `json:"reference,omitempty"`
	// SnapshotEvery overrides how many processed batches pass between
	// persisted snapshots.
	SnapshotEvery int `json:"snapshot_every,omitempty"`
}

// Validate requires a type and at least one positive sampling rate.
func (c Config) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidConfig)
	}
	if len(c.SamplingRates) == 0 {
		return fmt.Errorf("%w: sampling_rates must not be empty", ErrInvalidConfig)
	}
	for id, hz := range c.SamplingRates {
		if id == "" {
			return fmt.Errorf("%w: empty sensor id in sampling_rates", ErrInvalidConfig)
		}
		if !(hz > 0) || math.IsInf(hz, 0) {
			return fmt.Errorf("%w: sampling rate for %s must be positive, got %v", ErrInvalidConfig, id, hz)
		}
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("%w: snapshot_every must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Sensors returns the configured sensor ids in sorted order.
func (c Config) Sensors() []string {
	return slices.Sorted(maps.Keys(c.SamplingRates))
}

func (c Config) clone() Config {
	c.SamplingRates = maps.Clone(c.SamplingRates)
	c.Placements = maps.Clone(c.Placements)
	c.Reference.MuscleActivity = maps.Clone(c.Reference.MuscleActivity)
	c.Reference.RangeOfMotion = maps.Clone(c.Reference.RangeOfMotion)
	return c
}

// Performance holds the session-level indicators. Each is nominally in
// [0,1]; pathological inputs are reported as computed rather than clamped.
type Performance struct {
	Efficiency float64 `json:"efficiency"`
	Symmetry   float64 `json:"symmetry"`
	Technique  float64 `json:"technique"`
}

// Accumulators are the running sums behind Performance.
type Accumulators struct {
	BalanceSum  float64 `json:"balance_sum"`
	BalanceN    int     `json:"balance_n"`
	VarianceSum float64 `json:"variance_sum"`
	VarianceN   int     `json:"variance_n"`
	AnomalySum  float64 `json:"anomaly_sum"`
	AnomalyN    int     `json:"anomaly_n"`
}

func (a Accumulators) performance() Performance {
	p := Performance{Efficiency: 1, Symmetry: 1, Technique: 1}
	if a.BalanceN > 0 {
		p.Symmetry = a.BalanceSum / float64(a.BalanceN)
	}
	if a.VarianceN > 0 {
		p.Efficiency = 1 / (1 + a.VarianceSum/float64(a.VarianceN))
	}
	if a.AnomalyN > 0 {
		p.Technique = 1 - a.AnomalySum/float64(a.AnomalyN)
	}
	return p
}

// maxCandidates bounds the anomaly candidates retained per session.
const maxCandidates = 256

// Metrics is the cumulative state of a session.
type Metrics struct {
	MuscleActivity    map[string]biomech.MuscleActivity `json:"muscle_activity"`
	ForceDistribution map[string]biomech.Force          `json:"force_distribution"`
	RangeOfMotion     map[string]biomech.Motion         `json:"range_of_motion"`
	Kinematics        map[string]biomech.Kinematics     `json:"kinematics,omitempty"`
	// AnomalyScores holds the latest score per metric.
	AnomalyScores map[string]anomaly.Score `json:"anomaly_scores"`
	// Anomalies holds the most recent candidate anomalies, oldest first.
	Anomalies   []anomaly.Score `json:"anomalies,omitempty"`
	Performance Performance     `json:"performance_indicators"`

	Batches  int `json:"batches"`
	Readings int `json:"readings"`
	Rejected int `json:"rejected"`

	// Samples counts merged observations per label for the running means.
	Samples      map[string]int `json:"samples,omitempty"`
	Accumulators Accumulators   `json:"accumulators"`
}

func newMetrics() Metrics {
	return Metrics{
		MuscleActivity:    map[string]biomech.MuscleActivity{},
		ForceDistribution: map[string]biomech.Force{},
		RangeOfMotion:     map[string]biomech.Motion{},
		Kinematics:        map[string]biomech.Kinematics{},
		AnomalyScores:     map[string]anomaly.Score{},
		Samples:           map[string]int{},
		Performance:       Accumulators{}.performance(),
	}
}

// ensure fills nil maps, as found in rehydrated sessions.
func (m *Metrics) ensure() {
	if m.MuscleActivity == nil {
		m.MuscleActivity = map[string]biomech.MuscleActivity{}
	}
	if m.ForceDistribution == nil {
		m.ForceDistribution = map[string]biomech.Force{}
	}
	if m.RangeOfMotion == nil {
		m.RangeOfMotion = map[string]biomech.Motion{}
	}
	if m.Kinematics == nil {
		m.Kinematics = map[string]biomech.Kinematics{}
	}
	if m.AnomalyScores == nil {
		m.AnomalyScores = map[string]anomaly.Score{}
	}
	if m.Samples == nil {
		m.Samples = map[string]int{}
	}
}

func (m Metrics) clone() Metrics {
	m.MuscleActivity = maps.Clone(m.MuscleActivity)
	m.ForceDistribution = maps.Clone(m.ForceDistribution)
	m.RangeOfMotion = maps.Clone(m.RangeOfMotion)
	m.Kinematics = maps.Clone(m.Kinematics)
	m.AnomalyScores = maps.Clone(m.AnomalyScores)
	m.Anomalies = slices.Clone(m.Anomalies)
	m.Samples = maps.Clone(m.Samples)
	for k, v := range m.Kinematics {
		v.Patterns = slices.Clone(v.Patterns)
		m.Kinematics[k] = v
	}
	return m
}

func runningMean(prev float64, n int, next float64) float64 {
	return prev + (next-prev)/float64(n+1)
}

// merge folds one analysis result into m. Instantaneous values are replaced;
// variance and deviation are running means over the merged results.
func (m *Metrics) merge(res biomech.Result, scores []anomaly.Score) {
	for label, ma := range res.MuscleActivity {
		key := "muscle:" + label
		n := m.Samples[key]
		m.Accumulators.VarianceSum += ma.Variance
		m.Accumulators.VarianceN++
		ma.Variance = runningMean(m.MuscleActivity[label].Variance, n, ma.Variance)
		m.MuscleActivity[label] = ma
		m.Samples[key] = n + 1
	}
	for label, f := range res.ForceDistribution {
		m.ForceDistribution[label] = f
		m.Accumulators.BalanceSum += f.Balance
		m.Accumulators.BalanceN++
	}
	for label, mo := range res.RangeOfMotion {
		key := "joint:" + label
		n := m.Samples[key]
		mo.Deviation = runningMean(m.RangeOfMotion[label].Deviation, n, mo.Deviation)
		m.RangeOfMotion[label] = mo
		m.Samples[key] = n + 1
	}
	if res.Kinematics != nil {
		m.Kinematics[res.SensorID] = *res.Kinematics
	}
	for _, s := range scores {
		m.AnomalyScores[s.Metric] = s
		m.Accumulators.AnomalySum += s.Normalized
		m.Accumulators.AnomalyN++
		if s.Candidate {
			m.Anomalies = append(m.Anomalies, s)
		}
	}
	if over := len(m.Anomalies) - maxCandidates; over > 0 {
		m.Anomalies = slices.Delete(m.Anomalies, 0, over)
	}
	m.Performance = m.Accumulators.performance()
}

// Session is one athlete's training session.
type Session struct {
	ID        string     `json:"id"`
	AthleteID string     `json:"athlete_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Config    Config     `json:"config"`
	Metrics   Metrics    `json:"metrics"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.Config = s.Config.clone()
	s.Metrics = s.Metrics.clone()
	if s.EndTime != nil {
		t := *s.EndTime
		s.EndTime = &t
	}
	return s
}
