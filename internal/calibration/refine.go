package calibration

import (
	"context"
	"math"
)

// ScoreFunc probes a candidate parameter set and returns its data-quality
// score in [0,1].
type ScoreFunc func(ctx context.Context, p Params) (float64, error)

// Stage is one step of progressive refinement. Stages run in order and each
// receives the output of the previous one.
type Stage interface {
	Name() string
	Refine(ctx context.Context, sensorID string, p Params, score ScoreFunc) (Params, error)
}

// StageFunc adapts a plain function to a Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, sensorID string, p Params, score ScoreFunc) (Params, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Refine(ctx context.Context, sensorID string, p Params, score ScoreFunc) (Params, error) {
	return s.Fn(ctx, sensorID, p, score)
}

const (
	maxClimbIterations = 3
	minImprovement     = 0.01
)

// DefaultStages returns gain, drift, threshold and window/cutoff refinement,
// in that order.
func DefaultStages() []Stage {
	return []Stage{
		climb{name: "gain", fields: []field{gainField}},
		climb{name: "drift", fields: []field{driftField}},
		climb{name: "threshold", fields: []field{thresholdField}},
		climb{name: "window_cutoff", fields: []field{windowField, cutoffField}},
	}
}

// climb is a bounded coordinate ascent: for each field it probes one step
// up and one step down and keeps a move only when the score improves by at
// least minImprovement. Equal scores leave the parameters unchanged.
type climb struct {
	name   string
	fields []field
}

func (c climb) Name() string { return c.name }

func (c climb) Refine(ctx context.Context, _ string, p Params, score ScoreFunc) (Params, error) {
	best, err := score(ctx, p)
	if err != nil {
		return p, err
	}
	for _, f := range c.fields {
		for i := 0; i < maxClimbIterations; i++ {
			improved := false
			for _, dir := range [...]float64{1, -1} {
				v := roundStep(f.get(p) + dir*f.step)
				if v < f.min || v > f.max {
					continue
				}
				cand := p
				f.set(&cand, v)
				q, err := score(ctx, cand)
				if err != nil {
					return p, err
				}
				if q >= best+minImprovement {
					p, best, improved = cand, q, true
					break
				}
			}
			if !improved {
				break
			}
		}
	}
	return p, nil
}

func roundStep(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
