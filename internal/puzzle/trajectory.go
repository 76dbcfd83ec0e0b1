package puzzle

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidOffset is returned when asked to plan a drag that does not move right.
var ErrInvalidOffset = errors.New("drag offset must be positive")

// DefaultSteps is the number of drag segments.
const DefaultSteps = 7

// Step is one pointer move of a drag.
type Step struct {
	DX    float64
	DY    float64
	Delay time.Duration
}

// Plan is a full drag: press and hold, then Steps, then release.
type Plan struct {
	Offset Offset
	Hold   time.Duration
	Steps  []Step
}

// Distance returns the total horizontal pointer travel.
func (p Plan) Distance() float64 {
	var d float64
	for _, s := range p.Steps {
		d += s.DX
	}
	return d
}

// PlanTrajectory splits total into steps deltas weighted by 3^i, largest first.
// The deltas sum to total. A non-positive total has no trajectory and yields nil.
func PlanTrajectory(total float64, steps int) []float64 {
	return planTrajectory(total, steps, 3)
}

func planTrajectory(total float64, steps int, base float64) []float64 {
	if !(total > 0) {
		return nil
	}
	if steps <= 0 {
		steps = DefaultSteps
	}
	if base <= 1 {
		base = 3
	}

	weights := make([]float64, steps)
	var sum float64
	for i := range weights {
		weights[i] = math.Pow(base, float64(i+1))
		sum += weights[i]
	}

	deltas := make([]float64, steps)
	var acc float64
	for i := 0; i < steps-1; i++ {
		// reversed: the heaviest weight moves first
		deltas[i] = weights[steps-1-i] / sum * total
		acc += deltas[i]
	}
	deltas[steps-1] = total - acc
	return deltas
}

// Plan builds the pointer sequence for offset. Each step carries random
// vertical jitter and a random pause, and the press is held for a random
// interval before the first move.
func (s *Solver) Plan(offset Offset) (Plan, error) {
	deltas := planTrajectory(float64(offset), s.cal.Steps, s.cal.Base)
	if deltas == nil {
		return Plan{}, fmt.Errorf("%w: got %v", ErrInvalidOffset, float64(offset))
	}

	plan := Plan{
		Offset: offset,
		Hold:   s.between(s.cal.HoldMin, s.cal.HoldMax),
		Steps:  make([]Step, len(deltas)),
	}
	for i, d := range deltas {
		plan.Steps[i] = Step{
			DX:    d * s.cal.MoveScale,
			DY:    s.rng.Float64() * s.cal.JitterMax,
			Delay: s.between(s.cal.DelayMin, s.cal.DelayMax),
		}
	}
	return plan, nil
}

func (s *Solver) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}
