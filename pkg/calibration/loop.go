package calibration

import (
	"math"

	"github.com/pkg/errors"
)

// stepPolicy selects how a correction loop reacts once it steps past
// the target.
type stepPolicy int

const (
	// quarterFlip keeps stepping by the same amount until the error
	// changes sign, then reverses direction at a quarter of the size.
	quarterFlip stepPolicy = iota

	// halveStep re-aims at the error before every pass and halves the
	// step size whenever the direction reverses. The first pass
	// applies nothing so the loop starts from a clean baseline.
	halveStep
)

// correctionLoop is the apply-measure-adjust cycle shared by the tower
// corrections.
type correctionLoop struct {
	name    string
	target  float64
	policy  stepPolicy
	initial float64 // opening adjustment (quarterFlip) or step size (halveStep)
	limit   float64 // abort once the cumulative change exceeds this, 0 disables
	passes  int

	apply   func(adj float64) error
	measure func() (float64, error)
	report  func(format string, args ...interface{})
}

// run drives the loop until the measured error is inside the target.
// It returns the passes used and the last measurement.
func (l *correctionLoop) run() (converged bool, passes int, diff float64, err error) {
	adj := l.initial
	step := l.initial
	if l.policy == halveStep {
		adj = 0
	}
	var cum float64
	for pass := 1; pass <= l.passes; pass++ {
		if err := l.apply(adj); err != nil {
			return false, pass, diff, err
		}
		cum += adj
		if l.limit > 0 && math.Abs(cum) > l.limit {
			return false, pass, diff, errors.Wrapf(ErrRunaway,
				"%s: cumulative change %.3f exceeds %.1f", l.name, cum, l.limit)
		}
		d, err := l.measure()
		if err != nil {
			return false, pass, diff, err
		}
		diff = d
		prev := adj
		switch l.policy {
		case quarterFlip:
			if math.Abs(diff) < l.target {
				return true, pass, diff, nil
			}
			if sameSign(diff, adj) {
				adj = -adj / 4
				l.report("Overshoot detected, reversing to %+.5f", adj)
			}
		case halveStep:
			if math.Abs(diff) <= l.target {
				return true, pass, diff, nil
			}
			adj = math.Copysign(step, diff)
			if prev != 0 && !sameSign(adj, prev) {
				adj /= 2
				step /= 2
				l.report("Overshoot detected, step reduced to %.5f", step)
			}
		}
	}
	return false, l.passes, diff, nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
