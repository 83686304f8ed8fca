// Package optim provides the parameter-update strategies for variational
// training: a first-order momentum optimizer and a curvature-aware
// natural-gradient optimizer with adaptive damping. The variant is chosen
// once at startup; both mutate the parameter vector in place and expose
// their full state for exact checkpoint continuation.
package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Optimizer is the contract between the training coordinator and an update
// strategy. Step applies one update to params given the loss gradient and
// the loss value the gradient was computed from. A non-finite gradient or
// loss returns ErrNonFinite and leaves params untouched.
type Optimizer interface {
	// Step applies gradients to the parameter vector in place.
	Step(params, grad []float64, loss float64) error

	// State returns the optimizer state for serialization.
	State() ([]byte, error)

	// LoadState restores optimizer state from serialization.
	LoadState(data []byte) error

	// Name returns the optimizer name.
	Name() string
}

// CurvatureAware is implemented by optimizers that consume per-walker score
// vectors (∇θ log ψ) to maintain a curvature estimate. The coordinator
// feeds scores before each Step; the optimizer applies its own update
// cadence.
type CurvatureAware interface {
	UpdateCurvature(scores [][]float64)
}

// ErrNonFinite marks an update that was refused because the loss or
// gradient contained NaN/Inf. Parameters are guaranteed unchanged.
var ErrNonFinite = errors.New("non-finite loss or gradient")

// allFinite reports whether every element of v is a normal number.
func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func checkUpdate(params, grad []float64, loss float64) error {
	if len(grad) != len(params) {
		return errors.Errorf("gradient length %d does not match parameter length %d", len(grad), len(params))
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || !allFinite(grad) {
		return ErrNonFinite
	}
	return nil
}
