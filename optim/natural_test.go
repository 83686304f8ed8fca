package optim

import (
	"math"
	"testing"
)

// fixedNaturalConfig returns settings with adaptation disabled so tests can
// reason about a constant damping value.
func fixedNaturalConfig() NaturalConfig {
	return NaturalConfig{
		LearningRate:         1.0,
		Delay:                1e12,
		Decay:                1.0,
		Damping:              0.1,
		MinDamping:           1e-6,
		DampingAdaptInterval: 0,
		CovUpdateEvery:       1,
		CovEmaDecay:          0.9,
		InvertEvery:          1,
	}
}

func TestNaturalConfigValidation(t *testing.T) {
	cfg := fixedNaturalConfig()
	cfg.Damping = 0
	if _, err := NewNaturalGradient(cfg, 2); err == nil {
		t.Fatal("expected error for zero damping")
	}
	cfg = fixedNaturalConfig()
	cfg.MinDamping = 1 // above Damping
	if _, err := NewNaturalGradient(cfg, 2); err == nil {
		t.Fatal("expected error for min damping above damping")
	}
	cfg = fixedNaturalConfig()
	cfg.InvertEvery = 0
	if _, err := NewNaturalGradient(cfg, 2); err == nil {
		t.Fatal("expected error for zero inversion cadence")
	}
}

// curvature41 installs F = [[4,0],[0,0]] exactly: two centered score
// vectors (±2, 0) give that covariance on the first update.
func curvature41(t *testing.T, o *NaturalGradient) {
	t.Helper()
	o.UpdateCurvature([][]float64{{2, 0}, {-2, 0}})
}

func TestNaturalGradientSolvesDampedSystem(t *testing.T) {
	o, err := NewNaturalGradient(fixedNaturalConfig(), 2)
	if err != nil {
		t.Fatal(err)
	}
	curvature41(t, o)

	params := []float64{0, 0}
	grad := []float64{1, 1}
	if err := o.Step(params, grad, 1.0); err != nil {
		t.Fatal(err)
	}

	// Δ = (F+λI)⁻¹ g with F=diag(4,0), λ=0.1.
	wantX := -1.0 / 4.1
	wantY := -1.0 / 0.1
	if math.Abs(params[0]-wantX) > 1e-10 || math.Abs(params[1]-wantY) > 1e-10 {
		t.Fatalf("step (%g, %g), want (%g, %g)", params[0], params[1], wantX, wantY)
	}
}

// TestTrustRegionRescale constructs a step whose quadratic norm under F
// exceeds the constraint and checks the applied step lands exactly on the
// boundary.
func TestTrustRegionRescale(t *testing.T) {
	const constraint = 0.01
	cfg := fixedNaturalConfig()
	cfg.NormConstraint = constraint
	o, err := NewNaturalGradient(cfg, 2)
	if err != nil {
		t.Fatal(err)
	}
	curvature41(t, o)

	params := []float64{0, 0}
	if err := o.Step(params, []float64{1, 1}, 1.0); err != nil {
		t.Fatal(err)
	}

	// Unconstrained quadratic norm is 4·(1/4.1)² ≈ 0.238 > constraint.
	unconstrained := 4.0 / (4.1 * 4.1)
	if unconstrained <= constraint {
		t.Fatal("test setup: unconstrained step must exceed the constraint")
	}
	if math.Abs(o.LastQuadraticNorm()-constraint) > 1e-12 {
		t.Fatalf("recorded quadratic norm %g, want %g", o.LastQuadraticNorm(), constraint)
	}
	// Recompute δᵀFδ from the applied parameter change: F = diag(4, 0).
	applied := 4 * params[0] * params[0]
	if math.Abs(applied-constraint) > 1e-10 {
		t.Fatalf("applied step quadratic norm %g, want %g", applied, constraint)
	}
}

func TestTrustRegionLeavesSmallStepsAlone(t *testing.T) {
	cfg := fixedNaturalConfig()
	cfg.NormConstraint = 100 // far above any step here
	o, err := NewNaturalGradient(cfg, 2)
	if err != nil {
		t.Fatal(err)
	}
	curvature41(t, o)
	params := []float64{0, 0}
	if err := o.Step(params, []float64{1, 1}, 1.0); err != nil {
		t.Fatal(err)
	}
	want := 4.0 / (4.1 * 4.1)
	if math.Abs(o.LastQuadraticNorm()-want) > 1e-10 {
		t.Fatalf("quadratic norm %g, want unconstrained %g", o.LastQuadraticNorm(), want)
	}
}

// TestDampingIncreasesWhenUnderperforming drives iterations whose realized
// loss reduction is persistently zero while the quadratic model predicts a
// reduction; damping must ratchet upward monotonically.
func TestDampingIncreasesWhenUnderperforming(t *testing.T) {
	cfg := fixedNaturalConfig()
	cfg.LearningRate = 1e-3
	cfg.Damping = 1e-2
	cfg.MinDamping = 1e-4
	cfg.DampingAdaptInterval = 1
	cfg.DampingAdaptDecay = 0.5
	o, err := NewNaturalGradient(cfg, 2)
	if err != nil {
		t.Fatal(err)
	}

	params := []float64{0, 0}
	prev := o.Damping()
	increases := 0
	for step := 0; step < 6; step++ {
		if err := o.Step(params, []float64{1, 0}, 1.0); err != nil {
			t.Fatal(err)
		}
		if d := o.Damping(); d > prev {
			increases++
			prev = d
		} else if d < prev {
			t.Fatalf("damping decreased to %g after step %d while underperforming", d, step)
		}
	}
	if increases < 4 {
		t.Fatalf("damping increased only %d times over 6 underperforming steps", increases)
	}
}

// TestDampingDecreasesToFloor drives iterations that overperform the model
// and checks damping decays but never passes MinDamping.
func TestDampingDecreasesToFloor(t *testing.T) {
	cfg := fixedNaturalConfig()
	cfg.LearningRate = 1e-3
	cfg.Damping = 10
	cfg.MinDamping = 0.01
	cfg.DampingAdaptInterval = 1
	cfg.DampingAdaptDecay = 0.5
	o, err := NewNaturalGradient(cfg, 2)
	if err != nil {
		t.Fatal(err)
	}

	params := []float64{0, 0}
	loss := 1.0
	for step := 0; step < 30; step++ {
		if err := o.Step(params, []float64{1, 0}, loss); err != nil {
			t.Fatal(err)
		}
		if o.Damping() < cfg.MinDamping {
			t.Fatalf("damping %g fell below floor %g", o.Damping(), cfg.MinDamping)
		}
		loss -= 1.0 // realized reduction far beyond the tiny prediction
	}
	if o.Damping() != cfg.MinDamping {
		t.Fatalf("damping %g did not settle on floor %g", o.Damping(), cfg.MinDamping)
	}
}

func TestNaturalRejectsNonFinite(t *testing.T) {
	o, err := NewNaturalGradient(fixedNaturalConfig(), 2)
	if err != nil {
		t.Fatal(err)
	}
	curvature41(t, o)
	params := []float64{3, 4}
	snapshot := append([]float64(nil), params...)

	if err := o.Step(params, []float64{math.NaN(), 0}, 1.0); err != ErrNonFinite {
		t.Fatalf("got %v, want ErrNonFinite", err)
	}
	if err := o.Step(params, []float64{0, 0}, math.NaN()); err != ErrNonFinite {
		t.Fatalf("got %v, want ErrNonFinite", err)
	}
	for i := range params {
		if params[i] != snapshot[i] {
			t.Fatal("parameters mutated by rejected update")
		}
	}
}

func TestNaturalStateRoundTrip(t *testing.T) {
	cfg := fixedNaturalConfig()
	cfg.DampingAdaptInterval = 2
	cfg.DampingAdaptDecay = 0.7
	o, err := NewNaturalGradient(cfg, 3)
	if err != nil {
		t.Fatal(err)
	}
	params := []float64{0.5, -0.5, 1}
	loss := 2.0
	for step := 0; step < 7; step++ {
		o.UpdateCurvature([][]float64{
			{0.5, -0.2, 0.1},
			{-0.3, 0.4, 0.2},
			{-0.2, -0.2, -0.3},
		})
		if err := o.Step(params, []float64{0.1, 0.2, -0.1}, loss); err != nil {
			t.Fatal(err)
		}
		loss -= 0.01
	}

	state, err := o.State()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := NewNaturalGradient(cfg, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.LoadState(state); err != nil {
		t.Fatal(err)
	}
	state2, err := restored.State()
	if err != nil {
		t.Fatal(err)
	}
	if string(state) != string(state2) {
		t.Fatal("state serialization does not round-trip exactly")
	}
	if restored.Damping() != o.Damping() {
		t.Fatalf("damping %g did not survive restore (want %g)", restored.Damping(), o.Damping())
	}

	// Continuation must be bit-identical, not merely close.
	a := append([]float64(nil), params...)
	b := append([]float64(nil), params...)
	if err := o.Step(a, []float64{0.1, 0.1, 0.1}, loss); err != nil {
		t.Fatal(err)
	}
	if err := restored.Step(b, []float64{0.1, 0.1, 0.1}, loss); err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("restored optimizer diverged at param %d", i)
		}
	}
}

func TestNaturalLoadStateRejectsDimensionMismatch(t *testing.T) {
	o, err := NewNaturalGradient(fixedNaturalConfig(), 2)
	if err != nil {
		t.Fatal(err)
	}
	state, err := o.State()
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewNaturalGradient(fixedNaturalConfig(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.LoadState(state); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
