package train

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openqmc/fermiflow/mcmc"
	"github.com/openqmc/fermiflow/system"
	"github.com/openqmc/fermiflow/wavefn"
)

// smallRunSpec returns a deterministic helium-like run sized for tests:
// tiny walker batch, short burn-in, momentum updates.
func smallRunSpec(t *testing.T, iterations int) RunSpec {
	t.Helper()
	spec := DefaultRunSpec(system.HeliumLike(2))
	spec.Network = wavefn.Config{Hidden: 4, UseJastrow: true}
	spec.MCMC = mcmc.Config{
		BatchSize: 8,
		MoveWidth: 0.3,
		InitWidth: 0.8,
		BurnIn:    10,
		Steps:     2,
	}
	spec.Train = Config{
		Iterations:    iterations,
		StatsEvery:    0,
		SaveEvery:     0, // only the final checkpoint
		ClipEl:        5,
		RunDir:        t.TempDir(),
		Verbose:       false,
		Seed:          1234,
		Deterministic: true,
	}
	return spec
}

func TestCoordinatorRunProducesHistoryAndCheckpoint(t *testing.T) {
	spec := smallRunSpec(t, 5)
	coord, err := NewRun(spec)
	if err != nil {
		t.Fatal(err)
	}
	if coord.State() != StateInitializing {
		t.Fatalf("fresh coordinator state %s, want %s", coord.State(), StateInitializing)
	}

	history, err := coord.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if coord.State() != StateTerminated {
		t.Fatalf("state after run %s, want %s", coord.State(), StateTerminated)
	}
	if len(history) != 5 {
		t.Fatalf("history has %d records, want 5", len(history))
	}
	for i, rec := range history {
		if rec.Iteration != i {
			t.Fatalf("record %d has iteration %d", i, rec.Iteration)
		}
		if math.IsNaN(rec.Loss) || math.IsInf(rec.Loss, 0) {
			t.Fatalf("iteration %d loss %g is not finite", i, rec.Loss)
		}
		if rec.Acceptance < 0 || rec.Acceptance > 1 {
			t.Fatalf("iteration %d acceptance %g out of range", i, rec.Acceptance)
		}
	}

	// The run directory is self-describing: effective config, the record
	// stream, and the final checkpoint.
	for _, name := range []string{"config.yaml", "records.jsonl", "ckpt_000005.json"} {
		if _, err := os.Stat(filepath.Join(spec.Train.RunDir, name)); err != nil {
			t.Fatalf("run artifact %s missing: %v", name, err)
		}
	}
}

func TestCoordinatorDeterministicRepeat(t *testing.T) {
	run := func() []IterationRecord {
		spec := smallRunSpec(t, 3)
		coord, err := NewRun(spec)
		if err != nil {
			t.Fatal(err)
		}
		history, err := coord.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		return history
	}
	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("history lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Loss != b[i].Loss || a[i].Acceptance != b[i].Acceptance {
			t.Fatalf("iteration %d diverged: (%g, %g) vs (%g, %g)",
				i, a[i].Loss, a[i].Acceptance, b[i].Loss, b[i].Acceptance)
		}
	}
}

func TestCoordinatorRestoreResumes(t *testing.T) {
	first := smallRunSpec(t, 5)
	coord, err := NewRun(first)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	latest, err := Latest(first.Train.RunDir)
	if err != nil {
		t.Fatal(err)
	}

	second := smallRunSpec(t, 7)
	second.Train.RestorePath = latest
	resumed, err := NewRun(second)
	if err != nil {
		t.Fatal(err)
	}
	history, err := resumed.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Only the remaining iterations run, continuing the saved index.
	if len(history) != 2 {
		t.Fatalf("resumed run produced %d records, want 2", len(history))
	}
	if history[0].Iteration != 5 || history[1].Iteration != 6 {
		t.Fatalf("resumed iterations (%d, %d), want (5, 6)", history[0].Iteration, history[1].Iteration)
	}
	if coord.Iteration() != 5 {
		t.Fatalf("first run stopped at iteration %d, want 5", coord.Iteration())
	}
}

// TestCoordinatorRejectsNonFiniteIteration drives the rejection branch
// through a real iteration: a walker with NaN coordinates makes the batch
// loss NaN, the update must be refused with the record flagged and counted,
// the last-known-good checkpoint written, and the counter reset once the
// ensemble is healthy again. Every record, flagged or not, must land in the
// on-disk stream.
func TestCoordinatorRejectsNonFiniteIteration(t *testing.T) {
	spec := smallRunSpec(t, 3)
	spec.Train.CheckLoss = true
	coord, err := NewRun(spec)
	if err != nil {
		t.Fatal(err)
	}

	params := append([]float64(nil), coord.params...)
	walker := coord.sampler.Batch()[0]
	good := append([]float64(nil), walker...)
	for k := range walker {
		walker[k] = math.NaN()
	}

	coord.trainStep() // NaN energy -> rejected
	coord.iter++
	coord.trainStep() // still poisoned -> rejected again
	coord.iter++

	// Rejected updates leave parameters untouched.
	for j := range params {
		if coord.params[j] != params[j] {
			t.Fatalf("rejected updates mutated parameter %d", j)
		}
	}

	copy(walker, good)
	coord.trainStep() // healthy batch -> accepted
	if err := coord.logger.Close(); err != nil {
		t.Fatal(err)
	}

	h := coord.logger.history
	if len(h) != 3 {
		t.Fatalf("history has %d records, want 3", len(h))
	}
	if !h[0].Rejected || h[0].Retries != 1 {
		t.Fatalf("first record not flagged: %+v", h[0])
	}
	if !math.IsNaN(h[0].Loss) {
		t.Fatalf("first record loss %g, want NaN", h[0].Loss)
	}
	if !h[1].Rejected || h[1].Retries != 2 {
		t.Fatalf("consecutive rejection not counted: %+v", h[1])
	}
	if h[2].Rejected || h[2].Retries != 0 {
		t.Fatalf("recovery did not reset the retry counter: %+v", h[2])
	}
	if math.IsNaN(h[2].Loss) || math.IsInf(h[2].Loss, 0) {
		t.Fatalf("recovered loss %g is not finite", h[2].Loss)
	}

	// CheckLoss preserved the pre-divergence state.
	if _, err := os.Stat(filepath.Join(spec.Train.RunDir, "ckpt_000000.json")); err != nil {
		t.Fatalf("last-known-good checkpoint missing: %v", err)
	}

	// The flagged records reached the stream, not just the history.
	lines := readStream(t, spec.Train.RunDir)
	if len(lines) != 3 {
		t.Fatalf("stream has %d records, want 3", len(lines))
	}
	if lines[0]["rejected"] != true || lines[0]["loss"] != nil {
		t.Fatalf("first stream record not a null-loss rejection: %v", lines[0])
	}
	if lines[2]["rejected"] == true {
		t.Fatalf("recovered record flagged in stream: %v", lines[2])
	}
}

func TestCoordinatorRestoreRejectsMismatchedSystem(t *testing.T) {
	first := smallRunSpec(t, 2)
	coord, err := NewRun(first)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	latest, err := Latest(first.Train.RunDir)
	if err != nil {
		t.Fatal(err)
	}

	second := smallRunSpec(t, 4)
	second.System = system.H2(1.401) // same electron count, different geometry
	second.Train.RestorePath = latest
	resumed, err := NewRun(second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := resumed.Run(context.Background()); err == nil {
		t.Fatal("expected restore to fail against a different system")
	}
}

func TestCoordinatorRestoreRejectsMismatchedOptimizer(t *testing.T) {
	first := smallRunSpec(t, 2)
	coord, err := NewRun(first)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	latest, err := Latest(first.Train.RunDir)
	if err != nil {
		t.Fatal(err)
	}

	second := smallRunSpec(t, 4)
	second.Optimizer = OptNatural
	second.Train.RestorePath = latest
	resumed, err := NewRun(second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := resumed.Run(context.Background()); err == nil {
		t.Fatal("expected restore to fail against a different optimizer")
	}
}

func TestCoordinatorHonorsCancellation(t *testing.T) {
	spec := smallRunSpec(t, 100000)
	coord, err := NewRun(spec)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	history, err := coord.Run(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if len(history) >= 100000 {
		t.Fatal("cancellation did not shorten the run")
	}
	if coord.State() != StateTerminated {
		t.Fatalf("state after cancellation %s, want %s", coord.State(), StateTerminated)
	}
}

func TestCoordinatorValidatesConfig(t *testing.T) {
	spec := smallRunSpec(t, 3)
	spec.Train.Iterations = 0
	if _, err := NewRun(spec); err == nil {
		t.Fatal("expected validation error for zero iterations")
	}
	spec = smallRunSpec(t, 3)
	spec.Optimizer = "adagrad"
	if _, err := NewRun(spec); err == nil {
		t.Fatal("expected error for unrecognized optimizer")
	}
	spec = smallRunSpec(t, 3)
	spec.System = nil
	if _, err := NewRun(spec); err == nil {
		t.Fatal("expected error for missing system")
	}
}
