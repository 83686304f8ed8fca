// Package train drives variational Monte Carlo optimization: it alternates
// Metropolis sampling with curvature-aware parameter updates, aggregates
// local-energy statistics into the loss, survives non-finite updates by
// rejecting them, and checkpoints on a wall-clock cadence so long runs can
// be interrupted and resumed exactly.
package train

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/openqmc/fermiflow/device"
	"github.com/openqmc/fermiflow/hamiltonian"
	"github.com/openqmc/fermiflow/mcmc"
	"github.com/openqmc/fermiflow/optim"
	"github.com/openqmc/fermiflow/wavefn"
)

// State names the coordinator's position in its lifecycle.
type State int

const (
	StateInitializing State = iota
	StateBurnIn
	StateTraining
	StateCheckpointing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateBurnIn:
		return "burn-in"
	case StateTraining:
		return "training"
	case StateCheckpointing:
		return "checkpointing"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Coordinator owns the training loop. It is driven from a single goroutine;
// batch work fans out internally and rejoins before every optimizer update.
type Coordinator struct {
	cfg     Config
	net     *wavefn.Network
	sampler *mcmc.Sampler
	opt     optim.Optimizer
	eval    *hamiltonian.Evaluator
	store   *Store
	logger  *recordLogger

	// pcg is the root RNG's marshalable state; the sampler and parameter
	// init share the rand.Rand built on top of it.
	pcg *rand.PCG

	params  []float64
	plan    device.Plan
	state   State
	iter    int
	retries int // consecutive rejected updates

	lastSave time.Time
}

// New assembles a coordinator. The effective argument, when non-nil, is
// written to the run directory as config.yaml so the run is reproducible
// from its artifacts. Configuration errors are fatal here, before any
// training work starts.
func New(cfg Config, net *wavefn.Network, sampler *mcmc.Sampler, opt optim.Optimizer,
	eval *hamiltonian.Evaluator, params []float64, pcg *rand.PCG,
	effective any) (*Coordinator, error) {

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "coordinator config")
	}
	if len(params) != net.NumParams() {
		return nil, errors.Errorf("parameter vector length %d does not match network size %d", len(params), net.NumParams())
	}

	store, err := NewStore(cfg.RunDir)
	if err != nil {
		return nil, err
	}
	logger, err := newRecordLogger(cfg.RunDir)
	if err != nil {
		return nil, err
	}
	if effective != nil {
		if err := writeEffectiveConfig(cfg.RunDir, effective); err != nil {
			logger.Close()
			return nil, err
		}
	}

	var rep *device.Report
	if r, err := device.Probe(); err == nil {
		rep = r
	}
	plan := device.PlanFor(rep, sampler.Config().BatchSize)
	sampler.SetShards(plan.Shards)

	return &Coordinator{
		cfg:     cfg,
		net:     net,
		sampler: sampler,
		opt:     opt,
		eval:    eval,
		store:   store,
		logger:  logger,
		pcg:     pcg,
		params:  params,
		plan:    plan,
		state:   StateInitializing,
	}, nil
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State { return c.state }

// Params returns the live parameter vector.
func (c *Coordinator) Params() []float64 { return c.params }

// Iteration returns the next iteration index to run.
func (c *Coordinator) Iteration() int { return c.iter }

// Run executes the full lifecycle: restore-or-initialize, burn-in, the
// training loop and a final checkpoint. Cancellation is honored only at
// iteration boundaries; the loop never stops mid-update. The returned
// records are the run's full iteration history.
func (c *Coordinator) Run(ctx context.Context) ([]IterationRecord, error) {
	defer c.logger.Close()

	if err := c.initialize(); err != nil {
		c.state = StateTerminated
		return nil, err
	}

	c.state = StateBurnIn
	if n := c.sampler.Config().BurnIn; n > 0 {
		if c.cfg.Verbose {
			fmt.Printf("Burn-in: %d sweeps over %d walkers (%d shards, %s)\n",
				n, c.sampler.Config().BatchSize, c.plan.Shards, c.plan.Source)
		}
		c.sampler.Burnin(c.params, n)
	}

	c.state = StateTraining
	c.lastSave = time.Now()
	for ; c.iter < c.cfg.Iterations; c.iter++ {
		if ctx.Err() != nil {
			// Termination is honored between iterations only.
			break
		}
		c.trainStep()

		if c.cfg.SaveEvery > 0 && time.Since(c.lastSave) >= c.cfg.SaveEvery {
			c.checkpoint()
			c.lastSave = time.Now()
		}
	}

	c.state = StateTerminated
	c.checkpoint() // best-effort final snapshot
	return c.logger.history, ctx.Err()
}

// initialize restores from a checkpoint when one is named, else keeps the
// fresh parameters passed at construction. A restore failure is fatal: the
// run cannot proceed without its intended initial state.
func (c *Coordinator) initialize() error {
	c.state = StateInitializing
	if c.cfg.RestorePath == "" {
		return nil
	}
	cp, err := Load(c.cfg.RestorePath)
	if err != nil {
		return errors.Wrap(err, "restore")
	}
	if hash := c.net.Molecule().Hash(); cp.SystemHash != "" && cp.SystemHash != hash {
		return errors.Errorf("checkpoint system %s does not match configured system %s", cp.SystemHash, hash)
	}
	if len(cp.Params) != len(c.params) {
		return errors.Errorf("checkpoint has %d parameters, network expects %d", len(cp.Params), len(c.params))
	}
	if cp.Optimizer != c.opt.Name() {
		return errors.Errorf("checkpoint optimizer %s does not match configured %s", cp.Optimizer, c.opt.Name())
	}
	copy(c.params, cp.Params)
	if err := c.opt.LoadState(cp.OptimizerState); err != nil {
		return errors.Wrap(err, "restore optimizer state")
	}
	if err := c.pcg.UnmarshalBinary(cp.RNGState); err != nil {
		return errors.Wrap(err, "restore rng state")
	}
	c.iter = cp.Iteration
	// Walkers are not checkpointed; re-equilibrate from scratch.
	c.sampler.Reinitialize()
	if c.cfg.Verbose {
		fmt.Printf("Restored checkpoint %s at iteration %d\n", c.cfg.RestorePath, c.iter)
	}
	return nil
}

// trainStep runs one full iteration: decorrelate, evaluate, aggregate,
// update, record.
func (c *Coordinator) trainStep() {
	for k := 0; k < c.sampler.Config().Steps; k++ {
		c.sampler.Step(c.params)
	}
	batch := c.sampler.Batch()

	energies := c.eval.EvaluateBatch(c.params, batch, c.plan.Shards)
	loss, stats, clipped := Aggregate(energies, c.cfg.ClipEl)

	scores := c.scoreBatch(batch)
	grad := c.gradient(clipped, loss, scores)

	rec := IterationRecord{
		Iteration:   c.iter,
		Loss:        loss,
		Variance:    stats.Variance,
		Acceptance:  c.sampler.Acceptance(),
		ClippedFrac: stats.ClippedFrac,
		UnixMillis:  nowMillis(),
	}

	if ca, ok := c.opt.(optim.CurvatureAware); ok {
		scoresFinite := allRowsFinite(scores)
		if scoresFinite {
			ca.UpdateCurvature(scores)
		}
	}

	err := c.opt.Step(c.params, grad, loss)
	switch {
	case err == nil:
		c.retries = 0
	case errors.Is(err, optim.ErrNonFinite):
		// Parameters are untouched; the next sampled batch will differ, so
		// the loop simply continues. The retry count keeps a stuck run
		// visible in the record stream.
		c.retries++
		rec.Rejected = true
		rec.Retries = c.retries
		if c.cfg.CheckLoss {
			c.checkpoint() // preserve the last-known-good state for diagnosis
		}
	default:
		c.retries++
		rec.Rejected = true
		rec.Retries = c.retries
		fmt.Printf("  iter %d: update failed: %v\n", c.iter, err)
	}

	if lr, ok := c.opt.(interface{ LearningRate() float64 }); ok {
		rec.LearningRate = lr.LearningRate()
	}
	if ng, ok := c.opt.(*optim.NaturalGradient); ok {
		rec.Damping = ng.Damping()
	}

	if err := c.logger.Append(rec); err != nil {
		// The stream is the only place a stuck run is visible; a write
		// failure must not be.
		fmt.Printf("  record append failed: %v\n", err)
	}
	if c.cfg.Verbose && (c.cfg.StatsEvery <= 1 || c.iter%c.cfg.StatsEvery == 0 || rec.Rejected) {
		rec.print()
	}
}

// scoreBatch computes the per-walker score vectors ∇θ log ψ, fanned out the
// same way local energies are.
func (c *Coordinator) scoreBatch(batch [][]float64) [][]float64 {
	scores := make([][]float64, len(batch))
	p := pool.New().WithMaxGoroutines(c.plan.Shards)
	chunk := (len(batch) + c.plan.Shards - 1) / c.plan.Shards
	for start := 0; start < len(batch); start += chunk {
		end := start + chunk
		if end > len(batch) {
			end = len(batch)
		}
		start, end := start, end
		p.Go(func() {
			ws := c.net.NewScratch()
			for w := start; w < end; w++ {
				g := make([]float64, c.net.NumParams())
				if err := c.net.GradLogPsi(c.params, batch[w], ws, g); err != nil {
					for i := range g {
						g[i] = math.NaN()
					}
				}
				scores[w] = g
			}
		})
	}
	p.Wait()
	return scores
}

// gradient builds the variational energy gradient
// 2·E[(E_L − Ē)·∇θ log ψ] from the clipped energies and score vectors.
func (c *Coordinator) gradient(clipped []float64, loss float64, scores [][]float64) []float64 {
	grad := make([]float64, c.net.NumParams())
	n := float64(len(clipped))
	if n == 0 {
		return grad
	}
	for w, s := range scores {
		diff := clipped[w] - loss
		for i, sv := range s {
			grad[i] += diff * sv
		}
	}
	for i := range grad {
		grad[i] *= 2 / n
	}
	return grad
}

// checkpoint writes a consistent snapshot. Save failures are logged and the
// run continues; the next cadence retries.
func (c *Coordinator) checkpoint() {
	prev := c.state
	c.state = StateCheckpointing
	defer func() { c.state = prev }()

	optState, err := c.opt.State()
	if err != nil {
		fmt.Printf("checkpoint skipped: optimizer state: %v\n", err)
		return
	}
	rngState, err := c.pcg.MarshalBinary()
	if err != nil {
		fmt.Printf("checkpoint skipped: rng state: %v\n", err)
		return
	}
	params := make([]float64, len(c.params))
	copy(params, c.params)

	path, err := c.store.Save(&Checkpoint{
		Iteration:      c.iter,
		SystemHash:     c.net.Molecule().Hash(),
		Params:         params,
		Optimizer:      c.opt.Name(),
		OptimizerState: optState,
		RNGState:       rngState,
	})
	if err != nil {
		fmt.Printf("checkpoint save failed: %v\n", err)
		return
	}
	if c.cfg.Verbose {
		fmt.Printf("Checkpoint written: %s\n", path)
	}
}

func allRowsFinite(rows [][]float64) bool {
	for _, r := range rows {
		for _, v := range r {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
