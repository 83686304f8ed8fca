// Package mcmc implements the Metropolis walker ensemble that samples
// electron configurations from |ψ|². Walkers are independent: each sweep
// proposes a Gaussian perturbation of a walker's full configuration and
// accepts it with probability min(1, |ψ'|²/|ψ|²). The move width is a fixed
// hyperparameter; the acceptance rate is tracked for diagnostics but never
// tunes the width.
package mcmc

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sourcegraph/conc/pool"

	"github.com/openqmc/fermiflow/wavefn"
)

// Config holds the sampler hyperparameters.
type Config struct {
	BatchSize int     `json:"batch_size" yaml:"batch_size"`
	MoveWidth float64 `json:"move_width" yaml:"move_width"` // proposal std dev
	InitWidth float64 `json:"init_width" yaml:"init_width"` // initial cloud std dev
	BurnIn    int     `json:"burn_in" yaml:"burn_in"`       // equilibration sweeps
	Steps     int     `json:"steps" yaml:"steps"`           // decorrelation sweeps per iteration

	// InitMeans optionally offsets each electron's initial mean position;
	// length 3*nelec when set.
	InitMeans []float64 `json:"init_means,omitempty" yaml:"init_means,omitempty"`
}

// DefaultConfig returns sampler settings that equilibrate small molecules.
func DefaultConfig() Config {
	return Config{
		BatchSize: 256,
		MoveWidth: 0.2,
		InitWidth: 1.0,
		BurnIn:    100,
		Steps:     10,
	}
}

// Validate rejects unusable hyperparameters before any sampling happens.
func (c Config) Validate(nelec int) error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MoveWidth <= 0 {
		return fmt.Errorf("move width must be positive, got %g", c.MoveWidth)
	}
	if c.InitWidth <= 0 {
		return fmt.Errorf("init width must be positive, got %g", c.InitWidth)
	}
	if c.BurnIn < 0 || c.Steps < 0 {
		return fmt.Errorf("burn-in (%d) and steps (%d) must be non-negative", c.BurnIn, c.Steps)
	}
	if len(c.InitMeans) != 0 && len(c.InitMeans) != 3*nelec {
		return fmt.Errorf("init means has length %d, want %d", len(c.InitMeans), 3*nelec)
	}
	return nil
}

// Sampler owns the walker batch and its acceptance statistics.
type Sampler struct {
	cfg    Config
	net    *wavefn.Network
	rng    *rand.Rand
	batch  [][]float64
	shards int

	acceptEMA float64
	sweeps    int
}

const acceptDecay = 0.9

// New creates a sampler with walkers placed in Gaussian clouds around the
// nuclei. Electrons are assigned to nuclei round-robin within each spin so
// heavier atoms still receive electrons from both spins.
func New(cfg Config, net *wavefn.Network, rng *rand.Rand, shards int) (*Sampler, error) {
	mol := net.Molecule()
	if err := cfg.Validate(mol.NumElectrons()); err != nil {
		return nil, err
	}
	if shards < 1 {
		shards = 1
	}
	s := &Sampler{cfg: cfg, net: net, rng: rng, shards: shards}
	s.Reinitialize()
	return s, nil
}

// Reinitialize resets the walker batch to the initial Gaussian placement.
// Called at construction and again after a checkpoint restore, since
// checkpoints deliberately do not carry walker positions.
func (s *Sampler) Reinitialize() {
	mol := s.net.Molecule()
	ne := mol.NumElectrons()
	s.batch = make([][]float64, s.cfg.BatchSize)
	for w := range s.batch {
		pos := make([]float64, 3*ne)
		for i := 0; i < ne; i++ {
			atom := mol.Atoms[i%len(mol.Atoms)]
			for d := 0; d < 3; d++ {
				mean := atom.Coords[d]
				if len(s.cfg.InitMeans) > 0 {
					mean += s.cfg.InitMeans[3*i+d]
				}
				pos[3*i+d] = mean + s.cfg.InitWidth*s.rng.NormFloat64()
			}
		}
		s.batch[w] = pos
	}
	s.acceptEMA = 0
	s.sweeps = 0
}

// Batch returns the live walker ensemble. Callers must treat it as
// read-only between sweeps.
func (s *Sampler) Batch() [][]float64 { return s.batch }

// Config returns the sampler's hyperparameters.
func (s *Sampler) Config() Config { return s.cfg }

// SetShards adjusts the fan-out width for subsequent sweeps. Sweep results
// do not depend on the shard count, only on the root RNG state.
func (s *Sampler) SetShards(n int) {
	if n >= 1 {
		s.shards = n
	}
}

// Acceptance returns the running acceptance-rate average.
func (s *Sampler) Acceptance() float64 { return s.acceptEMA }

// Step runs one Metropolis sweep over the whole batch against the current
// parameters and returns the sweep's acceptance rate. Per-walker RNG
// streams are seeded from the root source before the fan-out, so results
// are deterministic for a given root state regardless of shard count.
func (s *Sampler) Step(params []float64) float64 {
	nw := len(s.batch)
	seeds := make([]uint64, nw)
	for w := range seeds {
		seeds[w] = s.rng.Uint64()
	}
	accepted := make([]int, nw)

	p := pool.New().WithMaxGoroutines(s.shards)
	chunk := (nw + s.shards - 1) / s.shards
	for start := 0; start < nw; start += chunk {
		end := start + chunk
		if end > nw {
			end = nw
		}
		start, end := start, end
		p.Go(func() {
			ws := s.net.NewScratch()
			proposal := make([]float64, len(s.batch[0]))
			for w := start; w < end; w++ {
				wrng := rand.New(rand.NewPCG(seeds[w], uint64(w)))
				if s.moveWalker(params, s.batch[w], proposal, ws, wrng) {
					accepted[w] = 1
				}
			}
		})
	}
	p.Wait()

	total := 0
	for _, a := range accepted {
		total += a
	}
	rate := float64(total) / float64(nw)
	if s.sweeps == 0 {
		s.acceptEMA = rate
	} else {
		s.acceptEMA = acceptDecay*s.acceptEMA + (1-acceptDecay)*rate
	}
	s.sweeps++
	return rate
}

// moveWalker proposes and maybe accepts one move. On rejection the walker's
// coordinates are untouched.
func (s *Sampler) moveWalker(params, pos, proposal []float64, ws *wavefn.Scratch, wrng *rand.Rand) bool {
	logOld, _ := s.net.LogPsi(params, pos, ws)
	for k := range pos {
		proposal[k] = pos[k] + s.cfg.MoveWidth*wrng.NormFloat64()
	}
	logNew, _ := s.net.LogPsi(params, proposal, ws)
	if math.IsInf(logNew, -1) || math.IsNaN(logNew) {
		return false
	}
	// |ψ'|²/|ψ|² in the log domain.
	ratio := 2 * (logNew - logOld)
	if ratio < 0 && math.Log(wrng.Float64()) >= ratio {
		return false
	}
	copy(pos, proposal)
	return true
}

// Burnin equilibrates the ensemble with n sweeps. n == 0 leaves walkers
// exactly as they are; there is no hidden reinitialization on skip.
func (s *Sampler) Burnin(params []float64, n int) {
	for i := 0; i < n; i++ {
		s.Step(params)
	}
}
