package train

import (
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"

	"github.com/openqmc/fermiflow/hamiltonian"
	"github.com/openqmc/fermiflow/mcmc"
	"github.com/openqmc/fermiflow/optim"
	"github.com/openqmc/fermiflow/system"
	"github.com/openqmc/fermiflow/wavefn"
)

// Optimizer variant names accepted by RunSpec.
const (
	OptMomentum = "momentum"
	OptNatural  = "natural"
)

// RunSpec is the complete description of a training run: the physical
// system, the ansatz, sampling, the optimizer variant and the loop
// settings. It is what gets persisted as the run's effective config.
type RunSpec struct {
	System    *system.Molecule     `json:"system" yaml:"system"`
	Network   wavefn.Config        `json:"network" yaml:"network"`
	MCMC      mcmc.Config          `json:"mcmc" yaml:"mcmc"`
	Optimizer string               `json:"optimizer" yaml:"optimizer"`
	Momentum  optim.MomentumConfig `json:"momentum" yaml:"momentum"`
	Natural   optim.NaturalConfig  `json:"natural" yaml:"natural"`
	Train     Config               `json:"train" yaml:"train"`

	// FDStep overrides the finite-difference step of the Laplacian; zero
	// keeps the default.
	FDStep float64 `json:"fd_step,omitempty" yaml:"fd_step,omitempty"`
}

// DefaultRunSpec returns a complete spec for the given system with the
// momentum optimizer.
func DefaultRunSpec(mol *system.Molecule) RunSpec {
	return RunSpec{
		System:    mol,
		Network:   wavefn.DefaultConfig(),
		MCMC:      mcmc.DefaultConfig(),
		Optimizer: OptMomentum,
		Momentum:  optim.DefaultMomentumConfig(),
		Natural:   optim.DefaultNaturalConfig(),
		Train:     DefaultConfig(),
	}
}

// NewRun builds every component of a training run from a spec and wires
// them into a coordinator. All configuration errors surface here, before
// the run starts.
func NewRun(spec RunSpec) (*Coordinator, error) {
	if spec.System == nil {
		return nil, errors.New("run spec has no system")
	}
	if err := spec.System.Validate(); err != nil {
		return nil, errors.Wrap(err, "system")
	}

	seed := spec.Train.Seed
	if !spec.Train.Deterministic && seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	rng := rand.New(pcg)

	net, err := wavefn.NewNetwork(spec.Network, spec.System)
	if err != nil {
		return nil, errors.Wrap(err, "network")
	}
	params := net.InitParams(rng)

	var opt optim.Optimizer
	switch spec.Optimizer {
	case OptMomentum:
		opt, err = optim.NewMomentum(spec.Momentum, net.NumParams())
	case OptNatural:
		opt, err = optim.NewNaturalGradient(spec.Natural, net.NumParams())
	default:
		return nil, errors.Errorf("unrecognized optimizer %q", spec.Optimizer)
	}
	if err != nil {
		return nil, errors.Wrap(err, "optimizer")
	}

	sampler, err := mcmc.New(spec.MCMC, net, rng, 0)
	if err != nil {
		return nil, errors.Wrap(err, "sampler")
	}

	eval := hamiltonian.NewEvaluator(net, spec.FDStep)

	return New(spec.Train, net, sampler, opt, eval, params, pcg, spec)
}
