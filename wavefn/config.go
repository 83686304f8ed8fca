package wavefn

import (
	"fmt"

	"github.com/openqmc/fermiflow/system"
)

// Config selects the ansatz architecture. The network maps per-electron
// nuclear displacement features through a shared hidden layer into one
// orbital matrix per spin, multiplied by learnable exponential envelopes,
// with an optional pairwise Jastrow factor on top.
type Config struct {
	Hidden     int  `json:"hidden" yaml:"hidden"`           // shared hidden layer width
	UseJastrow bool `json:"use_jastrow" yaml:"use_jastrow"` // pairwise cusp factor
}

// DefaultConfig returns a small ansatz good enough for few-electron systems.
func DefaultConfig() Config {
	return Config{
		Hidden:     16,
		UseJastrow: true,
	}
}

// Validate checks the architecture hyperparameters.
func (c Config) Validate() error {
	if c.Hidden <= 0 {
		return fmt.Errorf("hidden width must be positive, got %d", c.Hidden)
	}
	return nil
}

// layout records where each parameter block lives in the flat vector.
type layout struct {
	w1, b1            blockRange // shared hidden layer
	w2Up, b2Up        blockRange // spin-up orbital head
	piUp, sigmaUp     blockRange // spin-up envelopes
	w2Down, b2Down    blockRange // spin-down orbital head
	piDown, sigmaDown blockRange // spin-down envelopes
	betaPar, betaAnti blockRange // Jastrow decay parameters
	total             int
}

type blockRange struct{ off, n int }

func (b blockRange) view(params []float64) []float64 {
	return params[b.off : b.off+b.n]
}

func buildLayout(cfg Config, mol *system.Molecule) layout {
	natoms := len(mol.Atoms)
	features := 4 * natoms
	var l layout
	off := 0
	alloc := func(n int) blockRange {
		r := blockRange{off: off, n: n}
		off += n
		return r
	}
	l.w1 = alloc(cfg.Hidden * features)
	l.b1 = alloc(cfg.Hidden)
	l.w2Up = alloc(mol.NumUp * cfg.Hidden)
	l.b2Up = alloc(mol.NumUp)
	l.piUp = alloc(mol.NumUp * natoms)
	l.sigmaUp = alloc(mol.NumUp * natoms)
	l.w2Down = alloc(mol.NumDown * cfg.Hidden)
	l.b2Down = alloc(mol.NumDown)
	l.piDown = alloc(mol.NumDown * natoms)
	l.sigmaDown = alloc(mol.NumDown * natoms)
	if cfg.UseJastrow {
		l.betaPar = alloc(1)
		l.betaAnti = alloc(1)
	}
	l.total = off
	return l
}
