// Package hamiltonian evaluates the local energy of a trial wavefunction at
// walker configurations: the kinetic term from a finite-difference Laplacian
// of log|ψ| plus the analytic Coulomb interactions between electrons and
// nuclei.
package hamiltonian

import (
	"math"

	"github.com/sourcegraph/conc/pool"

	"github.com/openqmc/fermiflow/system"
	"github.com/openqmc/fermiflow/wavefn"
)

// Evaluator computes local energies for one molecule/network pair.
type Evaluator struct {
	net  *wavefn.Network
	mol  *system.Molecule
	step float64 // finite-difference step for the Laplacian
}

// DefaultFDStep balances truncation against float64 cancellation for
// log-amplitudes of order one.
const DefaultFDStep = 1e-3

// NewEvaluator builds a local-energy evaluator. step <= 0 selects the
// default finite-difference step.
func NewEvaluator(net *wavefn.Network, step float64) *Evaluator {
	if step <= 0 {
		step = DefaultFDStep
	}
	return &Evaluator{net: net, mol: net.Molecule(), step: step}
}

// LocalEnergy evaluates E_L(pos) = (Hψ)/ψ at one walker. The kinetic term
// uses the log-domain identity ∇²ψ/ψ = ∇²f + |∇f|² with f = log|ψ|.
func (e *Evaluator) LocalEnergy(params, pos []float64, ws *wavefn.Scratch) float64 {
	return e.kinetic(params, pos, ws) + e.Potential(pos)
}

func (e *Evaluator) kinetic(params, pos []float64, ws *wavefn.Scratch) float64 {
	h := e.step
	f0, _ := e.net.LogPsi(params, pos, ws)
	if math.IsInf(f0, -1) {
		return math.Inf(1)
	}
	lap := 0.0
	gradSq := 0.0
	for k := range pos {
		orig := pos[k]
		pos[k] = orig + h
		fp, _ := e.net.LogPsi(params, pos, ws)
		pos[k] = orig - h
		fm, _ := e.net.LogPsi(params, pos, ws)
		pos[k] = orig

		lap += (fp - 2*f0 + fm) / (h * h)
		d := (fp - fm) / (2 * h)
		gradSq += d * d
	}
	return -0.5 * (lap + gradSq)
}

// Potential returns the Coulomb energy at a configuration:
// electron-electron repulsion, electron-nucleus attraction and the constant
// nucleus-nucleus term.
func (e *Evaluator) Potential(pos []float64) float64 {
	ne := e.mol.NumElectrons()
	v := 0.0
	for i := 0; i < ne; i++ {
		for j := i + 1; j < ne; j++ {
			v += 1.0 / elecDist(pos, i, j)
		}
	}
	for i := 0; i < ne; i++ {
		for _, a := range e.mol.Atoms {
			v -= a.Charge / nucDist(pos, i, a)
		}
	}
	for ai := 0; ai < len(e.mol.Atoms); ai++ {
		for bi := ai + 1; bi < len(e.mol.Atoms); bi++ {
			a, b := e.mol.Atoms[ai], e.mol.Atoms[bi]
			dx := a.Coords[0] - b.Coords[0]
			dy := a.Coords[1] - b.Coords[1]
			dz := a.Coords[2] - b.Coords[2]
			v += a.Charge * b.Charge / math.Sqrt(dx*dx+dy*dy+dz*dz)
		}
	}
	return v
}

// EvaluateBatch computes local energies for every walker, fanning the batch
// out over at most shards goroutines. Walkers are independent, so the only
// synchronization point is the final join.
func (e *Evaluator) EvaluateBatch(params []float64, batch [][]float64, shards int) []float64 {
	if shards < 1 {
		shards = 1
	}
	energies := make([]float64, len(batch))
	p := pool.New().WithMaxGoroutines(shards)
	chunk := (len(batch) + shards - 1) / shards
	for start := 0; start < len(batch); start += chunk {
		end := start + chunk
		if end > len(batch) {
			end = len(batch)
		}
		start, end := start, end
		p.Go(func() {
			ws := e.net.NewScratch()
			for w := start; w < end; w++ {
				energies[w] = e.LocalEnergy(params, batch[w], ws)
			}
		})
	}
	p.Wait()
	return energies
}

func elecDist(pos []float64, i, j int) float64 {
	dx := pos[3*i] - pos[3*j]
	dy := pos[3*i+1] - pos[3*j+1]
	dz := pos[3*i+2] - pos[3*j+2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func nucDist(pos []float64, i int, a system.Atom) float64 {
	dx := pos[3*i] - a.Coords[0]
	dy := pos[3*i+1] - a.Coords[1]
	dz := pos[3*i+2] - a.Coords[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
