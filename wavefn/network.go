// Package wavefn implements the trial wavefunction: a feed-forward orbital
// network whose outputs fill spin-partitioned Slater determinants, scaled by
// learnable exponential envelopes and multiplied by a pairwise Jastrow
// factor. It exposes the log-amplitude and its parameter gradient, which is
// everything the sampler and the optimizer need.
package wavefn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/openqmc/fermiflow/system"
)

// Network holds the immutable structure of the ansatz: dimensions, the flat
// parameter layout and the nuclear geometry. Trainable values live in a flat
// []float64 owned by the caller and passed into every evaluation.
type Network struct {
	cfg    Config
	mol    *system.Molecule
	lay    layout
	natoms int
	nup    int
	ndown  int
}

// NewNetwork builds the ansatz structure for a molecule.
func NewNetwork(cfg Config, mol *system.Molecule) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := mol.Validate(); err != nil {
		return nil, err
	}
	return &Network{
		cfg:    cfg,
		mol:    mol,
		lay:    buildLayout(cfg, mol),
		natoms: len(mol.Atoms),
		nup:    mol.NumUp,
		ndown:  mol.NumDown,
	}, nil
}

// NumParams returns the length of the flat parameter vector.
func (n *Network) NumParams() int { return n.lay.total }

// Molecule returns the system the network was built for.
func (n *Network) Molecule() *system.Molecule { return n.mol }

// InitParams samples a fresh parameter vector. Hidden weights are Gaussian
// with fan-in scaling, envelope decays start at the nuclear charge so the
// initial orbitals resemble hydrogenic ones, envelope weights start at 1.
func (n *Network) InitParams(rng *rand.Rand) []float64 {
	params := make([]float64, n.lay.total)
	features := 4 * n.natoms

	w1 := n.lay.w1.view(params)
	scale := 1.0 / math.Sqrt(float64(features))
	for i := range w1 {
		w1[i] = rng.NormFloat64() * scale
	}
	headScale := 1.0 / math.Sqrt(float64(n.cfg.Hidden))
	w2Up, w2Down := n.lay.w2Up.view(params), n.lay.w2Down.view(params)
	for i := range w2Up {
		w2Up[i] = rng.NormFloat64() * headScale
	}
	for i := range w2Down {
		w2Down[i] = rng.NormFloat64() * headScale
	}
	b2Up, b2Down := n.lay.b2Up.view(params), n.lay.b2Down.view(params)
	for i := range b2Up {
		b2Up[i] = 1.0 + 0.1*rng.NormFloat64()
	}
	for i := range b2Down {
		b2Down[i] = 1.0 + 0.1*rng.NormFloat64()
	}

	initEnvelopes := func(pi, sigma []float64, norb int) {
		for j := 0; j < norb; j++ {
			for a := 0; a < n.natoms; a++ {
				pi[j*n.natoms+a] = 1.0
				sigma[j*n.natoms+a] = n.mol.Atoms[a].Charge
			}
		}
	}
	initEnvelopes(n.lay.piUp.view(params), n.lay.sigmaUp.view(params), n.nup)
	initEnvelopes(n.lay.piDown.view(params), n.lay.sigmaDown.view(params), n.ndown)

	if n.cfg.UseJastrow {
		n.lay.betaPar.view(params)[0] = 1.0
		n.lay.betaAnti.view(params)[0] = 1.0
	}
	return params
}

// EnvelopeOnlyParams returns parameters that reduce the ansatz to its bare
// hydrogenic envelopes: the hidden layer is zeroed so orbital j is exactly
// Σ_a exp(-Z_a·d_a/(1+j)), the shell scaling keeping orbitals within a spin
// linearly independent. Useful as a sanity baseline; for a single electron
// on a single nucleus it is the exact ground state.
func (n *Network) EnvelopeOnlyParams() []float64 {
	params := make([]float64, n.lay.total)
	b2Up, b2Down := n.lay.b2Up.view(params), n.lay.b2Down.view(params)
	for i := range b2Up {
		b2Up[i] = 1.0
	}
	for i := range b2Down {
		b2Down[i] = 1.0
	}
	fill := func(pi, sigma []float64, norb int) {
		for j := 0; j < norb; j++ {
			for a := 0; a < n.natoms; a++ {
				pi[j*n.natoms+a] = 1.0
				sigma[j*n.natoms+a] = n.mol.Atoms[a].Charge / float64(1+j)
			}
		}
	}
	fill(n.lay.piUp.view(params), n.lay.sigmaUp.view(params), n.nup)
	fill(n.lay.piDown.view(params), n.lay.sigmaDown.view(params), n.ndown)
	if n.cfg.UseJastrow {
		n.lay.betaPar.view(params)[0] = 1.0
		n.lay.betaAnti.view(params)[0] = 1.0
	}
	return params
}

// scratch buffers for one evaluation, reused across calls on one goroutine.
type scratch struct {
	features [][]float64 // per electron: (dx,dy,dz,d) per atom
	dists    [][]float64 // per electron: distance to each atom
	hidden   [][]float64 // per electron: tanh activations
	phiUp    *mat.Dense
	phiDown  *mat.Dense
	orbUp    [][]float64 // raw head outputs before envelope
	orbDown  [][]float64
	envUp    [][]float64
	envDown  [][]float64
}

// NewScratch allocates evaluation buffers. Scratch is not safe for
// concurrent use; allocate one per worker goroutine.
func (n *Network) NewScratch() *Scratch {
	ne := n.nup + n.ndown
	s := &scratch{
		features: alloc2(ne, 4*n.natoms),
		dists:    alloc2(ne, n.natoms),
		hidden:   alloc2(ne, n.cfg.Hidden),
	}
	if n.nup > 0 {
		s.phiUp = mat.NewDense(n.nup, n.nup, nil)
		s.orbUp = alloc2(n.nup, n.nup)
		s.envUp = alloc2(n.nup, n.nup)
	}
	if n.ndown > 0 {
		s.phiDown = mat.NewDense(n.ndown, n.ndown, nil)
		s.orbDown = alloc2(n.ndown, n.ndown)
		s.envDown = alloc2(n.ndown, n.ndown)
	}
	return &Scratch{s: s}
}

// Scratch is an opaque per-goroutine evaluation workspace.
type Scratch struct{ s *scratch }

func alloc2(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}
	return out
}

// forward fills the scratch buffers for one walker configuration.
func (n *Network) forward(params, pos []float64, s *scratch) {
	ne := n.nup + n.ndown
	w1 := n.lay.w1.view(params)
	b1 := n.lay.b1.view(params)
	features := 4 * n.natoms

	for i := 0; i < ne; i++ {
		x, y, z := pos[3*i], pos[3*i+1], pos[3*i+2]
		f := s.features[i]
		for a := 0; a < n.natoms; a++ {
			dx := x - n.mol.Atoms[a].Coords[0]
			dy := y - n.mol.Atoms[a].Coords[1]
			dz := z - n.mol.Atoms[a].Coords[2]
			d := math.Sqrt(dx*dx + dy*dy + dz*dz)
			f[4*a] = dx
			f[4*a+1] = dy
			f[4*a+2] = dz
			f[4*a+3] = d
			s.dists[i][a] = d
		}
		h := s.hidden[i]
		for k := 0; k < n.cfg.Hidden; k++ {
			sum := b1[k]
			row := w1[k*features : (k+1)*features]
			for l, fv := range f {
				sum += row[l] * fv
			}
			h[k] = math.Tanh(sum)
		}
	}

	n.fillBlock(params, s, spinUp)
	n.fillBlock(params, s, spinDown)
}

type spin int

const (
	spinUp spin = iota
	spinDown
)

// blockDims returns the electron offset and orbital count for a spin block.
func (n *Network) blockDims(sp spin) (offset, norb int) {
	if sp == spinUp {
		return 0, n.nup
	}
	return n.nup, n.ndown
}

func (n *Network) blockParams(params []float64, sp spin) (w2, b2, pi, sigma []float64) {
	if sp == spinUp {
		return n.lay.w2Up.view(params), n.lay.b2Up.view(params),
			n.lay.piUp.view(params), n.lay.sigmaUp.view(params)
	}
	return n.lay.w2Down.view(params), n.lay.b2Down.view(params),
		n.lay.piDown.view(params), n.lay.sigmaDown.view(params)
}

func (s *scratch) block(sp spin) (phi *mat.Dense, orb, env [][]float64) {
	if sp == spinUp {
		return s.phiUp, s.orbUp, s.envUp
	}
	return s.phiDown, s.orbDown, s.envDown
}

func (n *Network) fillBlock(params []float64, s *scratch, sp spin) {
	offset, norb := n.blockDims(sp)
	if norb == 0 {
		return
	}
	w2, b2, pi, sigma := n.blockParams(params, sp)
	phi, orb, env := s.block(sp)

	for i := 0; i < norb; i++ {
		elec := offset + i
		h := s.hidden[elec]
		for j := 0; j < norb; j++ {
			o := b2[j]
			row := w2[j*n.cfg.Hidden : (j+1)*n.cfg.Hidden]
			for k, hv := range h {
				o += row[k] * hv
			}
			e := 0.0
			for a := 0; a < n.natoms; a++ {
				e += pi[j*n.natoms+a] * math.Exp(-sigma[j*n.natoms+a]*s.dists[elec][a])
			}
			orb[i][j] = o
			env[i][j] = e
			phi.Set(i, j, o*e)
		}
	}
}

// jastrow returns the log-domain Jastrow factor: a Padé cusp term per
// electron pair, 1/4 for parallel spins and 1/2 for antiparallel, with a
// learnable squared decay so the factor stays well-defined.
func (n *Network) jastrow(params, pos []float64) float64 {
	if !n.cfg.UseJastrow {
		return 0
	}
	bPar := sq(n.lay.betaPar.view(params)[0])
	bAnti := sq(n.lay.betaAnti.view(params)[0])
	ne := n.nup + n.ndown
	total := 0.0
	for i := 0; i < ne; i++ {
		for j := i + 1; j < ne; j++ {
			r := pairDist(pos, i, j)
			cusp, b := 0.25, bPar
			if (i < n.nup) != (j < n.nup) {
				cusp, b = 0.5, bAnti
			}
			total += cusp * r / (1 + b*r)
		}
	}
	return total
}

func sq(x float64) float64 { return x * x }

func pairDist(pos []float64, i, j int) float64 {
	dx := pos[3*i] - pos[3*j]
	dy := pos[3*i+1] - pos[3*j+1]
	dz := pos[3*i+2] - pos[3*j+2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// LogPsi evaluates log|ψ(pos)| and the sign of ψ. A singular determinant
// yields -Inf, which the sampler treats as an always-rejected proposal.
func (n *Network) LogPsi(params, pos []float64, ws *Scratch) (logAbs, sign float64) {
	s := ws.s
	n.forward(params, pos, s)

	logAbs = n.jastrow(params, pos)
	sign = 1.0
	for _, sp := range []spin{spinUp, spinDown} {
		_, norb := n.blockDims(sp)
		if norb == 0 {
			continue
		}
		phi, _, _ := s.block(sp)
		ld, sg := mat.LogDet(phi)
		if sg == 0 || math.IsInf(ld, -1) {
			return math.Inf(-1), 0
		}
		logAbs += ld
		sign *= sg
	}
	return logAbs, sign
}

// GradLogPsi evaluates ∇θ log|ψ(pos)| into grad, which must have length
// NumParams. The determinant seed is the transposed inverse of each orbital
// matrix: ∂ log|det Φ| / ∂Φ[i,j] = Φ⁻¹[j,i].
func (n *Network) GradLogPsi(params, pos []float64, ws *Scratch, grad []float64) error {
	if len(grad) != n.lay.total {
		return fmt.Errorf("gradient buffer has length %d, want %d", len(grad), n.lay.total)
	}
	s := ws.s
	n.forward(params, pos, s)
	for i := range grad {
		grad[i] = 0
	}

	ne := n.nup + n.ndown
	hiddenSeed := alloc2(ne, n.cfg.Hidden)

	for _, sp := range []spin{spinUp, spinDown} {
		if err := n.backpropBlock(params, s, sp, grad, hiddenSeed); err != nil {
			return err
		}
	}

	// Shared hidden layer: push accumulated seeds through tanh into W1/b1.
	w1Grad := n.lay.w1.view(grad)
	b1Grad := n.lay.b1.view(grad)
	features := 4 * n.natoms
	for i := 0; i < ne; i++ {
		h := s.hidden[i]
		f := s.features[i]
		for k := 0; k < n.cfg.Hidden; k++ {
			dz := hiddenSeed[i][k] * (1 - h[k]*h[k])
			if dz == 0 {
				continue
			}
			b1Grad[k] += dz
			row := w1Grad[k*features : (k+1)*features]
			for l, fv := range f {
				row[l] += dz * fv
			}
		}
	}

	n.jastrowGrad(params, pos, grad)
	return nil
}

func (n *Network) backpropBlock(params []float64, s *scratch, sp spin, grad []float64, hiddenSeed [][]float64) error {
	offset, norb := n.blockDims(sp)
	if norb == 0 {
		return nil
	}
	phi, orb, env := s.block(sp)

	var lu mat.LU
	lu.Factorize(phi)
	inv := mat.NewDense(norb, norb, nil)
	if err := lu.SolveTo(inv, false, eye(norb)); err != nil {
		return fmt.Errorf("singular orbital matrix: %v", err)
	}

	w2, _, pi, sigma := n.blockParams(params, sp)
	var w2Grad, b2Grad, piGrad, sigmaGrad []float64
	if sp == spinUp {
		w2Grad = n.lay.w2Up.view(grad)
		b2Grad = n.lay.b2Up.view(grad)
		piGrad = n.lay.piUp.view(grad)
		sigmaGrad = n.lay.sigmaUp.view(grad)
	} else {
		w2Grad = n.lay.w2Down.view(grad)
		b2Grad = n.lay.b2Down.view(grad)
		piGrad = n.lay.piDown.view(grad)
		sigmaGrad = n.lay.sigmaDown.view(grad)
	}

	for i := 0; i < norb; i++ {
		elec := offset + i
		h := s.hidden[elec]
		for j := 0; j < norb; j++ {
			seed := inv.At(j, i) // ∂ log|det| / ∂Φ[i,j]
			if seed == 0 {
				continue
			}
			dOrb := seed * env[i][j]
			b2Grad[j] += dOrb
			row := w2[j*n.cfg.Hidden : (j+1)*n.cfg.Hidden]
			w2Row := w2Grad[j*n.cfg.Hidden : (j+1)*n.cfg.Hidden]
			for k, hv := range h {
				w2Row[k] += dOrb * hv
				hiddenSeed[elec][k] += dOrb * row[k]
			}
			dEnv := seed * orb[i][j]
			for a := 0; a < n.natoms; a++ {
				ex := math.Exp(-sigma[j*n.natoms+a] * s.dists[elec][a])
				piGrad[j*n.natoms+a] += dEnv * ex
				sigmaGrad[j*n.natoms+a] += dEnv * pi[j*n.natoms+a] * ex * -s.dists[elec][a]
			}
		}
	}
	return nil
}

func (n *Network) jastrowGrad(params, pos, grad []float64) {
	if !n.cfg.UseJastrow {
		return
	}
	betaPar := n.lay.betaPar.view(params)[0]
	betaAnti := n.lay.betaAnti.view(params)[0]
	bPar, bAnti := sq(betaPar), sq(betaAnti)
	ne := n.nup + n.ndown
	var dPar, dAnti float64
	for i := 0; i < ne; i++ {
		for j := i + 1; j < ne; j++ {
			r := pairDist(pos, i, j)
			if (i < n.nup) != (j < n.nup) {
				den := 1 + bAnti*r
				dAnti += -0.5 * r * r / (den * den) * 2 * betaAnti
			} else {
				den := 1 + bPar*r
				dPar += -0.25 * r * r / (den * den) * 2 * betaPar
			}
		}
	}
	n.lay.betaPar.view(grad)[0] = dPar
	n.lay.betaAnti.view(grad)[0] = dAnti
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
