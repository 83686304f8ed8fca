// Package system describes the physical systems a wavefunction is trained on:
// collections of nuclei with charges and positions, plus the electron count
// and its spin partition. All geometry is in Bohr, energies in Hartree.
package system

import (
	"fmt"
)

// Atom is a single nucleus: an element label, a charge and a 3D position.
type Atom struct {
	Symbol string     `json:"symbol" yaml:"symbol"`
	Charge float64    `json:"charge" yaml:"charge"`
	Coords [3]float64 `json:"coords" yaml:"coords"`
}

// Molecule is a set of nuclei together with an electron spin partition.
// NumUp + NumDown electrons move in the field of Atoms.
type Molecule struct {
	Name    string `json:"name" yaml:"name"`
	Atoms   []Atom `json:"atoms" yaml:"atoms"`
	NumUp   int    `json:"num_up" yaml:"num_up"`
	NumDown int    `json:"num_down" yaml:"num_down"`
}

// NumElectrons returns the total electron count.
func (m *Molecule) NumElectrons() int {
	return m.NumUp + m.NumDown
}

// TotalNuclearCharge sums the charges of all nuclei.
func (m *Molecule) TotalNuclearCharge() float64 {
	total := 0.0
	for _, a := range m.Atoms {
		total += a.Charge
	}
	return total
}

// NetCharge returns nuclear charge minus electron count.
func (m *Molecule) NetCharge() float64 {
	return m.TotalNuclearCharge() - float64(m.NumElectrons())
}

// Validate checks the descriptor is usable for a run. A bad descriptor is a
// configuration error and must stop training before it starts.
func (m *Molecule) Validate() error {
	if len(m.Atoms) == 0 {
		return fmt.Errorf("system %q has no atoms", m.Name)
	}
	if m.NumUp < 0 || m.NumDown < 0 {
		return fmt.Errorf("system %q has negative spin counts (%d up, %d down)", m.Name, m.NumUp, m.NumDown)
	}
	if m.NumElectrons() == 0 {
		return fmt.Errorf("system %q has no electrons", m.Name)
	}
	for i, a := range m.Atoms {
		if a.Charge <= 0 {
			return fmt.Errorf("system %q atom %d (%s) has non-positive charge %g", m.Name, i, a.Symbol, a.Charge)
		}
	}
	return nil
}

// Hash returns a short stable fingerprint of the geometry, used to detect
// checkpoint/system mismatches on restore.
func (m *Molecule) Hash() string {
	h := uint64(1469598103934665603) // FNV-1a offset basis
	mix := func(v float64) {
		bits := uint64(int64(v * 1e9))
		for i := 0; i < 8; i++ {
			h ^= (bits >> (8 * i)) & 0xff
			h *= 1099511628211
		}
	}
	mix(float64(m.NumUp))
	mix(float64(m.NumDown))
	for _, a := range m.Atoms {
		mix(a.Charge)
		mix(a.Coords[0])
		mix(a.Coords[1])
		mix(a.Coords[2])
	}
	return fmt.Sprintf("%016x", h)
}

// Hydrogen returns a single hydrogen atom at the origin.
func Hydrogen() *Molecule {
	return &Molecule{
		Name:  "H",
		Atoms: []Atom{{Symbol: "H", Charge: 1, Coords: [3]float64{0, 0, 0}}},
		NumUp: 1,
	}
}

// HeliumLike returns a two-electron single-nucleus system with the given
// nuclear charge (charge 2 is helium, charge 1 is the hydrogen anion).
func HeliumLike(charge float64) *Molecule {
	return &Molecule{
		Name:    fmt.Sprintf("Z%g", charge),
		Atoms:   []Atom{{Symbol: "X", Charge: charge, Coords: [3]float64{0, 0, 0}}},
		NumUp:   1,
		NumDown: 1,
	}
}

// H2 returns the hydrogen molecule at the given bond length (Bohr), aligned
// along z and centered on the origin. The equilibrium separation is ~1.401.
func H2(bondLength float64) *Molecule {
	half := bondLength / 2
	return &Molecule{
		Name: "H2",
		Atoms: []Atom{
			{Symbol: "H", Charge: 1, Coords: [3]float64{0, 0, -half}},
			{Symbol: "H", Charge: 1, Coords: [3]float64{0, 0, half}},
		},
		NumUp:   1,
		NumDown: 1,
	}
}

// LiH returns lithium hydride at the given bond length (Bohr). The
// equilibrium separation is ~3.015.
func LiH(bondLength float64) *Molecule {
	return &Molecule{
		Name: "LiH",
		Atoms: []Atom{
			{Symbol: "Li", Charge: 3, Coords: [3]float64{0, 0, 0}},
			{Symbol: "H", Charge: 1, Coords: [3]float64{0, 0, bondLength}},
		},
		NumUp:   2,
		NumDown: 2,
	}
}
