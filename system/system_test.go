package system

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mol  *Molecule
		ok   bool
	}{
		{"hydrogen", Hydrogen(), true},
		{"helium", HeliumLike(2), true},
		{"h2", H2(1.401), true},
		{"lih", LiH(3.015), true},
		{"no atoms", &Molecule{Name: "empty", NumUp: 1}, false},
		{"no electrons", &Molecule{Name: "bare", Atoms: []Atom{{Symbol: "H", Charge: 1}}}, false},
		{"negative spin", &Molecule{Name: "bad", Atoms: []Atom{{Symbol: "H", Charge: 1}}, NumUp: -1, NumDown: 2}, false},
		{"zero charge", &Molecule{Name: "ghost", Atoms: []Atom{{Symbol: "X"}}, NumUp: 1}, false},
	}
	for _, tc := range cases {
		err := tc.mol.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestCounts(t *testing.T) {
	lih := LiH(3.015)
	if lih.NumElectrons() != 4 {
		t.Fatalf("LiH has %d electrons, want 4", lih.NumElectrons())
	}
	if lih.TotalNuclearCharge() != 4 {
		t.Fatalf("LiH nuclear charge %g, want 4", lih.TotalNuclearCharge())
	}
	if lih.NetCharge() != 0 {
		t.Fatalf("LiH net charge %g, want 0", lih.NetCharge())
	}
	if anion := HeliumLike(1); anion.NetCharge() != -1 {
		t.Fatalf("H- net charge %g, want -1", anion.NetCharge())
	}
}

func TestHashDistinguishesGeometry(t *testing.T) {
	a := H2(1.401)
	b := H2(1.401)
	if a.Hash() != b.Hash() {
		t.Fatal("identical systems must hash identically")
	}
	if a.Hash() == H2(1.5).Hash() {
		t.Fatal("different bond lengths must hash differently")
	}
	if a.Hash() == Hydrogen().Hash() {
		t.Fatal("different systems must hash differently")
	}

	stretched := H2(1.401)
	stretched.NumUp, stretched.NumDown = 2, 0
	if a.Hash() == stretched.Hash() {
		t.Fatal("spin partition must be part of the hash")
	}
}
