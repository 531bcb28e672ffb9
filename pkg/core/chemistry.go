// Package core provides chemistry calculations for neutral and adduct masses
package core

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode"
)

// Atomic masses (monoisotopic)
const (
	MassH  = 1.0078250321
	MassC  = 12.0000000000
	MassN  = 14.0030740052
	MassO  = 15.9949146221
	MassS  = 31.9720706900
	MassP  = 30.9737615100
	MassF  = 18.9984032000
	MassCl = 34.9688527100
	MassBr = 78.9183376000
	MassI  = 126.904468000
	MassNa = 22.9897692809
	MassK  = 38.9637069000
	MassSi = 27.9769265327
	MassB  = 11.0093055000
	MassSe = 79.9165218000

	// Proton and electron masses for charge calculations
	ProtonMass   = 1.00727646688
	ElectronMass = 0.00054857990946
)

// ElementMasses maps element symbols to monoisotopic masses
var ElementMasses = map[string]float64{
	"H":  MassH,
	"C":  MassC,
	"N":  MassN,
	"O":  MassO,
	"S":  MassS,
	"P":  MassP,
	"F":  MassF,
	"Cl": MassCl,
	"Br": MassBr,
	"I":  MassI,
	"Na": MassNa,
	"K":  MassK,
	"Si": MassSi,
	"B":  MassB,
	"Se": MassSe,
}

// Composition maps element symbols to atom counts
type Composition map[string]int

// ParseFormula parses a molecular formula such as "C6H12O6" into its
// elemental composition.
func ParseFormula(formula string) (Composition, error) {
	comp := Composition{}
	runes := []rune(formula)
	i := 0
	for i < len(runes) {
		if !unicode.IsUpper(runes[i]) {
			return nil, fmt.Errorf("invalid formula '%s' at position %d", formula, i)
		}
		sym := string(runes[i])
		i++
		for i < len(runes) && unicode.IsLower(runes[i]) {
			sym += string(runes[i])
			i++
		}
		if _, ok := ElementMasses[sym]; !ok {
			return nil, fmt.Errorf("unknown element '%s' in formula '%s'", sym, formula)
		}
		start := i
		for i < len(runes) && unicode.IsDigit(runes[i]) {
			i++
		}
		n := 1
		if i > start {
			var err error
			n, err = strconv.Atoi(string(runes[start:i]))
			if err != nil {
				return nil, fmt.Errorf("invalid count for '%s' in formula '%s': %w", sym, formula, err)
			}
		}
		comp[sym] += n
	}
	if len(comp) == 0 {
		return nil, fmt.Errorf("empty formula")
	}
	return comp, nil
}

// String renders the composition in Hill order (C, H, then alphabetical).
func (c Composition) String() string {
	var syms []string
	for sym := range c {
		if sym != "C" && sym != "H" {
			syms = append(syms, sym)
		}
	}
	sort.Strings(syms)
	if _, ok := c["C"]; ok {
		syms = append([]string{"C", "H"}, syms...)
	}
	out := ""
	for _, sym := range syms {
		n, ok := c[sym]
		if !ok || n == 0 {
			continue
		}
		out += sym
		if n > 1 {
			out += strconv.Itoa(n)
		}
	}
	return out
}

// NeutralMass computes the monoisotopic mass of a composition
func (c Composition) NeutralMass() float64 {
	mass := 0.0
	for sym, n := range c {
		mass += float64(n) * ElementMasses[sym]
	}
	return mass
}

// CalculateNeutralMass computes the neutral monoisotopic mass of a formula
func CalculateNeutralMass(formula string) (float64, error) {
	comp, err := ParseFormula(formula)
	if err != nil {
		return 0, err
	}
	return comp.NeutralMass(), nil
}

// CalculateAdductMZ computes the m/z of an adduct from the neutral mass:
// (mass + shift) / |charge|
func CalculateAdductMZ(neutralMass float64, adduct Adduct) (float64, error) {
	if adduct.Charge == 0 {
		return 0, fmt.Errorf("adduct %s has zero charge", adduct.Name)
	}
	z := math.Abs(float64(adduct.Charge))
	return (float64(adduct.Multimer)*neutralMass + adduct.MassShift) / z, nil
}

// RoundFloat rounds a float to n decimal places
func RoundFloat(val float64, precision int) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
