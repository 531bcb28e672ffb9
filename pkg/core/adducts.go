// Package core provides adduct definitions and label normalization
package core

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// NoneAdduct is the placeholder adduct label for compounds without a
// measured ionized form. Such rows are excluded from m/z indexing.
const NoneAdduct = "none"

// Adduct describes an ionized form of a neutral molecule.
type Adduct struct {
	Name      string
	MassShift float64 // Mass added to the (multimer) neutral mass
	Charge    int     // Signed charge
	Multimer  int     // Number of neutral molecules, 1 for [M...], 2 for [2M...]
}

// Positive reports whether the adduct is positively charged.
func (a Adduct) Positive() bool {
	return a.Charge > 0
}

// replaceAdducts normalizes adduct labels found in source libraries.
var replaceAdducts = map[string]string{
	"[M+CHO2]-":    "[M+HCOO]-",
	"M-H":          "[M-H]-",
	"M+H":          "[M+H]+",
	"M+Na":         "[M+Na]+",
	"M+K":          "[M+K]+",
	"M+NH4":        "[M+NH4]+",
	"[M]+*":        "[M]+",
	"[M-H]1-":      "[M-H]-",
	"[M-H]":        "[M-H]-",
	"[M+H]":        "[M+H]+",
	"[M+H]+[-H2O]": "[M+H-H2O]+",
	"[M-H2O+H]+":   "[M+H-H2O]+",
	"[M-H2O-H]-":   "[M-H-H2O]-",
	"[M-2H]-2":     "[M-2H]2-",
	"[M+2H]++":     "[M+2H]2+",
	"[M+2H]+2":     "[M+2H]2+",
	"M+":           "[M]+",
	"[M]++":        "[M]2+",
}

// AdductDatabase stores adduct definitions keyed by normalized label
type AdductDatabase struct {
	adducts map[string]Adduct
}

// NewAdductDatabase creates an empty adduct database
func NewAdductDatabase() *AdductDatabase {
	return &AdductDatabase{
		adducts: make(map[string]Adduct),
	}
}

// NormalizeAdduct maps source-specific adduct labels onto canonical labels.
func NormalizeAdduct(label string) string {
	label = strings.TrimSpace(label)
	if repl, ok := replaceAdducts[label]; ok {
		return repl
	}
	return label
}

// LoadFromCSV loads adducts from a CSV file (format: adduct,massshift,charge[,multimer])
func (db *AdductDatabase) LoadFromCSV(r io.Reader) error {
	scanner := bufio.NewScanner(r)

	// Skip header line
	scanner.Scan()

	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			return fmt.Errorf("line %d: invalid format, expected at least 3 comma-separated fields", lineNum)
		}

		name := strings.TrimSpace(parts[0])
		shift, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid mass shift '%s': %w", lineNum, parts[1], err)
		}
		charge, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return fmt.Errorf("line %d: invalid charge '%s': %w", lineNum, parts[2], err)
		}
		multimer := 1
		if len(parts) > 3 && strings.TrimSpace(parts[3]) != "" {
			multimer, err = strconv.Atoi(strings.TrimSpace(parts[3]))
			if err != nil {
				return fmt.Errorf("line %d: invalid multimer '%s': %w", lineNum, parts[3], err)
			}
		}

		db.Add(Adduct{Name: name, MassShift: shift, Charge: charge, Multimer: multimer})
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading CSV: %w", err)
	}

	return nil
}

// Get returns the adduct definition for a (possibly non-canonical) label
func (db *AdductDatabase) Get(label string) (Adduct, bool) {
	a, ok := db.adducts[NormalizeAdduct(label)]
	return a, ok
}

// Add adds or updates an adduct
func (db *AdductDatabase) Add(a Adduct) {
	if a.Multimer == 0 {
		a.Multimer = 1
	}
	a.Name = NormalizeAdduct(a.Name)
	db.adducts[a.Name] = a
}

// Len returns the number of adduct definitions
func (db *AdductDatabase) Len() int {
	return len(db.adducts)
}

// DefaultAdductDatabase returns an AdductDatabase pre-loaded with common adducts
func DefaultAdductDatabase() *AdductDatabase {
	db := NewAdductDatabase()

	db.Add(Adduct{Name: "[M+H]+", MassShift: ProtonMass, Charge: 1})
	db.Add(Adduct{Name: "[M+Na]+", MassShift: MassNa - ElectronMass, Charge: 1})
	db.Add(Adduct{Name: "[M+K]+", MassShift: MassK - ElectronMass, Charge: 1})
	db.Add(Adduct{Name: "[M+NH4]+", MassShift: MassN + 4*MassH - ElectronMass, Charge: 1})
	db.Add(Adduct{Name: "[M+Li]+", MassShift: 7.0160034366 - ElectronMass, Charge: 1})
	db.Add(Adduct{Name: "[M+H-H2O]+", MassShift: ProtonMass - 2*MassH - MassO, Charge: 1})
	db.Add(Adduct{Name: "[M]+", MassShift: -ElectronMass, Charge: 1})
	db.Add(Adduct{Name: "[M+2H]2+", MassShift: 2 * ProtonMass, Charge: 2})
	db.Add(Adduct{Name: "[2M+H]+", MassShift: ProtonMass, Charge: 1, Multimer: 2})
	db.Add(Adduct{Name: "[M-H]-", MassShift: -ProtonMass, Charge: -1})
	db.Add(Adduct{Name: "[M-H-H2O]-", MassShift: -ProtonMass - 2*MassH - MassO, Charge: -1})
	db.Add(Adduct{Name: "[M+HCOO]-", MassShift: MassC + MassH + 2*MassO + ElectronMass, Charge: -1})
	db.Add(Adduct{Name: "[M+CH3COO]-", MassShift: 2*MassC + 3*MassH + 2*MassO + ElectronMass, Charge: -1})
	db.Add(Adduct{Name: "[M+Cl]-", MassShift: MassCl + ElectronMass, Charge: -1})
	db.Add(Adduct{Name: "[M-2H]2-", MassShift: -2 * ProtonMass, Charge: -2})
	db.Add(Adduct{Name: "[2M-H]-", MassShift: -ProtonMass, Charge: -1, Multimer: 2})

	return db
}
