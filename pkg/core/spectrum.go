// Package core provides the spectrum and adduct models shared by the reference
// database layer, the MSP reader and the property trees.
package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Spectrum represents a single MS/MS spectrum with the metadata needed to
// attach it to an adduct in the reference database.
type Spectrum struct {
	// Required fields
	Name          string  // Compound name
	PrecursorType string  // Adduct label, e.g. "[M+H]+"
	PrecursorMZ   float64 // Precursor m/z
	Peaks         []Peak  // Fragment peaks

	// Optional metadata
	CollisionEnergy *float64
	RetentionTime   *float64 // minutes
	CCS             *float64 // Å²
	Formula         string
	InChIKey        string
	Instrument      string

	// Internal tracking
	SourceFile   string
	SourceFormat string // msp
}

// Peak represents a single m/z, intensity pair.
type Peak struct {
	MZ        float64
	Intensity float64
}

// ValidationError represents an error found during spectrum validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Validate checks that a spectrum meets all requirements for insertion.
func (s *Spectrum) Validate() error {
	var errs []string

	if s.Name == "" {
		errs = append(errs, "name is required")
	}
	if s.PrecursorType == "" {
		errs = append(errs, "precursor type is required")
	}
	if s.PrecursorMZ <= 0 {
		errs = append(errs, "precursor m/z must be positive")
	}
	if len(s.Peaks) == 0 {
		errs = append(errs, "at least one peak is required")
	}

	for i, peak := range s.Peaks {
		if math.IsNaN(peak.MZ) || math.IsInf(peak.MZ, 0) {
			errs = append(errs, fmt.Sprintf("peak %d has invalid m/z", i))
		}
		if math.IsNaN(peak.Intensity) || math.IsInf(peak.Intensity, 0) {
			errs = append(errs, fmt.Sprintf("peak %d has invalid intensity", i))
		}
		if peak.MZ <= 0 {
			errs = append(errs, fmt.Sprintf("peak %d m/z must be positive", i))
		}
		if peak.Intensity < 0 {
			errs = append(errs, fmt.Sprintf("peak %d intensity must be non-negative", i))
		}
	}

	if !s.ArePeaksSorted() {
		errs = append(errs, "peaks must be sorted by m/z")
	}

	if len(errs) > 0 {
		return &ValidationError{
			Field:   "Spectrum",
			Message: strings.Join(errs, "; "),
		}
	}

	return nil
}

// ArePeaksSorted checks if peaks are sorted by m/z in ascending order.
func (s *Spectrum) ArePeaksSorted() bool {
	return PeaksSorted(s.Peaks)
}

// SortPeaks sorts peaks by m/z in ascending order.
func (s *Spectrum) SortPeaks() {
	SortPeaks(s.Peaks)
}

// PeaksSorted reports whether peaks are in ascending m/z order.
func PeaksSorted(peaks []Peak) bool {
	for i := 1; i < len(peaks); i++ {
		if peaks[i].MZ < peaks[i-1].MZ {
			return false
		}
	}
	return true
}

// SortPeaks sorts peaks in place by ascending m/z.
func SortPeaks(peaks []Peak) {
	sort.Slice(peaks, func(i, j int) bool {
		return peaks[i].MZ < peaks[j].MZ
	})
}

// TotalIntensity returns the summed intensity of all peaks.
func TotalIntensity(peaks []Peak) float64 {
	total := 0.0
	for _, p := range peaks {
		total += p.Intensity
	}
	return total
}

// Normalize returns a copy of peaks whose intensities sum to 1.
// A spectrum with no intensity is returned unchanged.
func Normalize(peaks []Peak) []Peak {
	out := make([]Peak, len(peaks))
	copy(out, peaks)
	total := TotalIntensity(peaks)
	if total <= 0 {
		return out
	}
	for i := range out {
		out[i].Intensity /= total
	}
	return out
}

// Label returns the spectrum label in format "Name PrecursorType"
func (s *Spectrum) Label() string {
	return fmt.Sprintf("%s %s", s.Name, s.PrecursorType)
}
