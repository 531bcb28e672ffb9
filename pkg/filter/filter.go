// Package filter provides peak filtering applied to spectra before they are
// stored in the reference database
package filter

import (
	"fmt"
	"sort"

	"github.com/ChrisMcGann/idpp/pkg/core"
)

// DefaultTopN is the fragment cap used for spectra stored in the reference
// database.
const DefaultTopN = 256

// Config holds filtering configuration
type Config struct {
	TopN            int     // Keep only top N most intense peaks (0 = no limit)
	IntensityCutoff float64 // Keep only peaks above this % of base peak (0 = no cutoff)
	MinMZ           float64 // Drop fragments below this m/z (0 = no limit)
	MaxMZ           float64 // Drop fragments above this m/z (0 = no limit)
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.TopN < 0 {
		return fmt.Errorf("top-n must be non-negative, got %d", c.TopN)
	}
	if c.IntensityCutoff < 0 || c.IntensityCutoff > 100 {
		return fmt.Errorf("intensity cutoff must be between 0 and 100, got %g", c.IntensityCutoff)
	}
	if c.MaxMZ > 0 && c.MinMZ > c.MaxMZ {
		return fmt.Errorf("min m/z %g exceeds max m/z %g", c.MinMZ, c.MaxMZ)
	}
	return nil
}

// Apply applies all configured filters to a spectrum
func (c *Config) Apply(spec *core.Spectrum) error {
	if err := c.Validate(); err != nil {
		return err
	}
	spec.Peaks = c.Peaks(spec.Peaks)
	return nil
}

// Peaks returns the filtered peaks sorted by m/z. The input is not modified.
func (c *Config) Peaks(peaks []core.Peak) []core.Peak {
	out := removeZero(peaks)

	if c.MinMZ > 0 || c.MaxMZ > 0 {
		out = c.filterByRange(out)
	}

	// Apply intensity filters
	if c.IntensityCutoff > 0 {
		out = c.filterByIntensity(out)
	}

	// Apply top-N filter
	if c.TopN > 0 {
		out = c.filterTopN(out)
	}

	// Ensure peaks are sorted after all filtering
	core.SortPeaks(out)
	return out
}

// filterByRange keeps peaks inside [MinMZ, MaxMZ]
func (c *Config) filterByRange(peaks []core.Peak) []core.Peak {
	var filtered []core.Peak
	for _, peak := range peaks {
		if peak.MZ < c.MinMZ {
			continue
		}
		if c.MaxMZ > 0 && peak.MZ > c.MaxMZ {
			continue
		}
		filtered = append(filtered, peak)
	}
	return filtered
}

// filterByIntensity removes peaks below the intensity cutoff percentage
func (c *Config) filterByIntensity(peaks []core.Peak) []core.Peak {
	if len(peaks) == 0 {
		return peaks
	}

	// Find maximum intensity
	maxIntensity := 0.0
	for _, peak := range peaks {
		if peak.Intensity > maxIntensity {
			maxIntensity = peak.Intensity
		}
	}

	threshold := (c.IntensityCutoff / 100.0) * maxIntensity

	var filtered []core.Peak
	for _, peak := range peaks {
		if peak.Intensity >= threshold {
			filtered = append(filtered, peak)
		}
	}
	return filtered
}

// filterTopN keeps only the N most intense peaks
func (c *Config) filterTopN(peaks []core.Peak) []core.Peak {
	if len(peaks) <= c.TopN {
		return peaks
	}

	sorted := make([]core.Peak, len(peaks))
	copy(sorted, peaks)

	// Stable so equal intensities keep their m/z order
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Intensity > sorted[j].Intensity
	})

	return sorted[:c.TopN]
}

func removeZero(peaks []core.Peak) []core.Peak {
	filtered := make([]core.Peak, 0, len(peaks))
	for _, peak := range peaks {
		if peak.Intensity > 0 {
			filtered = append(filtered, peak)
		}
	}
	return filtered
}

// RemoveZeroIntensityPeaks removes peaks with zero or negative intensity
func RemoveZeroIntensityPeaks(spec *core.Spectrum) {
	spec.Peaks = removeZero(spec.Peaks)
}
