package core

import (
	"fmt"
	"math"
	"strconv"
)

// Fixed-point scales used by the reference database for MS/MS fragments.
const (
	// MZScale converts m/z to integer representation (5 decimal places).
	MZScale = 1e5
	// IntensityScale is the integer total of a normalized spectrum (ppm).
	IntensityScale = 1e6
)

// DecodeError reports fragment data that cannot be converted from the
// fixed-point representation. It indicates corrupt upstream data.
type DecodeError struct {
	Field string
	Value any
	Msg   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error in %s (%v): %s", e.Field, e.Value, e.Msg)
}

// Fragment is a single MS/MS peak in fixed-point representation.
type Fragment struct {
	IMZ int64
	II  int64
}

// EncodeFragments converts peaks to fixed-point form: m/z is scaled by 1e5 and
// intensities are normalized to parts-per-million of the spectrum total.
// Fragments that round to zero abundance are dropped.
func EncodeFragments(peaks []Peak) ([]Fragment, error) {
	total := TotalIntensity(peaks)
	if total <= 0 {
		return nil, fmt.Errorf("cannot encode spectrum with total intensity %g", total)
	}

	frags := make([]Fragment, 0, len(peaks))
	for _, p := range peaks {
		if p.MZ <= 0 || math.IsNaN(p.MZ) || math.IsInf(p.MZ, 0) {
			return nil, fmt.Errorf("cannot encode fragment m/z %g", p.MZ)
		}
		ii := int64(math.Round(IntensityScale * p.Intensity / total))
		if ii <= 0 {
			continue
		}
		frags = append(frags, Fragment{
			IMZ: int64(math.Round(MZScale * p.MZ)),
			II:  ii,
		})
	}
	return frags, nil
}

// DecodeFragments converts fixed-point fragments back into float peaks sorted
// by m/z. Intensities are renormalized so they sum to 1, which also covers
// combined spectra whose integer totals drifted from 1e6. Zero-abundance
// fragments are dropped; an empty result means no usable spectrum.
func DecodeFragments(frags []Fragment) ([]Peak, error) {
	var total int64
	for _, f := range frags {
		if f.IMZ <= 0 {
			return nil, &DecodeError{Field: "frag_imz", Value: f.IMZ, Msg: "m/z must be positive"}
		}
		if f.II < 0 {
			return nil, &DecodeError{Field: "frag_ii", Value: f.II, Msg: "intensity must be non-negative"}
		}
		total += f.II
	}
	if total == 0 {
		return nil, nil
	}

	peaks := make([]Peak, 0, len(frags))
	for _, f := range frags {
		if f.II == 0 {
			continue
		}
		peaks = append(peaks, Peak{
			MZ:        float64(f.IMZ) / MZScale,
			Intensity: float64(f.II) / float64(total),
		})
	}
	if !PeaksSorted(peaks) {
		SortPeaks(peaks)
	}
	return peaks, nil
}

// ParseFixedPoint converts a raw database value into a fixed-point integer.
// Integral floats are accepted since SQLite aggregates may widen integers.
func ParseFixedPoint(field string, v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return 0, &DecodeError{Field: field, Value: v, Msg: "value is not integer representable"}
		}
		if x > math.MaxInt64 || x < math.MinInt64 {
			return 0, &DecodeError{Field: field, Value: v, Msg: "value out of range"}
		}
		return int64(x), nil
	case []byte:
		return ParseFixedPoint(field, string(x))
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, &DecodeError{Field: field, Value: v, Msg: "value is not integer representable"}
		}
		return n, nil
	case nil:
		return 0, &DecodeError{Field: field, Value: v, Msg: "value is NULL"}
	default:
		return 0, &DecodeError{Field: field, Value: v, Msg: fmt.Sprintf("unsupported type %T", v)}
	}
}
