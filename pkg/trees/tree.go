// Package trees indexes compound and adduct properties (m/z, retention time,
// CCS and MS2 spectra) and answers tolerance-bounded match queries.
package trees

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

// ID is an externally assigned compound or adduct identifier.
type ID = uint32

// QueryResult maps each queried id to the ids it matched.
type QueryResult map[ID]*roaring.Bitmap

// Len returns the number of queried ids.
func (r QueryResult) Len() int {
	return len(r)
}

// Counts returns the match count per queried id.
func (r QueryResult) Counts() map[ID]uint64 {
	out := make(map[ID]uint64, len(r))
	for id, m := range r {
		out[id] = m.GetCardinality()
	}
	return out
}

// PropertyTree is an immutable index over one scalar property.
type PropertyTree interface {
	// Kind returns the indexed property.
	Kind() Kind
	// Query returns the extraction query the tree was built from.
	Query() string
	// Len returns the number of indexed values.
	Len() int
	// IDs returns the distinct indexed ids in ascending order.
	IDs() []ID
	// QueryRadiusSingle returns every id with a value inside the window
	// around an arbitrary probe value.
	QueryRadiusSingle(value, tol float64) *roaring.Bitmap
	// QueryRadius probes with every value of id and unions the matches.
	QueryRadius(id ID, tol float64) (*roaring.Bitmap, error)
	// QueryAll runs QueryRadius for every indexed id.
	QueryAll(tol float64) QueryResult
	// QueryAllIter is the streaming form of QueryAll.
	QueryAllIter(tol float64) *ResultIterator
	// Save writes the tree to path.
	Save(path string) error
}

// Kind identifies the indexed property.
type Kind uint8

// Property kinds.
const (
	KindMz  Kind = 1
	KindRt  Kind = 2
	KindCcs Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindMz:
		return "mz"
	case KindRt:
		return "rt"
	case KindCcs:
		return "ccs"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Unit returns the tolerance unit used by trees of this kind.
func (k Kind) Unit() Unit {
	return k.tolerance().Unit()
}

func (k Kind) tolerance() Tolerance {
	switch k {
	case KindMz:
		return ppmTolerance{}
	case KindCcs:
		return percentTolerance{}
	default:
		return absoluteTolerance{}
	}
}

// Unit is a tolerance unit.
type Unit uint8

// Tolerance units.
const (
	UnitPPM     Unit = 1
	UnitMinutes Unit = 2
	UnitPercent Unit = 3
)

func (u Unit) String() string {
	switch u {
	case UnitPPM:
		return "ppm"
	case UnitMinutes:
		return "min"
	case UnitPercent:
		return "percent"
	default:
		return fmt.Sprintf("unit(%d)", uint8(u))
	}
}

// windowSlack widens every window by a relative 1e-9 so that decimal inputs
// on the boundary (100.0005 - 100.0 = 0.0005000000000024) still match.
const windowSlack = 1e-9

// Tolerance converts a tolerance into an absolute half-width around a probe.
// The window always scales with the probe, never the candidate, so relative
// tolerances are not symmetric.
type Tolerance interface {
	Unit() Unit
	Window(probe, tol float64) float64
}

// ppmTolerance matches |v-c| <= t*1e-6*v.
type ppmTolerance struct{}

func (ppmTolerance) Unit() Unit { return UnitPPM }

func (ppmTolerance) Window(probe, tol float64) float64 {
	return tol * 1e-6 * math.Abs(probe)
}

// percentTolerance matches |v-c| <= (t/100)*v.
type percentTolerance struct{}

func (percentTolerance) Unit() Unit { return UnitPercent }

func (percentTolerance) Window(probe, tol float64) float64 {
	return (tol / 100) * math.Abs(probe)
}

// absoluteTolerance matches |v-c| <= t.
type absoluteTolerance struct{}

func (absoluteTolerance) Unit() Unit { return UnitMinutes }

func (absoluteTolerance) Window(_, tol float64) float64 {
	return tol
}
