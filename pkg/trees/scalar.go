package trees

import (
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ChrisMcGann/idpp/pkg/metrics"
)

// scalarTree is the shared sorted-array index behind MzTree, RtTree and
// CcsTree. values is ascending and ids is parallel to it; an id may appear
// with several values.
type scalarTree struct {
	kind    Kind
	tol     Tolerance
	query   string
	values  []float64
	ids     []ID
	byID    map[ID][]float64
	order   []ID
	metrics *metrics.Metrics
}

func newScalarTree(kind Kind, query string, ids []ID, values []float64) (*scalarTree, error) {
	if len(ids) != len(values) {
		return nil, fmt.Errorf("%d ids for %d values", len(ids), len(values))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no %s values to index", ErrConstruction, kind)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite %s value for id %d", ErrConstruction, kind, ids[i])
		}
	}

	perm := make([]int, len(values))
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(a, b int) bool {
		va, vb := values[perm[a]], values[perm[b]]
		if va != vb {
			return va < vb
		}
		return ids[perm[a]] < ids[perm[b]]
	})

	t := &scalarTree{
		kind:   kind,
		tol:    kind.tolerance(),
		query:  query,
		values: make([]float64, len(values)),
		ids:    make([]ID, len(ids)),
		byID:   make(map[ID][]float64),
	}
	for i, p := range perm {
		t.values[i] = values[p]
		t.ids[i] = ids[p]
		t.byID[ids[p]] = append(t.byID[ids[p]], values[p])
	}
	t.order = make([]ID, 0, len(t.byID))
	for id := range t.byID {
		t.order = append(t.order, id)
	}
	sort.Slice(t.order, func(a, b int) bool { return t.order[a] < t.order[b] })
	return t, nil
}

func (t *scalarTree) Kind() Kind {
	return t.kind
}

func (t *scalarTree) Query() string {
	return t.query
}

func (t *scalarTree) Len() int {
	return len(t.values)
}

func (t *scalarTree) IDs() []ID {
	out := make([]ID, len(t.order))
	copy(out, t.order)
	return out
}

// Values returns the indexed values of id in ascending order.
func (t *scalarTree) Values(id ID) ([]float64, bool) {
	v, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out, true
}

func (t *scalarTree) QueryRadiusSingle(value, tol float64) *roaring.Bitmap {
	out := roaring.New()
	t.collect(out, value, tol)
	t.metrics.Queried(t.kind.String(), 1)
	return out
}

// collect adds every id within the window around probe v to out.
func (t *scalarTree) collect(out *roaring.Bitmap, v, tol float64) {
	if math.IsNaN(v) || math.IsNaN(tol) {
		return
	}
	w := t.tol.Window(v, tol)
	if w < 0 {
		return
	}
	w += w * windowSlack

	lo := sort.Search(len(t.values), func(i int) bool {
		return v-t.values[i] <= w
	})
	for i := lo; i < len(t.values) && t.values[i]-v <= w; i++ {
		out.Add(t.ids[i])
	}
}

func (t *scalarTree) QueryRadius(id ID, tol float64) (*roaring.Bitmap, error) {
	values, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s id %d", ErrUnknownID, t.kind, id)
	}
	out := roaring.New()
	for _, v := range values {
		t.collect(out, v, tol)
	}
	t.metrics.Queried(t.kind.String(), 1)
	return out, nil
}

func (t *scalarTree) QueryAll(tol float64) QueryResult {
	out := make(QueryResult, len(t.order))
	for _, id := range t.order {
		m := roaring.New()
		for _, v := range t.byID[id] {
			t.collect(m, v, tol)
		}
		out[id] = m
	}
	t.metrics.Queried(t.kind.String(), len(t.order))
	return out
}

func (t *scalarTree) QueryAllIter(tol float64) *ResultIterator {
	return newResultIterator(t.order, func(id ID) (*roaring.Bitmap, error) {
		return t.QueryRadius(id, tol)
	})
}

func (t *scalarTree) Save(path string) error {
	return saveScalarTree(path, t)
}

// MzTree indexes (compound id, adduct m/z) pairs. Tolerances are in ppm of
// the probe m/z.
type MzTree struct {
	*scalarTree
}

// NewMzTree builds an MzTree from parallel id and m/z slices.
func NewMzTree(ids []ID, mzs []float64, query string, opts ...Option) (*MzTree, error) {
	t, err := newScalarTree(KindMz, query, ids, mzs)
	if err != nil {
		return nil, err
	}
	t.metrics = buildOptions(opts).metrics
	return &MzTree{t}, nil
}

// RtTree indexes (adduct id, retention time) pairs. Tolerances are absolute,
// in minutes.
type RtTree struct {
	*scalarTree
}

// NewRtTree builds an RtTree from parallel id and retention time slices.
func NewRtTree(ids []ID, rts []float64, query string, opts ...Option) (*RtTree, error) {
	t, err := newScalarTree(KindRt, query, ids, rts)
	if err != nil {
		return nil, err
	}
	t.metrics = buildOptions(opts).metrics
	return &RtTree{t}, nil
}

// CcsTree indexes (adduct id, CCS) pairs. Tolerances are in percent of the
// probe CCS.
type CcsTree struct {
	*scalarTree
}

// NewCcsTree builds a CcsTree from parallel id and CCS slices.
func NewCcsTree(ids []ID, ccss []float64, query string, opts ...Option) (*CcsTree, error) {
	t, err := newScalarTree(KindCcs, query, ids, ccss)
	if err != nil {
		return nil, err
	}
	t.metrics = buildOptions(opts).metrics
	return &CcsTree{t}, nil
}

var (
	_ PropertyTree = (*MzTree)(nil)
	_ PropertyTree = (*RtTree)(nil)
	_ PropertyTree = (*CcsTree)(nil)
)
