package trees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ChrisMcGann/idpp/pkg/db"
)

// Source runs extraction queries against a reference database. *db.DB
// implements it.
type Source interface {
	ScanScalars(ctx context.Context, query string, fn func(id int64, value float64, label string) error) error
	SpectrumCounts(ctx context.Context, query string) (map[int64]int64, error)
	ScanFragments(ctx context.Context, query string, fn func(db.FragmentRow) error) error
}

var _ Source = (*db.DB)(nil)

// DatasetQueries is the set of extraction queries that selects a dataset for
// analysis. Mz holds the positive and negative mode queries; Ms2 holds the
// spectrum count query and the fragment query.
type DatasetQueries struct {
	Mz  [2]string `json:"mz_qry"`
	Rt  string    `json:"rt_qry"`
	Ccs string    `json:"ccs_qry"`
	Ms2 [2]string `json:"ms2_qry"`
}

// DefaultDatasetQueries selects every adduct m/z, retention times from
// rtSource and CCS values from ccsSources (all sources when empty). MS2 trees
// are built per analysis query, so Ms2 is left empty.
func DefaultDatasetQueries(rtSource string, ccsSources ...string) DatasetQueries {
	q := DatasetQueries{
		Mz:  [2]string{db.MzQuery(true), db.MzQuery(false)},
		Ccs: db.CCSQuery(ccsSources...),
	}
	if rtSource != "" {
		q.Rt = db.RTQuery(rtSource)
	}
	return q
}

// ToJSON renders the queries as indented JSON for storage with a dataset.
func (q DatasetQueries) ToJSON() (string, error) {
	b, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode dataset queries: %w", err)
	}
	return string(b), nil
}

// ParseDatasetQueries decodes queries stored by ToJSON.
func ParseDatasetQueries(s string) (DatasetQueries, error) {
	var q DatasetQueries
	if err := json.Unmarshal([]byte(s), &q); err != nil {
		return DatasetQueries{}, fmt.Errorf("failed to decode dataset queries: %w", err)
	}
	return q, nil
}

// CheckQueries compares the queries saved at path with the queries a caller
// is about to analyse. The first difference is an *IncompatibleReloadError.
// MS2 queries are not compared since MS2 trees are never persisted.
func CheckQueries(path string, want, got DatasetQueries) error {
	for _, f := range []struct{ name, want, got string }{
		{"positive m/z query", want.Mz[0], got.Mz[0]},
		{"negative m/z query", want.Mz[1], got.Mz[1]},
		{"RT query", want.Rt, got.Rt},
		{"CCS query", want.Ccs, got.Ccs},
	} {
		if f.want != f.got {
			return &IncompatibleReloadError{Path: path, Field: f.name, Want: f.want, Got: f.got}
		}
	}
	return nil
}

type scalarRows struct {
	ids    []ID
	values []float64
}

// scanScalarRows collects (id, value) rows, dropping placeholder ids,
// excluded labels and NaN values.
func scanScalarRows(ctx context.Context, src Source, kind Kind, query string, o options) (scalarRows, error) {
	excluded := make(map[string]struct{}, len(o.excludedLabels))
	for _, l := range o.excludedLabels {
		excluded[l] = struct{}{}
	}

	var (
		rows    scalarRows
		dropped int
	)
	err := src.ScanScalars(ctx, query, func(id int64, value float64, label string) error {
		if id < 0 || id > math.MaxUint32 || math.IsNaN(value) {
			dropped++
			return nil
		}
		if _, ok := excluded[label]; ok && label != "" {
			dropped++
			return nil
		}
		rows.ids = append(rows.ids, ID(id))
		rows.values = append(rows.values, value)
		return nil
	})
	if err != nil {
		return scalarRows{}, fmt.Errorf("failed to extract %s values: %w", kind, err)
	}
	if dropped > 0 {
		o.logger.Debug("dropped rows", "kind", kind, "rows", dropped)
	}
	if len(rows.ids) == 0 {
		return scalarRows{}, fmt.Errorf("%w: %s query returned no usable rows", ErrConstruction, kind)
	}
	return rows, nil
}

// averageByID collapses rows to one mean value per id.
func averageByID(rows scalarRows) scalarRows {
	sums := make(map[ID]float64)
	counts := make(map[ID]int)
	for i, id := range rows.ids {
		sums[id] += rows.values[i]
		counts[id]++
	}
	out := scalarRows{
		ids:    make([]ID, 0, len(sums)),
		values: make([]float64, 0, len(sums)),
	}
	for id := range sums {
		out.ids = append(out.ids, id)
	}
	sort.Slice(out.ids, func(a, b int) bool { return out.ids[a] < out.ids[b] })
	for _, id := range out.ids {
		out.values = append(out.values, sums[id]/float64(counts[id]))
	}
	return out
}

func constructScalar(ctx context.Context, src Source, kind Kind, query string, o options) (*scalarTree, error) {
	start := time.Now()
	o.logger.Info("constructing tree", "kind", kind)

	rows, err := scanScalarRows(ctx, src, kind, query, o)
	if err != nil {
		return nil, err
	}
	if kind == KindCcs && o.averageByAdduct {
		rows = averageByID(rows)
	}

	t, err := newScalarTree(kind, query, rows.ids, rows.values)
	if err != nil {
		return nil, err
	}
	t.metrics = o.metrics
	o.metrics.TreeBuilt(kind.String(), time.Since(start), t.Len())
	o.logger.Info("constructed tree", "kind", kind, "values", t.Len(), "ids", len(t.order), "took", time.Since(start))
	return t, nil
}

// ConstructMzTree builds an MzTree from a query returning
// (compound_id, adduct_mz[, adduct]) rows.
func ConstructMzTree(ctx context.Context, src Source, query string, opts ...Option) (*MzTree, error) {
	t, err := constructScalar(ctx, src, KindMz, query, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &MzTree{t}, nil
}

// ConstructMzTrees builds the positive and negative mode MzTrees from
// queries.Mz. A mode whose query yields no usable rows is left nil, since
// most libraries cover a single polarity; ErrConstruction is returned only
// when both modes are empty.
func ConstructMzTrees(ctx context.Context, src Source, queries DatasetQueries, opts ...Option) (pos, neg *MzTree, err error) {
	o := buildOptions(opts)
	modes := [2]string{"positive", "negative"}
	var out [2]*MzTree
	var empty [2]error
	for i, query := range queries.Mz {
		out[i], err = ConstructMzTree(ctx, src, query, opts...)
		switch {
		case errors.Is(err, ErrConstruction):
			o.logger.Warn("skipping m/z tree", "mode", modes[i], "err", err)
			empty[i] = err
		case err != nil:
			return nil, nil, fmt.Errorf("%s mode: %w", modes[i], err)
		}
	}
	if empty[0] != nil && empty[1] != nil {
		return nil, nil, fmt.Errorf("no m/z tree in either mode: %w", empty[0])
	}
	return out[0], out[1], nil
}

// ConstructRtTree builds an RtTree from a query returning
// (adduct_id, rt) rows.
func ConstructRtTree(ctx context.Context, src Source, query string, opts ...Option) (*RtTree, error) {
	t, err := constructScalar(ctx, src, KindRt, query, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &RtTree{t}, nil
}

// ConstructCcsTree builds a CcsTree from a query returning
// (adduct_id, ccs) rows. See WithAverageByAdduct.
func ConstructCcsTree(ctx context.Context, src Source, query string, opts ...Option) (*CcsTree, error) {
	t, err := constructScalar(ctx, src, KindCcs, query, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &CcsTree{t}, nil
}

// PropertyTrees holds the scalar trees of one dataset. Rt and Ccs are nil
// when their query was empty. MzPos or MzNeg is nil when the library has no
// adduct of that polarity.
type PropertyTrees struct {
	MzPos *MzTree
	MzNeg *MzTree
	Rt    *RtTree
	Ccs   *CcsTree
}

// All returns the non-nil trees.
func (p PropertyTrees) All() []PropertyTree {
	var out []PropertyTree
	if p.MzPos != nil {
		out = append(out, p.MzPos)
	}
	if p.MzNeg != nil {
		out = append(out, p.MzNeg)
	}
	if p.Rt != nil {
		out = append(out, p.Rt)
	}
	if p.Ccs != nil {
		out = append(out, p.Ccs)
	}
	return out
}

// ConstructPropertyTrees builds the m/z, RT and CCS trees of a dataset.
// MS2 trees are not built here; use ConstructMs2Tree per analysis query.
func ConstructPropertyTrees(ctx context.Context, src Source, queries DatasetQueries, opts ...Option) (PropertyTrees, error) {
	var (
		out PropertyTrees
		err error
	)
	if out.MzPos, out.MzNeg, err = ConstructMzTrees(ctx, src, queries, opts...); err != nil {
		return PropertyTrees{}, err
	}
	if queries.Rt != "" {
		if out.Rt, err = ConstructRtTree(ctx, src, queries.Rt, opts...); err != nil {
			return PropertyTrees{}, err
		}
	}
	if queries.Ccs != "" {
		if out.Ccs, err = ConstructCcsTree(ctx, src, queries.Ccs, opts...); err != nil {
			return PropertyTrees{}, err
		}
	}
	return out, nil
}
