package analysis

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ChrisMcGann/idpp/internal/logging"
	"github.com/ChrisMcGann/idpp/pkg/db"
	"github.com/ChrisMcGann/idpp/pkg/metrics"
	"github.com/ChrisMcGann/idpp/pkg/trees"
)

// Grid lists the tolerances to scan. Every combination of one m/z tolerance
// with one RT tolerance (if any) and one CCS tolerance (if any) is a trial.
type Grid struct {
	MzPPM      []float64
	RtTol      []float64
	CcsPercent []float64
}

// Tolerances is one point of a Grid. Nil tolerances mean the property is
// not used.
type Tolerances struct {
	MzPPM      float64
	RtTol      *float64
	CcsPercent *float64
}

func (t Tolerances) String() string {
	s := fmt.Sprintf("mz=%gppm", t.MzPPM)
	if t.RtTol != nil {
		s += fmt.Sprintf(" rt=%gmin", *t.RtTol)
	}
	if t.CcsPercent != nil {
		s += fmt.Sprintf(" ccs=%g%%", *t.CcsPercent)
	}
	return s
}

// point indexes one grid combination; -1 marks an unused property.
type point struct {
	mz, rt, ccs int
}

func (g Grid) points() []point {
	rts, ccss := indices(len(g.RtTol)), indices(len(g.CcsPercent))
	out := make([]point, 0, len(g.MzPPM)*len(rts)*len(ccss))
	for mz := range g.MzPPM {
		for _, rt := range rts {
			for _, ccs := range ccss {
				out = append(out, point{mz, rt, ccs})
			}
		}
	}
	return out
}

func indices(n int) []int {
	if n == 0 {
		return []int{-1}
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (g Grid) tolerances(p point) Tolerances {
	t := Tolerances{MzPPM: g.MzPPM[p.mz]}
	if p.rt >= 0 {
		v := g.RtTol[p.rt]
		t.RtTol = &v
	}
	if p.ccs >= 0 {
		v := g.CcsPercent[p.ccs]
		t.CcsPercent = &v
	}
	return t
}

// Trials expands the grid in m/z, RT, CCS order.
func (g Grid) Trials() []Tolerances {
	points := g.points()
	out := make([]Tolerances, len(points))
	for i, p := range points {
		out[i] = g.tolerances(p)
	}
	return out
}

// Trial is the outcome of one grid point: per-compound match counts.
type Trial struct {
	Tolerances
	IDs    []trees.ID
	Counts []int32
}

// ResultStore persists trial counts. *db.DB implements it.
type ResultStore interface {
	InsertAnalysisResult(ctx context.Context, r db.AnalysisResult) error
}

var _ ResultStore = (*db.DB)(nil)

// Runner scans a tolerance grid over a set of trees.
type Runner struct {
	// DatasetID tags stored results.
	DatasetID int64
	// Mz is compound keyed and required.
	Mz trees.PropertyTree
	// Rt and Ccs are adduct keyed and optional.
	Rt  trees.PropertyTree
	Ccs trees.PropertyTree
	// Owners maps adduct ids to compound ids. Required with Rt or Ccs.
	Owners map[trees.ID]trees.ID
	// Store receives one result per trial when set.
	Store ResultStore
	// Threads bounds concurrent queries. Zero means GOMAXPROCS.
	Threads int

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

func (r *Runner) validate(g Grid) error {
	switch {
	case r.Mz == nil:
		return errors.New("an m/z tree is required")
	case len(g.MzPPM) == 0:
		return errors.New("at least one m/z tolerance is required")
	case len(g.RtTol) > 0 && r.Rt == nil:
		return errors.New("RT tolerances given without an RT tree")
	case len(g.CcsPercent) > 0 && r.Ccs == nil:
		return errors.New("CCS tolerances given without a CCS tree")
	case (len(g.RtTol) > 0 || len(g.CcsPercent) > 0) && len(r.Owners) == 0:
		return errors.New("adduct owners are required to combine RT or CCS with m/z")
	}
	return nil
}

// Run evaluates every trial of the grid. Property queries run concurrently,
// one per tolerance, then trials are aggregated concurrently and stored in
// grid order.
func (r *Runner) Run(ctx context.Context, g Grid) ([]Trial, error) {
	if err := r.validate(g); err != nil {
		return nil, err
	}
	logger := logging.OrDiscard(r.Logger)
	threads := r.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	start := time.Now()

	mzRes := make([]trees.QueryResult, len(g.MzPPM))
	rtRes := make([]trees.QueryResult, len(g.RtTol))
	ccsRes := make([]trees.QueryResult, len(g.CcsPercent))

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(threads)
	query := func(tree trees.PropertyTree, tols []float64, out []trees.QueryResult, owners map[trees.ID]trees.ID) {
		for i, tol := range tols {
			eg.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return err
				}
				res := tree.QueryAll(tol)
				if owners != nil {
					res = RollUp(res, owners)
				}
				out[i] = res
				return nil
			})
		}
	}
	query(r.Mz, g.MzPPM, mzRes, nil)
	if r.Rt != nil {
		query(r.Rt, g.RtTol, rtRes, r.Owners)
	}
	if r.Ccs != nil {
		query(r.Ccs, g.CcsPercent, ccsRes, r.Owners)
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("failed to query trees: %w", err)
	}
	logger.Debug("queried trees", "took", time.Since(start))

	points := g.points()
	trials := make([]Trial, len(points))
	eg, gCtx = errgroup.WithContext(ctx)
	eg.SetLimit(threads)
	for i, p := range points {
		eg.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			results := []trees.QueryResult{mzRes[p.mz]}
			if p.rt >= 0 {
				results = append(results, rtRes[p.rt])
			}
			if p.ccs >= 0 {
				results = append(results, ccsRes[p.ccs])
			}
			ids, counts := Aggregate(results...)
			trials[i] = Trial{Tolerances: g.tolerances(p), IDs: ids, Counts: counts}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("failed to aggregate results: %w", err)
	}

	for i, tr := range trials {
		if r.Store != nil {
			err := r.Store.InsertAnalysisResult(ctx, db.AnalysisResult{
				DatasetID: r.DatasetID,
				Counts:    tr.Counts,
				MzTol:     tr.MzPPM,
				RtTol:     tr.RtTol,
				CcsTol:    tr.CcsPercent,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to store trial %s: %w", tr.Tolerances, err)
			}
		}
		r.Metrics.AnalysisTrial()
		if (i+1)%100 == 0 {
			logger.Info("stored trials", "count", i+1, "of", len(trials))
		}
	}
	logger.Info("analysis complete", "trials", len(trials), "took", time.Since(start))
	return trials, nil
}
