package trees

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/charmbracelet/log"

	"github.com/ChrisMcGann/idpp/pkg/blob"
	"github.com/ChrisMcGann/idpp/pkg/core"
	"github.com/ChrisMcGann/idpp/pkg/db"
	"github.com/ChrisMcGann/idpp/pkg/metrics"
)

// MinRetainedSimilarity is the smallest off-diagonal similarity kept in the
// matrix.
const MinRetainedSimilarity = 1e-6

type neighbor struct {
	idx int
	sim float64
}

// Ms2Tree holds the combined MS2 spectra of a small set of adducts and the
// all-pairs entropy similarity between them. It only answers queries about
// the adducts it was built from.
type Ms2Tree struct {
	adducts   []ID       // local index -> adduct id, ascending
	local     map[ID]int // adduct id -> local index
	compounds map[ID]ID  // adduct id -> compound id
	spectra   [][]core.Peak
	mzTol     float64

	once      sync.Once
	done      atomic.Bool
	sims      blob.Triplets
	neighbors [][]neighbor

	logger  *log.Logger
	metrics *metrics.Metrics
}

// ConstructMs2Tree builds an Ms2Tree from a spectrum count query returning
// (adduct_id, n_spectra) rows and a fragment query returning
// (compound_id, adduct_id, frag_imz, summed_frag_ii) rows. Summed
// intensities are divided by the spectrum count of their adduct.
//
// When fewer than two adducts have usable spectra, ok is false and no tree
// is returned. This is not an error.
func ConstructMs2Tree(ctx context.Context, src Source, queries [2]string, opts ...Option) (tree *Ms2Tree, ok bool, err error) {
	o := buildOptions(opts)
	start := time.Now()

	counts, err := src.SpectrumCounts(ctx, queries[0])
	if err != nil {
		return nil, false, fmt.Errorf("failed to count spectra: %w", err)
	}
	var withSpectra int
	for _, n := range counts {
		if n > 0 {
			withSpectra++
		}
	}
	if withSpectra < 2 {
		o.metrics.Ms2Insufficient()
		return nil, false, nil
	}

	frags := make(map[ID][]core.Fragment)
	compounds := make(map[ID]ID)
	err = src.ScanFragments(ctx, queries[1], func(r db.FragmentRow) error {
		if r.AdductID < 0 || r.AdductID > math.MaxUint32 || r.CompoundID < 0 || r.CompoundID > math.MaxUint32 {
			return nil
		}
		n := counts[r.AdductID]
		if n <= 0 {
			return fmt.Errorf("fragment row for adduct %d has no spectrum count", r.AdductID)
		}
		aid := ID(r.AdductID)
		frags[aid] = append(frags[aid], core.Fragment{IMZ: r.IMZ, II: r.SummedII / n})
		compounds[aid] = ID(r.CompoundID)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to extract fragments: %w", err)
	}

	t := &Ms2Tree{
		local:     make(map[ID]int),
		compounds: make(map[ID]ID),
		mzTol:     o.ms2MzTol,
		logger:    o.logger,
		metrics:   o.metrics,
	}
	for aid := range frags {
		t.adducts = append(t.adducts, aid)
	}
	sort.Slice(t.adducts, func(a, b int) bool { return t.adducts[a] < t.adducts[b] })

	kept := t.adducts[:0]
	for _, aid := range t.adducts {
		peaks, err := core.DecodeFragments(frags[aid])
		if err != nil {
			return nil, false, fmt.Errorf("adduct %d: %w", aid, err)
		}
		if len(peaks) == 0 {
			continue
		}
		t.local[aid] = len(kept)
		t.compounds[aid] = compounds[aid]
		t.spectra = append(t.spectra, peaks)
		kept = append(kept, aid)
	}
	t.adducts = kept

	if len(t.adducts) < 2 {
		o.metrics.Ms2Insufficient()
		o.logger.Debug("insufficient MS2 data", "adducts", len(t.adducts))
		return nil, false, nil
	}

	o.metrics.TreeBuilt("ms2", time.Since(start), len(t.adducts))
	if o.precompute {
		t.PrecomputeSimilarities()
	}
	return t, true, nil
}

// ConstructMs2TreeForAdductIDs builds an Ms2Tree over the spectra of the
// given adducts and precomputes its similarities.
func ConstructMs2TreeForAdductIDs(ctx context.Context, src Source, adductIDs []ID, opts ...Option) (*Ms2Tree, bool, error) {
	if len(adductIDs) < 2 {
		buildOptions(opts).metrics.Ms2Insufficient()
		return nil, false, nil
	}
	ids := make([]int64, len(adductIDs))
	for i, id := range adductIDs {
		ids[i] = int64(id)
	}
	queries := [2]string{db.MS2SpectrumCountQuery(ids), db.MS2FragmentQuery(ids)}
	return ConstructMs2Tree(ctx, src, queries, append(opts[:len(opts):len(opts)], WithPrecompute())...)
}

// Len returns the number of adducts with spectra.
func (t *Ms2Tree) Len() int {
	return len(t.adducts)
}

// AdductIDs returns the indexed adduct ids in ascending order. The position
// of an id is its row and column in the similarity triplets.
func (t *Ms2Tree) AdductIDs() []ID {
	out := make([]ID, len(t.adducts))
	copy(out, t.adducts)
	return out
}

// CompoundID returns the compound an adduct belongs to.
func (t *Ms2Tree) CompoundID(adductID ID) (ID, bool) {
	c, ok := t.compounds[adductID]
	return c, ok
}

// Spectrum returns a copy of the decoded spectrum of an adduct.
func (t *Ms2Tree) Spectrum(adductID ID) ([]core.Peak, bool) {
	i, ok := t.local[adductID]
	if !ok {
		return nil, false
	}
	out := make([]core.Peak, len(t.spectra[i]))
	copy(out, t.spectra[i])
	return out, true
}

// Precomputed reports whether the similarity matrix is available.
func (t *Ms2Tree) Precomputed() bool {
	return t.done.Load()
}

type pooledPeak struct {
	mz        float64
	intensity float64
	spectrum  int
}

type groupSum struct {
	spectrum  int
	intensity float64
}

// PrecomputeSimilarities computes the entropy similarity of every pair of
// spectra. Each spectrum is entropy weighted, then the peaks of all spectra
// are pooled and grouped into windows of width 2*tol starting at the lowest
// ungrouped m/z. Within a group, intensities are summed per spectrum and
// each pair contributes f(a+b)-f(a)-f(b) with f(x) = x*log2(x). The
// similarity is half the accumulated sum. Only the first call does any work.
//
// Group boundaries depend on every spectrum in the tree, so the score of a
// pair can change when other adducts are added. PairSimilarity scores a pair
// in isolation.
func (t *Ms2Tree) PrecomputeSimilarities() {
	t.once.Do(func() {
		start := time.Now()
		t.precompute()
		t.done.Store(true)
		t.logger.Debug("precomputed similarities", "adducts", len(t.adducts),
			"pairs", t.sims.Len()-len(t.adducts), "took", time.Since(start))
	})
}

func (t *Ms2Tree) precompute() {
	n := len(t.spectra)
	var pool []pooledPeak
	for i, spec := range t.spectra {
		for _, p := range core.WeightByEntropy(spec) {
			if p.Intensity > 0 {
				pool = append(pool, pooledPeak{mz: p.MZ, intensity: p.Intensity, spectrum: i})
			}
		}
	}
	sort.SliceStable(pool, func(a, b int) bool { return pool[a].mz < pool[b].mz })

	acc := make(map[[2]int]float64)
	var group []groupSum
	flush := func() {
		for a := 0; a < len(group); a++ {
			for b := a + 1; b < len(group); b++ {
				x, y := group[a].intensity, group[b].intensity
				key := [2]int{group[a].spectrum, group[b].spectrum}
				if key[0] > key[1] {
					key[0], key[1] = key[1], key[0]
				}
				acc[key] += core.Xlog2x(x+y) - core.Xlog2x(x) - core.Xlog2x(y)
			}
		}
		group = group[:0]
	}
	add := func(p pooledPeak) {
		for i := range group {
			if group[i].spectrum == p.spectrum {
				group[i].intensity += p.intensity
				return
			}
		}
		group = append(group, groupSum{spectrum: p.spectrum, intensity: p.intensity})
	}

	upper := math.Inf(-1)
	for _, p := range pool {
		if p.mz > upper {
			flush()
			upper = p.mz + 2*t.mzTol
		}
		add(p)
	}
	flush()

	t.neighbors = make([][]neighbor, n)
	for i := range t.neighbors {
		t.neighbors[i] = []neighbor{{idx: i, sim: 1}}
	}
	for key, v := range acc {
		sim := 0.5 * v
		if sim > 1 {
			sim = 1
		}
		if sim <= MinRetainedSimilarity {
			continue
		}
		t.neighbors[key[0]] = append(t.neighbors[key[0]], neighbor{idx: key[1], sim: sim})
		t.neighbors[key[1]] = append(t.neighbors[key[1]], neighbor{idx: key[0], sim: sim})
	}

	var pairs int
	for i, row := range t.neighbors {
		sort.Slice(row, func(a, b int) bool { return row[a].idx < row[b].idx })
		for _, nb := range row {
			if nb.idx < i {
				continue
			}
			t.sims.Rows = append(t.sims.Rows, uint32(i))
			t.sims.Cols = append(t.sims.Cols, uint32(nb.idx))
			t.sims.Sims = append(t.sims.Sims, nb.sim)
			if nb.idx != i {
				pairs++
			}
		}
	}
	t.metrics.SimilarityPairs(pairs)
}

// Similarity returns the similarity of two indexed adducts. Pairs below
// MinRetainedSimilarity read as 0.
func (t *Ms2Tree) Similarity(a, b ID) (float64, error) {
	if !t.done.Load() {
		return 0, ErrNotPrecomputed
	}
	i, ok := t.local[a]
	if !ok {
		return 0, fmt.Errorf("%w: adduct %d", ErrUnknownID, a)
	}
	j, ok := t.local[b]
	if !ok {
		return 0, fmt.Errorf("%w: adduct %d", ErrUnknownID, b)
	}
	row := t.neighbors[i]
	k := sort.Search(len(row), func(k int) bool { return row[k].idx >= j })
	if k < len(row) && row[k].idx == j {
		return row[k].sim, nil
	}
	return 0, nil
}

// PairSimilarity scores two indexed adducts against each other only, using
// their entropy weighted spectra and the tree's m/z tolerance. Unlike
// Similarity it needs no precomputation and ignores the other spectra.
func (t *Ms2Tree) PairSimilarity(a, b ID) (float64, error) {
	i, ok := t.local[a]
	if !ok {
		return 0, fmt.Errorf("%w: adduct %d", ErrUnknownID, a)
	}
	j, ok := t.local[b]
	if !ok {
		return 0, fmt.Errorf("%w: adduct %d", ErrUnknownID, b)
	}
	return core.EntropySimilarity(core.WeightByEntropy(t.spectra[i]), core.WeightByEntropy(t.spectra[j]), t.mzTol), nil
}

// QueryRadius returns the adducts whose similarity to adductID is at least
// threshold. The adduct always matches itself.
func (t *Ms2Tree) QueryRadius(adductID ID, threshold float64) (*roaring.Bitmap, error) {
	if !t.done.Load() {
		return nil, ErrNotPrecomputed
	}
	i, ok := t.local[adductID]
	if !ok {
		return nil, fmt.Errorf("%w: adduct %d", ErrUnknownID, adductID)
	}
	out := roaring.New()
	out.Add(adductID)
	for _, nb := range t.neighbors[i] {
		if nb.sim >= threshold {
			out.Add(t.adducts[nb.idx])
		}
	}
	t.metrics.Queried("ms2", 1)
	return out, nil
}

// QueryAll runs QueryRadius for every indexed adduct.
func (t *Ms2Tree) QueryAll(threshold float64) (QueryResult, error) {
	if !t.done.Load() {
		return nil, ErrNotPrecomputed
	}
	return t.QueryAllIter(threshold).Collect()
}

// QueryAllIter is the streaming form of QueryAll.
func (t *Ms2Tree) QueryAllIter(threshold float64) *ResultIterator {
	return newResultIterator(t.adducts, func(id ID) (*roaring.Bitmap, error) {
		return t.QueryRadius(id, threshold)
	})
}

// QueryAllCompounds rolls QueryAll up to compounds: each compound matches
// the compounds of every adduct matched by any of its own adducts.
func (t *Ms2Tree) QueryAllCompounds(threshold float64) (QueryResult, error) {
	byAdduct, err := t.QueryAll(threshold)
	if err != nil {
		return nil, err
	}
	out := make(QueryResult)
	for aid, matches := range byAdduct {
		cid := t.compounds[aid]
		m, ok := out[cid]
		if !ok {
			m = roaring.New()
			out[cid] = m
		}
		it := matches.Iterator()
		for it.HasNext() {
			m.Add(t.compounds[it.Next()])
		}
	}
	return out, nil
}

// Triplets returns a copy of the upper-triangle similarity matrix, diagonal
// included, over local indices (see AdductIDs).
func (t *Ms2Tree) Triplets() (blob.Triplets, error) {
	if !t.done.Load() {
		return blob.Triplets{}, ErrNotPrecomputed
	}
	return blob.Triplets{
		Rows: append([]uint32(nil), t.sims.Rows...),
		Cols: append([]uint32(nil), t.sims.Cols...),
		Sims: append([]float64(nil), t.sims.Sims...),
	}, nil
}

// MarshalSimilarities encodes the similarity triplets as a blob.
func (t *Ms2Tree) MarshalSimilarities() ([]byte, error) {
	if !t.done.Load() {
		return nil, ErrNotPrecomputed
	}
	return blob.EncodeTriplets(t.sims)
}
