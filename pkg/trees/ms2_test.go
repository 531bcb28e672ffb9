package trees

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisMcGann/idpp/pkg/blob"
	"github.com/ChrisMcGann/idpp/pkg/core"
	"github.com/ChrisMcGann/idpp/pkg/db"
	"github.com/ChrisMcGann/idpp/pkg/metrics"
)

var ms2Queries = [2]string{"counts", "fragments"}

func frag(cmpd, adduct, imz, ii int64) db.FragmentRow {
	return db.FragmentRow{CompoundID: cmpd, AdductID: adduct, IMZ: imz, SummedII: ii}
}

// ms2Source holds two near-identical spectra (adducts 1 and 2) and one
// unrelated spectrum (adduct 3).
func ms2Source() *fakeSource {
	return &fakeSource{
		counts: map[string]map[int64]int64{
			"counts": {1: 1, 2: 1, 3: 1},
		},
		frags: map[string][]db.FragmentRow{
			"fragments": {
				frag(10, 1, 8502841, 500000),
				frag(10, 1, 12703897, 300000),
				frag(10, 1, 16306010, 200000),
				frag(11, 2, 8502841, 503000),
				frag(11, 2, 12703897, 298000),
				frag(11, 2, 16306010, 199000),
				frag(12, 3, 5000000, 600000),
				frag(12, 3, 30000000, 400000),
			},
		},
	}
}

func buildMs2(t *testing.T, src Source, opts ...Option) *Ms2Tree {
	t.Helper()
	tree, ok, err := ConstructMs2Tree(context.Background(), src, ms2Queries, opts...)
	require.NoError(t, err)
	require.True(t, ok)
	return tree
}

func TestMs2TreeQueryAll(t *testing.T) {
	tree := buildMs2(t, ms2Source(), WithPrecompute())
	assert.Equal(t, 3, tree.Len())
	assert.Equal(t, []ID{1, 2, 3}, tree.AdductIDs())

	res, err := tree.QueryAll(0.9)
	require.NoError(t, err)
	require.Equal(t, 3, res.Len())
	assert.Equal(t, []ID{1, 2}, res[1].ToArray())
	assert.Equal(t, []ID{1, 2}, res[2].ToArray())
	assert.Equal(t, []ID{3}, res[3].ToArray())

	sim, err := tree.Similarity(1, 2)
	require.NoError(t, err)
	assert.Greater(t, sim, 0.99)
	assert.LessOrEqual(t, sim, 1.0)

	sim, err = tree.Similarity(1, 3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)

	// a threshold above every off-diagonal score still matches self
	res, err = tree.QueryAll(1.5)
	require.NoError(t, err)
	for id, m := range res {
		assert.Equal(t, []ID{id}, m.ToArray())
	}
}

func TestMs2SelfSimilarity(t *testing.T) {
	tree := buildMs2(t, ms2Source(), WithPrecompute())
	for _, id := range tree.AdductIDs() {
		sim, err := tree.Similarity(id, id)
		require.NoError(t, err)
		assert.Equal(t, 1.0, sim)
	}

	// identical spectra under different adducts score 1 up to rounding
	src := &fakeSource{
		counts: map[string]map[int64]int64{"counts": {1: 2, 2: 1}},
		frags: map[string][]db.FragmentRow{"fragments": {
			frag(10, 1, 8502841, 1000000),
			frag(10, 1, 12703897, 1000001),
			frag(11, 2, 8502841, 500000),
			frag(11, 2, 12703897, 500000),
		}},
	}
	tree = buildMs2(t, src, WithPrecompute())
	a, ok := tree.Spectrum(1)
	require.True(t, ok)
	b, ok := tree.Spectrum(2)
	require.True(t, ok)
	assert.Equal(t, a, b, "summed intensities are divided by the spectrum count")

	sim, err := tree.Similarity(1, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestMs2PooledGrouping(t *testing.T) {
	counts := map[string]map[int64]int64{"counts": {1: 1, 2: 1, 3: 1}}
	pair := []db.FragmentRow{
		frag(10, 1, 10000000, 1000000),
		frag(11, 2, 10001500, 1000000),
	}

	tree := buildMs2(t, &fakeSource{counts: counts, frags: map[string][]db.FragmentRow{"fragments": pair}},
		WithMs2MzTolerance(0.02), WithPrecompute())
	sim, err := tree.Similarity(1, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)
	alone, err := tree.PairSimilarity(1, 2)
	require.NoError(t, err)
	assert.InDelta(t, sim, alone, 1e-9)

	// a lower peak moves the group anchor and splits 1 from 2
	withThird := append([]db.FragmentRow{frag(12, 3, 9997000, 1000000)}, pair...)
	tree = buildMs2(t, &fakeSource{counts: counts, frags: map[string][]db.FragmentRow{"fragments": withThird}},
		WithMs2MzTolerance(0.02), WithPrecompute())
	sim, err = tree.Similarity(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)
	sim, err = tree.Similarity(1, 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	alone, err = tree.PairSimilarity(1, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, alone, 1e-9)

	_, err = tree.PairSimilarity(1, 99)
	assert.True(t, errors.Is(err, ErrUnknownID))
}

func TestMs2InsufficientData(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		src  *fakeSource
	}{
		{"no spectra", &fakeSource{}},
		{"one adduct", &fakeSource{
			counts: map[string]map[int64]int64{"counts": {1: 3}},
			frags:  map[string][]db.FragmentRow{"fragments": {frag(10, 1, 8502841, 3000000)}},
		}},
		{"second spectrum has no abundance", &fakeSource{
			counts: map[string]map[int64]int64{"counts": {1: 1, 2: 1}},
			frags: map[string][]db.FragmentRow{"fragments": {
				frag(10, 1, 8502841, 1000000),
				frag(11, 2, 8502841, 0),
			}},
		}},
		{"placeholder adduct", &fakeSource{
			counts: map[string]map[int64]int64{"counts": {1: 1, -1: 1}},
			frags: map[string][]db.FragmentRow{"fragments": {
				frag(10, 1, 8502841, 1000000),
				frag(11, -1, 8502841, 1000000),
			}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			tree, ok, err := ConstructMs2Tree(ctx, tt.src, ms2Queries, WithMetrics(m))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, tree)
			assert.Equal(t, 1.0, counterValue(t, m, "idpp_ms2_insufficient_data_total"))
		})
	}

	for _, ids := range [][]ID{nil, {7}} {
		tree, ok, err := ConstructMs2TreeForAdductIDs(ctx, &fakeSource{}, ids)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, tree)
	}
}

func TestMs2ConstructErrors(t *testing.T) {
	ctx := context.Background()

	src := &fakeSource{
		counts: map[string]map[int64]int64{"counts": {1: 1, 2: 1}},
		frags: map[string][]db.FragmentRow{"fragments": {
			frag(10, 1, 8502841, 1000000),
			frag(11, 2, 8502841, -5),
		}},
	}
	_, ok, err := ConstructMs2Tree(ctx, src, ms2Queries)
	assert.False(t, ok)
	var de *core.DecodeError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "frag_ii", de.Field)

	src.frags["fragments"] = append(src.frags["fragments"][:1], frag(12, 3, 8502841, 1000000))
	_, _, err = ConstructMs2Tree(ctx, src, ms2Queries)
	assert.ErrorContains(t, err, "no spectrum count")

	boom := errors.New("boom")
	_, _, err = ConstructMs2Tree(ctx, &fakeSource{err: boom}, ms2Queries)
	assert.True(t, errors.Is(err, boom))
}

func TestMs2NotPrecomputed(t *testing.T) {
	tree := buildMs2(t, ms2Source())
	assert.False(t, tree.Precomputed())

	_, err := tree.QueryAll(0.5)
	assert.True(t, errors.Is(err, ErrNotPrecomputed))
	_, err = tree.QueryAllCompounds(0.5)
	assert.True(t, errors.Is(err, ErrNotPrecomputed))
	_, err = tree.Similarity(1, 2)
	assert.True(t, errors.Is(err, ErrNotPrecomputed))
	_, err = tree.MarshalSimilarities()
	assert.True(t, errors.Is(err, ErrNotPrecomputed))

	it := tree.QueryAllIter(0.5)
	assert.False(t, it.Next())
	assert.True(t, errors.Is(it.Err(), ErrNotPrecomputed))

	tree.PrecomputeSimilarities()
	assert.True(t, tree.Precomputed())
	_, err = tree.QueryAll(0.5)
	assert.NoError(t, err)
}

func TestMs2UnknownAdduct(t *testing.T) {
	tree := buildMs2(t, ms2Source(), WithPrecompute())
	_, err := tree.Similarity(1, 99)
	assert.True(t, errors.Is(err, ErrUnknownID))
	_, err = tree.QueryRadius(99, 0.5)
	assert.True(t, errors.Is(err, ErrUnknownID))
	_, ok := tree.Spectrum(99)
	assert.False(t, ok)
	_, ok = tree.CompoundID(99)
	assert.False(t, ok)
}

func TestMs2QueryAllCompounds(t *testing.T) {
	tree := buildMs2(t, ms2Source(), WithPrecompute())
	cid, ok := tree.CompoundID(2)
	require.True(t, ok)
	assert.Equal(t, ID(11), cid)

	res, err := tree.QueryAllCompounds(0.9)
	require.NoError(t, err)
	assert.Equal(t, []ID{10, 11}, res[10].ToArray())
	assert.Equal(t, []ID{10, 11}, res[11].ToArray())
	assert.Equal(t, []ID{12}, res[12].ToArray())
}

func TestMs2Triplets(t *testing.T) {
	m := metrics.New()
	tree := buildMs2(t, ms2Source(), WithPrecompute(), WithMetrics(m))

	trip, err := tree.Triplets()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0, 1, 2}, trip.Rows)
	assert.Equal(t, []uint32{0, 1, 1, 2}, trip.Cols)
	assert.Equal(t, 1.0, trip.Sims[0])
	assert.Equal(t, 1.0, trip.Sims[2])
	assert.Equal(t, 1.0, trip.Sims[3])

	b, err := tree.MarshalSimilarities()
	require.NoError(t, err)
	back, err := blob.DecodeTriplets(b)
	require.NoError(t, err)
	assert.Equal(t, trip, back)

	assert.Equal(t, 1.0, counterValue(t, m, "idpp_ms2_similarity_pairs_total"))
}

// counterValue sums every series of a counter family.
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
	}
	return sum
}

func TestMs2ConcurrentUse(t *testing.T) {
	tree := buildMs2(t, ms2Source())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree.PrecomputeSimilarities()
			res, err := tree.QueryAll(0.9)
			assert.NoError(t, err)
			assert.Equal(t, []ID{1, 2}, res[1].ToArray())
		}()
	}
	wg.Wait()
}

func TestMs2FromDatabase(t *testing.T) {
	ctx := context.Background()
	d, err := db.Create(filepath.Join(t.TempDir(), "idpp.db"), false, db.Options{Driver: db.DriverPure})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	w, err := d.NewWriter(ctx)
	require.NoError(t, err)
	src, err := w.InsertSource(ctx, "lib")
	require.NoError(t, err)

	var adducts []ID
	for _, c := range []struct {
		name  string
		peaks []core.Peak
	}{
		{"glucose", []core.Peak{{MZ: 85.02841, Intensity: 50}, {MZ: 127.03897, Intensity: 30}, {MZ: 163.06010, Intensity: 20}}},
		{"fructose", []core.Peak{{MZ: 85.02841, Intensity: 50.2}, {MZ: 127.03897, Intensity: 29.9}, {MZ: 163.06010, Intensity: 19.9}}},
		{"caffeine", []core.Peak{{MZ: 110.07127, Intensity: 40}, {MZ: 138.06619, Intensity: 60}}},
	} {
		cmpd, err := w.InsertCompound(ctx, c.name, "", "")
		require.NoError(t, err)
		aid, err := w.InsertAdduct(ctx, "[M+H]+", cmpd, 181.07066, 1)
		require.NoError(t, err)
		// two replicate spectra per adduct
		for i := 0; i < 2; i++ {
			_, err = w.InsertMS2(ctx, c.peaks, aid, src, nil)
			require.NoError(t, err)
		}
		adducts = append(adducts, ID(aid))
	}
	require.NoError(t, w.Finalize(ctx, "test", "spectra"))

	tree, ok, err := ConstructMs2TreeForAdductIDs(ctx, d, adducts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tree.Precomputed())

	res, err := tree.QueryAll(0.9)
	require.NoError(t, err)
	assert.Equal(t, []ID{adducts[0], adducts[1]}, res[adducts[0]].ToArray())
	assert.Equal(t, []ID{adducts[2]}, res[adducts[2]].ToArray())
}
