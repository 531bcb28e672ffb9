package trees

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMzFixture(t *testing.T) *MzTree {
	t.Helper()
	tree, err := NewMzTree(
		[]ID{1, 2, 3, 4, 5},
		[]float64{100.0000, 100.0005, 150.0, 150.002, 200.0},
		"mz fixture",
	)
	require.NoError(t, err)
	return tree
}

func TestMzTreeQueryRadiusSingle(t *testing.T) {
	tree := newMzFixture(t)

	tests := []struct {
		name  string
		probe float64
		ppm   float64
		want  []ID
	}{
		{"5 ppm", 100.0, 5, []ID{1, 2}},
		{"1 ppm", 100.0, 1, []ID{1}},
		{"zero tolerance", 150.0, 0, []ID{3}},
		{"20 ppm", 150.0, 20, []ID{3, 4}},
		{"no match", 175.0, 10, nil},
		{"negative tolerance", 100.0, -5, nil},
		{"nan probe", math.NaN(), 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tree.QueryRadiusSingle(tt.probe, tt.ppm)
			if tt.want == nil {
				assert.True(t, got.IsEmpty())
				return
			}
			assert.Equal(t, tt.want, got.ToArray())
		})
	}
}

func TestCcsTreeQueryRadiusSingle(t *testing.T) {
	tree, err := NewCcsTree([]ID{10, 11, 12}, []float64{150.0, 150.2, 300.0}, "ccs fixture")
	require.NoError(t, err)

	assert.Equal(t, []ID{10, 11}, tree.QueryRadiusSingle(150.0, 0.2).ToArray())
	assert.Equal(t, []ID{10}, tree.QueryRadiusSingle(150.0, 0.1).ToArray())
	assert.Equal(t, UnitPercent, tree.Kind().Unit())
}

func TestRtTreeQueryRadiusSingle(t *testing.T) {
	tree, err := NewRtTree([]ID{20, 21, 22}, []float64{5.00, 5.15, 8.0}, "rt fixture")
	require.NoError(t, err)

	assert.Equal(t, []ID{20}, tree.QueryRadiusSingle(5.0, 0.1).ToArray())
	assert.Equal(t, []ID{20, 21}, tree.QueryRadiusSingle(5.0, 0.2).ToArray())
	assert.Equal(t, []ID{20, 21, 22}, tree.QueryRadiusSingle(5.0, 3).ToArray())
	assert.Equal(t, UnitMinutes, tree.Kind().Unit())
}

func TestPPMAsymmetry(t *testing.T) {
	// 10% window: 100 reaches 90.5, but 90.5 only reaches 81.45..99.55.
	tree, err := NewMzTree([]ID{1, 2}, []float64{100, 90.5}, "")
	require.NoError(t, err)

	const tol = 1e5
	assert.True(t, tree.QueryRadiusSingle(100, tol).Contains(2))
	assert.False(t, tree.QueryRadiusSingle(90.5, tol).Contains(1))

	fromA, err := tree.QueryRadius(1, tol)
	require.NoError(t, err)
	fromB, err := tree.QueryRadius(2, tol)
	require.NoError(t, err)
	assert.Equal(t, []ID{1, 2}, fromA.ToArray())
	assert.Equal(t, []ID{2}, fromB.ToArray())
}

func TestReflexivity(t *testing.T) {
	trees := []PropertyTree{newMzFixture(t)}
	rt, err := NewRtTree([]ID{20, 21, 22}, []float64{5.00, 5.15, 8.0}, "")
	require.NoError(t, err)
	ccs, err := NewCcsTree([]ID{10, 11, 12}, []float64{150.0, 150.2, 300.0}, "")
	require.NoError(t, err)
	trees = append(trees, rt, ccs)

	for _, tree := range trees {
		for _, tol := range []float64{0, 0.01, 1, 100} {
			for _, id := range tree.IDs() {
				m, err := tree.QueryRadius(id, tol)
				require.NoError(t, err)
				assert.True(t, m.Contains(id), "%s id %d tol %g", tree.Kind(), id, tol)
			}
			for id, m := range tree.QueryAll(tol) {
				assert.True(t, m.Contains(id))
			}
		}
	}
}

func TestMonotonicity(t *testing.T) {
	tree := newMzFixture(t)
	tols := []float64{0, 1, 2, 5, 10, 20, 50, 1e3, 1e5}
	for _, probe := range []float64{100, 100.0003, 150.001, 200} {
		prev := tree.QueryRadiusSingle(probe, tols[0])
		for _, tol := range tols[1:] {
			cur := tree.QueryRadiusSingle(probe, tol)
			assert.Equal(t, prev.GetCardinality(), prev.AndCardinality(cur),
				"probe %g: result at %g ppm is not a subset of the next tolerance", probe, tol)
			prev = cur
		}
	}
}

func TestMultipleValuesPerID(t *testing.T) {
	// compound 1 has two adducts; it matches if either adduct is in range
	tree, err := NewMzTree([]ID{1, 1, 2, 3}, []float64{181.0707, 203.0526, 203.0530, 181.0800}, "")
	require.NoError(t, err)

	assert.Equal(t, 4, tree.Len())
	assert.Equal(t, []ID{1, 2, 3}, tree.IDs())

	vals, ok := tree.Values(1)
	require.True(t, ok)
	assert.Equal(t, []float64{181.0707, 203.0526}, vals)

	m, err := tree.QueryRadius(1, 5)
	require.NoError(t, err)
	assert.Equal(t, []ID{1, 2}, m.ToArray())

	all := tree.QueryAll(5)
	assert.Equal(t, 3, all.Len())
	assert.Equal(t, map[ID]uint64{1: 2, 2: 2, 3: 1}, all.Counts())
}

func TestQueryRadiusUnknownID(t *testing.T) {
	tree := newMzFixture(t)
	_, err := tree.QueryRadius(42, 5)
	assert.True(t, errors.Is(err, ErrUnknownID))
}

func TestNewScalarTreeErrors(t *testing.T) {
	_, err := NewMzTree(nil, nil, "")
	assert.True(t, errors.Is(err, ErrConstruction))

	_, err = NewRtTree([]ID{1, 2}, []float64{1}, "")
	assert.Error(t, err)

	_, err = NewCcsTree([]ID{1}, []float64{math.Inf(1)}, "")
	assert.True(t, errors.Is(err, ErrConstruction))
}

func TestQueryAllIter(t *testing.T) {
	tree := newMzFixture(t)
	want := tree.QueryAll(5)

	it := tree.QueryAllIter(5)
	assert.Equal(t, 5, it.Remaining())
	got := QueryResult{}
	var order []ID
	for it.Next() {
		id, m := it.Result()
		got[id] = m
		order = append(order, id)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []ID{1, 2, 3, 4, 5}, order)
	assert.Equal(t, 0, it.Remaining())
	for id, m := range want {
		assert.True(t, m.Equals(got[id]), "id %d", id)
	}

	// exhausted iterators stay exhausted
	assert.False(t, it.Next())
	rest, err := it.Collect()
	require.NoError(t, err)
	assert.Empty(t, rest)
}
