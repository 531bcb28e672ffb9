// Package analysis turns property tree query results into identification
// match counts over a grid of search tolerances.
package analysis

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ChrisMcGann/idpp/pkg/trees"
)

// Aggregate intersects the match sets of several query results. Only ids
// present as keys in every result are counted; for each of them, in
// ascending order, the number of ids matched by all properties is returned.
//
// All results must be keyed the same way. Use RollUp to bring adduct keyed
// results (RT, CCS, MS2) to compound level before combining them with m/z.
func Aggregate(results ...trees.QueryResult) ([]trees.ID, []int32) {
	if len(results) == 0 {
		return nil, nil
	}

	// iterate the smallest result, it bounds the common keys
	smallest := 0
	for i, r := range results {
		if r.Len() < results[smallest].Len() {
			smallest = i
		}
	}

	var ids []trees.ID
	for id := range results[smallest] {
		common := true
		for _, r := range results {
			if _, ok := r[id]; !ok {
				common = false
				break
			}
		}
		if common {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	counts := make([]int32, len(ids))
	sets := make([]*roaring.Bitmap, len(results))
	for i, id := range ids {
		for j, r := range results {
			sets[j] = r[id]
		}
		if len(sets) == 1 {
			counts[i] = int32(sets[0].GetCardinality())
			continue
		}
		counts[i] = int32(roaring.FastAnd(sets...).GetCardinality())
	}
	return ids, counts
}

// RollUp rekeys an adduct level result by compound: each compound matches
// the compounds of every adduct matched by any of its adducts. Adducts
// missing from owners are dropped.
func RollUp(res trees.QueryResult, owners map[trees.ID]trees.ID) trees.QueryResult {
	out := make(trees.QueryResult)
	for aid, matches := range res {
		cid, ok := owners[aid]
		if !ok {
			continue
		}
		m, ok := out[cid]
		if !ok {
			m = roaring.New()
			out[cid] = m
		}
		it := matches.Iterator()
		for it.HasNext() {
			if c, ok := owners[it.Next()]; ok {
				m.Add(c)
			}
		}
	}
	return out
}
