package trees

import "github.com/RoaringBitmap/roaring/v2"

// ResultIterator yields one (id, matches) result at a time. It is
// single-use: once Next returns false it stays exhausted, and it must not be
// shared between goroutines.
//
//	it := tree.QueryAllIter(5)
//	for it.Next() {
//		id, matches := it.Result()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type ResultIterator struct {
	ids     []ID
	pos     int
	query   func(ID) (*roaring.Bitmap, error)
	id      ID
	matches *roaring.Bitmap
	err     error
}

func newResultIterator(ids []ID, query func(ID) (*roaring.Bitmap, error)) *ResultIterator {
	return &ResultIterator{ids: ids, query: query}
}

// Next computes the next result. It returns false when all ids have been
// visited or a query failed.
func (it *ResultIterator) Next() bool {
	it.matches = nil
	if it.err != nil || it.pos >= len(it.ids) {
		return false
	}
	id := it.ids[it.pos]
	it.pos++

	matches, err := it.query(id)
	if err != nil {
		it.err = err
		return false
	}
	it.id, it.matches = id, matches
	return true
}

// Result returns the current id and its match set.
func (it *ResultIterator) Result() (ID, *roaring.Bitmap) {
	return it.id, it.matches
}

// Err returns the error that stopped iteration, if any.
func (it *ResultIterator) Err() error {
	return it.err
}

// Remaining returns the number of results not yet produced.
func (it *ResultIterator) Remaining() int {
	if it.err != nil {
		return 0
	}
	return len(it.ids) - it.pos
}

// Collect drains the iterator into a QueryResult.
func (it *ResultIterator) Collect() (QueryResult, error) {
	out := make(QueryResult, it.Remaining())
	for it.Next() {
		id, m := it.Result()
		out[id] = m
	}
	return out, it.Err()
}
