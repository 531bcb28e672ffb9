package blob

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounts(t *testing.T) {
	counts := []int32{1, 2, 2, 17, 0}
	b := EncodeCounts(counts)
	assert.Equal(t, []byte("IDPB"), b[:4])

	got, err := DecodeCounts(b)
	require.NoError(t, err)
	assert.Equal(t, counts, got)

	empty, err := DecodeCounts(EncodeCounts(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecodeCountsErrors(t *testing.T) {
	good := EncodeCounts([]int32{3, 4})

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "short", data: good[:3], want: ErrTruncated},
		{name: "missing values", data: good[:len(good)-2], want: ErrTruncated},
		{name: "magic", data: append([]byte("XXXX"), good[4:]...), want: ErrInvalidMagic},
		{name: "version", data: func() []byte {
			b := bytes.Clone(good)
			b[4] = 9
			return b
		}(), want: ErrUnsupportedVersion},
		{name: "kind", data: func() []byte {
			b := bytes.Clone(good)
			b[6] = byte(KindTriplets)
			return b
		}(), want: ErrKindMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCounts(tt.data)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestTriplets(t *testing.T) {
	in := Triplets{
		Rows: []uint32{0, 0, 1, 1, 2},
		Cols: []uint32{0, 1, 0, 1, 2},
		Sims: []float64{1, 0.95, 0.95, 1, 1},
	}
	b, err := EncodeTriplets(in)
	require.NoError(t, err)

	out, err := DecodeTriplets(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, 5, out.Len())

	_, err = EncodeTriplets(Triplets{Rows: []uint32{1}, Sims: []float64{1}})
	assert.Error(t, err)

	_, err = DecodeTriplets(EncodeCounts([]int32{1}))
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestMatchSetStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewMatchSetWriter(&buf)
	require.NoError(t, err)

	require.NoError(t, w.Write(1, []uint32{1, 2}))
	require.NoError(t, w.Write(3, []uint32{3}))
	require.NoError(t, w.Write(7, nil))
	assert.Equal(t, 3, w.Count())

	r := NewMatchSetReader(bytes.NewReader(buf.Bytes()))
	got := map[uint32][]uint32{}
	for r.Next() {
		got[r.ID()] = r.Matches()
	}
	require.NoError(t, r.Err())

	assert.Equal(t, map[uint32][]uint32{
		1: {1, 2},
		3: {3},
		7: {},
	}, got)
}

func TestMatchSetStreamTruncated(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewMatchSetWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Write(1, []uint32{1, 2, 3}))

	data := buf.Bytes()[:buf.Len()-2]
	r := NewMatchSetReader(bytes.NewReader(data))
	assert.False(t, r.Next())
	assert.ErrorIs(t, r.Err(), ErrTruncated)

	r = NewMatchSetReader(bytes.NewReader([]byte("nope")))
	assert.False(t, r.Next())
	assert.Error(t, r.Err())
}
