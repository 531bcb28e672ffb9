// Package blob provides a versioned, length-prefixed binary encoding for
// analysis artifacts: match counts, streamed match sets and sparse similarity
// triplets. All integers are little-endian.
//
// Every blob starts with an 8-byte header:
//
//	magic   [4]byte  "IDPB"
//	version uint16
//	kind    uint8
//	_       uint8
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Version is the current blob format version.
const Version uint16 = 1

// Kind identifies the payload that follows the header.
type Kind uint8

// Payload kinds.
const (
	KindCounts    Kind = 1
	KindMatchSets Kind = 2
	KindTriplets  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindCounts:
		return "counts"
	case KindMatchSets:
		return "match-sets"
	case KindTriplets:
		return "triplets"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrInvalidMagic       = errors.New("invalid blob magic")
	ErrUnsupportedVersion = errors.New("unsupported blob version")
	ErrKindMismatch       = errors.New("unexpected blob kind")
	ErrTruncated          = errors.New("truncated blob")
)

var magic = [4]byte{'I', 'D', 'P', 'B'}

const headerSize = 8

var byteOrder = binary.LittleEndian

func appendHeader(buf []byte, kind Kind) []byte {
	buf = append(buf, magic[:]...)
	buf = byteOrder.AppendUint16(buf, Version)
	return append(buf, byte(kind), 0)
}

func checkHeader(hdr []byte, want Kind) error {
	if len(hdr) < headerSize {
		return ErrTruncated
	}
	if [4]byte(hdr[:4]) != magic {
		return fmt.Errorf("%w: %q", ErrInvalidMagic, hdr[:4])
	}
	if v := byteOrder.Uint16(hdr[4:6]); v != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	if k := Kind(hdr[6]); k != want {
		return fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, k, want)
	}
	return nil
}

// EncodeCounts encodes per-compound match counts.
func EncodeCounts(counts []int32) []byte {
	buf := make([]byte, 0, headerSize+4+4*len(counts))
	buf = appendHeader(buf, KindCounts)
	buf = byteOrder.AppendUint32(buf, uint32(len(counts)))
	for _, c := range counts {
		buf = byteOrder.AppendUint32(buf, uint32(c))
	}
	return buf
}

// DecodeCounts decodes a blob produced by EncodeCounts.
func DecodeCounts(b []byte) ([]int32, error) {
	if err := checkHeader(b, KindCounts); err != nil {
		return nil, err
	}
	b = b[headerSize:]
	if len(b) < 4 {
		return nil, ErrTruncated
	}
	n := int(byteOrder.Uint32(b))
	b = b[4:]
	if len(b) != 4*n {
		return nil, fmt.Errorf("%w: %d bytes for %d counts", ErrTruncated, len(b), n)
	}
	counts := make([]int32, n)
	for i := range counts {
		counts[i] = int32(byteOrder.Uint32(b[4*i:]))
	}
	return counts, nil
}

// Triplets is a sparse similarity matrix in coordinate form.
type Triplets struct {
	Rows []uint32
	Cols []uint32
	Sims []float64
}

// Len returns the number of stored entries.
func (t Triplets) Len() int {
	return len(t.Sims)
}

// EncodeTriplets encodes a sparse similarity matrix. Rows, Cols and Sims must
// have equal length.
func EncodeTriplets(t Triplets) ([]byte, error) {
	n := len(t.Sims)
	if len(t.Rows) != n || len(t.Cols) != n {
		return nil, fmt.Errorf("triplet arrays differ in length: %d rows, %d cols, %d sims",
			len(t.Rows), len(t.Cols), n)
	}
	buf := make([]byte, 0, headerSize+4+16*n)
	buf = appendHeader(buf, KindTriplets)
	buf = byteOrder.AppendUint32(buf, uint32(n))
	for _, r := range t.Rows {
		buf = byteOrder.AppendUint32(buf, r)
	}
	for _, c := range t.Cols {
		buf = byteOrder.AppendUint32(buf, c)
	}
	for _, s := range t.Sims {
		buf = byteOrder.AppendUint64(buf, math.Float64bits(s))
	}
	return buf, nil
}

// DecodeTriplets decodes a blob produced by EncodeTriplets.
func DecodeTriplets(b []byte) (Triplets, error) {
	if err := checkHeader(b, KindTriplets); err != nil {
		return Triplets{}, err
	}
	b = b[headerSize:]
	if len(b) < 4 {
		return Triplets{}, ErrTruncated
	}
	n := int(byteOrder.Uint32(b))
	b = b[4:]
	if len(b) != 16*n {
		return Triplets{}, fmt.Errorf("%w: %d bytes for %d triplets", ErrTruncated, len(b), n)
	}
	t := Triplets{
		Rows: make([]uint32, n),
		Cols: make([]uint32, n),
		Sims: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		t.Rows[i] = byteOrder.Uint32(b[4*i:])
		t.Cols[i] = byteOrder.Uint32(b[4*(n+i):])
		t.Sims[i] = math.Float64frombits(byteOrder.Uint64(b[8*n+8*i:]))
	}
	return t, nil
}

// MatchSetWriter streams (id, matches) records after a single header. Each
// record is the id, the match count and the matched ids, all uint32.
type MatchSetWriter struct {
	w   io.Writer
	buf []byte
	n   int
}

// NewMatchSetWriter writes the header and returns a record writer.
func NewMatchSetWriter(w io.Writer) (*MatchSetWriter, error) {
	if _, err := w.Write(appendHeader(nil, KindMatchSets)); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &MatchSetWriter{w: w}, nil
}

// Write appends one record.
func (mw *MatchSetWriter) Write(id uint32, matches []uint32) error {
	mw.buf = mw.buf[:0]
	mw.buf = byteOrder.AppendUint32(mw.buf, id)
	mw.buf = byteOrder.AppendUint32(mw.buf, uint32(len(matches)))
	for _, m := range matches {
		mw.buf = byteOrder.AppendUint32(mw.buf, m)
	}
	if _, err := mw.w.Write(mw.buf); err != nil {
		return fmt.Errorf("failed to write match set %d: %w", id, err)
	}
	mw.n++
	return nil
}

// Count returns the number of records written.
func (mw *MatchSetWriter) Count() int {
	return mw.n
}

// MatchSetReader reads records written by MatchSetWriter.
type MatchSetReader struct {
	r       io.Reader
	id      uint32
	matches []uint32
	err     error
	started bool
}

// NewMatchSetReader creates a reader. The header is validated on the first
// call to Next.
func NewMatchSetReader(r io.Reader) *MatchSetReader {
	return &MatchSetReader{r: r}
}

// Next advances to the next record. It returns false at the end of the
// stream or on error.
func (mr *MatchSetReader) Next() bool {
	if mr.err != nil {
		return false
	}
	if !mr.started {
		mr.started = true
		hdr := make([]byte, headerSize)
		if _, err := io.ReadFull(mr.r, hdr); err != nil {
			mr.err = ErrTruncated
			return false
		}
		if err := checkHeader(hdr, KindMatchSets); err != nil {
			mr.err = err
			return false
		}
	}

	var rec [8]byte
	if _, err := io.ReadFull(mr.r, rec[:]); err != nil {
		if err != io.EOF {
			mr.err = ErrTruncated
		}
		return false
	}
	mr.id = byteOrder.Uint32(rec[:4])
	n := int(byteOrder.Uint32(rec[4:]))

	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(mr.r, raw); err != nil {
		mr.err = ErrTruncated
		return false
	}
	mr.matches = make([]uint32, n)
	for i := range mr.matches {
		mr.matches[i] = byteOrder.Uint32(raw[4*i:])
	}
	return true
}

// ID returns the id of the current record.
func (mr *MatchSetReader) ID() uint32 {
	return mr.id
}

// Matches returns the matched ids of the current record.
func (mr *MatchSetReader) Matches() []uint32 {
	return mr.matches
}

// Err returns the first error encountered.
func (mr *MatchSetReader) Err() error {
	return mr.err
}
