package trees

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Tree files are a zstd stream of:
//
//	magic    [4]byte "IDPT"
//	version  uint16
//	kind     uint8
//	unit     uint8
//	queryLen uint32, query [queryLen]byte
//	count    uint32
//	values   [count]float64 (ascending)
//	ids      [count]uint32
//	crc32    uint32 (IEEE, over everything above)
//
// All integers are little-endian.
const treeFormatVersion uint16 = 1

var treeMagic = [4]byte{'I', 'D', 'P', 'T'}

var byteOrder = binary.LittleEndian

// Expect describes the tree a caller intends to load. Zero fields are not
// checked.
type Expect struct {
	Kind  Kind
	Query string
}

func encodeScalarTree(t *scalarTree) []byte {
	n := len(t.values)
	buf := make([]byte, 0, 4+2+2+4+len(t.query)+4+12*n+4)
	buf = append(buf, treeMagic[:]...)
	buf = byteOrder.AppendUint16(buf, treeFormatVersion)
	buf = append(buf, byte(t.kind), byte(t.tol.Unit()))
	buf = byteOrder.AppendUint32(buf, uint32(len(t.query)))
	buf = append(buf, t.query...)
	buf = byteOrder.AppendUint32(buf, uint32(n))
	for _, v := range t.values {
		buf = byteOrder.AppendUint64(buf, math.Float64bits(v))
	}
	for _, id := range t.ids {
		buf = byteOrder.AppendUint32(buf, id)
	}
	return byteOrder.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func saveScalarTree(path string, t *scalarTree) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create tree file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err = enc.Write(encodeScalarTree(t)); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to write tree: %w", err)
	}
	if err = enc.Close(); err != nil {
		return fmt.Errorf("failed to flush tree: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync tree file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close tree file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move tree file into place: %w", err)
	}
	return nil
}

// Load restores a tree written by Save. The file's kind, tolerance unit and
// source query are checked against expect and against this build's
// tolerance conventions; any mismatch is an *IncompatibleReloadError.
func Load(path string, expect Expect, opts ...Option) (PropertyTree, error) {
	o := buildOptions(opts)

	data, err := readTreeFile(path)
	if err != nil {
		return nil, err
	}
	t, err := decodeScalarTree(path, data, expect)
	if err != nil {
		return nil, err
	}
	t.metrics = o.metrics
	o.metrics.TreeLoaded(t.kind.String(), t.Len())
	o.logger.Debug("loaded tree", "kind", t.kind, "path", path, "values", t.Len())

	switch t.kind {
	case KindMz:
		return &MzTree{t}, nil
	case KindRt:
		return &RtTree{t}, nil
	default:
		return &CcsTree{t}, nil
	}
}

// LoadMzTree loads an MzTree built from query.
func LoadMzTree(path, query string, opts ...Option) (*MzTree, error) {
	t, err := Load(path, Expect{Kind: KindMz, Query: query}, opts...)
	if err != nil {
		return nil, err
	}
	return t.(*MzTree), nil
}

// LoadRtTree loads an RtTree built from query.
func LoadRtTree(path, query string, opts ...Option) (*RtTree, error) {
	t, err := Load(path, Expect{Kind: KindRt, Query: query}, opts...)
	if err != nil {
		return nil, err
	}
	return t.(*RtTree), nil
}

// LoadCcsTree loads a CcsTree built from query.
func LoadCcsTree(path, query string, opts ...Option) (*CcsTree, error) {
	t, err := Load(path, Expect{Kind: KindCcs, Query: query}, opts...)
	if err != nil {
		return nil, err
	}
	return t.(*CcsTree), nil
}

func readTreeFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tree file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptTree, path, err)
	}
	return data, nil
}

type treeReader struct {
	data []byte
	err  error
}

func (r *treeReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data) < n {
		r.err = errors.New("unexpected end of data")
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *treeReader) u32() uint32 {
	if b := r.next(4); b != nil {
		return byteOrder.Uint32(b)
	}
	return 0
}

func decodeScalarTree(path string, data []byte, expect Expect) (*scalarTree, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %s: file too short", ErrCorruptTree, path)
	}
	body, sum := data[:len(data)-4], byteOrder.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrCorruptTree, path)
	}

	r := &treeReader{data: body}
	if m := r.next(4); m == nil || [4]byte(m) != treeMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorruptTree, path)
	}
	hdr := r.next(4)
	if hdr == nil {
		return nil, fmt.Errorf("%w: %s: truncated header", ErrCorruptTree, path)
	}
	if v := byteOrder.Uint16(hdr); v != treeFormatVersion {
		return nil, &IncompatibleReloadError{Path: path, Field: "format version",
			Want: fmt.Sprint(treeFormatVersion), Got: fmt.Sprint(v)}
	}

	kind, unit := Kind(hdr[2]), Unit(hdr[3])
	switch kind {
	case KindMz, KindRt, KindCcs:
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %d", ErrCorruptTree, path, uint8(kind))
	}
	if expect.Kind != 0 && kind != expect.Kind {
		return nil, &IncompatibleReloadError{Path: path, Field: "kind",
			Want: expect.Kind.String(), Got: kind.String()}
	}
	if unit != kind.Unit() {
		return nil, &IncompatibleReloadError{Path: path, Field: "tolerance unit",
			Want: kind.Unit().String(), Got: unit.String()}
	}

	query := string(r.next(int(r.u32())))
	if r.err == nil && expect.Query != "" && query != expect.Query {
		return nil, &IncompatibleReloadError{Path: path, Field: "query",
			Want: expect.Query, Got: query}
	}

	n := int(r.u32())
	rawValues := r.next(8 * n)
	rawIDs := r.next(4 * n)
	if r.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptTree, path, r.err)
	}
	if len(r.data) != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrCorruptTree, path, len(r.data))
	}

	values := make([]float64, n)
	ids := make([]ID, n)
	for i := 0; i < n; i++ {
		values[i] = math.Float64frombits(byteOrder.Uint64(rawValues[8*i:]))
		ids[i] = byteOrder.Uint32(rawIDs[4*i:])
	}

	t, err := newScalarTree(kind, query, ids, values)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptTree, path, err)
	}
	return t, nil
}
