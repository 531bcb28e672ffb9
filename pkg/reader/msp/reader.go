// Package msp provides a streaming reader for MSP format small molecule
// spectral libraries (MoNA, MassBank, GNPS exports)
package msp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ChrisMcGann/idpp/pkg/core"
)

const maxLineSize = 4 * 1024 * 1024

// Reader provides streaming access to MSP format files
type Reader struct {
	scanner     *bufio.Scanner
	lineNum     int
	currentSpec *core.Spectrum
	err         error
}

// NewReader creates a new MSP reader
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: s}
}

// Next advances to the next spectrum. Returns false when no more spectra or error.
func (r *Reader) Next() bool {
	r.currentSpec = nil
	if r.err != nil {
		return false
	}

	spec, err := r.readSpectrum()
	if err != nil {
		if err != io.EOF {
			r.err = err
		}
		return false
	}

	r.currentSpec = spec
	return true
}

// Spectrum returns the current spectrum
func (r *Reader) Spectrum() *core.Spectrum {
	return r.currentSpec
}

// Err returns any error encountered during reading
func (r *Reader) Err() error {
	return r.err
}

// LineNumber returns the number of lines consumed so far.
func (r *Reader) LineNumber() int {
	return r.lineNum
}

// readSpectrum reads one entry. An entry ends at a blank line or once the
// declared number of peaks has been read.
func (r *Reader) readSpectrum() (*core.Spectrum, error) {
	var spec *core.Spectrum
	numPeaks := -1

	for r.scanner.Scan() {
		r.lineNum++
		line := strings.TrimSpace(r.scanner.Text())

		if line == "" {
			if spec == nil {
				continue
			}
			return r.finish(spec, numPeaks)
		}
		if spec == nil {
			spec = &core.Spectrum{SourceFormat: "msp"}
		}

		if numPeaks >= 0 {
			if err := parsePeaks(spec, line); err != nil {
				return nil, fmt.Errorf("line %d: %w", r.lineNum, err)
			}
			if len(spec.Peaks) >= numPeaks {
				return r.finish(spec, numPeaks)
			}
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected 'Key: value', got %q", r.lineNum, line)
		}
		value = strings.TrimSpace(value)
		switch normalizeKey(key) {
		case "name":
			spec.Name = value
		case "precursormz":
			mz, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid precursor m/z: %w", r.lineNum, err)
			}
			spec.PrecursorMZ = mz
		case "precursortype", "adduct":
			spec.PrecursorType = value
		case "collisionenergy":
			if ce, ok := parseCollisionEnergy(value); ok {
				spec.CollisionEnergy = &ce
			}
		case "retentiontime", "rt":
			if rt, ok := parseRetentionTime(value); ok {
				spec.RetentionTime = &rt
			}
		case "ccs", "collisioncrosssection":
			ccs, err := strconv.ParseFloat(firstField(value), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid CCS: %w", r.lineNum, err)
			}
			spec.CCS = &ccs
		case "formula":
			spec.Formula = value
		case "inchikey":
			spec.InChIKey = value
		case "instrument", "instrumenttype":
			if spec.Instrument == "" {
				spec.Instrument = value
			}
		case "numpeaks":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("line %d: invalid num peaks %q", r.lineNum, value)
			}
			numPeaks = n
			spec.Peaks = make([]core.Peak, 0, n)
			if n == 0 {
				return r.finish(spec, numPeaks)
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if spec != nil {
		return r.finish(spec, numPeaks)
	}
	return nil, io.EOF
}

func (r *Reader) finish(spec *core.Spectrum, numPeaks int) (*core.Spectrum, error) {
	if numPeaks < 0 {
		return nil, fmt.Errorf("line %d: entry %q has no 'Num Peaks' field", r.lineNum, spec.Name)
	}
	if len(spec.Peaks) != numPeaks {
		return nil, fmt.Errorf("line %d: entry %q declares %d peaks, found %d",
			r.lineNum, spec.Name, numPeaks, len(spec.Peaks))
	}
	core.SortPeaks(spec.Peaks)
	return spec, nil
}

// normalizeKey lowercases a header key and drops separators so that
// "Precursor_type", "PRECURSORTYPE" and "Num Peaks" all match.
func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", " ", "", "-", "").Replace(key)
}

// parseCollisionEnergy accepts plain numbers and forms like "35 eV",
// "NCE=35" or "35%". Ramps such as "10-40" are not kept.
func parseCollisionEnergy(value string) (float64, bool) {
	v := strings.TrimSpace(value)
	if i := strings.LastIndex(v, "="); i >= 0 {
		v = v[i+1:]
	}
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(v), "%"), "eV"))
	v = strings.TrimSpace(strings.TrimSuffix(v, "V"))
	ce, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return ce, true
}

// parseRetentionTime reads minutes. A trailing "s", "sec" or "seconds" unit
// converts from seconds.
func parseRetentionTime(value string) (float64, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	rt, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	if len(fields) > 1 && strings.HasPrefix(strings.ToLower(fields[1]), "s") {
		rt /= 60
	}
	return rt, true
}

func firstField(value string) string {
	if f := strings.Fields(value); len(f) > 0 {
		return f[0]
	}
	return value
}

// parsePeaks reads one peak line. Lines may hold a single "mz intensity
// [annotation]" pair or several pairs separated by ';'.
func parsePeaks(spec *core.Spectrum, line string) error {
	for _, chunk := range strings.Split(line, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		peak, err := parsePeak(chunk)
		if err != nil {
			return err
		}
		spec.Peaks = append(spec.Peaks, peak)
	}
	return nil
}

func parsePeak(s string) (core.Peak, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})
	if len(fields) < 2 {
		return core.Peak{}, fmt.Errorf("invalid peak %q, expected at least 2 fields", s)
	}

	mz, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return core.Peak{}, fmt.Errorf("invalid m/z value: %w", err)
	}
	intensity, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return core.Peak{}, fmt.Errorf("invalid intensity value: %w", err)
	}
	return core.Peak{MZ: mz, Intensity: intensity}, nil
}
