package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisMcGann/idpp/pkg/core"
)

func newTestDB(t *testing.T, driver string) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idpp.db")
	d, err := Create(path, false, Options{Driver: driver})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type fixture struct {
	srcA, srcB        int64
	glucose, caffeine int64
	glcH, glcNa, glcM int64
	cafH              int64
}

func populate(t *testing.T, d *DB) fixture {
	t.Helper()
	ctx := context.Background()
	w, err := d.NewWriter(ctx)
	require.NoError(t, err)

	var f fixture
	must := func(id int64, err error) int64 {
		t.Helper()
		require.NoError(t, err)
		return id
	}
	f.srcA = must(w.InsertSource(ctx, "srcA"))
	f.srcB = must(w.InsertSource(ctx, "srcB"))
	assert.Equal(t, f.srcA, must(w.InsertSource(ctx, "srcA")))

	f.glucose = must(w.InsertCompound(ctx, "glucose", "C6H12O6", ""))
	f.caffeine = must(w.InsertCompound(ctx, "caffeine", "C8H10N4O2", ""))
	assert.Equal(t, f.glucose, must(w.InsertCompound(ctx, "glucose", "", "WQZGKKKJIJFFOK-GASJEMHNSA-N")))

	f.glcH = must(w.InsertAdduct(ctx, "M+H", f.glucose, 181.07067, 1))
	f.glcNa = must(w.InsertAdduct(ctx, "[M+Na]+", f.glucose, 203.05261, 1))
	f.glcM = must(w.InsertAdduct(ctx, "[M-H]-", f.glucose, 179.05611, -1))
	f.cafH = must(w.InsertAdduct(ctx, "[M+H]+", f.caffeine, 195.08765, 1))
	assert.Equal(t, f.glcH, must(w.InsertAdduct(ctx, "[M+H]+", f.glucose, 181.07067, 1)))

	must(w.InsertCCS(ctx, 150.0, f.glcH, f.srcA))
	must(w.InsertCCS(ctx, 151.0, f.glcH, f.srcB))
	must(w.InsertCCS(ctx, 160.0, f.cafH, f.srcA))
	must(w.InsertRT(ctx, 5.0, f.glcH, f.srcA))
	must(w.InsertRT(ctx, 5.5, f.glcH, f.srcB))

	require.NoError(t, w.Finalize(ctx, "test", "populate"))
	return f
}

func TestCreateAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idpp.db")
	d, err := Create(path, false, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Create(path, false, Options{})
	assert.Error(t, err)

	d, err = Create(path, true, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(path, Options{ReadOnly: true, EnforceVersion: true})
	require.NoError(t, err)
	defer d.Close()

	assert.True(t, d.ReadOnly())
	assert.Equal(t, path, d.Path())
	assert.Equal(t, Version, d.VersionInfo().IdppVersion)

	log, err := d.ChangeLog(context.Background())
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "create database", log[0].Notes)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), Options{})
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.db"), false, Options{Driver: "postgres"})
	assert.Error(t, err)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idpp.db")
	d, err := Create(path, false, Options{})
	require.NoError(t, err)
	_, err = d.sql.Exec(`UPDATE VersionInfo SET idpp_ver = '9.9.0'`)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open(path, Options{ReadOnly: true, EnforceVersion: true})
	assert.True(t, errors.Is(err, ErrVersionMismatch), "got %v", err)

	d, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "9.9.0", d.VersionInfo().IdppVersion)
	require.NoError(t, d.Close())
}

func TestReleaseAndMajorMatch(t *testing.T) {
	tests := []struct {
		pkg, db string
		want    bool
	}{
		{"0.5.2", "0.5.10", true},
		{"0.5.2", "0.6.0", false},
		{"0.6.12.dev_0", "0.6.1", true},
		{"1.0.0", "0.0.0", false},
		{"0.5", "0.5", true},
		{"0", "0.5.0", false},
	}
	for _, tt := range tests {
		if got := releaseAndMajorMatch(tt.pkg, tt.db); got != tt.want {
			t.Errorf("releaseAndMajorMatch(%q, %q) = %v, want %v", tt.pkg, tt.db, got, tt.want)
		}
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idpp.db")
	d, err := Create(path, false, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	_, err = d.NewWriter(ctx)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = d.InsertDataset(ctx, "x", "y")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, d.InsertChangeLogEntry(ctx, "a", "b"), ErrReadOnly)
	assert.ErrorIs(t, d.InsertAnalysisResult(ctx, AnalysisResult{}), ErrReadOnly)
}

func TestScansAndLookups(t *testing.T) {
	for _, driver := range []string{DriverCGo, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			d := newTestDB(t, driver)
			f := populate(t, d)
			ctx := context.Background()

			type row struct {
				id    int64
				value float64
				label string
			}
			var pos []row
			err := d.ScanScalars(ctx, MzQuery(true), func(id int64, v float64, label string) error {
				pos = append(pos, row{id, v, label})
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, []row{
				{f.glucose, 181.07067, "[M+H]+"},
				{f.glucose, 203.05261, "[M+Na]+"},
				{f.caffeine, 195.08765, "[M+H]+"},
			}, pos)

			var neg []row
			err = d.ScanScalars(ctx, MzQuery(false), func(id int64, v float64, label string) error {
				neg = append(neg, row{id, v, label})
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []row{{f.glucose, 179.05611, "[M-H]-"}}, neg)

			var rts []float64
			err = d.ScanScalars(ctx, RTQuery("srcB"), func(id int64, v float64, label string) error {
				assert.Equal(t, f.glcH, id)
				assert.Empty(t, label)
				rts = append(rts, v)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []float64{5.5}, rts)

			n := 0
			err = d.ScanScalars(ctx, CCSQuery("srcA"), func(int64, float64, string) error {
				n++
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			ids, err := d.AdductIDsByCompound(ctx, f.glucose)
			require.NoError(t, err)
			assert.Equal(t, []int64{f.glcH, f.glcNa, f.glcM}, ids)

			ids, err = d.AdductIDsByCompound(ctx, f.glucose, "M+H")
			require.NoError(t, err)
			assert.Equal(t, []int64{f.glcH}, ids)

			ccs, err := d.CCSByAdduct(ctx, f.glcH)
			require.NoError(t, err)
			assert.Equal(t, []SourceValue{{f.srcA, 150.0}, {f.srcB, 151.0}}, ccs)

			rt, err := d.RTByAdduct(ctx, f.glcH, "srcA")
			require.NoError(t, err)
			assert.Equal(t, []SourceValue{{f.srcA, 5.0}}, rt)

			owners, err := d.AdductCompounds(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[int64]int64{
				f.glcH: f.glucose, f.glcNa: f.glucose, f.glcM: f.glucose, f.cafH: f.caffeine,
			}, owners)
		})
	}
}

func TestScanScalarsErrors(t *testing.T) {
	d := newTestDB(t, "")
	populate(t, d)
	ctx := context.Background()

	err := d.ScanScalars(ctx, `SELECT cmpd_id FROM Compounds`, func(int64, float64, string) error { return nil })
	assert.Error(t, err)

	stop := errors.New("stop")
	err = d.ScanScalars(ctx, MzQuery(true), func(int64, float64, string) error { return stop })
	assert.ErrorIs(t, err, stop)

	err = d.ScanScalars(ctx, `SELECT nope FROM nowhere`, func(int64, float64, string) error { return nil })
	assert.Error(t, err)
}

func TestInsertMS2(t *testing.T) {
	d := newTestDB(t, "")
	f := populate(t, d)
	ctx := context.Background()

	w, err := d.NewWriter(ctx)
	require.NoError(t, err)
	ce := 20.0
	_, err = w.InsertMS2(ctx, []core.Peak{{MZ: 85.02841, Intensity: 1}, {MZ: 163.06010, Intensity: 1}}, f.glcH, f.srcA, &ce)
	require.NoError(t, err)
	_, err = w.InsertMS2(ctx, []core.Peak{{MZ: 85.02841, Intensity: 3}, {MZ: 127.03897, Intensity: 1}}, f.glcH, f.srcB, nil)
	require.NoError(t, err)
	_, err = w.InsertMS2(ctx, []core.Peak{{MZ: 138.06619, Intensity: 1}}, f.cafH, f.srcA, nil)
	require.NoError(t, err)
	_, err = w.InsertMS2(ctx, []core.Peak{{MZ: 100, Intensity: 0}}, f.cafH, f.srcA, nil)
	assert.Error(t, err)
	assert.Equal(t, 3, w.SpectraWritten())
	require.NoError(t, w.Finalize(ctx, "test", "spectra"))

	adducts := []int64{f.glcH, f.cafH, f.glcNa}
	counts, err := d.SpectrumCounts(ctx, MS2SpectrumCountQuery(adducts))
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{f.glcH: 2, f.cafH: 1}, counts)

	summed := map[int64]int64{}
	err = d.ScanFragments(ctx, MS2FragmentQuery(adducts), func(r FragmentRow) error {
		if r.AdductID == f.glcH {
			assert.Equal(t, f.glucose, r.CompoundID)
			summed[r.IMZ] = r.SummedII
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{
		8502841:  500000 + 750000,
		12703897: 250000,
		16306010: 500000,
	}, summed)

	log, err := d.ChangeLog(ctx)
	require.NoError(t, err)
	assert.Len(t, log, 3)
}

func TestInsertSpectrum(t *testing.T) {
	d := newTestDB(t, "")
	ctx := context.Background()
	w, err := d.NewWriter(ctx)
	require.NoError(t, err)

	src, err := w.InsertSource(ctx, "library")
	require.NoError(t, err)
	spec := &core.Spectrum{
		Name:          "glucose",
		PrecursorType: "[M+Na]+",
		PrecursorMZ:   203.05261,
		Peaks:         []core.Peak{{MZ: 85.0, Intensity: 10}, {MZ: 185.0, Intensity: 5}},
	}
	_, err = w.InsertSpectrum(ctx, spec, src, core.DefaultAdductDatabase())
	require.NoError(t, err)

	spec.PrecursorType = "[M+X]+"
	_, err = w.InsertSpectrum(ctx, spec, src, core.DefaultAdductDatabase())
	assert.Error(t, err)
	require.NoError(t, w.Rollback())

	n := 0
	err = d.ScanScalars(ctx, MzQuery(true), func(int64, float64, string) error { n++; return nil })
	require.NoError(t, err)
	assert.Zero(t, n, "rollback should discard inserts")
}

func TestInsertSpectrumMeasurements(t *testing.T) {
	d := newTestDB(t, DriverPure)
	ctx := context.Background()
	w, err := d.NewWriter(ctx)
	require.NoError(t, err)

	src, err := w.InsertSource(ctx, "library")
	require.NoError(t, err)
	rt, ccs := 4.2, 150.5
	spec := &core.Spectrum{
		Name:          "glucose",
		PrecursorType: "[M+Na]+",
		Formula:       "C6H12O6",
		RetentionTime: &rt,
		CCS:           &ccs,
		Peaks:         []core.Peak{{MZ: 85.0, Intensity: 10}},
	}
	_, err = w.InsertSpectrum(ctx, spec, src, core.DefaultAdductDatabase())
	require.NoError(t, err)
	assert.InDelta(t, 203.05261, spec.PrecursorMZ, 1e-4)
	require.NoError(t, w.Finalize(ctx, "test", "measurements"))

	aids, err := d.AdductIDsByCompound(ctx, 1)
	require.NoError(t, err)
	require.Len(t, aids, 1)

	rts, err := d.RTByAdduct(ctx, aids[0], "library")
	require.NoError(t, err)
	assert.Equal(t, []SourceValue{{SourceID: src, Value: 4.2}}, rts)
	ccss, err := d.CCSByAdduct(ctx, aids[0])
	require.NoError(t, err)
	assert.Equal(t, []SourceValue{{SourceID: src, Value: 150.5}}, ccss)
}

func TestScanFragmentsDecodeError(t *testing.T) {
	d := newTestDB(t, "")
	f := populate(t, d)
	ctx := context.Background()

	_, err := d.sql.Exec(`INSERT INTO MS2Spectra (ms2_id, adduct_id) VALUES (1, ?)`, f.glcH)
	require.NoError(t, err)
	_, err = d.sql.Exec(`INSERT INTO MS2Fragments VALUES (1, 8500000, 0.5)`)
	require.NoError(t, err)

	err = d.ScanFragments(ctx, MS2FragmentQuery([]int64{f.glcH}), func(FragmentRow) error { return nil })
	var de *core.DecodeError
	assert.True(t, errors.As(err, &de), "got %v", err)
}

func TestAnalysisResults(t *testing.T) {
	d := newTestDB(t, "")
	ctx := context.Background()

	dsID, err := d.InsertDataset(ctx, "test dataset", `{"mz_qry": []}`)
	require.NoError(t, err)

	ds, err := d.DatasetByID(ctx, dsID)
	require.NoError(t, err)
	assert.Equal(t, "test dataset", ds.Description)

	rt := 0.5
	require.NoError(t, d.InsertAnalysisResult(ctx, AnalysisResult{DatasetID: dsID, Counts: []int32{1, 2, 2}, MzTol: 5}))
	require.NoError(t, d.InsertAnalysisResult(ctx, AnalysisResult{DatasetID: dsID, Counts: []int32{1, 1}, MzTol: 5, RtTol: &rt}))

	results, err := d.AnalysisResults(ctx, dsID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []int32{1, 2, 2}, results[0].Counts)
	assert.Nil(t, results[0].RtTol)
	require.NotNil(t, results[1].RtTol)
	assert.Equal(t, 0.5, *results[1].RtTol)
	assert.Nil(t, results[1].CcsTol)

	_, err = d.DatasetByID(ctx, dsID+100)
	assert.Error(t, err)
}

func TestQueryBuilders(t *testing.T) {
	assert.Contains(t, MzQuery(true), "adduct_z > 0")
	assert.Contains(t, MzQuery(false), "adduct_z < 0")
	assert.Contains(t, RTQuery("O'Brien lab"), "'O''Brien lab'")
	assert.NotContains(t, CCSQuery(), "WHERE")
	assert.Contains(t, MS2FragmentQuery([]int64{3, 1, 2}), "IN (3,1,2)")
}
