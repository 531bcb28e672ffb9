package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/ChrisMcGann/idpp/pkg/core"
	"github.com/ChrisMcGann/idpp/pkg/filter"
)

// noCEPlaceholder is stored when a spectrum has no collision energy
const noCEPlaceholder = "_"

// Writer inserts reference data inside a single transaction using prepared
// statements. Call Finalize to commit or Rollback to discard.
type Writer struct {
	db  *DB
	tx  *sql.Tx
	log *log.Logger

	sourceStmt    *sql.Stmt
	compoundStmt  *sql.Stmt
	adductStmt    *sql.Stmt
	ccsStmt       *sql.Stmt
	rtStmt        *sql.Stmt
	spectrumStmt  *sql.Stmt
	fragmentStmt  *sql.Stmt
	ms2SourceStmt *sql.Stmt

	// Fragment filter applied by InsertMS2
	Filter filter.Config

	nSpectra int
}

// NewWriter begins a write transaction.
func (d *DB) NewWriter(ctx context.Context) (*Writer, error) {
	if d.opts.ReadOnly {
		return nil, ErrReadOnly
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	w := &Writer{
		db:     d,
		tx:     tx,
		log:    d.log,
		Filter: filter.Config{TopN: filter.DefaultTopN},
	}
	if err := w.prepareStatements(ctx); err != nil {
		w.closeStatements()
		_ = tx.Rollback()
		return nil, err
	}
	return w, nil
}

// prepareStatements prepares SQL statements for batch insertion
func (w *Writer) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&w.sourceStmt, "source", `
			INSERT INTO Sources (src_name) VALUES (?)
			ON CONFLICT(src_name) DO UPDATE SET src_name = excluded.src_name
			RETURNING src_id`},
		{&w.compoundStmt, "compound", `
			INSERT INTO Compounds (cmpd_name, formula, inchi_key) VALUES (?, ?, ?)
			ON CONFLICT(cmpd_name) DO UPDATE SET
				formula = COALESCE(Compounds.formula, excluded.formula),
				inchi_key = COALESCE(Compounds.inchi_key, excluded.inchi_key)
			RETURNING cmpd_id`},
		{&w.adductStmt, "adduct", `
			INSERT INTO Adducts (adduct, cmpd_id, adduct_z, adduct_mz) VALUES (?, ?, ?, ?)
			ON CONFLICT(adduct, cmpd_id) DO UPDATE SET adduct = excluded.adduct
			RETURNING adduct_id`},
		{&w.ccsStmt, "ccs", `INSERT INTO CCSs (ccs, adduct_id, src_id) VALUES (?, ?, ?)`},
		{&w.rtStmt, "rt", `INSERT INTO RTs (rt, adduct_id, src_id) VALUES (?, ?, ?)`},
		{&w.spectrumStmt, "spectrum", `INSERT INTO MS2Spectra (adduct_id, ms2_n_spectra, ms2_ce) VALUES (?, 1, ?)`},
		{&w.fragmentStmt, "fragment", `INSERT INTO MS2Fragments (ms2_id, frag_imz, frag_ii) VALUES (?, ?, ?)`},
		{&w.ms2SourceStmt, "ms2 source", `INSERT OR IGNORE INTO MS2Sources (ms2_id, src_id) VALUES (?, ?)`},
	}

	for _, s := range stmts {
		stmt, err := w.tx.PrepareContext(ctx, s.query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s statement: %w", s.name, err)
		}
		*s.dst = stmt
	}
	return nil
}

func returningID(ctx context.Context, stmt *sql.Stmt, args ...any) (int64, error) {
	var id int64
	if err := stmt.QueryRowContext(ctx, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertSource returns the id of the named source, adding it if needed.
func (w *Writer) InsertSource(ctx context.Context, name string) (int64, error) {
	id, err := returningID(ctx, w.sourceStmt, name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source: %w", err)
	}
	return id, nil
}

// InsertCompound returns the id of the named compound, adding it if needed.
// Formula and InChIKey fill empty values on existing compounds.
func (w *Writer) InsertCompound(ctx context.Context, name, formula, inchiKey string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("failed to insert compound: name is required")
	}
	id, err := returningID(ctx, w.compoundStmt, name, nullString(formula), nullString(inchiKey))
	if err != nil {
		return 0, fmt.Errorf("failed to insert compound: %w", err)
	}
	return id, nil
}

// InsertAdduct returns the id of the adduct of a compound, adding it if
// needed. The label is normalized first.
func (w *Writer) InsertAdduct(ctx context.Context, adduct string, cmpdID int64, mz float64, z int) (int64, error) {
	id, err := returningID(ctx, w.adductStmt, core.NormalizeAdduct(adduct), cmpdID, z, mz)
	if err != nil {
		return 0, fmt.Errorf("failed to insert adduct: %w", err)
	}
	return id, nil
}

// InsertCCS adds a CCS measurement. Measurements are never deduplicated.
func (w *Writer) InsertCCS(ctx context.Context, ccs float64, adductID, srcID int64) (int64, error) {
	res, err := w.ccsStmt.ExecContext(ctx, ccs, adductID, srcID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ccs: %w", err)
	}
	return res.LastInsertId()
}

// InsertRT adds a retention time measurement.
func (w *Writer) InsertRT(ctx context.Context, rt float64, adductID, srcID int64) (int64, error) {
	res, err := w.rtStmt.ExecContext(ctx, rt, adductID, srcID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rt: %w", err)
	}
	return res.LastInsertId()
}

// InsertMS2 stores an MS/MS spectrum for an adduct. Peaks are filtered with
// w.Filter (top 256 by default) and stored in fixed-point form.
func (w *Writer) InsertMS2(ctx context.Context, peaks []core.Peak, adductID, srcID int64, ce *float64) (int64, error) {
	frags, err := core.EncodeFragments(w.Filter.Peaks(peaks))
	if err != nil {
		return 0, fmt.Errorf("failed to encode spectrum: %w", err)
	}

	ceStr := noCEPlaceholder
	if ce != nil {
		ceStr = strconv.FormatFloat(*ce, 'f', -1, 64)
	}
	res, err := w.spectrumStmt.ExecContext(ctx, adductID, ceStr)
	if err != nil {
		return 0, fmt.Errorf("failed to insert spectrum: %w", err)
	}
	ms2ID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to insert spectrum: %w", err)
	}

	for _, f := range frags {
		if _, err := w.fragmentStmt.ExecContext(ctx, ms2ID, f.IMZ, f.II); err != nil {
			return 0, fmt.Errorf("failed to insert fragment: %w", err)
		}
	}
	if _, err := w.ms2SourceStmt.ExecContext(ctx, ms2ID, srcID); err != nil {
		return 0, fmt.Errorf("failed to insert spectrum source: %w", err)
	}

	w.nSpectra++
	if w.nSpectra%1000 == 0 {
		w.log.Info("inserted spectra", "count", w.nSpectra)
	}
	return ms2ID, nil
}

// InsertSpectrum stores a library spectrum: its compound, its adduct (m/z
// from the precursor, charge from the adduct database), any RT or CCS
// measured with it and its fragments.
func (w *Writer) InsertSpectrum(ctx context.Context, spec *core.Spectrum, srcID int64, adducts *core.AdductDatabase) (int64, error) {
	label := core.NormalizeAdduct(spec.PrecursorType)
	a, ok := adducts.Get(label)
	if spec.PrecursorMZ <= 0 && spec.Formula != "" && ok {
		// libraries without a precursor m/z get it from the formula
		if mass, err := core.CalculateNeutralMass(spec.Formula); err == nil {
			if mz, err := core.CalculateAdductMZ(mass, a); err == nil {
				spec.PrecursorMZ = core.RoundFloat(mz, 5)
			}
		}
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("unknown adduct %q for %s", spec.PrecursorType, spec.Name)
	}

	cmpdID, err := w.InsertCompound(ctx, spec.Name, spec.Formula, spec.InChIKey)
	if err != nil {
		return 0, err
	}
	adductID, err := w.InsertAdduct(ctx, label, cmpdID, spec.PrecursorMZ, a.Charge)
	if err != nil {
		return 0, err
	}
	if spec.RetentionTime != nil {
		if _, err := w.InsertRT(ctx, *spec.RetentionTime, adductID, srcID); err != nil {
			return 0, err
		}
	}
	if spec.CCS != nil {
		if _, err := w.InsertCCS(ctx, *spec.CCS, adductID, srcID); err != nil {
			return 0, err
		}
	}
	return w.InsertMS2(ctx, spec.Peaks, adductID, srcID, spec.CollisionEnergy)
}

// SpectraWritten returns the number of spectra inserted so far.
func (w *Writer) SpectraWritten() int {
	return w.nSpectra
}

// Finalize writes a change log entry and commits the transaction.
func (w *Writer) Finalize(ctx context.Context, author, notes string) error {
	defer w.closeStatements()

	if _, err := w.tx.ExecContext(ctx, `INSERT INTO ChangeLog VALUES (?, ?, ?)`,
		nowTstamp(), author, notes); err != nil {
		_ = w.tx.Rollback()
		return fmt.Errorf("failed to insert change log entry: %w", err)
	}
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	w.log.Debug("committed writer", "spectra", w.nSpectra)
	return nil
}

// Rollback discards everything written.
func (w *Writer) Rollback() error {
	defer w.closeStatements()
	if err := w.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

func (w *Writer) closeStatements() {
	for _, stmt := range []*sql.Stmt{
		w.sourceStmt, w.compoundStmt, w.adductStmt, w.ccsStmt,
		w.rtStmt, w.spectrumStmt, w.fragmentStmt, w.ms2SourceStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
