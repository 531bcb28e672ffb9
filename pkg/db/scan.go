package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ChrisMcGann/idpp/pkg/core"
)

// FragmentRow is one row of a fragment extraction query: an MS/MS fragment of
// an adduct with its intensity summed over all spectra of that adduct.
type FragmentRow struct {
	CompoundID int64
	AdductID   int64
	IMZ        int64
	SummedII   int64
}

// SourceValue is a measured value with the source it came from.
type SourceValue struct {
	SourceID int64
	Value    float64
}

// ScanScalars runs an extraction query returning (id, value) or
// (id, value, label) rows and calls fn for each row. Rows with a NULL value
// are skipped; a missing label is passed as "".
func (d *DB) ScanScalars(ctx context.Context, query string, fn func(id int64, value float64, label string) error) error {
	d.log.Debug("scanning scalars", "query", compact(query))
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run extraction query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to read columns: %w", err)
	}
	if len(cols) != 2 && len(cols) != 3 {
		return fmt.Errorf("extraction query must return 2 or 3 columns, got %d", len(cols))
	}

	var (
		id    int64
		value sql.NullFloat64
		label sql.NullString
	)
	dest := []any{&id, &value}
	if len(cols) == 3 {
		dest = append(dest, &label)
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if !value.Valid {
			continue
		}
		if err := fn(id, value.Float64, label.String); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate rows: %w", err)
	}
	return nil
}

// SpectrumCounts runs a query returning (adduct_id, n_spectra) rows.
func (d *DB) SpectrumCounts(ctx context.Context, query string) (map[int64]int64, error) {
	d.log.Debug("counting spectra", "query", compact(query))
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to run spectrum count query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts[id] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return counts, nil
}

// ScanFragments runs a query returning (compound_id, adduct_id, frag_imz,
// summed_frag_ii) rows. Fixed-point values that are not integers are
// reported as *core.DecodeError.
func (d *DB) ScanFragments(ctx context.Context, query string, fn func(FragmentRow) error) error {
	d.log.Debug("scanning fragments", "query", compact(query))
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run fragment query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			r       FragmentRow
			imz, ii any
		)
		if err := rows.Scan(&r.CompoundID, &r.AdductID, &imz, &ii); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if r.IMZ, err = core.ParseFixedPoint("frag_imz", imz); err != nil {
			return err
		}
		if r.SummedII, err = core.ParseFixedPoint("frag_ii", ii); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate rows: %w", err)
	}
	return nil
}

// AdductIDsByCompound returns the adduct ids of a compound, optionally
// restricted to the given adduct labels.
func (d *DB) AdductIDsByCompound(ctx context.Context, cmpdID int64, restrict ...string) ([]int64, error) {
	query := `SELECT adduct_id FROM Adducts WHERE cmpd_id = ?`
	args := []any{cmpdID}
	if len(restrict) > 0 {
		query += ` AND adduct IN (` + placeholders(len(restrict)) + `)`
		for _, a := range restrict {
			args = append(args, core.NormalizeAdduct(a))
		}
	}
	query += ` ORDER BY adduct_id`

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query adducts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan adduct id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdductCompounds maps every adduct id to its compound id.
func (d *DB) AdductCompounds(ctx context.Context) (map[int64]int64, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT adduct_id, cmpd_id FROM Adducts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query adducts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]int64)
	for rows.Next() {
		var aid, cid int64
		if err := rows.Scan(&aid, &cid); err != nil {
			return nil, fmt.Errorf("failed to scan adduct: %w", err)
		}
		out[aid] = cid
	}
	return out, rows.Err()
}

// CCSByAdduct returns the CCS measurements of an adduct, optionally
// restricted to the named sources.
func (d *DB) CCSByAdduct(ctx context.Context, adductID int64, sources ...string) ([]SourceValue, error) {
	return d.valuesByAdduct(ctx, "CCSs", "ccs", adductID, sources)
}

// RTByAdduct returns the retention times of an adduct, optionally restricted
// to the named sources.
func (d *DB) RTByAdduct(ctx context.Context, adductID int64, sources ...string) ([]SourceValue, error) {
	return d.valuesByAdduct(ctx, "RTs", "rt", adductID, sources)
}

func (d *DB) valuesByAdduct(ctx context.Context, table, column string, adductID int64, sources []string) ([]SourceValue, error) {
	query := fmt.Sprintf(`SELECT src_id, %s FROM %s JOIN Sources USING(src_id) WHERE adduct_id = ?`, column, table)
	args := []any{adductID}
	if len(sources) > 0 {
		query += ` AND src_name IN (` + placeholders(len(sources)) + `)`
		for _, s := range sources {
			args = append(args, s)
		}
	}
	query += fmt.Sprintf(` ORDER BY %s_id`, column)

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	var values []SourceValue
	for rows.Next() {
		var v SourceValue
		if err := rows.Scan(&v.SourceID, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", column, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// compact collapses whitespace so queries log on one line
func compact(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
