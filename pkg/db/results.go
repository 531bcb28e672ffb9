package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ChrisMcGann/idpp/pkg/blob"
)

// AnalysisResult is one trial of probability analysis: the per-compound
// match counts for a dataset under one set of tolerances. Nil tolerances
// mean the property was not used.
type AnalysisResult struct {
	DatasetID int64
	Counts    []int32
	MzTol     float64
	RtTol     *float64
	CcsTol    *float64
	Ms2Tol    *float64
}

// Dataset describes the selection used for an analysis.
type Dataset struct {
	ID          int64
	Description string
	Query       string
}

// InsertDataset adds a dataset and returns its id. Query is typically the
// JSON encoding of the extraction queries.
func (d *DB) InsertDataset(ctx context.Context, description, query string) (int64, error) {
	if d.opts.ReadOnly {
		return 0, ErrReadOnly
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO Datasets (description, query) VALUES (?, ?)`,
		description, query)
	if err != nil {
		return 0, fmt.Errorf("failed to insert dataset: %w", err)
	}
	return res.LastInsertId()
}

// DatasetByID returns a dataset.
func (d *DB) DatasetByID(ctx context.Context, id int64) (Dataset, error) {
	ds := Dataset{ID: id}
	var desc, qry sql.NullString
	err := d.sql.QueryRowContext(ctx, `SELECT description, query FROM Datasets WHERE dataset_id = ?`, id).
		Scan(&desc, &qry)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to fetch dataset %d: %w", id, err)
	}
	ds.Description, ds.Query = desc.String, qry.String
	return ds, nil
}

// InsertAnalysisResult stores the counts of one analysis trial.
func (d *DB) InsertAnalysisResult(ctx context.Context, r AnalysisResult) error {
	if d.opts.ReadOnly {
		return ErrReadOnly
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO AnalysisResults (dataset_id, n_counts, mz_tol, rt_tol, ccs_tol, ms2_tol, counts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DatasetID, len(r.Counts), r.MzTol,
		nullFloat(r.RtTol), nullFloat(r.CcsTol), nullFloat(r.Ms2Tol),
		blob.EncodeCounts(r.Counts))
	if err != nil {
		return fmt.Errorf("failed to insert analysis result: %w", err)
	}
	return nil
}

// AnalysisResults returns all results stored for a dataset.
func (d *DB) AnalysisResults(ctx context.Context, datasetID int64) ([]AnalysisResult, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT n_counts, mz_tol, rt_tol, ccs_tol, ms2_tol, counts
		FROM AnalysisResults WHERE dataset_id = ? ORDER BY ROWID`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []AnalysisResult
	for rows.Next() {
		var (
			n            int
			rt, ccs, ms2 sql.NullFloat64
			raw          []byte
			r            = AnalysisResult{DatasetID: datasetID}
		)
		if err := rows.Scan(&n, &r.MzTol, &rt, &ccs, &ms2, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan analysis result: %w", err)
		}
		r.Counts, err = blob.DecodeCounts(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode counts: %w", err)
		}
		if len(r.Counts) != n {
			return nil, fmt.Errorf("analysis result has %d counts, expected %d", len(r.Counts), n)
		}
		r.RtTol, r.CcsTol, r.Ms2Tol = floatPtr(rt), floatPtr(ccs), floatPtr(ms2)
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
