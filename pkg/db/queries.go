package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Extraction query builders. The returned strings are plain SQL so they can
// be stored with a dataset and replayed later.

// MzQuery selects (cmpd_id, adduct_mz, adduct) for positive or negative
// adducts. The label column lets tree construction drop "none" adducts.
func MzQuery(positive bool) string {
	cmp := ">"
	if !positive {
		cmp = "<"
	}
	return fmt.Sprintf(`SELECT cmpd_id, adduct_mz, adduct FROM Adducts WHERE adduct_z %s 0`, cmp)
}

// RTQuery selects (adduct_id, rt) from a single source.
func RTQuery(source string) string {
	return fmt.Sprintf(`SELECT adduct_id, rt FROM RTs JOIN Sources USING(src_id) WHERE src_name = %s`,
		quote(source))
}

// CCSQuery selects (adduct_id, ccs), optionally restricted to sources.
func CCSQuery(sources ...string) string {
	q := `SELECT adduct_id, ccs FROM CCSs JOIN Sources USING(src_id)`
	if len(sources) > 0 {
		quoted := make([]string, len(sources))
		for i, s := range sources {
			quoted[i] = quote(s)
		}
		q += ` WHERE src_name IN (` + strings.Join(quoted, ",") + `)`
	}
	return q
}

// MS2SpectrumCountQuery selects (adduct_id, n_spectra) for the given adducts.
func MS2SpectrumCountQuery(adductIDs []int64) string {
	return fmt.Sprintf(`
	SELECT
		adduct_id,
		COUNT(*) AS cnt
	FROM
		MS2Spectra
		JOIN Adducts USING(adduct_id)
	WHERE
		adduct_id IN (%s)
	GROUP BY
		adduct_id`, idList(adductIDs))
}

// MS2FragmentQuery selects (cmpd_id, adduct_id, frag_imz, SUM(frag_ii)) for
// the given adducts, summing intensities over all spectra of each adduct.
func MS2FragmentQuery(adductIDs []int64) string {
	return fmt.Sprintf(`
	SELECT
		cmpd_id,
		adduct_id,
		frag_imz,
		SUM(frag_ii)
	FROM
		MS2Spectra
		JOIN Adducts USING(adduct_id)
		JOIN MS2Fragments USING(ms2_id)
	WHERE
		adduct_id IN (%s)
	GROUP BY
		adduct_id,
		frag_imz`, idList(adductIDs))
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
