package analysis

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

var tsvHeader = []string{"mz_ppm", "rt_tol", "ccs_percent", "n_compounds", "n_unique", "mean_count", "max_count"}

// Summary condenses the counts of a trial.
type Summary struct {
	N      int
	Unique int // compounds matching only themselves
	Mean   float64
	Max    int32
}

// Summarize returns the summary of a trial's counts.
func (t Trial) Summarize() Summary {
	s := Summary{N: len(t.Counts)}
	var total int64
	for _, c := range t.Counts {
		total += int64(c)
		if c == 1 {
			s.Unique++
		}
		if c > s.Max {
			s.Max = c
		}
	}
	if s.N > 0 {
		s.Mean = float64(total) / float64(s.N)
	}
	return s
}

// WriteTSV writes one summary row per trial. Unused tolerances are written
// as empty fields.
func WriteTSV(w io.Writer, trials []Trial) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(tsvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, tr := range trials {
		s := tr.Summarize()
		row := []string{
			formatFloat(&tr.MzPPM),
			formatFloat(tr.RtTol),
			formatFloat(tr.CcsPercent),
			strconv.Itoa(s.N),
			strconv.Itoa(s.Unique),
			strconv.FormatFloat(s.Mean, 'f', 4, 64),
			strconv.Itoa(int(s.Max)),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write trial %s: %w", tr.Tolerances, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCountsTSV writes the raw per-compound counts of one trial.
func WriteCountsTSV(w io.Writer, tr Trial) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write([]string{"id", "count"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, id := range tr.IDs {
		if err := cw.Write([]string{strconv.FormatUint(uint64(id), 10), strconv.Itoa(int(tr.Counts[i]))}); err != nil {
			return fmt.Errorf("failed to write counts: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}
