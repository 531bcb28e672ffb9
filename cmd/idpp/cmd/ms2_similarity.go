package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/idpp/pkg/blob"
	"github.com/ChrisMcGann/idpp/pkg/trees"
)

var (
	ms2Adducts   []int64
	ms2Compounds []int64
	ms2Labels    []string
	ms2Threshold float64
	ms2Tol       float64
	ms2Out       string
	ms2Matches   string
)

var ms2SimilarityCmd = &cobra.Command{
	Use:   "ms2-similarity",
	Short: "Compute pairwise MS2 entropy similarities for a set of adducts",
	Long: `Build an MS2 tree over the spectra of the selected adducts, compute all
pairwise entropy similarities and print the pairs at or above the threshold.
Each pair is also scored in isolation (pair_similarity), since the pooled score
depends on which other spectra are compared.

Adducts are selected directly by id or through their compounds.

Examples:
  idpp ms2-similarity --db idpp.db --adduct 12,15,31
  idpp ms2-similarity --db idpp.db --compound 4,9 --label "[M+H]+" --threshold 0.5 --out sims.bin`,
	Args: cobra.NoArgs,
	RunE: runMS2Similarity,
}

func init() {
	f := ms2SimilarityCmd.Flags()
	f.Int64SliceVar(&ms2Adducts, "adduct", nil, "Adduct ids")
	f.Int64SliceVar(&ms2Compounds, "compound", nil, "Compound ids whose adducts are included")
	f.StringSliceVar(&ms2Labels, "label", nil, "Restrict compound adducts to these labels")
	f.Float64Var(&ms2Threshold, "threshold", -1, "Minimum similarity to print (default from config)")
	f.Float64Var(&ms2Tol, "mz-tol", 0, "Fragment alignment tolerance in Da (default from config)")
	f.StringVarP(&ms2Out, "out", "o", "", "Write the similarity triplets blob to this file")
	f.StringVar(&ms2Matches, "matches", "", "Write compound level match sets at the threshold to this file")
}

func runMS2Similarity(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()
	if f.Changed("threshold") {
		cfg.MS2.Threshold = ms2Threshold
	}
	if f.Changed("mz-tol") {
		cfg.MS2.MzTolerance = ms2Tol
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	d, err := openDB(true)
	if err != nil {
		return err
	}
	defer d.Close()

	seen := make(map[int64]bool)
	var ids []trees.ID
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, trees.ID(id))
		}
	}
	for _, id := range ms2Adducts {
		add(id)
	}
	for _, cid := range ms2Compounds {
		aids, err := d.AdductIDsByCompound(ctx, cid, ms2Labels...)
		if err != nil {
			return err
		}
		for _, id := range aids {
			add(id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	tree, ok, err := trees.ConstructMs2TreeForAdductIDs(ctx, d, ids, treeOptions()...)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("not enough MS2 spectra to compare", "adducts", len(ids))
		return nil
	}

	w := csv.NewWriter(os.Stdout)
	w.Comma = '\t'
	if err := w.Write([]string{"adduct_a", "adduct_b", "similarity", "pair_similarity"}); err != nil {
		return err
	}
	pairs := 0
	for _, a := range tree.AdductIDs() {
		matches, err := tree.QueryRadius(a, cfg.MS2.Threshold)
		if err != nil {
			return err
		}
		it := matches.Iterator()
		for it.HasNext() {
			b := it.Next()
			if b <= a {
				continue
			}
			sim, err := tree.Similarity(a, b)
			if err != nil {
				return err
			}
			alone, err := tree.PairSimilarity(a, b)
			if err != nil {
				return err
			}
			row := []string{
				strconv.FormatUint(uint64(a), 10),
				strconv.FormatUint(uint64(b), 10),
				strconv.FormatFloat(sim, 'f', 4, 64),
				strconv.FormatFloat(alone, 'f', 4, 64),
			}
			if err := w.Write(row); err != nil {
				return err
			}
			pairs++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if ms2Out != "" {
		blob, err := tree.MarshalSimilarities()
		if err != nil {
			return err
		}
		if err := os.WriteFile(ms2Out, blob, 0o644); err != nil {
			return fmt.Errorf("failed to write similarities: %w", err)
		}
	}
	if ms2Matches != "" {
		if err := writeCompoundMatches(ms2Matches, tree, cfg.MS2.Threshold); err != nil {
			return err
		}
	}
	logger.Info("compared spectra", "adducts", tree.Len(), "pairs", pairs, "threshold", cfg.MS2.Threshold)
	return nil
}

// writeCompoundMatches writes the compound match sets of tree in ascending
// compound order.
func writeCompoundMatches(path string, tree *trees.Ms2Tree, threshold float64) error {
	res, err := tree.QueryAllCompounds(threshold)
	if err != nil {
		return err
	}
	ids := make([]trees.ID, 0, len(res))
	for id := range res {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return writeMatchSets(path, func(mw *blob.MatchSetWriter) error {
		for _, id := range ids {
			if err := mw.Write(id, res[id].ToArray()); err != nil {
				return err
			}
		}
		return nil
	})
}
