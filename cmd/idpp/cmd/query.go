package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/idpp/pkg/blob"
	"github.com/ChrisMcGann/idpp/pkg/trees"
)

var (
	queryProperty string
	queryTol      float64
	queryOut      string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Stream the match sets of one property tree at one tolerance",
	Long: `Query every indexed id of one tree at a single tolerance and stream the
(id, matches) records to a match set file, one id at a time. m/z trees are
compound keyed, RT and CCS trees adduct keyed.

Examples:
  idpp query --db idpp.db --property mz --tol 5 --out mz_5ppm.bin
  idpp query --db idpp.db --property rt --tol 0.2 --rt-source MoNA --out rt.bin`,
	Args: cobra.NoArgs,
	RunE: runQuery,
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&queryProperty, "property", "mz", "Tree to query: mz, rt or ccs")
	f.Float64Var(&queryTol, "tol", 0, "Tolerance in the tree's unit (ppm, minutes or percent)")
	f.StringVarP(&queryOut, "out", "o", "", "Match set output file")
	f.StringVar(&mode, "mode", "", "Ionization mode of the m/z tree (overrides config)")
	f.BoolVar(&rebuild, "rebuild", false, "Build trees from the database even if saved trees exist")

	f.StringVar(&treeDir, "tree-dir", "", "Directory of saved trees (overrides config)")
	f.StringVar(&rtSource, "rt-source", "", "Source of retention times")
	f.StringSliceVar(&ccsSources, "ccs-source", nil, "CCS sources (all when empty)")
	f.BoolVar(&averageCCS, "average-ccs", false, "Index one mean CCS per adduct")

	_ = queryCmd.MarkFlagRequired("tol")
	_ = queryCmd.MarkFlagRequired("out")
}

func runQuery(cmd *cobra.Command, args []string) error {
	applyTreeFlags(cmd)
	if cmd.Flags().Changed("mode") {
		cfg.Analysis.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if queryTol <= 0 {
		return fmt.Errorf("tolerance must be positive, got %g", queryTol)
	}
	start := time.Now()

	d, err := openDB(true)
	if err != nil {
		return err
	}
	defer d.Close()

	_, pt, err := datasetTrees(cmd, d)
	if err != nil {
		return err
	}
	var tree trees.PropertyTree
	switch queryProperty {
	case "mz":
		mz, err := modeTree(pt)
		if err != nil {
			return err
		}
		tree = mz
	case "rt":
		if pt.Rt == nil {
			return errors.New("no RT tree: set --rt-source")
		}
		tree = pt.Rt
	case "ccs":
		if pt.Ccs == nil {
			return errors.New("no CCS tree: the database has no CCS values")
		}
		tree = pt.Ccs
	default:
		return fmt.Errorf("unknown property %q, expected mz, rt or ccs", queryProperty)
	}

	it := tree.QueryAllIter(queryTol)
	var n int
	err = writeMatchSets(queryOut, func(mw *blob.MatchSetWriter) error {
		if err := streamMatches(mw, it); err != nil {
			return err
		}
		n = mw.Count()
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("wrote match sets", "property", tree.Kind(), "tol", queryTol, "ids", n,
		"path", queryOut, "took", time.Since(start))
	return nil
}

// streamMatches drains it into mw one record at a time.
func streamMatches(mw *blob.MatchSetWriter, it *trees.ResultIterator) error {
	for it.Next() {
		id, matches := it.Result()
		if err := mw.Write(id, matches.ToArray()); err != nil {
			return err
		}
	}
	return it.Err()
}

// writeMatchSets creates path and hands fn a buffered match set writer.
func writeMatchSets(path string, fn func(*blob.MatchSetWriter) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	mw, err := blob.NewMatchSetWriter(bw)
	if err != nil {
		return err
	}
	if err := fn(mw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logger.Debug("wrote match sets", "path", path, "records", mw.Count())
	return nil
}
