package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/idpp/pkg/db"
	"github.com/ChrisMcGann/idpp/pkg/trees"
)

// Files written to the tree directory.
const (
	queriesFile = "queries.json"
	mzPosFile   = "mz_pos.tree"
	mzNegFile   = "mz_neg.tree"
	rtFile      = "rt.tree"
	ccsFile     = "ccs.tree"
)

var (
	treeDir    string
	rtSource   string
	ccsSources []string
	averageCCS bool
)

var buildTreesCmd = &cobra.Command{
	Use:   "build-trees",
	Short: "Build and save the m/z, RT and CCS trees of a dataset",
	Long: `Extract m/z, retention time and CCS values from the reference database,
index them and save one tree file per property together with the extraction
queries, so later analyses can reload them without touching the database.

Examples:
  idpp build-trees --db idpp.db --tree-dir trees
  idpp build-trees --db idpp.db --rt-source MoNA --ccs-source AllCCS --average-ccs`,
	Args: cobra.NoArgs,
	RunE: runBuildTrees,
}

func init() {
	f := buildTreesCmd.Flags()
	f.StringVar(&treeDir, "tree-dir", "", "Directory for tree files (overrides config)")
	f.StringVar(&rtSource, "rt-source", "", "Source of retention times (no RT tree when empty)")
	f.StringSliceVar(&ccsSources, "ccs-source", nil, "CCS sources to index (all when empty)")
	f.BoolVar(&averageCCS, "average-ccs", false, "Index one mean CCS per adduct")
}

// applyTreeFlags copies tree related flags over the config.
func applyTreeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("tree-dir") {
		cfg.Trees.Dir = treeDir
	}
	if f.Changed("rt-source") {
		cfg.Trees.RtSource = rtSource
	}
	if f.Changed("ccs-source") {
		cfg.Trees.CcsSources = ccsSources
	}
	if f.Changed("average-ccs") {
		cfg.Trees.AverageCCS = averageCCS
	}
}

func runBuildTrees(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	applyTreeFlags(cmd)
	start := time.Now()

	d, err := openDB(true)
	if err != nil {
		return err
	}
	defer d.Close()

	queries, pt, err := constructTrees(ctx, d)
	if err != nil {
		return err
	}
	if err := saveTrees(cfg.Trees.Dir, queries, pt); err != nil {
		return err
	}

	fmt.Printf("\nBuilt trees in %s\n", time.Since(start).Round(time.Millisecond))
	for _, t := range pt.All() {
		fmt.Printf("  %-4s %d values, %d ids\n", t.Kind(), t.Len(), len(t.IDs()))
	}
	fmt.Printf("Output: %s\n", cfg.Trees.Dir)
	return nil
}

// constructTrees builds the dataset trees from d and returns the queries
// they were requested with. A CCS query without rows drops the CCS branch
// instead of failing, since most libraries carry no CCS. An m/z mode without
// adducts is dropped the same way.
func constructTrees(ctx context.Context, d *db.DB) (trees.DatasetQueries, trees.PropertyTrees, error) {
	queries := datasetQueries()
	opts := treeOptions()
	noCcs := queries
	noCcs.Ccs = ""

	pt, err := trees.ConstructPropertyTrees(ctx, d, noCcs, opts...)
	if err != nil {
		return queries, pt, err
	}
	pt.Ccs, err = trees.ConstructCcsTree(ctx, d, queries.Ccs, opts...)
	switch {
	case errors.Is(err, trees.ErrConstruction):
		logger.Warn("skipping CCS tree", "err", err)
	case err != nil:
		return queries, pt, err
	}
	return queries, pt, nil
}

// usedQueries blanks the queries of trees that were dropped.
func usedQueries(q trees.DatasetQueries, pt trees.PropertyTrees) trees.DatasetQueries {
	if pt.MzPos == nil {
		q.Mz[0] = ""
	}
	if pt.MzNeg == nil {
		q.Mz[1] = ""
	}
	if pt.Rt == nil {
		q.Rt = ""
	}
	if pt.Ccs == nil {
		q.Ccs = ""
	}
	return q
}

// saveTrees writes the queries and every non-nil tree into dir.
func saveTrees(dir string, queries trees.DatasetQueries, pt trees.PropertyTrees) error {
	if err := ensureDir(dir); err != nil {
		return err
	}
	js, err := queries.ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, queriesFile), []byte(js+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write queries: %w", err)
	}

	files := []struct {
		name string
		tree trees.PropertyTree
		ok   bool
	}{
		{mzPosFile, pt.MzPos, pt.MzPos != nil},
		{mzNegFile, pt.MzNeg, pt.MzNeg != nil},
		{rtFile, pt.Rt, pt.Rt != nil},
		{ccsFile, pt.Ccs, pt.Ccs != nil},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if !f.ok {
			// stale trees from an earlier build must not be picked up
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
			continue
		}
		if err := f.tree.Save(path); err != nil {
			return err
		}
		logger.Debug("saved tree", "kind", f.tree.Kind(), "path", path)
	}
	return nil
}

// loadTrees reloads trees written by saveTrees. The saved queries must
// equal want, otherwise an *trees.IncompatibleReloadError is returned. Trees
// dropped at build time have no file and are left nil.
func loadTrees(dir string, want trees.DatasetQueries) (trees.PropertyTrees, error) {
	path := filepath.Join(dir, queriesFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return trees.PropertyTrees{}, fmt.Errorf("failed to read queries: %w", err)
	}
	saved, err := trees.ParseDatasetQueries(string(b))
	if err != nil {
		return trees.PropertyTrees{}, fmt.Errorf("%w: %s: %v", trees.ErrCorruptTree, path, err)
	}
	if err := trees.CheckQueries(path, want, saved); err != nil {
		return trees.PropertyTrees{}, err
	}

	opts := treeOptions()
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	var pt trees.PropertyTrees
	if exists(mzPosFile) {
		if pt.MzPos, err = trees.LoadMzTree(filepath.Join(dir, mzPosFile), want.Mz[0], opts...); err != nil {
			return pt, err
		}
	}
	if exists(mzNegFile) {
		if pt.MzNeg, err = trees.LoadMzTree(filepath.Join(dir, mzNegFile), want.Mz[1], opts...); err != nil {
			return pt, err
		}
	}
	if want.Rt != "" && exists(rtFile) {
		if pt.Rt, err = trees.LoadRtTree(filepath.Join(dir, rtFile), want.Rt, opts...); err != nil {
			return pt, err
		}
	}
	if want.Ccs != "" && exists(ccsFile) {
		if pt.Ccs, err = trees.LoadCcsTree(filepath.Join(dir, ccsFile), want.Ccs, opts...); err != nil {
			return pt, err
		}
	}
	if pt.MzPos == nil && pt.MzNeg == nil {
		return pt, fmt.Errorf("%w: %s: no m/z tree", trees.ErrCorruptTree, dir)
	}
	return pt, nil
}
