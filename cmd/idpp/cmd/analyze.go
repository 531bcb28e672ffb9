package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/idpp/pkg/analysis"
	"github.com/ChrisMcGann/idpp/pkg/db"
	"github.com/ChrisMcGann/idpp/pkg/trees"
)

var (
	mzPPM       []float64
	rtTols      []float64
	ccsPercents []float64
	mode        string
	threads     int
	outFile     string
	countsDir   string
	description string
	rebuild     bool
	noStore     bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Count identification matches over a grid of search tolerances",
	Long: `For every combination of m/z, RT and CCS tolerance, count how many
compounds each compound cannot be told apart from. Trees are reloaded from the
tree directory when present, otherwise built from the database.

Results are stored in the database under a new dataset and summarized as TSV.

Examples:
  idpp analyze --db idpp.db --mz-ppm 1,5,10
  idpp analyze --db idpp.db --mz-ppm 5 --rt-tol 0.1,0.5 --ccs-percent 1,3 --out trials.tsv`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.Float64SliceVar(&mzPPM, "mz-ppm", nil, "m/z tolerances in ppm (overrides config)")
	f.Float64SliceVar(&rtTols, "rt-tol", nil, "RT tolerances in minutes (overrides config)")
	f.Float64SliceVar(&ccsPercents, "ccs-percent", nil, "CCS tolerances in percent (overrides config)")
	f.StringVar(&mode, "mode", "", "Ionization mode: positive or negative (overrides config)")
	f.IntVar(&threads, "threads", 0, "Concurrent tree queries (0 = config, then GOMAXPROCS)")
	f.StringVarP(&outFile, "out", "o", "", "Summary TSV path (stdout when empty)")
	f.StringVar(&countsDir, "counts-dir", "", "Also write per-compound counts, one TSV per trial")
	f.StringVar(&description, "description", "", "Dataset description stored with the results")
	f.BoolVar(&rebuild, "rebuild", false, "Build trees from the database even if saved trees exist")
	f.BoolVar(&noStore, "no-store", false, "Do not store results in the database")

	f.StringVar(&treeDir, "tree-dir", "", "Directory of saved trees (overrides config)")
	f.StringVar(&rtSource, "rt-source", "", "Source of retention times when building")
	f.StringSliceVar(&ccsSources, "ccs-source", nil, "CCS sources when building (all when empty)")
	f.BoolVar(&averageCCS, "average-ccs", false, "Index one mean CCS per adduct when building")
}

func applyAnalysisFlags(cmd *cobra.Command) error {
	applyTreeFlags(cmd)
	f := cmd.Flags()
	if f.Changed("mz-ppm") {
		cfg.Analysis.MzPPM = mzPPM
	}
	if f.Changed("rt-tol") {
		cfg.Analysis.RtTol = rtTols
	}
	if f.Changed("ccs-percent") {
		cfg.Analysis.CcsPercent = ccsPercents
	}
	if f.Changed("mode") {
		cfg.Analysis.Mode = mode
	}
	if f.Changed("threads") {
		cfg.Analysis.Threads = threads
	}
	return cfg.Validate()
}

// datasetTrees reloads saved trees or builds them from d. Saved trees built
// from other queries than the current config asks for are reported and
// rebuilt.
func datasetTrees(cmd *cobra.Command, d *db.DB) (trees.DatasetQueries, trees.PropertyTrees, error) {
	_, err := os.Stat(filepath.Join(cfg.Trees.Dir, queriesFile))
	if !rebuild && err == nil {
		queries := datasetQueries()
		pt, err := loadTrees(cfg.Trees.Dir, queries)
		if err == nil {
			logger.Info("loaded saved trees", "dir", cfg.Trees.Dir)
			return queries, pt, nil
		}
		var incompatible *trees.IncompatibleReloadError
		if !errors.As(err, &incompatible) && !errors.Is(err, trees.ErrCorruptTree) {
			return queries, pt, err
		}
		logger.Warn("saved trees unusable, rebuilding", "err", err)
	}

	return constructTrees(cmd.Context(), d)
}

// modeTree returns the m/z tree of the configured ionization mode.
func modeTree(pt trees.PropertyTrees) (*trees.MzTree, error) {
	mz := pt.MzPos
	if cfg.Analysis.Mode == "negative" {
		mz = pt.MzNeg
	}
	if mz == nil {
		return nil, fmt.Errorf("no %s mode m/z tree: the database has no %s adducts", cfg.Analysis.Mode, cfg.Analysis.Mode)
	}
	return mz, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := applyAnalysisFlags(cmd); err != nil {
		return err
	}
	start := time.Now()

	d, err := openDB(noStore)
	if err != nil {
		return err
	}
	defer d.Close()

	queries, pt, err := datasetTrees(cmd, d)
	if err != nil {
		return err
	}

	mz, err := modeTree(pt)
	if err != nil {
		return err
	}
	r := &analysis.Runner{
		Mz:      mz,
		Threads: cfg.Analysis.Threads,
		Logger:  logger,
		Metrics: metricz,
	}
	grid := analysis.Grid{MzPPM: cfg.Analysis.MzPPM}
	if len(cfg.Analysis.RtTol) > 0 {
		if pt.Rt == nil {
			return errors.New("RT tolerances given but no RT source is configured")
		}
		r.Rt, grid.RtTol = pt.Rt, cfg.Analysis.RtTol
	}
	if len(cfg.Analysis.CcsPercent) > 0 {
		if pt.Ccs == nil {
			return errors.New("CCS tolerances given but no CCS tree is available")
		}
		r.Ccs, grid.CcsPercent = pt.Ccs, cfg.Analysis.CcsPercent
	}
	if r.Rt != nil || r.Ccs != nil {
		owners, err := d.AdductCompounds(ctx)
		if err != nil {
			return err
		}
		r.Owners = make(map[trees.ID]trees.ID, len(owners))
		for aid, cid := range owners {
			r.Owners[trees.ID(aid)] = trees.ID(cid)
		}
	}

	if !noStore {
		js, err := usedQueries(queries, pt).ToJSON()
		if err != nil {
			return err
		}
		desc := description
		if desc == "" {
			desc = fmt.Sprintf("%s mode analysis", cfg.Analysis.Mode)
		}
		if r.DatasetID, err = d.InsertDataset(ctx, desc, js); err != nil {
			return err
		}
		r.Store = d
	}

	trials, err := r.Run(ctx, grid)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := analysis.WriteTSV(w, trials); err != nil {
		return err
	}
	if countsDir != "" {
		if err := writeCounts(countsDir, trials); err != nil {
			return err
		}
	}

	logger.Info("analysis finished", "trials", len(trials), "dataset", r.DatasetID, "took", time.Since(start))
	return nil
}

func writeCounts(dir string, trials []analysis.Trial) error {
	if err := ensureDir(dir); err != nil {
		return err
	}
	for i, tr := range trials {
		path := filepath.Join(dir, fmt.Sprintf("trial_%04d.tsv", i))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		err = analysis.WriteCountsTSV(f, tr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}
