// Package cmd provides CLI command implementations
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/idpp/internal/logging"
	"github.com/ChrisMcGann/idpp/pkg/config"
	"github.com/ChrisMcGann/idpp/pkg/db"
	"github.com/ChrisMcGann/idpp/pkg/metrics"
	"github.com/ChrisMcGann/idpp/pkg/trees"
)

var (
	// Persistent flags
	configFile  string
	envFile     string
	dbPath      string
	dbDriver    string
	metricsFile string
	debug       bool

	// Set up by PersistentPreRunE
	cfg     config.Config
	logger  *log.Logger
	metricz *metrics.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "idpp",
	Short: "idpp - identification probability analysis",
	Long: `idpp measures how well compounds in a reference database can be told
apart by their m/z, retention time, CCS and MS2 spectra.

Typical workflow:
  idpp init-db --db idpp.db
  idpp import-msp --db idpp.db --in library.msp --source MoNA
  idpp build-trees --db idpp.db --rt-source MoNA
  idpp analyze --db idpp.db --mz-ppm 1,5,10 --rt-tol 0.1,0.5 --out trials.tsv
  idpp query --db idpp.db --property mz --tol 5 --out mz_5ppm.bin`,
	Version:           db.Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if cfg.MetricsFile == "" {
			return nil
		}
		if err := metricz.WriteToTextfile(cfg.MetricsFile); err != nil {
			return err
		}
		logger.Debug("wrote metrics", "path", cfg.MetricsFile)
		return nil
	},
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(importMSPCmd)
	rootCmd.AddCommand(buildTreesCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(ms2SimilarityCmd)
	rootCmd.AddCommand(queryCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Path to YAML config file")
	pf.StringVar(&envFile, "env-file", ".env", "Path to .env file with IDPP_* overrides (ignored if missing)")
	pf.StringVar(&dbPath, "db", "", "Reference database path (overrides config)")
	pf.StringVar(&dbDriver, "driver", "", "SQLite driver: sqlite3 (cgo) or sqlite (pure Go)")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write prometheus metrics to this file on exit")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")
}

// setup loads .env, the config file and flag overrides, in that order of
// increasing precedence.
func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var err error
	cfg, err = config.Load(configFile)
	if err != nil {
		return err
	}
	pf := cmd.Flags()
	if pf.Changed("db") {
		cfg.Database.Path = dbPath
	}
	if pf.Changed("driver") {
		cfg.Database.Driver = dbDriver
	}
	if pf.Changed("metrics-file") {
		cfg.MetricsFile = metricsFile
	}
	if pf.Changed("debug") {
		cfg.Debug = debug
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = logging.New(cfg.Debug)
	metricz = metrics.New()
	logger.Debug("loaded config", "file", configFile, "db", cfg.Database.Path, "driver", cfg.Database.Driver)
	return nil
}

// openDB opens the configured reference database.
func openDB(readOnly bool) (*db.DB, error) {
	return db.Open(cfg.Database.Path, db.Options{
		ReadOnly:       readOnly,
		EnforceVersion: cfg.Database.EnforceVersion,
		Driver:         cfg.Database.Driver,
		Logger:         logger,
	})
}

// treeOptions returns the construction options derived from the config.
func treeOptions() []trees.Option {
	opts := []trees.Option{
		trees.WithLogger(logger),
		trees.WithMetrics(metricz),
		trees.WithMs2MzTolerance(cfg.MS2.MzTolerance),
	}
	if len(cfg.Trees.ExcludedLabels) > 0 {
		opts = append(opts, trees.WithExcludedLabels(cfg.Trees.ExcludedLabels...))
	}
	if cfg.Trees.AverageCCS {
		opts = append(opts, trees.WithAverageByAdduct())
	}
	return opts
}

func datasetQueries() trees.DatasetQueries {
	return trees.DefaultDatasetQueries(cfg.Trees.RtSource, cfg.Trees.CcsSources...)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
