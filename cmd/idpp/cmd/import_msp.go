package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/idpp/pkg/core"
	"github.com/ChrisMcGann/idpp/pkg/filter"
	"github.com/ChrisMcGann/idpp/pkg/reader/msp"
)

var (
	inputFile     string
	sourceName    string
	adductCSV     string
	topN          int
	cutoffPercent float64
	minMZ         float64
	maxMZ         float64
	collisionCE   float64
	changeAuthor  string
)

var importMSPCmd = &cobra.Command{
	Use:   "import-msp",
	Short: "Import an MSP spectral library into the reference database",
	Long: `Read compounds, adducts and MS2 spectra from an MSP library and add them
to an existing reference database under a named source.

Examples:
  # Import with default filtering (top 256 fragments)
  idpp import-msp --db idpp.db --in MoNA.msp --source MoNA

  # Import with an intensity cutoff and custom adduct definitions
  idpp import-msp --db idpp.db --in lib.msp --source inhouse --cutoff 1 --adducts adducts.csv`,
	Args: cobra.NoArgs,
	RunE: runImportMSP,
}

func init() {
	f := importMSPCmd.Flags()
	f.StringVarP(&inputFile, "in", "i", "", "Input MSP file (required)")
	f.StringVarP(&sourceName, "source", "s", "", "Source name recorded with every spectrum (required)")
	f.StringVar(&adductCSV, "adducts", "", "CSV of extra adduct definitions (adduct,massshift,charge[,multimer])")
	f.IntVar(&topN, "top-n", filter.DefaultTopN, "Keep only top N most intense peaks (0 = no limit)")
	f.Float64Var(&cutoffPercent, "cutoff", 0, "Intensity cutoff as % of base peak (0 = no cutoff)")
	f.Float64Var(&minMZ, "min-mz", 0, "Drop fragments below this m/z (0 = no limit)")
	f.Float64Var(&maxMZ, "max-mz", 0, "Drop fragments above this m/z (0 = no limit)")
	f.Float64Var(&collisionCE, "collision-energy", 0, "Collision energy for spectra without one (0 = leave empty)")
	f.StringVar(&changeAuthor, "author", "idpp import-msp", "Author written to the change log")

	importMSPCmd.MarkFlagRequired("in")
	importMSPCmd.MarkFlagRequired("source")
}

func loadAdducts(path string) (*core.AdductDatabase, error) {
	adducts := core.DefaultAdductDatabase()
	if path == "" {
		return adducts, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open adduct CSV: %w", err)
	}
	defer f.Close()
	if err := adducts.LoadFromCSV(f); err != nil {
		return nil, fmt.Errorf("failed to load adduct CSV: %w", err)
	}
	return adducts, nil
}

func runImportMSP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !strings.EqualFold(filepath.Ext(inputFile), ".msp") {
		logger.Warn("input does not have an .msp extension", "path", inputFile)
	}
	inFile, err := os.Open(inputFile)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	adducts, err := loadAdducts(adductCSV)
	if err != nil {
		return err
	}
	filterConfig := filter.Config{
		TopN:            topN,
		IntensityCutoff: cutoffPercent,
		MinMZ:           minMZ,
		MaxMZ:           maxMZ,
	}
	if err := filterConfig.Validate(); err != nil {
		return err
	}

	d, err := openDB(false)
	if err != nil {
		return err
	}
	defer d.Close()

	w, err := d.NewWriter(ctx)
	if err != nil {
		return err
	}
	w.Filter = filterConfig

	srcID, err := w.InsertSource(ctx, sourceName)
	if err != nil {
		_ = w.Rollback()
		return err
	}

	reader := msp.NewReader(inFile)
	skipped := 0
	for reader.Next() {
		spec := reader.Spectrum()
		spec.SourceFile = inputFile
		if spec.CollisionEnergy == nil && collisionCE > 0 {
			ce := collisionCE
			spec.CollisionEnergy = &ce
		}

		if _, err := w.InsertSpectrum(ctx, spec, srcID, adducts); err != nil {
			if ctx.Err() != nil {
				_ = w.Rollback()
				return ctx.Err()
			}
			logger.Warn("skipped spectrum", "label", spec.Label(), "line", reader.LineNumber(), "err", err)
			skipped++
			continue
		}
	}
	if err := reader.Err(); err != nil {
		_ = w.Rollback()
		return fmt.Errorf("error reading input file: %w", err)
	}

	notes := fmt.Sprintf("import %d spectra from %s (source %s)", w.SpectraWritten(), inputFile, sourceName)
	if err := w.Finalize(ctx, changeAuthor, notes); err != nil {
		return err
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Imported: %d spectra\n", w.SpectraWritten())
	if skipped > 0 {
		fmt.Printf("Skipped: %d spectra (validation errors)\n", skipped)
	}
	fmt.Printf("Output: %s\n", d.Path())
	return nil
}
