package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/idpp/pkg/db"
)

var overwriteDB bool

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create an empty reference database",
	Long: `Create a reference database with the full schema, a version row and an
initial change log entry.

Examples:
  idpp init-db --db idpp.db
  idpp init-db --db idpp.db --overwrite --driver sqlite`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := db.Create(cfg.Database.Path, overwriteDB, db.Options{
			Driver: cfg.Database.Driver,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer d.Close()

		v := d.VersionInfo()
		fmt.Printf("Created %s (idpp %s, db version %s)\n", d.Path(), v.IdppVersion, v.DBVersion)
		return nil
	},
}

func init() {
	initDBCmd.Flags().BoolVar(&overwriteDB, "overwrite", false, "Replace an existing database file")
}
