package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-sigma/internal/output"
	"github.com/telhawk-systems/telhawk-sigma/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := repository.Migrate(cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		output.Success("Database migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
