package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-sigma/internal/backend"
	"github.com/telhawk-systems/telhawk-sigma/internal/output"
	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

var compileCmd = &cobra.Command{
	Use:   "compile <rule.yml>...",
	Short: "Compile Sigma rule files and print the artifacts",
	Example: `  sigma compile proc_creation_win_whoami.yml
  sigma compile --format monitor_rule rules/*.yml
  sigma compile --format dashboards_ndjson rules/*.yml > searches.ndjson`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("format")
		format, err := backend.ParseFormat(name)
		if err != nil {
			return err
		}

		b := newBackend(cfg)
		opts := backendOptions(cfg)
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rule, err := sigma.ParseRule(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			out, err := b.Compile(rule, format, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			output.Raw(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compileCmd)
	compileCmd.Flags().StringP("format", "f", string(backend.FormatDefault), "output format: default, monitor_rule, dashboards_ndjson, dsl_lucene")
}
