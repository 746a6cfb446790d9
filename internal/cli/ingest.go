package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-sigma/internal/ingest"
	"github.com/telhawk-systems/telhawk-sigma/internal/output"
	"github.com/telhawk-systems/telhawk-sigma/internal/service"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch a Sigma rule bundle and store its rules as detection jobs",
	Example: `  sigma ingest
  sigma ingest --url https://github.com/SigmaHQ/sigma/archive/refs/heads/master.zip --platform rules/windows
  sigma ingest --activate --overwrite --interval 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := ingest.Options{
			URL:       cfg.Sigma.RulesURL,
			Platform:  cfg.Sigma.Platform,
			Interval:  cfg.Detection.DefaultInterval,
			Activate:  cfg.Sigma.Activate,
			Overwrite: cfg.Sigma.Overwrite,
		}
		if cmd.Flags().Changed("url") {
			opts.URL, _ = cmd.Flags().GetString("url")
		}
		if cmd.Flags().Changed("platform") {
			opts.Platform, _ = cmd.Flags().GetString("platform")
		}
		if cmd.Flags().Changed("interval") {
			opts.Interval, _ = cmd.Flags().GetString("interval")
		}
		if cmd.Flags().Changed("activate") {
			opts.Activate, _ = cmd.Flags().GetBool("activate")
		}
		if cmd.Flags().Changed("overwrite") {
			opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
		}

		repo, err := openRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		ing := ingest.New(newFetcher(cfg, logger), newBackend(cfg), service.NewService(repo), logger)
		report, err := ing.Ingest(ctx, opts)
		if err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}

		if failures := report.Failures(); len(failures) > 0 {
			table := output.NewTable("RULE", "OUTCOME", "ERROR")
			for _, f := range failures {
				name := f.RuleName
				if name == "" {
					name = f.Path
				}
				table.AddRow(name, string(f.Outcome), f.Err.Error())
			}
			table.Render()
			output.Warn("%d rules not ingested", len(failures))
		}
		output.Success("Ingested %d rules: %d created, %d updated, %d unchanged",
			len(report.Results),
			report.Counts[ingest.OutcomeCreated],
			report.Counts[ingest.OutcomeUpdated],
			report.Counts[ingest.OutcomeUnchanged])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().String("url", "", "rule bundle archive URL (default: sigma.rules_url)")
	ingestCmd.Flags().String("platform", "", "platform folder inside the bundle (default: sigma.platform)")
	ingestCmd.Flags().String("interval", "", "time_interval for new jobs (default: detection.default_interval)")
	ingestCmd.Flags().Bool("activate", false, "create jobs active")
	ingestCmd.Flags().Bool("overwrite", false, "replace queries of existing jobs that changed")
}
