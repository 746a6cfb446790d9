package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-sigma/internal/output"
)

var runCmd = &cobra.Command{
	Use:   "run <rule_name>",
	Short: "Run one detection job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		job, err := rt.jobs.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		result, err := rt.executor.Run(ctx, job)
		if err != nil {
			return err
		}
		if result.Skipped {
			output.Warn("Window is empty, nothing to run")
			return nil
		}
		output.Success("%s: %d matches tagged in [%s, %s)",
			result.RuleName,
			result.Tagged,
			result.Window.Start.Format(time.RFC3339),
			result.Window.End.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
