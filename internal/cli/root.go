// Package cli implements the sigma command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-sigma/internal/config"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sigma",
	Short: "TelHawk Sigma detection service",
	Long: `sigma compiles Sigma detection rules into OpenSearch queries and runs them
on a schedule, tagging every matching event with the rule name.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
		logging.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SIGMA_CONFIG_DIR/config.yaml)")
}
