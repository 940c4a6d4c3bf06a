package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corsfix/proxy/internal/logging"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "corsfixctl",
	Short: "Corsfix proxy operator CLI",
	Long: `corsfixctl manages the tenants, applications and secrets the Corsfix
proxy reads from its store.

Every change that affects cached proxy state is announced on the configured
invalidation bus so running proxies pick it up without waiting for TTLs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logger, err := logging.NewWithOptions(logging.Options{
			Level:    level,
			Encoding: "console",
			Output:   "stderr",
		})
		if err != nil {
			return err
		}
		logging.SetGlobal(logger)
		logging.Debug("corsfixctl", zap.String("config", configPath), zap.String("command", cmd.CommandPath()))
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/corsfix.yaml", "Path to the proxy configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
