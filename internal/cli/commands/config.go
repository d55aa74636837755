package commands

import (
	"github.com/spf13/cobra"
)

// configCmd is the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration",
	Long: `Print the configuration after defaults, the config file, environment
variables and global flags have been applied. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	configCmd.SilenceUsage = true
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return cfg.Write(cmd.OutOrStdout())
}
