package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"slotwatch/config"
	"slotwatch/logger"
)

var verbose bool

var RootCmd = &cobra.Command{
	Use:   "slotwatch",
	Short: "A tool for following slot lifecycle timings on solana",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel(slog.LevelDebug)
		}
	},
}

// cluster names the network in error reports.
func cluster() string {
	if c := viper.GetString("sol.cluster"); c != "" {
		return c
	}
	return config.DefaultCluster
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
}
