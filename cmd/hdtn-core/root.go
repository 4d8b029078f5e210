package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hdtn-core",
	Short: "DTN bundle router core",
	Long: `hdtn-core ingests, classifies, and forwards-or-stores DTN bundles
across BPv6 and BPv7, arbitrating between cut-through delivery and
persistent storage under destination reachability and custody-transfer
rules.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
