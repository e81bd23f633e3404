package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "segdesign",
	Short: "segdesign orchestrates multi-stage protein segment redesign",
	Long: `segdesign drives a chain of external analysis tools (conservation
profiling, backbone generation, sequence design, structure validation and
optional clustering), each in its own isolated runtime environment, gating
candidates between stages and assembling an auditable final report.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("setting", "./config/setting.yaml", "System setting file (environments, tool paths)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}
