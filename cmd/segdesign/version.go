package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/segdesign/segdesign"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the segdesign version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("segdesign %s\n", segdesign.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
