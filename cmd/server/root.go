package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley conversation server",
	Long: `Parley is the real-time conversation service: direct and group
messaging with moderation, presence, and a pull-based retrieval API.

Available commands:
  serve       Run the server
  classify    Run the moderation gate over text

Use "parley [command] --help" for more information about a specific command.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
