package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "counsel",
	Short: "Conversational decision support",
	Long: `counsel is a single-user decision assistant: describe a decision,
answer a few intake questions, and get a researched, cited recommendation.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		statusCmd,
		askCmd,
		newCmd,
		decisionsCmd,
		sourcesCmd,
		completeCmd,
		memoryCmd,
		configCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
