package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "helmstream",
	Short: "Retrieval-augmented question answering over maritime documents and emails",
	Long: `HelmStream answers operational questions from two corpora: maritime
documents and shipyard stakeholder emails. Run "helmstream serve" to start the
HTTP API, then use the other commands as a client.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the helmstream version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("helmstream %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.AddCommand(serveCmd, askCmd, ingestCmd, configCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
