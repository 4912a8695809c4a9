/*
Copyright © 2024 Dean
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"distillery/src/log"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "distillery",
	Short: "Document ingestion and LLM extraction pipeline",
	Long: `Distillery ingests documents from the web, splits them into units and
distills structured records out of them with an LLM.

The serve command exposes the HTTP API, the worker command runs the job
scheduler and the LLM request queue. Both can run in the same process or
be scaled independently.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("log.mode") == "production" {
			return log.UseProduction()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
