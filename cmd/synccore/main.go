// synccore is a developer harness for exercising the sync engine against
// a plain SQLite file outside of any host embedding it as an extension.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var verbose bool
var configPath string

var rootCmd = &cobra.Command{
	Use:   "synccore",
	Short: "Developer harness for the embedded sync engine",
	Long: `synccore drives the sync engine core (schema management, oplog
storage, the sync protocol state machine, and local mutation capture)
against a SQLite database file, standing in for the host application
that would otherwise load this engine as an extension.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a harness TOML config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(replaceSchemaCmd)
	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(crudCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
