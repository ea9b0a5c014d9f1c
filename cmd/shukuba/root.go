package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	verbose     bool
	recordSpec  string
	monitorPort int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "shukuba",
	Short: "Shukuba runs one process of a hierarchical federated " +
		"deployment.",
	Long: `Shukuba runs one process of a hierarchical federated deployment. ` +
		`The server, scheduler, and client subcommands each read the ` +
		`deployment manifest named by --config, join their communication ` +
		`groups, and run until the server ends the deployment.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath,
		"config", "deployment.json",
		"path to the deployment manifest")
	rootCmd.PersistentFlags().BoolVarP(&verbose,
		"verbose", "v", false,
		"log every envelope crossing a group or queue")
	rootCmd.PersistentFlags().StringVar(&recordSpec,
		"record", "",
		"record envelope traces into a SQLite file at the given path, "+
			"or into ClickHouse when given a clickhouse:// DSN")
	rootCmd.PersistentFlags().IntVar(&monitorPort,
		"monitor", 0,
		"serve the monitoring dashboard on the given port")
}
