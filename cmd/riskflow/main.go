// riskflow - real-time entity analysis and fraud decisioning.
// Runs transactions through gateway, abstraction, counter, sanction and
// activation rule pipelines against externally supplied model definitions.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/riskflow/riskflow/pkg/config"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	configManager = config.NewManager()
	verbose       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "riskflow",
	Short: "riskflow - real-time transaction decisioning",
	Long: `riskflow evaluates transactions against model definitions in real time:
gateway pre-filtering, historical abstraction aggregation, TTL counters,
sanctions fuzzy matching and activation rules producing a response
elevation, case creation and outbound events.`,
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configManager.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
}

func newLogger() *log.Logger {
	flags := log.LstdFlags
	if verbose {
		flags |= log.Lshortfile
	}
	return log.New(os.Stderr, "riskflow ", flags)
}
