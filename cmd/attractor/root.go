package main

import (
	"github.com/spf13/cobra"

	"github.com/attractorhq/attractor/core"
)

// cfg is the one *core.Config built at process startup (spec.md §9's design
// note: "a configuration struct constructed once at startup and passed by
// reference into components"). Every subcommand reads its settings from this
// instead of re-deriving environment variables itself.
var cfg *core.Config

var rootCmd = &cobra.Command{
	Use:               "attractor",
	Short:             "Meta-orchestrator for autonomous code-generation pipelines",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(guardianCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(sessionCmd)
}

// loadConfig builds the process-wide *core.Config from defaults layered
// with environment variables (spec.md §6), before any subcommand runs.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := core.NewConfig()
	if err != nil {
		return err
	}
	cfg = c
	return nil
}
