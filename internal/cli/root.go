// Package cli wires the stoke commands.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "stoke",
	Short:   "Orchestrated load testing in disposable sandboxes",
	Version: version,
	Long: `Stoke runs HTTP load tests described in YAML specs. Each test is
validated, compiled to an execution plan, and run inside an isolated
container sandbox while stoke monitors progress, resource usage, and
failures, retrying or degrading where it can.`,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is provided, print help
		cmd.Help()
	},
}

// Execute runs the root command. Called by main.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(validateCmd)
}
