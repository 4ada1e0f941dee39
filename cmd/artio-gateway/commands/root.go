// Package commands implements the artio-gateway CLI commands, grounded on
// marmos91-dittofs/cmd/dittofs/commands/root.go's cobra root +
// persistent --config flag shape.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "artio-gateway",
	Short: "Artio FIX session gateway",
	Long: `artio-gateway terminates FIX sessions, enforces sequence-number and
resend semantics, and persists/replays messages between counterparties and
application libraries.

Use "artio-gateway [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./artio.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(replayCmd)
}
