// Package commands provides the agentctl operator CLI. Every command talks
// to a running agentctl-server over its HTTP API; nothing here touches the
// Registry Store directly.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridianctl/agentctl/internal/logging"
)

var (
	Version = "0.1.0"
)

var (
	serverURL string
	logLevel  string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentctl - operate the agent dispatch control plane",
	Long: `agentctl operates a running agentctl-server: inspect and terminate
sessions, view file locks, dispatch cascades, reconcile sessions against
the agent provider, and simulate webhook deliveries for local testing.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Output: os.Stderr,
		})
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "agentctl-server base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(goalsCmd)
	rootCmd.AddCommand(cascadeCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(webhookSimCmd)
	rootCmd.AddCommand(debugCmd)
}
