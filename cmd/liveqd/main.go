package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "liveqd",
		Short: "Development backend for liveq clients",
		Long: `liveqd hosts an in-memory backend behind the liveq wire protocol.

It serves registered query/mutation/action functions over WebSocket with
live subscription fan-out, plus /healthz and Prometheus /metrics. Intended
for local development and integration tests, not production.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("liveqd %s (%s)\n", version, commit)
		},
	}
}
