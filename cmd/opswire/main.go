// Package main provides the opswire CLI: an operator console that keeps a
// live presence and alert feed over the admin gateway, plus a development
// gateway to run it against.
//
// # Basic Usage
//
// Run a local gateway that emits sample alerts:
//
//	opswire gateway --demo "@every 20s"
//
// Connect as an operator:
//
//	opswire connect --id a1 --name Ada --role admin
//
// Issue a signed operator token for a gateway with token_secret set:
//
//	opswire token issue --id a1 --name Ada --secret "$OPSWIRE_SECRET"
//
// # Environment Variables
//
//   - OPSWIRE_CONFIG: Path to configuration file (default: ~/.opswire/config.yaml)
//
// Configuration files may reference any environment variable as ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opswire",
		Short: "opswire - operator presence and alert console",
		Long: `opswire keeps an operator connected to the admin gateway.

It announces the operator's presence, keeps the session alive with
heartbeats, reconnects after failures and surfaces alerts, moderation
updates and requests addressed to the operator.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (or set OPSWIRE_CONFIG)")

	rootCmd.AddCommand(
		buildConnectCmd(),
		buildGatewayCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
