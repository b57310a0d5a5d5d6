package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Connect Command
// =============================================================================

type connectOptions struct {
	environment string
	url         string
	section     string
	id          string
	name        string
	role        string
	token       string
	noColor     bool
	debug       bool
}

// buildConnectCmd creates the "connect" command that runs the operator
// console until interrupted.
func buildConnectCmd() *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the admin gateway as an operator",
		Long: `Connect to the admin gateway and run the interactive operator console.

The console announces the operator as online, sends a heartbeat every
heartbeat_interval and reconnects after the configured backoff when the
connection drops. Type "help" at the prompt for the available commands.`,
		Example: `  # Use the operator from the config file
  opswire connect

  # Connect to staging with an explicit identity
  opswire connect --env staging --id a1 --name Ada --role admin

  # Use a signed token; id, name and role are read from its claims
  opswire connect --token "$OPSWIRE_TOKEN"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.environment, "env", "", "Gateway environment (development, staging, production)")
	cmd.Flags().StringVar(&opts.url, "url", "", "Gateway websocket URL (overrides --env)")
	cmd.Flags().StringVar(&opts.section, "section", "", "Initial section")
	cmd.Flags().StringVar(&opts.id, "id", "", "Operator id")
	cmd.Flags().StringVar(&opts.name, "name", "", "Operator display name")
	cmd.Flags().StringVar(&opts.role, "role", "", "Operator role")
	cmd.Flags().StringVar(&opts.token, "token", "", "Operator bearer token")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored notifications")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Gateway Command
// =============================================================================

type gatewayOptions struct {
	listen string
	path   string
	demo   string
	debug  bool
}

// buildGatewayCmd creates the "gateway" command that runs the development
// gateway.
func buildGatewayCmd() *cobra.Command {
	var opts gatewayOptions

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a development admin gateway",
		Long: `Run a development gateway that tracks operator presence, broadcasts
presence snapshots and relays envelopes between connected consoles.

When server.token_secret is set, sessions must present a bearer token
signed with it (see "opswire token issue").`,
		Example: `  # Listen on the configured address
  opswire gateway

  # Emit a sample alert every 20 seconds
  opswire gateway --listen :9090 --demo "@every 20s"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address (overrides server.listen)")
	cmd.Flags().StringVar(&opts.path, "path", "", "Websocket path (overrides server.path)")
	cmd.Flags().StringVar(&opts.demo, "demo", "", "Cron schedule for sample alerts (overrides server.demo_schedule)")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Token Commands
// =============================================================================

type tokenOptions struct {
	id     string
	name   string
	role   string
	secret string
	expiry time.Duration
}

// buildTokenCmd creates the "token" command group.
func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage operator tokens",
	}
	cmd.AddCommand(buildTokenIssueCmd(), buildTokenInspectCmd())
	return cmd
}

func buildTokenIssueCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an operator token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "Operator id (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "Operator display name")
	cmd.Flags().StringVar(&opts.role, "role", "", "Operator role")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "Signing secret (defaults to server.token_secret)")
	cmd.Flags().DurationVar(&opts.expiry, "expiry", 0, "Token lifetime (defaults to server.token_expiry)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildTokenInspectCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Show the operator in a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenInspect(cmd, args[0], secret)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Verify the signature with this secret")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigInitCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd)
		},
	}
}

func buildConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

// buildVersionCmd prints build information.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opswire %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
