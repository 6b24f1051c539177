package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// addConfigFlags registers the flags every config-driven command shares.
func addConfigFlags(cmd *cobra.Command, configPath *string, debug *bool) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file (or set THREADLINE_CONFIG)")
	if debug != nil {
		cmd.Flags().BoolVarP(debug, "debug", "d", false,
			"Enable debug logging (verbose output)")
	}
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and answer messages",
		Long: `Connect to Discord and answer messages.

The server will:
1. Load and validate configuration
2. Open the thread directory (memory, SQLite or Postgres)
3. Register the calendar, email and web search capabilities
4. Connect the Discord bot
5. Schedule the daily briefing when enabled
6. Serve /metrics and /healthz when metrics are enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  threadline serve

  # Start with custom config and debug logging
  threadline serve --config /etc/threadline/prod.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	addConfigFlags(cmd, &configPath, &debug)
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: `Start an interactive session with the assistant.

Messages go through the same session, guard and run pipeline as Discord.
Type /reset to start a new thread and /quit (or Ctrl-D) to leave.`,
		Example: `  threadline chat
  threadline chat --user alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), resolveConfigPath(configPath), debug, userID,
				cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addConfigFlags(cmd, &configPath, &debug)
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "User id whose thread the session uses")
	return cmd
}

// =============================================================================
// Assistant Commands
// =============================================================================

func buildAssistantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistant",
		Short: "Manage the remote assistant",
	}
	cmd.AddCommand(buildAssistantSyncCmd())
	return cmd
}

func buildAssistantSyncCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push instructions and tool definitions to the remote assistant",
		Long: `Replace the remote assistant's instructions and function tools with the
local instructions and the registered capabilities.

With --watch the instructions file is watched and every save is synced.`,
		Example: `  threadline assistant sync
  threadline assistant sync --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssistantSync(cmd.Context(), resolveConfigPath(configPath), debug, watch, cmd.OutOrStdout())
		},
	}
	addConfigFlags(cmd, &configPath, &debug)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-sync whenever the instructions file changes")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(resolveConfigPath(configPath), cmd.OutOrStdout())
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threadline %s\n", versionString())
		},
	}
}
