// Package main provides the CLI entry point for threadline, a Discord
// assistant that relays each user's messages to a hosted assistant thread
// and answers tool calls with local capabilities.
//
// # Basic Usage
//
// Start the bot:
//
//	threadline serve --config threadline.yaml
//
// Talk to the assistant from a terminal:
//
//	threadline chat
//
// Push instructions and tool definitions to the remote assistant:
//
//	threadline assistant sync --watch
//
// # Environment Variables
//
//   - THREADLINE_CONFIG: Path to configuration file (default: threadline.yaml)
//
// Any ${VAR} reference inside the configuration file is expanded from the
// environment, so secrets such as the OpenAI key and Discord token can stay
// out of the file.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

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

const defaultConfigPath = "threadline.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadline",
		Short: "threadline - Discord front end for a hosted assistant",
		Long: `threadline keeps one assistant thread per Discord user, relays their
messages, runs the assistant's calendar, email and web search tool calls
locally and posts the reply back in Discord-sized pieces.`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildAssistantCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// resolveConfigPath prefers an explicit flag, then THREADLINE_CONFIG.
func resolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("THREADLINE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
