// Package main provides the CLI entry point for skillhost, a runtime that
// lets LLM agents discover and execute packaged skills.
//
// Skills are directories carrying a SKILL.md descriptor, an executable
// entry script, and optional references and assets. skillhost indexes
// them, renders their tool catalog into prompts, parses tool calls out of
// model output, and runs the matching entries in resource-bounded
// sandboxes.
//
// # Basic Usage
//
// List the skills under the configured roots:
//
//	skillhost skills list
//
// Find skills matching an intent:
//
//	skillhost search "roll three dice"
//
// Execute a skill directly:
//
//	skillhost run dice-roller --params '{"sides": 20}'
//
// Run the long-lived host with file watching, memory management, and a
// Prometheus metrics endpoint:
//
//	skillhost serve --config skillhost.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

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
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skillhost",
		Short: "skillhost - skill runtime for LLM agents",
		Long: `skillhost indexes SKILL.md skill packages, surfaces them to language
models as a token-budgeted tool catalog, parses tool calls out of model
output, and executes skill entries in sandboxed subprocesses.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildSkillsCmd(),
		buildSearchCmd(),
		buildToolsCmd(),
		buildRunCmd(),
		buildExpandCmd(),
		buildStatsCmd(),
		buildServeCmd(),
	)
	return rootCmd
}
