package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "skillhost.yaml"

// =============================================================================
// Skills Commands
// =============================================================================

// buildSkillsCmd creates the "skills" command group.
func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect discovered skills",
		Long: `Inspect skills discovered under the configured roots.

Each skill is a directory containing a SKILL.md file with YAML
frontmatter (or a METADATA.yml sidecar) plus an executable entry under
scripts/.`,
	}
	cmd.AddCommand(
		buildSkillsListCmd(),
		buildSkillsShowCmd(),
	)
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var configPath string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered skills",
		Long: `List discovered skills and their eligibility status.

By default only eligible skills are shown. Use --all to include skills
whose binary or environment requirements are not met on this host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, configPath, all)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Show all skills including ineligible ones")
	return cmd
}

func buildSkillsShowCmd() *cobra.Command {
	var configPath string
	var showContent bool
	cmd := &cobra.Command{
		Use:   "show [name]",
		Short: "Show skill details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsShow(cmd, configPath, args[0], showContent)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVar(&showContent, "content", false, "Show full instruction content")
	return cmd
}

// =============================================================================
// Search / Tools Commands
// =============================================================================

func buildSearchCmd() *cobra.Command {
	var configPath string
	var limit int
	var domain string
	cmd := &cobra.Command{
		Use:   "search [intent]",
		Short: "Find skills relevant to an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, configPath, args[0], limit, domain)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 3, "Maximum number of matches")
	cmd.Flags().StringVar(&domain, "domain", "", "Restrict matching to one domain")
	return cmd
}

func buildToolsCmd() *cobra.Command {
	var configPath string
	var phase string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Render the tool catalog",
		Long: `Render the tool description catalog the way it would be injected into
a prompt. The phase controls per-tool detail: metadata, brief, or full.
Without --phase the adaptive phase for the current skill count is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, configPath, phase)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&phase, "phase", "", "Catalog phase: metadata, brief, or full")
	return cmd
}

// =============================================================================
// Run / Expand / Stats Commands
// =============================================================================

func buildRunCmd() *cobra.Command {
	var configPath string
	var tool string
	var paramsJSON string
	var timeoutMs int
	cmd := &cobra.Command{
		Use:   "run [skill]",
		Short: "Execute a skill",
		Long: `Execute a skill's entry in the sandbox and print the structured
response as JSON. Parameters are validated against the skill's declared
input schema before anything runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, args[0], tool, paramsJSON, timeoutMs)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name within the skill")
	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "{}", "Parameters as a JSON object")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "Narrow the skill's timeout")
	return cmd
}

func buildExpandCmd() *cobra.Command {
	var configPath string
	var sessionID string
	var intent string
	cmd := &cobra.Command{
		Use:   "expand [template]",
		Short: "Expand template placeholders",
		Long: `Expand {{namespace}} and {{namespace:arg}} placeholders in a template
string, including the {{tools}} catalog, and print the result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpand(cmd, configPath, args[0], sessionID, intent)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID for {{session}} placeholders")
	cmd.Flags().StringVar(&intent, "intent", "", "Intent for {{session:intent}}")
	return cmd
}

func buildStatsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index and usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the long-lived skill host",
		Long: `Run the host until interrupted: watch the skill roots for changes,
monitor memory pressure, keep frequently used skills warm, and serve
Prometheus metrics when configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}
