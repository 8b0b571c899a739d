// Package main provides the deepdive CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/richinex/deepdive/cli"
	"github.com/richinex/deepdive/config"
)

var (
	// Global flags
	provider   string
	configPath string
	dbPath     string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "deepdive",
		Short: "Recursive topic research with durable sub-researchers",
		Long: `Research a topic by letting a language model split it into subtopics.

Each subtopic is researched by its own child invocation with one less level of
depth; children of one reply run in parallel and their findings are fed back
in order. Depth 0 always answers directly.

Every step is journaled, so an interrupted run continues where it stopped
with 'deepdive resume <id>'.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "",
		fmt.Sprintf("LLM provider (%s)", strings.Join(config.SupportedProviders(), ", ")))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DEEPDIVE_CONFIG"), "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Journal database path (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(listCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func options() cli.Options {
	return cli.Options{
		Provider:   provider,
		ConfigPath: configPath,
		DBPath:     dbPath,
		Depth:      -1,
		Verbose:    verbose,
	}
}

func runCmd() *cobra.Command {
	var depth int
	var subagentProvider string

	cmd := &cobra.Command{
		Use:   "run [topic]",
		Short: "Research a topic",
		Long: `Research a topic, delegating subtopics up to --depth levels deep.

Cost optimization:
- Use --subagent-provider to answer subtopics with a cheaper model
- Example: --provider openai --subagent-provider deepseek`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options()
			opts.SubagentProvider = subagentProvider
			if cmd.Flags().Changed("depth") {
				if depth < 0 {
					return fmt.Errorf("--depth must be non-negative, got %d", depth)
				}
				opts.Depth = depth
			}
			return cli.Run(context.Background(), args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&depth, "depth", "d", 2, "Maximum decomposition depth (0 = answer directly)")
	cmd.Flags().StringVar(&subagentProvider, "subagent-provider", "", "LLM provider for subtopics (cost optimization)")

	return cmd
}

func resumeCmd() *cobra.Command {
	var subagentProvider string

	cmd := &cobra.Command{
		Use:   "resume [id]",
		Short: "Continue an interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options()
			opts.SubagentProvider = subagentProvider
			return cli.Resume(context.Background(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&subagentProvider, "subagent-provider", "", "LLM provider for subtopics (cost optimization)")

	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show the invocation tree of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Show(context.Background(), args[0], options())
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.List(context.Background(), options())
		},
	}
}
