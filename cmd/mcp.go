package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/testhub/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Gives an assistant direct access to the bug tracker and the AI test
pipeline. Configure it with:

  {
    "mcpServers": {
      "testhub": { "command": "testhub", "args": ["mcp"] }
    }
  }

Available tools: testhub_list_projects, testhub_list_bugs,
testhub_transition_bug, testhub_generate_tests, testhub_execute_tests,
testhub_list_test_runs, testhub_analyze_failures`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// stdout carries the protocol; keep diagnostics on stderr, and quiet
	// unless --verbose.
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ui.Out = io.Discard

	cfg := loadConfig()
	s, err := getStore()
	if err != nil {
		return err
	}
	p := newPipeline(cfg, s)

	srv := mcp.NewServer(mcp.Deps{
		Store:         s,
		Generator:     p.generator,
		Runner:        p.runner,
		Analyzer:      p.analyzer,
		TargetBaseURL: cfg.TargetBaseURL,
		JUnitPath:     cfg.JUnitPath,
		Version:       buildVersion,
	})
	return srv.ServeStdio(ctx)
}
