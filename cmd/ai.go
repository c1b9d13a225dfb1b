package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/testhub/internal/aitest"
	"github.com/joescharf/testhub/internal/analyzer"
	"github.com/joescharf/testhub/internal/config"
	"github.com/joescharf/testhub/internal/llm"
	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/output"
	"github.com/joescharf/testhub/internal/store"
)

// pipeline bundles the AI components built from one Config.
type pipeline struct {
	generator *aitest.Generator
	runner    *aitest.Runner
	analyzer  *analyzer.Analyzer
}

func newPipeline(cfg config.Config, s store.Store, observers ...aitest.Observer) *pipeline {
	model := llm.New(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	gen := aitest.NewGenerator(model)
	exec := aitest.NewExecutor(gen, cfg.DefaultUser, logger)
	return &pipeline{
		generator: gen,
		runner:    aitest.NewRunner(s, exec, logger, observers...),
		analyzer:  analyzer.New(model),
	}
}

var (
	aiBaseURL      string
	aiMaxEndpoints int
	aiNoAuth       bool
	aiJSON         bool
	aiXMLPath      string
	aiRunType      string
	aiLimit        int
)

var aiCmd = &cobra.Command{
	Use:   "ai",
	Short: "Generate, execute and analyze AI API tests",
}

var aiGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate test cases from the target's OpenAPI document",
	RunE: func(cmd *cobra.Command, args []string) error {
		return aiGenerateRun(cmd.Context())
	},
}

var aiExecuteCmd = &cobra.Command{
	Use:   "execute",
	Short: "Generate test cases, replay them and record a test run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return aiExecuteRun(cmd.Context())
	},
}

var aiAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Group JUnit XML failures by likely root cause",
	RunE: func(cmd *cobra.Command, args []string) error {
		return aiAnalyzeRun(cmd.Context())
	},
}

var aiRunsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded test runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return aiRunShowRun(cmd.Context(), args[0])
		}
		return aiRunsRun(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{aiGenerateCmd, aiExecuteCmd} {
		c.Flags().StringVar(&aiBaseURL, "base-url", "", "Target base URL (default: ai.target_base_url)")
		c.Flags().IntVarP(&aiMaxEndpoints, "max-endpoints", "m", 0, "Number of paths to send to the model, 1-50 (default: ai.max_endpoints)")
	}
	aiExecuteCmd.Flags().BoolVar(&aiNoAuth, "no-auth", false, "Skip the default-user login")
	for _, c := range []*cobra.Command{aiGenerateCmd, aiExecuteCmd, aiAnalyzeCmd, aiRunsCmd} {
		c.Flags().BoolVar(&aiJSON, "json", false, "Print JSON instead of a table")
	}
	aiAnalyzeCmd.Flags().StringVar(&aiXMLPath, "xml", "", "JUnit XML report (default: ai.junit_path)")
	aiRunsCmd.Flags().StringVar(&aiRunType, "type", models.RunTypeAIExecutor, "Run type filter (empty for all)")
	aiRunsCmd.Flags().IntVar(&aiLimit, "limit", 20, "Maximum runs to list")

	aiCmd.AddCommand(aiGenerateCmd)
	aiCmd.AddCommand(aiExecuteCmd)
	aiCmd.AddCommand(aiAnalyzeCmd)
	aiCmd.AddCommand(aiRunsCmd)
	rootCmd.AddCommand(aiCmd)
}

// targetOptions resolves flag overrides against the config.
func targetOptions(cfg config.Config) (string, int, error) {
	base := cfg.TargetBaseURL
	if aiBaseURL != "" {
		base = aiBaseURL
	}
	n := cfg.MaxEndpoints
	if aiMaxEndpoints != 0 {
		n = aiMaxEndpoints
	}
	if n < 1 || n > 50 {
		return "", 0, fmt.Errorf("max endpoints must be between 1 and 50, got %d", n)
	}
	return base, n, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func aiGenerateRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	base, n, err := targetOptions(cfg)
	if err != nil {
		return err
	}

	gen := aitest.NewGenerator(llm.New(cfg.AnthropicAPIKey, cfg.AnthropicModel))
	ui.VerboseLog("Fetching %s/openapi.json (max %d endpoints)", strings.TrimRight(base, "/"), n)
	cases, err := gen.Generate(ctx, base, n)
	if err != nil {
		return err
	}

	if aiJSON {
		return printJSON(cases)
	}
	table := ui.Table([]string{"#", "NAME", "CATEGORY", "METHOD", "PATH"})
	for i, c := range cases {
		_ = table.Append([]string{strconv.Itoa(i + 1), c.Name, c.Category, strings.ToUpper(c.Request.Method), c.Request.Path})
	}
	if err := table.Render(); err != nil {
		return err
	}
	ui.Success("Generated %d test cases", len(cases))
	return nil
}

func aiExecuteRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	base, n, err := targetOptions(cfg)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	p := newPipeline(cfg, s)
	opts := aitest.Options{BaseURL: base, MaxEndpoints: n, UseAuth: !aiNoAuth}
	if !aiJSON {
		opts.OnResult = func(r models.TestResult) {
			mark := output.Green("PASS")
			if !r.Passed {
				mark = output.Red("FAIL")
			}
			code := "-"
			if r.StatusCode != nil {
				code = strconv.Itoa(*r.StatusCode)
			}
			fmt.Fprintf(ui.Out, "  %s  %-4s %-40s %s  %s\n", mark, r.Method, r.Path, code, r.Name)
		}
	}

	run, report, err := p.runner.Run(ctx, opts)
	if err != nil {
		if run != nil {
			ui.Error("Run %s finished with status %s", run.ID, output.StatusColor(string(run.Status)))
		}
		return err
	}

	if aiJSON {
		return printJSON(map[string]any{
			"run_id":  run.ID,
			"status":  run.Status,
			"summary": report.Summary,
			"results": report.Results,
		})
	}
	fmt.Fprintln(ui.Out)
	ui.Info("Run %s: %s, passed %s", run.ID, output.StatusColor(string(run.Status)),
		output.PassRate(report.Summary.Passed, report.Summary.Total))
	if !report.Summary.UsedAuth && !aiNoAuth {
		ui.Warning("Ran unauthenticated (set ai.default_user.email and ai.default_user.password to log in)")
	}
	return nil
}

func aiAnalyzeRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	path := cfg.JUnitPath
	if aiXMLPath != "" {
		path = aiXMLPath
	}

	res, err := analyzer.New(llm.New(cfg.AnthropicAPIKey, cfg.AnthropicModel)).AnalyzeFile(ctx, path)
	if err != nil {
		return err
	}
	if aiJSON {
		return printJSON(res)
	}

	ui.Info("%s: %d failed tests", res.XMLPath, res.FailuresCount)
	for _, f := range res.Failures {
		fmt.Fprintf(ui.Out, "  %s %s: %s\n", output.Red(f.Type), f.Test, f.Message)
	}
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, res.Analysis)
	return nil
}

func aiRunsRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	runs, err := s.ListTestRuns(ctx, aiRunType, aiLimit)
	if err != nil {
		return err
	}
	if aiJSON {
		if runs == nil {
			runs = []*models.TestRun{}
		}
		return printJSON(runs)
	}
	if len(runs) == 0 {
		ui.Info("No test runs recorded")
		return nil
	}

	table := ui.Table([]string{"ID", "STATUS", "STARTED", "DURATION", "PASSED", "TARGET"})
	for _, r := range runs {
		duration, passed, target := "-", "-", "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		if r.Summary != nil {
			passed = output.PassRate(r.Summary.Passed, r.Summary.Total)
			target = r.Summary.BaseURL
		}
		_ = table.Append([]string{
			r.ID,
			output.StatusColor(string(r.Status)),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			passed,
			target,
		})
	}
	return table.Render()
}

func aiRunShowRun(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	run, err := s.GetTestRun(ctx, id)
	if err != nil {
		return err
	}
	if aiJSON {
		return printJSON(run)
	}

	ui.Info("Run %s (%s): %s", run.ID, run.RunType, output.StatusColor(string(run.Status)))
	if run.Error != "" {
		ui.Error("%s", run.Error)
	}
	if run.Summary != nil {
		ui.Info("Target %s, %d endpoints, auth %v, passed %s", run.Summary.BaseURL, run.Summary.MaxEndpoints,
			run.Summary.UsedAuth, output.PassRate(run.Summary.Passed, run.Summary.Total))
	}
	if len(run.Results) == 0 {
		return nil
	}

	table := ui.Table([]string{"#", "RESULT", "CATEGORY", "METHOD", "PATH", "STATUS", "NAME"})
	for _, r := range run.Results {
		result := output.Green("pass")
		if !r.Passed {
			result = output.Red("fail")
		}
		code := "-"
		if r.StatusCode != nil {
			code = strconv.Itoa(*r.StatusCode)
		} else if r.Error != "" {
			code = "error"
		}
		_ = table.Append([]string{strconv.Itoa(r.Index), result, r.Category, r.Method, r.Path, code, r.Name})
	}
	return table.Render()
}
