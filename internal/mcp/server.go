package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/testhub/internal/aitest"
	"github.com/joescharf/testhub/internal/analyzer"
	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
	"github.com/joescharf/testhub/internal/workflow"
)

const (
	defaultMaxEndpoints = 10
	maxEndpointsLimit   = 50
)

// Deps are the collaborators exposed as tools.
type Deps struct {
	Store     store.Store
	Generator aitest.CaseSource
	Runner    *aitest.Runner
	Analyzer  *analyzer.Analyzer

	TargetBaseURL string
	JUnitPath     string
	Version       string
}

// Server wraps the testhub data layer and AI pipeline as MCP tools.
type Server struct {
	store     store.Store
	generator aitest.CaseSource
	runner    *aitest.Runner
	analyzer  *analyzer.Analyzer

	targetBaseURL string
	junitPath     string
	version       string
}

// NewServer creates the MCP server wrapper.
func NewServer(d Deps) *Server {
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		store:         d.Store,
		generator:     d.Generator,
		runner:        d.Runner,
		analyzer:      d.Analyzer,
		targetBaseURL: d.TargetBaseURL,
		junitPath:     d.JUnitPath,
		version:       version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("testhub", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.listBugsTool())
	srv.AddTool(s.transitionBugTool())
	srv.AddTool(s.generateTestsTool())
	srv.AddTool(s.executeTestsTool())
	srv.AddTool(s.listTestRunsTool())
	srv.AddTool(s.analyzeFailuresTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tracker tools
// ---------------------------------------------------------------------------

// testhub_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("testhub_list_projects",
		mcp.WithDescription("List projects. Returns a JSON array with id, name, description, owner_id and created_at."),
		mcp.WithString("owner", mcp.Description("Only projects owned by this user email")),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var ownerID string
	if email := request.GetString("owner", ""); email != "" {
		u, err := s.store.GetUserByEmail(ctx, email)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("user not found: %s", email)), nil
		}
		ownerID = u.ID
	}

	projects, err := s.store.ListProjects(ctx, ownerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	return jsonResult(projects, "projects")
}

// testhub_list_bugs
func (s *Server) listBugsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("testhub_list_bugs",
		mcp.WithDescription("List bugs, optionally filtered by project and status. Each bug has id, project_id, title, description, severity, priority, status, reporter_id and assignee_id."),
		mcp.WithString("project", mcp.Description("Project id or name")),
		mcp.WithString("status", mcp.Description("Status filter"), mcp.Enum("open", "in_progress", "resolved", "closed")),
	)
	return tool, s.handleListBugs
}

func (s *Server) handleListBugs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.BugListFilter{}

	if ref := request.GetString("project", ""); ref != "" {
		p, err := s.resolveProject(ctx, ref)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.ProjectID = p.ID
	}
	if status := request.GetString("status", ""); status != "" {
		if !workflow.Valid(models.BugStatus(status)) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
		filter.Status = models.BugStatus(status)
	}

	bugs, err := s.store.ListBugs(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list bugs: %v", err)), nil
	}
	if bugs == nil {
		bugs = []*models.Bug{}
	}
	return jsonResult(bugs, "bugs")
}

// testhub_transition_bug
func (s *Server) transitionBugTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("testhub_transition_bug",
		mcp.WithDescription("Move a bug to a new status. Allowed: open→in_progress|resolved, in_progress→resolved, resolved→closed|in_progress; closed is terminal. Returns the updated bug."),
		mcp.WithString("bug_id", mcp.Required(), mcp.Description("Bug id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Target status"), mcp.Enum("open", "in_progress", "resolved", "closed")),
	)
	return tool, s.handleTransitionBug
}

func (s *Server) handleTransitionBug(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("bug_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: bug_id"), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}

	bug, err := s.store.GetBug(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("bug not found: %s", id)), nil
	}

	from := bug.Status
	if _, err := workflow.Apply(bug, models.BugStatus(status)); err != nil {
		msg := err.Error()
		if next := workflow.Next(from); len(next) > 0 {
			names := make([]string, len(next))
			for i, n := range next {
				names[i] = string(n)
			}
			msg += fmt.Sprintf(" (allowed: %s)", strings.Join(names, ", "))
		}
		return mcp.NewToolResultError(msg), nil
	}
	if err := s.store.UpdateBug(ctx, bug); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update bug: %v", err)), nil
	}
	return jsonResult(bug, "bug")
}

// ---------------------------------------------------------------------------
// Pipeline tools
// ---------------------------------------------------------------------------

func (s *Server) baseURL(request mcp.CallToolRequest) string {
	if u := request.GetString("base_url", ""); u != "" {
		return u
	}
	return s.targetBaseURL
}

func maxEndpoints(request mcp.CallToolRequest) (int, error) {
	n := request.GetInt("max_endpoints", defaultMaxEndpoints)
	if n < 1 || n > maxEndpointsLimit {
		return 0, fmt.Errorf("max_endpoints must be between 1 and %d", maxEndpointsLimit)
	}
	return n, nil
}

// testhub_generate_tests
func (s *Server) generateTestsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("testhub_generate_tests",
		mcp.WithDescription("Generate API test cases from the target's OpenAPI document. Returns a JSON array of cases."),
		mcp.WithNumber("max_endpoints", mcp.Description("Number of paths to include (1-50, default 10)")),
		mcp.WithString("base_url", mcp.Description("Target base URL (defaults to the configured target)")),
	)
	return tool, s.handleGenerateTests
}

func (s *Server) handleGenerateTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := maxEndpoints(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cases, err := s.generator.Generate(ctx, s.baseURL(request), n)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to generate tests: %v", err)), nil
	}
	if cases == nil {
		cases = []aitest.TestCase{}
	}
	return jsonResult(cases, "test cases")
}

// testhub_execute_tests
func (s *Server) executeTestsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("testhub_execute_tests",
		mcp.WithDescription("Generate test cases, replay them against the target and record a test run. Returns run_id, status, summary and results."),
		mcp.WithNumber("max_endpoints", mcp.Description("Number of paths to include (1-50, default 10)")),
		mcp.WithBoolean("use_auth", mcp.Description("Log in with the default user first (default true)")),
		mcp.WithString("base_url", mcp.Description("Target base URL (defaults to the configured target)")),
	)
	return tool, s.handleExecuteTests
}

func (s *Server) handleExecuteTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := maxEndpoints(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, report, err := s.runner.Run(ctx, aitest.Options{
		BaseURL:      s.baseURL(request),
		MaxEndpoints: n,
		UseAuth:      request.GetBool("use_auth", true),
	})
	if err != nil {
		msg := fmt.Sprintf("test run failed: %v", err)
		if run != nil {
			msg = fmt.Sprintf("test run %s failed: %v", run.ID, err)
		}
		return mcp.NewToolResultError(msg), nil
	}

	return jsonResult(map[string]any{
		"run_id":         run.ID,
		"status":         run.Status,
		"correlation_id": report.CorrelationID,
		"summary":        report.Summary,
		"results":        report.Results,
	}, "run")
}

// testhub_list_test_runs
func (s *Server) listTestRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("testhub_list_test_runs",
		mcp.WithDescription("List recorded test runs, newest first. Results are omitted; summary is included."),
		mcp.WithString("run_type", mcp.Description("Run type filter (e.g. ai_executor)")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20)")),
	)
	return tool, s.handleListTestRuns
}

func (s *Server) handleListTestRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := s.store.ListTestRuns(ctx, request.GetString("run_type", ""), request.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list test runs: %v", err)), nil
	}

	type runOut struct {
		ID         string             `json:"id"`
		RunType    string             `json:"run_type"`
		Status     models.RunStatus   `json:"status"`
		StartedAt  string             `json:"started_at"`
		FinishedAt string             `json:"finished_at,omitempty"`
		Summary    *models.RunSummary `json:"summary,omitempty"`
		Error      string             `json:"error,omitempty"`
	}

	out := make([]runOut, len(runs))
	for i, r := range runs {
		out[i] = runOut{
			ID:        r.ID,
			RunType:   r.RunType,
			Status:    r.Status,
			StartedAt: r.StartedAt.Format(time.RFC3339),
			Summary:   r.Summary,
			Error:     r.Error,
		}
		if r.FinishedAt != nil {
			out[i].FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}
	}
	return jsonResult(out, "test runs")
}

// testhub_analyze_failures
func (s *Server) analyzeFailuresTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("testhub_analyze_failures",
		mcp.WithDescription("Parse a JUnit XML report and group its failures by likely root cause."),
		mcp.WithString("xml_path", mcp.Description("Path to the JUnit XML report (defaults to the configured path)")),
	)
	return tool, s.handleAnalyzeFailures
}

func (s *Server) handleAnalyzeFailures(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("xml_path", s.junitPath)
	res, err := s.analyzer.AnalyzeFile(ctx, path)
	if errors.Is(err, analyzer.ErrReportNotFound) {
		return mcp.NewToolResultError(err.Error() + ". Run pytest with --junitxml first."), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to analyze failures: %v", err)), nil
	}
	return jsonResult(res, "analysis")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveProject finds a project by id, then by unique name.
func (s *Server) resolveProject(ctx context.Context, ref string) (*models.Project, error) {
	if p, err := s.store.GetProject(ctx, ref); err == nil {
		return p, nil
	}

	projects, err := s.store.ListProjects(ctx, "")
	if err != nil {
		return nil, err
	}
	var matches []*models.Project
	for _, p := range projects {
		if strings.EqualFold(p.Name, ref) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("project not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous project name %s: matches %d projects", ref, len(matches))
	}
}
