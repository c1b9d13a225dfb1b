package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/testhub/internal/aitest"
	"github.com/joescharf/testhub/internal/analyzer"
	"github.com/joescharf/testhub/internal/config"
	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockStore implements store.Store for testing.
type mockStore struct {
	users    []*models.User
	projects []*models.Project
	bugs     []*models.Bug
	runs     []*models.TestRun

	updatedBugs []*models.Bug

	listProjectsErr error
	listBugsErr     error
	updateBugErr    error
}

func (m *mockStore) CreateUser(_ context.Context, u *models.User) error {
	m.users = append(m.users, u)
	return nil
}
func (m *mockStore) GetUser(_ context.Context, id string) (*models.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user %w: %s", store.ErrNotFound, id)
}
func (m *mockStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user %w: %s", store.ErrNotFound, email)
}
func (m *mockStore) ListUsers(_ context.Context) ([]*models.User, error) { return m.users, nil }

func (m *mockStore) CreateProject(_ context.Context, p *models.Project) error {
	m.projects = append(m.projects, p)
	return nil
}
func (m *mockStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	for _, p := range m.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("project %w: %s", store.ErrNotFound, id)
}
func (m *mockStore) ListProjects(_ context.Context, ownerID string) ([]*models.Project, error) {
	if m.listProjectsErr != nil {
		return nil, m.listProjectsErr
	}
	var out []*models.Project
	for _, p := range m.projects {
		if ownerID == "" || p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (m *mockStore) UpdateProject(_ context.Context, _ *models.Project) error { return nil }
func (m *mockStore) DeleteProject(_ context.Context, _ string) error          { return nil }

func (m *mockStore) CreateBug(_ context.Context, bug *models.Bug) error {
	m.bugs = append(m.bugs, bug)
	return nil
}
func (m *mockStore) GetBug(_ context.Context, id string) (*models.Bug, error) {
	for _, b := range m.bugs {
		if b.ID == id {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("bug %w: %s", store.ErrNotFound, id)
}
func (m *mockStore) ListBugs(_ context.Context, filter store.BugListFilter) ([]*models.Bug, error) {
	if m.listBugsErr != nil {
		return nil, m.listBugsErr
	}
	var out []*models.Bug
	for _, b := range m.bugs {
		if filter.ProjectID != "" && b.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
func (m *mockStore) UpdateBug(_ context.Context, bug *models.Bug) error {
	if m.updateBugErr != nil {
		return m.updateBugErr
	}
	for i, b := range m.bugs {
		if b.ID == bug.ID {
			m.bugs[i] = bug
		}
	}
	m.updatedBugs = append(m.updatedBugs, bug)
	return nil
}

func (m *mockStore) CreateTestRun(_ context.Context, run *models.TestRun) error {
	run.ID = fmt.Sprintf("run-%d", len(m.runs)+1)
	run.Status = models.RunStatusRunning
	run.StartedAt = time.Now()
	m.runs = append(m.runs, run)
	return nil
}
func (m *mockStore) FinishTestRun(_ context.Context, run *models.TestRun) error {
	now := time.Now()
	run.FinishedAt = &now
	return nil
}
func (m *mockStore) GetTestRun(_ context.Context, id string) (*models.TestRun, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("test run %w: %s", store.ErrNotFound, id)
}
func (m *mockStore) ListTestRuns(_ context.Context, runType string, limit int) ([]*models.TestRun, error) {
	var out []*models.TestRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if runType == "" || m.runs[i].RunType == runType {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}
func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }

type fakeModel struct {
	reply string
	err   error
}

func (f *fakeModel) Generate(context.Context, string) (string, error) { return f.reply, f.err }

type staticCases struct {
	cases []aitest.TestCase
	err   error
	seen  []string
}

func (s *staticCases) Generate(_ context.Context, baseURL string, _ int) ([]aitest.TestCase, error) {
	s.seen = append(s.seen, baseURL)
	return s.cases, s.err
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type testDeps struct {
	store *mockStore
	cases *staticCases
	model *fakeModel
}

// newTestServer creates a Server with mock dependencies.
func newTestServer(t *testing.T, target string) (*Server, *testDeps) {
	t.Helper()
	d := &testDeps{store: &mockStore{}, cases: &staticCases{}, model: &fakeModel{}}
	exec := aitest.NewExecutor(d.cases, config.DefaultUser{}, nil)
	srv := NewServer(Deps{
		Store:         d.store,
		Generator:     d.cases,
		Runner:        aitest.NewRunner(d.store, exec, nil),
		Analyzer:      analyzer.New(d.model),
		TargetBaseURL: target,
		JUnitPath:     filepath.Join(t.TempDir(), "missing.xml"),
	})
	require.NotNil(t, srv)
	return srv, d
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target), "failed to parse result JSON: %s", text)
}

func seedProject(ms *mockStore, name, ownerID string) *models.Project {
	p := &models.Project{ID: "proj-" + name, Name: name, OwnerID: ownerID, CreatedAt: time.Now()}
	ms.projects = append(ms.projects, p)
	return p
}

func seedBug(ms *mockStore, projectID, title string, status models.BugStatus) *models.Bug {
	b := &models.Bug{
		ID:        fmt.Sprintf("bug-%d", len(ms.bugs)+1),
		ProjectID: projectID,
		Title:     title,
		Status:    status,
		Severity:  models.BugSeverityMedium,
		Priority:  models.BugPriorityMedium,
	}
	ms.bugs = append(ms.bugs, b)
	return b
}

func targetServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/items" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)
	return ts
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMCPServer_RegistersTools(t *testing.T) {
	srv, _ := newTestServer(t, "")
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv)

	tools := mcpSrv.ListTools()
	for _, name := range []string{
		"testhub_list_projects", "testhub_list_bugs", "testhub_transition_bug",
		"testhub_generate_tests", "testhub_execute_tests", "testhub_list_test_runs",
		"testhub_analyze_failures",
	} {
		assert.Contains(t, tools, name)
	}
}

func TestHandleListProjects(t *testing.T) {
	srv, d := newTestServer(t, "")
	ctx := context.Background()

	result, err := srv.handleListProjects(ctx, callToolReq("testhub_list_projects", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "[]", resultText(t, result))

	d.store.users = []*models.User{{ID: "u1", Email: "alice@example.com"}, {ID: "u2", Email: "bob@example.com"}}
	seedProject(d.store, "shop", "u1")
	seedProject(d.store, "blog", "u2")

	result, err = srv.handleListProjects(ctx, callToolReq("testhub_list_projects", nil))
	require.NoError(t, err)
	var all []models.Project
	resultJSON(t, result, &all)
	assert.Len(t, all, 2)

	result, err = srv.handleListProjects(ctx, callToolReq("testhub_list_projects", map[string]any{"owner": "bob@example.com"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "blog")
	assert.NotContains(t, text, "shop")

	result, err = srv.handleListProjects(ctx, callToolReq("testhub_list_projects", map[string]any{"owner": "ghost@example.com"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListProjects_StoreError(t *testing.T) {
	srv, d := newTestServer(t, "")
	d.store.listProjectsErr = errors.New("disk on fire")

	result, err := srv.handleListProjects(context.Background(), callToolReq("testhub_list_projects", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "disk on fire")
}

func TestHandleListBugs_Filters(t *testing.T) {
	srv, d := newTestServer(t, "")
	ctx := context.Background()
	shop := seedProject(d.store, "shop", "u1")
	blog := seedProject(d.store, "blog", "u1")
	seedBug(d.store, shop.ID, "cart", models.BugStatusOpen)
	seedBug(d.store, shop.ID, "checkout", models.BugStatusResolved)
	seedBug(d.store, blog.ID, "rss", models.BugStatusOpen)

	result, err := srv.handleListBugs(ctx, callToolReq("testhub_list_bugs", map[string]any{"project": "Shop"}))
	require.NoError(t, err)
	var bugs []models.Bug
	resultJSON(t, result, &bugs)
	assert.Len(t, bugs, 2)

	result, err = srv.handleListBugs(ctx, callToolReq("testhub_list_bugs", map[string]any{"project": shop.ID, "status": "resolved"}))
	require.NoError(t, err)
	bugs = nil
	resultJSON(t, result, &bugs)
	require.Len(t, bugs, 1)
	assert.Equal(t, "checkout", bugs[0].Title)

	result, err = srv.handleListBugs(ctx, callToolReq("testhub_list_bugs", map[string]any{"status": "reopened"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleListBugs(ctx, callToolReq("testhub_list_bugs", map[string]any{"project": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "project not found")
}

func TestResolveProject_Ambiguous(t *testing.T) {
	srv, d := newTestServer(t, "")
	d.store.projects = []*models.Project{{ID: "a", Name: "shop"}, {ID: "b", Name: "shop"}}

	_, err := srv.resolveProject(context.Background(), "shop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestHandleTransitionBug(t *testing.T) {
	srv, d := newTestServer(t, "")
	ctx := context.Background()
	bug := seedBug(d.store, "p", "cart", models.BugStatusOpen)

	result, err := srv.handleTransitionBug(ctx, callToolReq("testhub_transition_bug", map[string]any{"bug_id": bug.ID, "status": "in_progress"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var got models.Bug
	resultJSON(t, result, &got)
	assert.Equal(t, models.BugStatusInProgress, got.Status)
	require.Len(t, d.store.updatedBugs, 1)

	result, err = srv.handleTransitionBug(ctx, callToolReq("testhub_transition_bug", map[string]any{"bug_id": bug.ID, "status": "closed"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Invalid status transition from in_progress to closed")
	assert.Contains(t, text, "allowed: resolved")
	assert.Len(t, d.store.updatedBugs, 1, "rejected transition is not persisted")
}

func TestHandleTransitionBug_Errors(t *testing.T) {
	srv, d := newTestServer(t, "")
	ctx := context.Background()
	closed := seedBug(d.store, "p", "done", models.BugStatusClosed)

	result, err := srv.handleTransitionBug(ctx, callToolReq("testhub_transition_bug", map[string]any{"status": "open"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "missing required parameter: bug_id")

	result, err = srv.handleTransitionBug(ctx, callToolReq("testhub_transition_bug", map[string]any{"bug_id": "ghost", "status": "open"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "bug not found")

	result, err = srv.handleTransitionBug(ctx, callToolReq("testhub_transition_bug", map[string]any{"bug_id": closed.ID, "status": "open"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.NotContains(t, resultText(t, result), "allowed:", "closed has no way out")
}

func TestHandleGenerateTests(t *testing.T) {
	srv, d := newTestServer(t, "http://target")
	d.cases.cases = []aitest.TestCase{{Name: "list", Request: aitest.CaseRequest{Method: "GET", Path: "/items"}}}
	ctx := context.Background()

	result, err := srv.handleGenerateTests(ctx, callToolReq("testhub_generate_tests", nil))
	require.NoError(t, err)
	var cases []aitest.TestCase
	resultJSON(t, result, &cases)
	require.Len(t, cases, 1)
	assert.Equal(t, []string{"http://target"}, d.cases.seen)

	_, err = srv.handleGenerateTests(ctx, callToolReq("testhub_generate_tests", map[string]any{"base_url": "http://other"}))
	require.NoError(t, err)
	assert.Equal(t, "http://other", d.cases.seen[1])

	result, err = srv.handleGenerateTests(ctx, callToolReq("testhub_generate_tests", map[string]any{"max_endpoints": 51}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	d.cases.err = aitest.ErrGenerationParse
	result, err = srv.handleGenerateTests(ctx, callToolReq("testhub_generate_tests", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleExecuteTests(t *testing.T) {
	ts := targetServer(t)
	srv, d := newTestServer(t, ts.URL)
	d.cases.cases = []aitest.TestCase{
		{Name: "list", Request: aitest.CaseRequest{Method: "GET", Path: "/items"}},
		{Name: "missing", Category: "negative", Request: aitest.CaseRequest{Method: "GET", Path: "/nope"}},
	}

	result, err := srv.handleExecuteTests(context.Background(), callToolReq("testhub_execute_tests", map[string]any{"max_endpoints": 3, "use_auth": false}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		RunID   string              `json:"run_id"`
		Status  models.RunStatus    `json:"status"`
		Summary models.RunSummary   `json:"summary"`
		Results []models.TestResult `json:"results"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, models.RunStatusPassed, out.Status)
	assert.Equal(t, 2, out.Summary.Passed)
	assert.Equal(t, 3, out.Summary.MaxEndpoints)
	assert.Len(t, out.Results, 2)
	require.Len(t, d.store.runs, 1)
	assert.NotNil(t, d.store.runs[0].FinishedAt)
}

func TestHandleExecuteTests_GenerationError(t *testing.T) {
	srv, d := newTestServer(t, "http://target")
	d.cases.err = errors.New("model unavailable")

	result, err := srv.handleExecuteTests(context.Background(), callToolReq("testhub_execute_tests", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "run-1")
	assert.Equal(t, models.RunStatusError, d.store.runs[0].Status)
}

func TestHandleListTestRuns(t *testing.T) {
	srv, d := newTestServer(t, "")
	finished := time.Now()
	d.store.runs = []*models.TestRun{
		{ID: "r1", RunType: models.RunTypeAIExecutor, Status: models.RunStatusPassed, StartedAt: finished, FinishedAt: &finished, Summary: &models.RunSummary{Total: 1, Passed: 1}},
		{ID: "r2", RunType: "manual", Status: models.RunStatusRunning, StartedAt: finished},
	}

	result, err := srv.handleListTestRuns(context.Background(), callToolReq("testhub_list_test_runs", map[string]any{"run_type": models.RunTypeAIExecutor}))
	require.NoError(t, err)
	var runs []map[string]any
	resultJSON(t, result, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0]["id"])
	assert.NotEmpty(t, runs[0]["finished_at"])
	assert.NotContains(t, runs[0], "results")
}

func TestHandleAnalyzeFailures(t *testing.T) {
	srv, d := newTestServer(t, "")
	ctx := context.Background()

	result, err := srv.handleAnalyzeFailures(ctx, callToolReq("testhub_analyze_failures", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Run pytest with --junitxml first.")

	path := filepath.Join(t.TempDir(), "junit.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<testsuite><testcase name="t"><error message="boom"/></testcase></testsuite>`), 0644))
	d.model.reply = "Group 1: connection errors"

	result, err = srv.handleAnalyzeFailures(ctx, callToolReq("testhub_analyze_failures", map[string]any{"xml_path": path}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var res analyzer.Result
	resultJSON(t, result, &res)
	assert.Equal(t, 1, res.FailuresCount)
	assert.Equal(t, "Group 1: connection errors", res.Analysis)
}
