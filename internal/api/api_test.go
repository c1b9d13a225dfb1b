package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/testhub/internal/aitest"
	"github.com/joescharf/testhub/internal/analyzer"
	"github.com/joescharf/testhub/internal/auth"
	"github.com/joescharf/testhub/internal/config"
	"github.com/joescharf/testhub/internal/llm"
	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
)

type testEnv struct {
	srv    *Server
	router http.Handler
	store  store.Store
	hub    *Hub
}

type envOptions struct {
	model     llm.Model
	cases     aitest.CaseSource
	target    string
	junitPath string
}

func setupTestServer(t *testing.T) *testEnv {
	return setupTestServerWith(t, envOptions{})
}

func setupTestServerWith(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	model := o.model
	if model == nil {
		model = llm.Unconfigured{}
	}
	gen := o.cases
	if gen == nil {
		gen = aitest.NewGenerator(model)
	}
	hub := NewHub(nil)
	exec := aitest.NewExecutor(gen, config.DefaultUser{}, nil)

	srv := NewServer(Deps{
		Store:         s,
		Auth:          auth.NewService(s, auth.NewTokens("test-secret", time.Hour)),
		Generator:     gen,
		Runner:        aitest.NewRunner(s, exec, nil, hub),
		Analyzer:      analyzer.New(model),
		Hub:           hub,
		TargetBaseURL: o.target,
		JUnitPath:     o.junitPath,
		Version:       "test",
	})
	return &testEnv{srv: srv, router: srv.Router(), store: s, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"username": {email}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// userToken registers email and returns a bearer token for it.
func (e *testEnv) userToken(t *testing.T, email string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "full_name": "Test User", "password": "secret123",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.login(t, email, "secret123")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tok tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	return tok.AccessToken
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, w)["detail"].(string)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]string](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, AppName, body["app"])
	assert.Equal(t, "test", body["version"])
}

func TestOpenAPI_ExcludesAIRoutes(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	doc := decode[map[string]any](t, w)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/projects")
	assert.Contains(t, paths, "/bugs/{id}/status")
	assert.Contains(t, paths, "/auth/login")
	for p := range paths {
		assert.False(t, strings.HasPrefix(p, "/ai/"), "pipeline route %s must not be published", p)
	}
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/projects", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// --- Auth ---

func TestRegisterAndLogin(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "alice@example.com", "full_name": "Alice", "password": "pw",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := decode[map[string]any](t, w)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, true, user["is_active"])
	assert.Equal(t, models.RoleTester, user["role"])
	assert.NotContains(t, w.Body.String(), "password")

	w = env.login(t, "alice@example.com", "pw")
	require.Equal(t, http.StatusOK, w.Code)
	tok := decode[tokenResponse](t, w)
	assert.Equal(t, "bearer", tok.TokenType)
	assert.NotEmpty(t, tok.AccessToken)

	w = env.do(t, http.MethodGet, "/users/me", tok.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice@example.com", decode[map[string]any](t, w)["email"])
}

func TestRegister_DuplicateEmail(t *testing.T) {
	env := setupTestServer(t)
	env.userToken(t, "dup@example.com")

	w := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "dup@example.com", "password": "other",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Email already registered", detail(t, w))
}

func TestRegister_InvalidBody(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "not-an-email", "password": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotEmpty(t, detail(t, w))
}

func TestLogin_BadCredentials(t *testing.T) {
	env := setupTestServer(t)
	env.userToken(t, "bob@example.com")

	w := env.login(t, "bob@example.com", "wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Incorrect email or password", detail(t, w))

	w = env.login(t, "nobody@example.com", "secret123")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Incorrect email or password", detail(t, w))
}

func TestLogin_MissingFields(t *testing.T) {
	env := setupTestServer(t)
	w := env.login(t, "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestLogin_InactiveUser(t *testing.T) {
	env := setupTestServer(t)
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, env.store.CreateUser(context.Background(), &models.User{
		Email: "off@example.com", HashedPassword: hash, IsActive: false,
	}))

	w := env.login(t, "off@example.com", "pw")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Inactive user", detail(t, w))
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Not authenticated", detail(t, w))

	w = env.do(t, http.MethodGet, "/projects", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Could not validate credentials", detail(t, w))
}

func TestPublicRoutes_IgnoreBadToken(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/health", "garbage", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestToken_ForDeletedSubjectRejected(t *testing.T) {
	env := setupTestServer(t)
	tok, err := auth.NewTokens("test-secret", time.Hour).Issue("ghost@example.com")
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/users/me", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- Projects ---

func TestProjectCRUD_API(t *testing.T) {
	env := setupTestServer(t)
	tok := env.userToken(t, "owner@example.com")

	w := env.do(t, http.MethodGet, "/projects", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = env.do(t, http.MethodPost, "/projects", tok, map[string]string{"name": "Shop", "description": "storefront"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Project](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Shop", created.Name)

	w = env.do(t, http.MethodGet, "/projects/"+created.ID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPut, "/projects/"+created.ID, tok, map[string]string{"name": "Shop v2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Project](t, w)
	assert.Equal(t, "Shop v2", updated.Name)
	assert.Equal(t, "storefront", updated.Description, "omitted fields are preserved")

	w = env.do(t, http.MethodGet, "/projects", tok, nil)
	assert.Len(t, decode[[]models.Project](t, w), 1)

	w = env.do(t, http.MethodDelete, "/projects/"+created.ID, tok, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/projects/"+created.ID, tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Project not found", detail(t, w))
}

func TestProjects_OwnerScoped(t *testing.T) {
	env := setupTestServer(t)
	alice := env.userToken(t, "alice@example.com")
	bob := env.userToken(t, "bob@example.com")

	w := env.do(t, http.MethodPost, "/projects", alice, map[string]string{"name": "Private"})
	require.Equal(t, http.StatusCreated, w.Code)
	p := decode[models.Project](t, w)

	w = env.do(t, http.MethodGet, "/projects", bob, nil)
	assert.JSONEq(t, "[]", w.Body.String())

	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/projects/" + p.ID, nil},
		{http.MethodPut, "/projects/" + p.ID, map[string]string{"name": "stolen"}},
		{http.MethodDelete, "/projects/" + p.ID, nil},
		{http.MethodGet, "/projects/" + p.ID + "/bugs", nil},
		{http.MethodPost, "/projects/" + p.ID + "/bugs", map[string]string{"title": "x"}},
	} {
		w := env.do(t, tc.method, tc.path, bob, tc.body)
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "Project not found", detail(t, w))
	}
}

// --- Bugs ---

func createProject(t *testing.T, env *testEnv, tok, name string) models.Project {
	t.Helper()
	w := env.do(t, http.MethodPost, "/projects", tok, map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Project](t, w)
}

func createBug(t *testing.T, env *testEnv, tok, projectID string, body map[string]any) models.Bug {
	t.Helper()
	w := env.do(t, http.MethodPost, "/projects/"+projectID+"/bugs", tok, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Bug](t, w)
}

func TestBugLifecycle_API(t *testing.T) {
	env := setupTestServer(t)
	tok := env.userToken(t, "qa@example.com")
	p := createProject(t, env, tok, "Shop")

	bug := createBug(t, env, tok, p.ID, map[string]any{"title": "Cart total wrong"})
	assert.Equal(t, models.BugStatusOpen, bug.Status)
	assert.Equal(t, models.BugSeverityMedium, bug.Severity)
	assert.Equal(t, models.BugPriorityMedium, bug.Priority)
	assert.NotEmpty(t, bug.ReporterID)

	w := env.do(t, http.MethodPatch, "/bugs/"+bug.ID+"/status", tok, map[string]string{"status": "in_progress"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.BugStatusInProgress, decode[models.Bug](t, w).Status)

	w = env.do(t, http.MethodPatch, "/bugs/"+bug.ID+"/status", tok, map[string]string{"status": "closed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid status transition from in_progress to closed", detail(t, w))

	// The rejected transition left the stored status untouched.
	w = env.do(t, http.MethodGet, "/bugs/"+bug.ID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.BugStatusInProgress, decode[models.Bug](t, w).Status)

	for _, next := range []string{"resolved", "closed"} {
		w = env.do(t, http.MethodPatch, "/bugs/"+bug.ID+"/status", tok, map[string]string{"status": next})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPatch, "/bugs/"+bug.ID+"/status", tok, map[string]string{"status": "open"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid status transition from closed to open", detail(t, w))
}

func TestBugStatus_UnknownValueRejected(t *testing.T) {
	env := setupTestServer(t)
	tok := env.userToken(t, "qa@example.com")
	p := createProject(t, env, tok, "Shop")
	bug := createBug(t, env, tok, p.ID, map[string]any{"title": "x"})

	w := env.do(t, http.MethodPatch, "/bugs/"+bug.ID+"/status", tok, map[string]string{"status": "reopened"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestBugUpdate_Partial(t *testing.T) {
	env := setupTestServer(t)
	tok := env.userToken(t, "qa@example.com")
	p := createProject(t, env, tok, "Shop")
	bug := createBug(t, env, tok, p.ID, map[string]any{
		"title": "Login slow", "description": "takes 10s", "severity": "high", "priority": "low",
	})

	w := env.do(t, http.MethodPut, "/bugs/"+bug.ID, tok, map[string]any{"severity": "critical"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[models.Bug](t, w)
	assert.Equal(t, models.BugSeverityCritical, got.Severity)
	assert.Equal(t, "Login slow", got.Title)
	assert.Equal(t, "takes 10s", got.Description)
	assert.Equal(t, models.BugPriorityLow, got.Priority)
	assert.Equal(t, models.BugStatusOpen, got.Status)
}

func TestBugAssignee(t *testing.T) {
	env := setupTestServer(t)
	tok := env.userToken(t, "qa@example.com")
	env.userToken(t, "dev@example.com")
	dev, err := env.store.GetUserByEmail(context.Background(), "dev@example.com")
	require.NoError(t, err)
	p := createProject(t, env, tok, "Shop")

	w := env.do(t, http.MethodPost, "/projects/"+p.ID+"/bugs", tok, map[string]any{"title": "x", "assignee_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Assignee not found", detail(t, w))

	bug := createBug(t, env, tok, p.ID, map[string]any{"title": "x"})
	w = env.do(t, http.MethodPut, "/bugs/"+bug.ID, tok, map[string]any{"assignee_id": dev.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[models.Bug](t, w)
	require.NotNil(t, got.AssigneeID)
	assert.Equal(t, dev.ID, *got.AssigneeID)
}

func TestBugs_ListAndFilter(t *testing.T) {
	env := setupTestServer(t)
	tok := env.userToken(t, "qa@example.com")
	p := createProject(t, env, tok, "Shop")
	a := createBug(t, env, tok, p.ID, map[string]any{"title": "a"})
	createBug(t, env, tok, p.ID, map[string]any{"title": "b"})

	w := env.do(t, http.MethodPatch, "/bugs/"+a.ID+"/status", tok, map[string]string{"status": "resolved"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/projects/"+p.ID+"/bugs", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Bug](t, w), 2)

	w = env.do(t, http.MethodGet, "/projects/"+p.ID+"/bugs?status=resolved", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bugs := decode[[]models.Bug](t, w)
	require.Len(t, bugs, 1)
	assert.Equal(t, a.ID, bugs[0].ID)
}

func TestBugs_OwnerScoped(t *testing.T) {
	env := setupTestServer(t)
	alice := env.userToken(t, "alice@example.com")
	bob := env.userToken(t, "bob@example.com")
	p := createProject(t, env, alice, "Shop")
	bug := createBug(t, env, alice, p.ID, map[string]any{"title": "secret"})

	w := env.do(t, http.MethodGet, "/bugs/"+bug.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Bug not found", detail(t, w))

	w = env.do(t, http.MethodPatch, "/bugs/"+bug.ID+"/status", bob, map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/bugs/does-not-exist", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Bug not found", detail(t, w))
}

func TestDeleteProject_CascadesBugs(t *testing.T) {
	env := setupTestServer(t)
	tok := env.userToken(t, "qa@example.com")
	p := createProject(t, env, tok, "Shop")
	bug := createBug(t, env, tok, p.ID, map[string]any{"title": "x"})

	w := env.do(t, http.MethodDelete, "/projects/"+p.ID, tok, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err := env.store.GetBug(context.Background(), bug.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
