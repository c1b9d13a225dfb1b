package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joescharf/testhub/internal/aitest"
	"github.com/joescharf/testhub/internal/analyzer"
	"github.com/joescharf/testhub/internal/auth"
	"github.com/joescharf/testhub/internal/llm"
	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
	"github.com/joescharf/testhub/internal/workflow"
)

// AppName is reported by /health and the OpenAPI document.
const AppName = "TestHub"

// Deps are the collaborators the API needs.
type Deps struct {
	Store     store.Store
	Auth      *auth.Service
	Generator aitest.CaseSource
	Runner    *aitest.Runner
	Analyzer  *analyzer.Analyzer
	Hub       *Hub

	// TargetBaseURL is the service the AI pipeline generates tests for.
	TargetBaseURL string
	JUnitPath     string
	Version       string
	Logger        *slog.Logger
}

// Server provides the REST API handlers.
type Server struct {
	store     store.Store
	auth      *auth.Service
	generator aitest.CaseSource
	runner    *aitest.Runner
	analyzer  *analyzer.Analyzer
	hub       *Hub

	targetBaseURL string
	junitPath     string
	version       string
	logger        *slog.Logger
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := d.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{
		store:         d.Store,
		auth:          d.Auth,
		generator:     d.Generator,
		runner:        d.Runner,
		analyzer:      d.Analyzer,
		hub:           hub,
		targetBaseURL: d.TargetBaseURL,
		junitPath:     d.JUnitPath,
		version:       d.Version,
		logger:        logger,
	}
}

// apiError is the {"detail": "..."} error envelope.
type apiError struct {
	status int
	Detail string `json:"detail"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Detail }

func newAPIError(status int, detail string) huma.StatusError {
	return &apiError{status: status, Detail: detail}
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if len(errs) == 0 {
			return newAPIError(status, msg)
		}
		parts := make([]string, 0, len(errs))
		for _, e := range errs {
			if e != nil {
				parts = append(parts, e.Error())
			}
		}
		return newAPIError(status, fmt.Sprintf("%s: %s", msg, strings.Join(parts, "; ")))
	}
}

// handleError maps domain errors to HTTP errors.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te *workflow.InvalidTransitionError
	switch {
	case errors.As(err, &te):
		return newAPIError(http.StatusBadRequest, te.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		return newAPIError(http.StatusBadRequest, "Email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return newAPIError(http.StatusBadRequest, "Incorrect email or password")
	case errors.Is(err, auth.ErrInactiveUser):
		return newAPIError(http.StatusBadRequest, "Inactive user")
	case errors.Is(err, auth.ErrInvalidToken):
		return newAPIError(http.StatusUnauthorized, "Could not validate credentials")
	case errors.Is(err, llm.ErrNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, analyzer.ErrReportNotFound):
		return newAPIError(http.StatusNotFound, err.Error()+". Run pytest with --junitxml first.")
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "Not found")
	default:
		return newAPIError(http.StatusInternalServerError, err.Error())
	}
}

// Router returns an http.Handler for all routes.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes)
	router.Use(s.requestLogger)
	router.Use(corsMiddleware)
	router.Use(bearerMiddleware)

	hcfg := huma.DefaultConfig(AppName, s.version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)

	s.registerHealth(api)
	s.registerAuth(api, router)
	s.registerProjects(api)
	s.registerBugs(api)
	s.registerAI(api)
	router.Get("/ai/ws", s.hub.ServeWS)

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// --- Authentication context ---

type tokenKey struct{}

// bearerMiddleware stashes the Authorization header outcome in the context.
// Resolution to a user happens only in handlers that require one.
func bearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if token, ok := auth.BearerToken(authz); ok {
			r = r.WithContext(context.WithValue(r.Context(), tokenKey{}, token))
		}
		next.ServeHTTP(w, r)
	})
}

// currentUser resolves the bearer token in ctx to an active user.
func (s *Server) currentUser(ctx context.Context) (*models.User, error) {
	token, _ := ctx.Value(tokenKey{}).(string)
	if token == "" {
		return nil, newAPIError(http.StatusUnauthorized, "Not authenticated")
	}
	u, err := s.auth.UserFromToken(ctx, token)
	if err != nil {
		return nil, handleError(err)
	}
	return u, nil
}

var bearerSecurity = []map[string][]string{{"bearerAuth": {}}}

// --- Health ---

type healthBody struct {
	Status  string `json:"status"`
	App     string `json:"app"`
	Version string `json:"version"`
}

func (s *Server) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"health"},
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body healthBody }, error) {
		return &struct{ Body healthBody }{Body: healthBody{Status: "ok", App: AppName, Version: s.version}}, nil
	})
}
