package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joescharf/testhub/internal/aitest"
	"github.com/joescharf/testhub/internal/analyzer"
	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
)

type maxEndpointsParam struct {
	MaxEndpoints int `query:"max_endpoints" minimum:"1" maximum:"50" default:"10"`
}

type casesOutput struct {
	Body []aitest.TestCase
}

type generatedTestsBody struct {
	Count int               `json:"count"`
	Items []aitest.TestCase `json:"items"`
}

type executeBody struct {
	RunID         string              `json:"run_id"`
	Status        models.RunStatus    `json:"status"`
	CorrelationID string              `json:"correlation_id"`
	Summary       models.RunSummary   `json:"summary"`
	Results       []models.TestResult `json:"results"`
}

type testRunOutput struct {
	Body *models.TestRun
}

type testRunListOutput struct {
	Body []*models.TestRun
}

// generate runs the generator against the configured target.
func (s *Server) generate(ctx context.Context, maxEndpoints int) ([]aitest.TestCase, error) {
	cases, err := s.generator.Generate(ctx, s.targetBaseURL, maxEndpoints)
	if err != nil {
		s.logger.Error("generate tests", "base_url", s.targetBaseURL, "error", err)
		return nil, handleError(err)
	}
	if cases == nil {
		cases = []aitest.TestCase{}
	}
	return cases, nil
}

// registerAI mounts the pipeline routes. They are hidden from the OpenAPI
// document so generated suites never target the pipeline itself.
func (s *Server) registerAI(api huma.API) {
	tags := []string{"ai"}

	huma.Register(api, huma.Operation{
		OperationID: "ai-generate-tests",
		Method:      http.MethodGet,
		Path:        "/ai/generate-tests",
		Summary:     "Generate API test cases from the target's OpenAPI document",
		Tags:        tags,
		Hidden:      true,
	}, func(ctx context.Context, input *maxEndpointsParam) (*casesOutput, error) {
		cases, err := s.generate(ctx, input.MaxEndpoints)
		if err != nil {
			return nil, err
		}
		return &casesOutput{Body: cases}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ai-dashboard-generated-tests",
		Method:      http.MethodGet,
		Path:        "/ai/dashboard/generated-tests",
		Summary:     "Generated test cases with a count",
		Tags:        tags,
		Hidden:      true,
	}, func(ctx context.Context, input *maxEndpointsParam) (*struct{ Body generatedTestsBody }, error) {
		cases, err := s.generate(ctx, input.MaxEndpoints)
		if err != nil {
			return nil, err
		}
		return &struct{ Body generatedTestsBody }{Body: generatedTestsBody{Count: len(cases), Items: cases}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ai-dashboard-execute-tests",
		Method:      http.MethodPost,
		Path:        "/ai/dashboard/execute-tests",
		Summary:     "Generate, replay and record one test run",
		Tags:        tags,
		Hidden:      true,
	}, func(ctx context.Context, input *struct {
		MaxEndpoints int  `query:"max_endpoints" minimum:"1" maximum:"50" default:"10"`
		UseAuth      bool `query:"use_auth" default:"true"`
	}) (*struct{ Body executeBody }, error) {
		run, report, err := s.runner.Run(ctx, aitest.Options{
			BaseURL:      s.targetBaseURL,
			MaxEndpoints: input.MaxEndpoints,
			UseAuth:      input.UseAuth,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body executeBody }{Body: executeBody{
			RunID:         run.ID,
			Status:        run.Status,
			CorrelationID: report.CorrelationID,
			Summary:       report.Summary,
			Results:       report.Results,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ai-dashboard-analyze-failures",
		Method:      http.MethodGet,
		Path:        "/ai/dashboard/analyze-failures",
		Summary:     "Summarise JUnit failures by likely root cause",
		Tags:        tags,
		Hidden:      true,
	}, func(ctx context.Context, input *struct {
		XMLPath string `query:"xml_path"`
	}) (*struct{ Body *analyzer.Result }, error) {
		path := input.XMLPath
		if path == "" {
			path = s.junitPath
		}
		res, err := s.analyzer.AnalyzeFile(ctx, path)
		if err != nil {
			if !errors.Is(err, analyzer.ErrReportNotFound) {
				s.logger.Error("analyze failures", "xml_path", path, "error", err)
			}
			return nil, handleError(err)
		}
		return &struct{ Body *analyzer.Result }{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ai-list-test-runs",
		Method:      http.MethodGet,
		Path:        "/ai/test-runs",
		Summary:     "Recent test runs, newest first",
		Tags:        tags,
		Hidden:      true,
	}, func(ctx context.Context, input *struct {
		RunType string `query:"run_type"`
		Limit   int    `query:"limit" minimum:"1" maximum:"200" default:"20"`
	}) (*testRunListOutput, error) {
		runs, err := s.store.ListTestRuns(ctx, input.RunType, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []*models.TestRun{}
		}
		return &testRunListOutput{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ai-get-test-run",
		Method:      http.MethodGet,
		Path:        "/ai/test-runs/{id}",
		Summary:     "Get a test run",
		Tags:        tags,
		Hidden:      true,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*testRunOutput, error) {
		run, err := s.store.GetTestRun(ctx, input.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "Test run not found")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &testRunOutput{Body: run}, nil
	})
}
