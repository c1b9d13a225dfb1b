package models

import "time"

// RunStatus represents the state of a test run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
	RunStatusError   RunStatus = "error"
)

// RunTypeAIExecutor marks runs produced by the AI test executor.
const RunTypeAIExecutor = "ai_executor"

// RunSummary aggregates the outcome of one execution pass.
type RunSummary struct {
	Total        int    `json:"total"`
	Passed       int    `json:"passed"`
	Failed       int    `json:"failed"`
	BaseURL      string `json:"base_url"`
	MaxEndpoints int    `json:"max_endpoints"`
	UsedAuth     bool   `json:"used_auth"`
}

// Status derives the terminal status for a finished run: passed only when nothing failed.
func (s RunSummary) Status() RunStatus {
	if s.Failed == 0 {
		return RunStatusPassed
	}
	return RunStatusFailed
}

// TestResult records the outcome of a single replayed test case.
type TestResult struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	RequestBody any    `json:"request_body"`
	StatusCode  *int   `json:"status_code"`
	Passed      bool   `json:"passed"`
	Error       string `json:"error,omitempty"`
}

// TestRun is the audit record of one execution pass.
type TestRun struct {
	ID         string       `json:"id"`
	RunType    string       `json:"run_type"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at"`
	Summary    *RunSummary  `json:"summary"`
	Results    []TestResult `json:"results"`
	Error      string       `json:"error,omitempty"`
}

// IsTerminal reports whether the run has left the running state.
func (r *TestRun) IsTerminal() bool {
	return r.Status != RunStatusRunning
}
