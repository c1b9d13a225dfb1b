package aitest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
)

// Event types published while a run progresses.
const (
	EventStarted  = "started"
	EventResult   = "result"
	EventFinished = "finished"
)

// Event describes one step of a recorded run.
type Event struct {
	RunID   string             `json:"run_id"`
	Type    string             `json:"type"`
	Status  models.RunStatus   `json:"status,omitempty"`
	Entry   *models.TestResult `json:"entry,omitempty"`
	Summary *models.RunSummary `json:"summary,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Observer receives run events keyed by run type.
type Observer interface {
	Publish(runType string, ev Event)
}

// Runner wraps an Executor and persists every pass as a TestRun.
type Runner struct {
	store     store.Store
	exec      *Executor
	observers []Observer
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(s store.Store, exec *Executor, logger *slog.Logger, observers ...Observer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: s, exec: exec, observers: observers, logger: logger}
}

// Run creates a running TestRun, executes, and finishes the run exactly once.
// An executor error finishes the run with status error and is returned.
func (r *Runner) Run(ctx context.Context, opts Options) (*models.TestRun, *Report, error) {
	run := &models.TestRun{RunType: models.RunTypeAIExecutor}
	if err := r.store.CreateTestRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("record test run: %w", err)
	}
	r.logger.Info("test run started", "run_id", run.ID, "base_url", opts.BaseURL, "max_endpoints", opts.MaxEndpoints, "use_auth", opts.UseAuth)
	r.publish(run.RunType, Event{RunID: run.ID, Type: EventStarted, Status: run.Status})

	callerHook := opts.OnResult
	opts.OnResult = func(entry models.TestResult) {
		if callerHook != nil {
			callerHook(entry)
		}
		e := entry
		r.publish(run.RunType, Event{RunID: run.ID, Type: EventResult, Entry: &e})
	}

	report, execErr := r.exec.Execute(ctx, opts)

	// The run must reach a terminal state even when the caller's context is done.
	finishCtx := context.WithoutCancel(ctx)
	if execErr != nil {
		run.Status = models.RunStatusError
		run.Error = execErr.Error()
	} else {
		summary := report.Summary
		run.Summary = &summary
		run.Results = report.Results
		run.Status = summary.Status()
	}

	if err := r.store.FinishTestRun(finishCtx, run); err != nil {
		r.logger.Error("finish test run", "run_id", run.ID, "error", err)
		if execErr == nil {
			return run, report, fmt.Errorf("finish test run: %w", err)
		}
	}

	r.logger.Info("test run finished", "run_id", run.ID, "status", run.Status)
	r.publish(run.RunType, Event{RunID: run.ID, Type: EventFinished, Status: run.Status, Summary: run.Summary, Error: run.Error})

	if execErr != nil {
		return run, nil, execErr
	}
	return run, report, nil
}

func (r *Runner) publish(runType string, ev Event) {
	for _, o := range r.observers {
		o.Publish(runType, ev)
	}
}
