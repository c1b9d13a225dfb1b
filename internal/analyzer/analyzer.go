// Package analyzer extracts failed tests from JUnit XML reports and asks a
// model to summarise them.
package analyzer

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joescharf/testhub/internal/llm"
)

// ErrReportNotFound is returned when the JUnit file does not exist.
var ErrReportNotFound = errors.New("JUnit XML not found")

// NoFailuresMessage is returned by Analyze when there is nothing to analyse.
const NoFailuresMessage = "No failed tests found. All tests passed."

// Failure is one failed or errored test case.
type Failure struct {
	Test    string `json:"test"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// Result is the full analysis of a report file.
type Result struct {
	XMLPath       string    `json:"xml_path"`
	FailuresCount int       `json:"failures_count"`
	Failures      []Failure `json:"failures"`
	Analysis      string    `json:"analysis"`
}

type junitProblem struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

type junitCase struct {
	Name      string         `xml:"name,attr"`
	Classname string         `xml:"classname,attr"`
	Failures  []junitProblem `xml:"failure"`
	Errors    []junitProblem `xml:"error"`
}

// ParseFailures reads the JUnit report at path and returns its failed cases
// in document order.
func ParseFailures(path string) ([]Failure, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrReportNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open junit report: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f)
}

// Parse walks every <testcase> element at any depth. A <failure> child takes
// precedence over an <error> child; passing cases are skipped.
func Parse(r io.Reader) ([]Failure, error) {
	dec := xml.NewDecoder(r)
	failures := []Failure{}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse junit report: %w", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "testcase" {
			continue
		}

		var tc junitCase
		if err := dec.DecodeElement(&tc, &se); err != nil {
			return nil, fmt.Errorf("parse junit testcase: %w", err)
		}
		if f, ok := tc.failure(); ok {
			failures = append(failures, f)
		}
	}
	return failures, nil
}

func (tc junitCase) failure() (Failure, bool) {
	name := tc.Name
	if name == "" {
		name = "unknown"
	}
	test := name
	if tc.Classname != "" {
		test = tc.Classname + "::" + name
	}

	switch {
	case len(tc.Failures) > 0:
		p := tc.Failures[0]
		return Failure{Test: test, Type: "failure", Message: p.Message, Details: p.Text}, true
	case len(tc.Errors) > 0:
		p := tc.Errors[0]
		return Failure{Test: test, Type: "error", Message: p.Message, Details: p.Text}, true
	}
	return Failure{}, false
}

const analysisPrompt = `You are an expert SDET and software engineer.
Given the following pytest JUnit test failures, do the following:
1. Group failures by likely root cause.
2. For each group, suggest probable root cause (app bug vs test bug vs env issue).
3. Suggest specific next debugging steps (which logs to check, which module to inspect, etc.).
4. If it looks like a flaky test, call that out.

Be concise but actionable.

Here are the failures:

`

// BuildPrompt renders failures into the analysis instructions.
func BuildPrompt(failures []Failure) string {
	blocks := make([]string, 0, len(failures))
	for _, f := range failures {
		blocks = append(blocks, fmt.Sprintf("Test: %s\nType: %s\nMessage: %s\nDetails:\n%s\n", f.Test, f.Type, f.Message, f.Details))
	}
	return analysisPrompt + strings.Join(blocks, "\n---\n")
}

// Analyzer summarises failures with a model.
type Analyzer struct {
	model llm.Model
}

// New creates an Analyzer.
func New(model llm.Model) *Analyzer {
	return &Analyzer{model: model}
}

// Analyze returns the model's report for failures, verbatim. With no
// failures the model is not called.
func (a *Analyzer) Analyze(ctx context.Context, failures []Failure) (string, error) {
	if len(failures) == 0 {
		return NoFailuresMessage, nil
	}
	text, err := a.model.Generate(ctx, BuildPrompt(failures))
	if err != nil {
		return "", fmt.Errorf("analyze failures: %w", err)
	}
	return text, nil
}

// AnalyzeFile parses the report at path and analyses its failures.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*Result, error) {
	failures, err := ParseFailures(path)
	if err != nil {
		return nil, err
	}
	analysis, err := a.Analyze(ctx, failures)
	if err != nil {
		return nil, err
	}
	return &Result{
		XMLPath:       path,
		FailuresCount: len(failures),
		Failures:      failures,
		Analysis:      analysis,
	}, nil
}
