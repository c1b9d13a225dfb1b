// Package aitest synthesises API test cases with a hosted model and replays
// them against a live target.
package aitest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/joescharf/testhub/internal/llm"
)

var (
	// ErrGenerationParse means the model reply held no parseable JSON.
	ErrGenerationParse = errors.New("could not parse JSON from model response")
	// ErrGenerationShape means the reply parsed but was not a list.
	ErrGenerationShape = errors.New("model did not return a list of test cases")
)

const schemaTimeout = 10 * time.Second

// CaseRequest is the HTTP call a generated case wants replayed.
type CaseRequest struct {
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Body         json.RawMessage `json:"body,omitempty"`
	RequiresAuth bool            `json:"requires_auth"`
}

// TestCase is one model-generated API test.
type TestCase struct {
	Name          string      `json:"name"`
	Endpoint      string      `json:"endpoint"`
	Category      string      `json:"category"`
	Preconditions []string    `json:"preconditions"`
	Request       CaseRequest `json:"request"`
	Expected      []string    `json:"expected"`
}

// CaseSource produces test cases for a target.
type CaseSource interface {
	Generate(ctx context.Context, baseURL string, maxEndpoints int) ([]TestCase, error)
}

// Generator builds test cases from a target's OpenAPI document.
type Generator struct {
	model  llm.Model
	client *http.Client
}

// NewGenerator creates a Generator using model for completions.
func NewGenerator(model llm.Model) *Generator {
	return &Generator{model: model, client: &http.Client{Timeout: schemaTimeout}}
}

// Generate fetches the schema, keeps the first maxEndpoints paths, asks the
// model for cases and parses the reply.
func (g *Generator) Generate(ctx context.Context, baseURL string, maxEndpoints int) ([]TestCase, error) {
	schema, err := g.FetchSchema(ctx, baseURL)
	if err != nil {
		return nil, err
	}

	snippet, err := TruncatePaths(schema, maxEndpoints)
	if err != nil {
		return nil, err
	}

	reply, err := g.model.Generate(ctx, BuildPrompt(snippet))
	if err != nil {
		return nil, fmt.Errorf("generate test cases: %w", err)
	}
	return ParseCases(reply)
}

// FetchSchema GETs {baseURL}/openapi.json. Non-2xx responses are errors.
func (g *Generator) FetchSchema(ctx context.Context, baseURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/openapi.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build schema request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch openapi schema: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openapi schema: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch openapi schema: %s returned %d", url, resp.StatusCode)
	}
	return body, nil
}

// TruncatePaths returns the first max entries of the document's "paths"
// object, in document order, as indented JSON.
func TruncatePaths(schema []byte, max int) (string, error) {
	if !gjson.ValidBytes(schema) {
		return "", errors.New("openapi schema is not valid JSON")
	}

	out := []byte("{}")
	var setErr error
	i := 0
	gjson.GetBytes(schema, "paths").ForEach(func(key, value gjson.Result) bool {
		if i >= max {
			return false
		}
		out, setErr = sjson.SetRawBytes(out, escapePathKey(key.String()), []byte(value.Raw))
		if setErr != nil {
			return false
		}
		i++
		return true
	})
	if setErr != nil {
		return "", fmt.Errorf("truncate paths: %w", setErr)
	}

	return string(pretty.PrettyOptions(out, &pretty.Options{Indent: "  ", Width: 80})), nil
}

// escapePathKey escapes characters sjson treats as path syntax.
func escapePathKey(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@', '!', ':':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const generatorPrompt = `You are an expert SDET. Given this OpenAPI snippet, generate a list of high-quality API test cases.

Return ONLY valid JSON, no markdown, in this format:
[
  {
    "name": "short human-readable test name",
    "endpoint": "HTTP_METHOD PATH",
    "category": "positive" | "negative" | "edge",
    "preconditions": ["..."],
    "request": {
        "method": "GET/POST/PUT/... etc",
        "path": "/example",
        "body": { ... },
        "requires_auth": true/false
    },
    "expected": ["list of expected outcomes, status codes, body checks"]
  }
]

OpenAPI snippet:
`

// BuildPrompt embeds the schema snippet in the generation instructions.
func BuildPrompt(snippet string) string {
	return generatorPrompt + snippet
}

// ParseCases decodes a model reply. The whole reply is tried first, then the
// span from the first '[' to the last ']'.
func ParseCases(text string) ([]TestCase, error) {
	raw := strings.TrimSpace(text)
	if !gjson.Valid(raw) {
		start := strings.Index(raw, "[")
		end := strings.LastIndex(raw, "]")
		if start == -1 || end == -1 || end < start {
			return nil, ErrGenerationParse
		}
		raw = raw[start : end+1]
		if !gjson.Valid(raw) {
			return nil, ErrGenerationParse
		}
	}

	doc := gjson.Parse(raw)
	if !doc.IsArray() {
		return nil, ErrGenerationShape
	}

	var cases []TestCase
	doc.ForEach(func(_, v gjson.Result) bool {
		cases = append(cases, decodeCase(v))
		return true
	})
	if cases == nil {
		cases = []TestCase{}
	}
	return cases, nil
}

// decodeCase reads a case leniently: missing or mistyped fields stay zero.
func decodeCase(v gjson.Result) TestCase {
	tc := TestCase{
		Name:     stringField(v, "name"),
		Endpoint: stringField(v, "endpoint"),
		Category: stringField(v, "category"),
		Request: CaseRequest{
			Method:       stringField(v, "request.method"),
			Path:         stringField(v, "request.path"),
			RequiresAuth: v.Get("request.requires_auth").Bool(),
		},
		Preconditions: stringList(v.Get("preconditions")),
		Expected:      stringList(v.Get("expected")),
	}
	if body := v.Get("request.body"); body.Exists() && body.Type != gjson.Null {
		tc.Request.Body = json.RawMessage(body.Raw)
	}
	return tc
}

func stringField(v gjson.Result, path string) string {
	r := v.Get(path)
	if r.Type != gjson.String {
		return ""
	}
	return r.String()
}

func stringList(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		out = append(out, item.String())
	}
	return out
}
