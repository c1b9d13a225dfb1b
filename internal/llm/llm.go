package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrNotConfigured is returned when no API key is available.
var ErrNotConfigured = errors.New("LLM not configured (set ANTHROPIC_API_KEY)")

// ErrEmptyResponse is returned when the model reply carries no text block.
var ErrEmptyResponse = errors.New("no text content in API response")

// Model submits a prompt and returns the model's text reply.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// defaultSystem frames every request. Prompts carry their own instructions.
const defaultSystem = `You are an expert SDET and software engineer assisting with API testing. Follow the output format requested in each prompt exactly.`

// Client wraps the Anthropic API.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string

	reqOpts []option.RequestOption
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens overrides the reply token limit.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithSystem overrides the system prompt.
func WithSystem(s string) Option {
	return func(c *Client) { c.system = s }
}

// WithRequestOptions passes extra options to the underlying SDK client,
// e.g. option.WithBaseURL in tests.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *Client) { c.reqOpts = append(c.reqOpts, opts...) }
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		model:     anthropic.Model(model),
		maxTokens: 8192,
		system:    defaultSystem,
	}
	if apiKey != "" {
		c.reqOpts = append(c.reqOpts, option.WithAPIKey(apiKey))
	}
	for _, o := range opts {
		o(c)
	}
	client := anthropic.NewClient(c.reqOpts...)
	c.api = &client
	return c
}

// Generate sends prompt as a single user message and returns the first text block.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: c.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Unconfigured is a Model that always fails with ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Generate(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

// New returns an Anthropic client when apiKey is set, otherwise Unconfigured.
func New(apiKey, model string, opts ...Option) Model {
	if apiKey == "" {
		return Unconfigured{}
	}
	return NewClient(apiKey, model, opts...)
}
