// Package gemini is the Gemini-backed text completion used to compile instructions and to explain
// failures.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/retry"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// Retry bounds transient-failure retries and the shared request rate.
	Retry retry.Options
}

// Client issues plain-text completions at temperature 0. It is safe for concurrent use.
type Client struct {
	client *genai.Client
	model  string
	policy *retry.Policy
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Client{
		client: client,
		model:  strings.TrimSpace(cfg.Model),
		policy: retry.New(cfg.Retry),
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Infer returns the model's text response to prompt.
func (c *Client) Infer(ctx context.Context, prompt string) (string, error) {
	return retry.Do(ctx, c.policy, func(ctx context.Context) (string, error) {
		return c.generate(ctx, prompt)
	})
}

// Explain asks the model for a short, user-facing explanation of a failure.
func (c *Client) Explain(ctx context.Context, rawErr string) (string, error) {
	return c.Infer(ctx, buildExplainPrompt(rawErr))
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(
		ctx,
		c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Temperature:    genai.Ptr[float32](0),
			CandidateCount: 1,
		},
	)
	if err != nil {
		return "", classifyErr(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty response%s", finishReason(resp))
	}
	return text, nil
}

func buildExplainPrompt(rawErr string) string {
	return strings.TrimSpace(`
A user asked a data tool to transform a spreadsheet and it failed with the error below.
Explain in two or three plain sentences what went wrong and what the user could change in their
instruction or file. Do not mention stack traces, internal names, or credentials.

Error:
` + rawErr + `
`)
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	if r := resp.Candidates[0].FinishReason; r != "" {
		return " (finishReason=" + string(r) + ")"
	}
	return ""
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	// Wrap transient failures so retry.Do backs off and tries again.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &core.TransientError{Err: err}
	}
	return err
}
