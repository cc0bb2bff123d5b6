// Package anthropic implements llm.Analyzer on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
)

const provider = "anthropic"

// Config for the Anthropic client.
type Config struct {
	APIKey          string // if empty, falls back to env ANTHROPIC_API_KEY
	BaseURL         string // empty keeps the SDK default
	Model           string
	Temperature     float32
	MaxTokens       int64
	Timeout         time.Duration
	LenientOptional bool

	// HTTPClient overrides the SDK transport.
	HTTPClient *http.Client
}

type Client struct {
	cfg    Config
	api    sdk.Client
	logger *slog.Logger
}

var _ llm.Analyzer = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Retries belong to the pipeline, not the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Client{cfg: cfg, api: sdk.NewClient(opts...), logger: logger}
}

// Analyze implements llm.Analyzer. The schema travels in the system prompt and the answer is
// cleaned the same way as the OpenAI client's.
func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) ([]byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	schema := req.Schema
	if schema == nil {
		schema = llm.BuildAnalysisJSONSchema()
	}

	c.logger.Info("llm.analyze.start",
		"req_id", rid,
		"provider", provider,
		"model", c.cfg.Model,
		"submission_id", req.SubmissionID,
		"platform", req.Platform,
	)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		System: []sdk.TextBlockParam{
			{Text: llm.BuildSystemPrompt(req)},
			{Text: llm.SchemaPrompt(schema)},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(llm.BuildUserPrompt(req) + "\n\nReturn ONLY JSON that matches the provided schema.")),
		},
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(float64(c.cfg.Temperature))
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		err = classify(err)
		c.logger.Error("llm.analyze.http_error",
			"req_id", rid, "provider", provider, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	content, err := llm.ExtractJSONObject(text.String())
	if err != nil {
		c.logger.Error("llm.analyze.no_json",
			"req_id", rid, "stop_reason", msg.StopReason, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	out, _, err := llm.NormalizeAndSanitize(content, schema, c.cfg.LenientOptional, c.logger)
	if err != nil {
		return nil, err
	}
	c.logger.Info("llm.analyze.ok",
		"req_id", rid,
		"provider", provider,
		"bytes", len(out),
		"stop_reason", msg.StopReason,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// classify turns SDK API errors into *llm.StatusError so the caller can tell transient from permanent.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &llm.StatusError{Provider: provider, StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return fmt.Errorf("%s request: %w", provider, err)
}
