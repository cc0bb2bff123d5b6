package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
)

const provider = "openai"

var _ llm.Analyzer = (*Client)(nil)

// Analyze implements llm.Analyzer using chat/completions in JSON mode.
func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) ([]byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.logger.Info("llm.analyze.start",
		"req_id", rid,
		"provider", provider,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"submission_id", req.SubmissionID,
		"platform", req.Platform,
		"raw_text_len", len(req.Property.RawText),
		"reviews", len(req.Property.RecentReviews),
	)

	schema := req.Schema
	if schema == nil {
		schema = llm.BuildAnalysisJSONSchema()
	}

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt(req)},
			{"role": "user", "content": llm.BuildUserPrompt(req) + "\n\nReturn ONLY JSON that matches the provided schema."},
			{"role": "system", "content": llm.SchemaPrompt(schema)},
		},
	}
	if c.cfg.MaxTokens > 0 {
		body["max_tokens"] = c.cfg.MaxTokens
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, httpErr := llm.SendJSON(ctx, c.http, provider, endpoint, body, headers, c.logger)
	if httpErr != nil {
		c.logger.Error("llm.analyze.http_error",
			"req_id", rid, "error", httpErr,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, httpErr
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Error("llm.analyze.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("llm.analyze.no_choices",
			"req_id", rid, "raw", string(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("%w: no choices in openai response", llm.ErrMalformedOutput)
	}

	content, err := llm.ExtractJSONObject(cc.Choices[0].Message.Content)
	if err != nil {
		c.logger.Error("llm.analyze.no_json",
			"req_id", rid, "finish_reason", cc.Choices[0].FinishReason, "error", err,
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
		"bytes", len(out),
		"finish_reason", cc.Choices[0].FinishReason,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
