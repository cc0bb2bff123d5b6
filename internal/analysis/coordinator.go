// Package analysis runs one analysis attempt over scraped property data and checks the result
// against the fixed output schema.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
)

// ErrNoScrapedData is reported when analysis is asked for before extraction produced anything.
var ErrNoScrapedData = errors.New("submission has no scraped data")

// Outcome is reported to the pipeline controller. Result is set on success; Kind and Message
// otherwise.
type Outcome struct {
	Result  json.RawMessage
	Kind    constants.FailureKind
	Message string
}

// OK reports whether the attempt produced a valid document.
func (o Outcome) OK() bool { return len(o.Result) > 0 }

// Coordinator validates collaborator output against schema before handing it back.
type Coordinator struct {
	analyzer llm.Analyzer
	schema   map[string]any
	timeout  time.Duration
	logger   *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each collaborator call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSchema replaces the output schema.
func WithSchema(schema map[string]any) Option {
	return func(c *Coordinator) {
		if schema != nil {
			c.schema = schema
		}
	}
}

func NewCoordinator(analyzer llm.Analyzer, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		analyzer: analyzer,
		schema:   llm.BuildAnalysisJSONSchema(),
		timeout:  3 * time.Minute,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze performs one attempt for sub. Parse and shape problems come back as FailureSchema;
// collaborator problems as FailureTransient or FailurePermanent.
func (c *Coordinator) Analyze(ctx context.Context, sub *entity.Submission) Outcome {
	start := time.Now()
	if !sub.HasScrapedData() {
		return Outcome{Kind: constants.FailurePermanent, Message: ErrNoScrapedData.Error()}
	}
	prop, err := sub.Property()
	if err != nil {
		c.logger.Error("analysis.scraped_data.decode_error", "submission_id", sub.ID, "error", err)
		return Outcome{Kind: constants.FailurePermanent, Message: "scraped data unreadable: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.analyzer.Analyze(ctx, llm.AnalyzeRequest{
		SubmissionID: sub.ID.String(),
		PropertyURL:  sub.PropertyURL,
		Platform:     sub.Platform,
		Property:     prop,
		Schema:       c.schema,
	})
	if err != nil {
		kind := llm.FailureKind(err)
		c.logger.Warn("analysis.collaborator.failed",
			"submission_id", sub.ID, "kind", kind, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		msg := "analysis unavailable: " + err.Error()
		if kind == constants.FailureSchema {
			msg = "analysis output malformed: " + err.Error()
		}
		return Outcome{Kind: kind, Message: msg}
	}

	if err := llm.ValidateJSONAgainstSchema(c.schema, raw); err != nil {
		c.logger.Warn("analysis.schema_validation_failed",
			"submission_id", sub.ID, "error", err, "bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds())
		return Outcome{Kind: constants.FailureSchema, Message: "analysis output malformed: " + err.Error()}
	}

	c.logger.Info("analysis.ok",
		"submission_id", sub.ID, "bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())
	return Outcome{Result: json.RawMessage(raw)}
}
