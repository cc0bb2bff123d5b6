// Package report renders completed analyses into a durable artifact, stores it and records the
// resulting URL on the submission. It is best-effort: callers log failures and never move the
// submission's status because of them.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
)

// ErrNotReportable is returned for submissions that are not completed with an analysis.
var ErrNotReportable = errors.New("submission has no completed analysis")

// URLRecorder persists report_url. Implemented by the submission repository.
type URLRecorder interface {
	SetReportURL(ctx context.Context, id uuid.UUID, url string) (*entity.Submission, error)
}

// Coordinator renders, stores and records one report.
type Coordinator struct {
	renderer Renderer
	store    ObjectStore
	recorder URLRecorder
	prefix   string
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithKeyPrefix sets the object key prefix; "reports/" by default.
func WithKeyPrefix(prefix string) Option {
	return func(c *Coordinator) { c.prefix = prefix }
}

// WithTimeout bounds the store call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces time.Now for the generated-at stamp.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(renderer Renderer, store ObjectStore, recorder URLRecorder, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		renderer: renderer,
		store:    store,
		recorder: recorder,
		prefix:   "reports/",
		timeout:  time.Minute,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate renders sub's analysis, stores it under a key derived from the submission id and
// records the URL. Regenerating overwrites the same object.
func (c *Coordinator) Generate(ctx context.Context, sub *entity.Submission) (string, error) {
	if sub.Status != constants.StatusCompleted || !sub.HasAnalysis() {
		return "", ErrNotReportable
	}
	start := time.Now()

	body, err := c.renderer.Render(sub, c.now())
	if err != nil {
		c.logger.Error("report.render.failed", "submission_id", sub.ID, "error", err)
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := c.prefix + sub.ID.String() + c.renderer.Extension()
	url, err := c.store.Put(ctx, key, c.renderer.ContentType(), body)
	if err != nil {
		c.logger.Error("report.store.failed", "submission_id", sub.ID, "key", key, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return "", err
	}
	if _, err := c.recorder.SetReportURL(ctx, sub.ID, url); err != nil {
		c.logger.Error("report.record.failed", "submission_id", sub.ID, "url", url, "error", err)
		return "", fmt.Errorf("record report url: %w", err)
	}

	c.logger.Info("report.ok", "submission_id", sub.ID, "url", url, "bytes", len(body),
		"elapsed_ms", time.Since(start).Milliseconds())
	return url, nil
}
