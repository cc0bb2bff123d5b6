// Package pipeline drives submissions through the diagnostic state machine. The Controller is
// the only writer of status; the Monitor is the read side and shares its stall recovery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/analysis"
	"github.com/joseph-ayodele/listing-diagnostics/internal/classifier"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/events"
	"github.com/joseph-ayodele/listing-diagnostics/internal/extraction"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
)

// maxSteps bounds one Advance call. The longest synchronous path needs seven steps.
const maxSteps = 16

// URLClassifier decides whether a URL may enter extraction.
type URLClassifier interface {
	Classify(raw string) classifier.Result
}

// Extractor performs one extraction attempt.
type Extractor interface {
	Start(ctx context.Context, sub *entity.Submission) extraction.Outcome
	Check(ctx context.Context, sub *entity.Submission) extraction.Outcome
}

// Analyst performs one analysis attempt.
type Analyst interface {
	Analyze(ctx context.Context, sub *entity.Submission) analysis.Outcome
}

// Reporter produces the report artifact for a completed submission.
type Reporter interface {
	Generate(ctx context.Context, sub *entity.Submission) (string, error)
}

// Stages are the coordinators the controller dispatches to. Reports is optional.
type Stages struct {
	Classifier URLClassifier
	Extraction Extractor
	Analysis   Analyst
	Reports    Reporter
}

// Controller applies the state machine. Every status change is a compare-and-swap through the
// store, so any number of controllers may drive the same submission.
type Controller struct {
	transitioner
	stages Stages
}

func NewController(store repository.SubmissionRepository, stages Stages, opts ...Option) *Controller {
	if stages.Classifier == nil {
		stages.Classifier = defaultClassifier{}
	}
	return &Controller{
		transitioner: transitioner{store: store, settings: newSettings(opts)},
		stages:       stages,
	}
}

type defaultClassifier struct{}

func (defaultClassifier) Classify(raw string) classifier.Result { return classifier.Classify(raw) }

// Monitor returns a Monitor sharing this controller's store, policy and reporting.
func (c *Controller) Monitor() *Monitor {
	return &Monitor{transitioner: c.transitioner}
}

// Policy returns the effective retry policy.
func (c *Controller) Policy() Policy { return c.policy }

// Create records a new pending submission.
func (c *Controller) Create(ctx context.Context, propertyURL string) (*entity.Submission, error) {
	propertyURL = strings.TrimSpace(propertyURL)
	if propertyURL == "" {
		return nil, common.NewAppError("INVALID_INPUT", "property_url is required", common.ErrInvalidInput)
	}
	sub := &entity.Submission{PropertyURL: propertyURL, Platform: constants.PlatformUnknown}
	if err := c.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	c.logger.Info("pipeline.create", "submission_id", sub.ID, "property_url", propertyURL)
	c.publish(ctx, events.Event{
		Type:         events.TypeCreated,
		SubmissionID: sub.ID,
		To:           sub.Status,
		Platform:     sub.Platform,
	})
	return sub, nil
}

// Advance makes as much progress on id as possible without waiting: it runs steps until the
// submission is terminal, blocked on an in-flight collaborator run, or has just recorded a
// retryable failure (the next attempt is left to a later call so retries can be spaced out).
// A failure that spends the last extraction attempt escalates in the same call. Safe to call
// repeatedly and concurrently.
func (c *Controller) Advance(ctx context.Context, id uuid.UUID) (*entity.Submission, error) {
	unlock, err := c.locker.Lock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	sub, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := sub.Status

	for i := 0; i < maxSteps; i++ {
		next, more, err := c.step(ctx, sub)
		if errors.Is(err, common.ErrStaleTransition) {
			c.logger.Debug("pipeline.advance.stale", "submission_id", id, "status", sub.Status)
			if sub, err = c.store.Get(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			c.logger.Error("pipeline.advance.failed", "submission_id", id, "status", sub.Status, "error", err)
			return sub, err
		}
		sub = next
		if !more {
			break
		}
	}

	c.logger.Debug("pipeline.advance.done",
		"submission_id", id, "from", from, "status", sub.Status,
		"elapsed_ms", time.Since(start).Milliseconds())
	return sub, nil
}

// Requeue is the operator action that sends a submission out of manual review back to pending
// with a fresh retry budget. Scraped data is kept.
func (c *Controller) Requeue(ctx context.Context, id uuid.UUID) (*entity.Submission, error) {
	unlock, err := c.locker.Lock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != constants.StatusPendingManualReview {
		return nil, fmt.Errorf("%w: submission %s is %s, only %s can be requeued",
			common.ErrInvalidTransition, id, sub.Status, constants.StatusPendingManualReview)
	}
	// Requeue is the one place retry_count goes down: the operator grants a fresh budget.
	return c.apply(ctx, sub, constants.StatusPending, repository.Patch{
		ResetRetry:            true,
		ClearError:            true,
		ClearRunReference:     true,
		ResetAnalysisAttempts: true,
	}, "requeued")
}

// step performs the work for sub's current status. more reports whether the next status can be
// worked on right away.
func (c *Controller) step(ctx context.Context, sub *entity.Submission) (next *entity.Submission, more bool, err error) {
	switch sub.Status {
	case constants.StatusPending:
		return c.classify(ctx, sub)
	case constants.StatusProcessing:
		return c.launch(ctx, sub)
	case constants.StatusScraping:
		return c.poll(ctx, sub)
	case constants.StatusScrapingRetry:
		return c.retryOrEscalate(ctx, sub)
	case constants.StatusScrapingCompleted:
		return c.analyze(ctx, sub)
	case constants.StatusAnalyzing:
		// Another worker is analyzing, or one died doing so. Only a stall moves it from here.
		updated, _, err := c.recoverStall(ctx, sub)
		return updated, false, err
	case constants.StatusCompleted:
		return c.report(ctx, sub), false, nil
	default:
		return sub, false, nil
	}
}

func (c *Controller) classify(ctx context.Context, sub *entity.Submission) (*entity.Submission, bool, error) {
	res := c.stages.Classifier.Classify(sub.PropertyURL)
	platform := res.Platform
	if res.Rejected() {
		msg := res.RejectedReason
		updated, err := c.apply(ctx, sub, constants.StatusPendingManualReview, repository.Patch{
			Platform:     &platform,
			ErrorMessage: &msg,
		}, string(constants.FailureValidation))
		return updated, false, err
	}
	updated, err := c.apply(ctx, sub, constants.StatusProcessing, repository.Patch{
		Platform:          &platform,
		ClearError:        true,
		ClearRunReference: true,
	}, "classified")
	return updated, true, err
}

func (c *Controller) launch(ctx context.Context, sub *entity.Submission) (*entity.Submission, bool, error) {
	start := time.Now()
	out := c.stages.Extraction.Start(ctx, sub)
	c.metrics.ObserveStage("extraction_start", outcomeLabel(out.State == extraction.StateFailed, out.Kind), time.Since(start))

	if out.State != extraction.StateFailed && out.RunReference == "" {
		out = extraction.Outcome{State: extraction.StateFailed, Kind: constants.FailureTransient,
			Message: "extraction launch returned no run reference"}
	}

	switch out.State {
	case extraction.StateLaunched:
		ref := out.RunReference
		updated, err := c.apply(ctx, sub, constants.StatusScraping, repository.Patch{RunReference: &ref}, "launched")
		return updated, false, err
	case extraction.StateSucceeded:
		ref := out.RunReference
		scraping, err := c.apply(ctx, sub, constants.StatusScraping, repository.Patch{RunReference: &ref}, "launched")
		if err != nil {
			return nil, false, err
		}
		return c.scraped(ctx, scraping, out)
	default:
		msg := out.Message
		updated, err := c.apply(ctx, sub, constants.StatusScrapingRetry, repository.Patch{ErrorMessage: &msg}, string(out.Kind))
		return updated, err == nil && c.budgetSpent(updated), err
	}
}

func (c *Controller) poll(ctx context.Context, sub *entity.Submission) (*entity.Submission, bool, error) {
	if updated, recovered, err := c.recoverStall(ctx, sub); err != nil || recovered {
		return updated, err == nil && c.budgetSpent(updated), err
	}

	start := time.Now()
	out := c.stages.Extraction.Check(ctx, sub)
	c.metrics.ObserveStage("extraction_check", outcomeLabel(out.Kind != "", out.Kind), time.Since(start))

	switch out.State {
	case extraction.StateSucceeded:
		return c.scraped(ctx, sub, out)
	case extraction.StateFailed:
		msg := out.Message
		updated, err := c.apply(ctx, sub, constants.StatusScrapingRetry, repository.Patch{ErrorMessage: &msg}, string(out.Kind))
		return updated, err == nil && c.budgetSpent(updated), err
	default:
		if out.Message != "" {
			c.logger.Warn("pipeline.poll.degraded", "submission_id", sub.ID, "run_ref", sub.RunReference(), "message", out.Message)
		}
		return sub, false, nil
	}
}

func (c *Controller) scraped(ctx context.Context, sub *entity.Submission, out extraction.Outcome) (*entity.Submission, bool, error) {
	updated, err := c.apply(ctx, sub, constants.StatusScrapingCompleted, repository.Patch{
		ScrapedData:       out.Data,
		ClearRunReference: true,
		ClearError:        true,
	}, "scraped")
	return updated, true, err
}

// retryOrEscalate is the single place the extraction budget is spent. retry_count counts the
// failures consumed, including the one that led here.
func (c *Controller) retryOrEscalate(ctx context.Context, sub *entity.Submission) (*entity.Submission, bool, error) {
	failures := sub.RetryCount + 1
	now := c.now().UTC()

	if failures >= c.policy.MaxRetries {
		last := sub.ErrorText()
		if last == "" {
			last = "unknown error"
		}
		msg := fmt.Sprintf("extraction failed %d times, last error: %s", failures, last)
		updated, err := c.apply(ctx, sub, constants.StatusPendingManualReview, repository.Patch{
			IncrementRetry: true,
			LastRetryAt:    &now,
			ErrorMessage:   &msg,
		}, "retries_exhausted")
		return updated, false, err
	}

	updated, err := c.apply(ctx, sub, constants.StatusProcessing, repository.Patch{
		IncrementRetry:    true,
		LastRetryAt:       &now,
		ClearError:        true,
		ClearRunReference: true,
	}, "retry")
	return updated, true, err
}

// budgetSpent reports whether the failure just recorded on sub used the last extraction attempt,
// in which case escalation need not wait for a later call.
func (c *Controller) budgetSpent(sub *entity.Submission) bool {
	return sub.Status == constants.StatusScrapingRetry && sub.RetryCount+1 >= c.policy.MaxRetries
}

func (c *Controller) analyze(ctx context.Context, sub *entity.Submission) (*entity.Submission, bool, error) {
	analyzing, err := c.apply(ctx, sub, constants.StatusAnalyzing, repository.Patch{}, "analysis_started")
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	out := c.stages.Analysis.Analyze(ctx, analyzing)
	c.metrics.ObserveStage("analysis", outcomeLabel(!out.OK(), out.Kind), time.Since(start))

	if out.OK() {
		updated, err := c.apply(ctx, analyzing, constants.StatusCompleted, repository.Patch{
			AnalysisResult: out.Result,
			ClearError:     true,
		}, "analyzed")
		return updated, true, err
	}
	updated, err := c.analysisFailed(ctx, analyzing, out.Message, out.Kind)
	return updated, false, err
}

// report backfills report_url. Failures are logged and published, never a status change.
func (c *Controller) report(ctx context.Context, sub *entity.Submission) *entity.Submission {
	if c.stages.Reports == nil || sub.ReportURL != nil || !sub.HasAnalysis() {
		return sub
	}
	start := time.Now()
	url, err := c.stages.Reports.Generate(ctx, sub)
	if err != nil {
		c.metrics.ObserveStage("report", string(constants.FailureStorage), time.Since(start))
		c.metrics.IncReportFailure()
		c.logger.Warn("pipeline.report.failed", "submission_id", sub.ID, "error", err)
		c.publish(ctx, events.Event{
			Type:         events.TypeReportFailed,
			SubmissionID: sub.ID,
			To:           sub.Status,
			Platform:     sub.Platform,
			RetryCount:   sub.RetryCount,
			Error:        err.Error(),
			Terminal:     true,
		})
		return sub
	}
	c.metrics.ObserveStage("report", "ok", time.Since(start))
	c.publish(ctx, events.Event{
		Type:         events.TypeReportReady,
		SubmissionID: sub.ID,
		To:           sub.Status,
		Platform:     sub.Platform,
		RetryCount:   sub.RetryCount,
		ReportURL:    url,
		Terminal:     true,
	})
	out := *sub
	out.ReportURL = &url
	return &out
}

func outcomeLabel(failed bool, kind constants.FailureKind) string {
	if !failed || kind == "" {
		return "ok"
	}
	return string(kind)
}
