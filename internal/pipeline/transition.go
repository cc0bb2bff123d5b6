package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/events"
	"github.com/joseph-ayodele/listing-diagnostics/internal/metrics"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
)

// Policy is the retry and stall policy shared by Controller and Monitor.
type Policy struct {
	// MaxRetries bounds extraction failures; reaching it sends the submission to manual review.
	MaxRetries int
	// MaxAnalysisAttempts bounds analysis failures; reaching it fails the submission.
	MaxAnalysisAttempts int
	// StallTimeout is how long scraping or analyzing may go without a status update.
	StallTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          constants.DefaultMaxRetries,
		MaxAnalysisAttempts: constants.DefaultMaxAnalysisAttempts,
		StallTimeout:        5 * time.Minute,
	}
}

// Option configures a Controller or Monitor.
type Option func(*settings)

type settings struct {
	policy    Policy
	publisher events.Publisher
	metrics   *metrics.Metrics
	locker    Locker
	now       func() time.Time
	logger    *slog.Logger
}

func WithPolicy(p Policy) Option {
	return func(s *settings) {
		if p.MaxRetries > 0 {
			s.policy.MaxRetries = p.MaxRetries
		}
		if p.MaxAnalysisAttempts > 0 {
			s.policy.MaxAnalysisAttempts = p.MaxAnalysisAttempts
		}
		if p.StallTimeout > 0 {
			s.policy.StallTimeout = p.StallTimeout
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *settings) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithLocker replaces the in-process lock, e.g. with a RedisLocker.
func WithLocker(l Locker) Option {
	return func(s *settings) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithClock replaces time.Now for stall decisions and retry stamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		policy:    DefaultPolicy(),
		publisher: events.Nop{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.locker == nil {
		s.locker = NewKeyedMutex()
	}
	return s
}

// transitioner applies status changes and reports them. Controller and Monitor share it so a
// stall is recovered through the same compare-and-swap whoever notices it first.
type transitioner struct {
	store repository.SubmissionRepository
	settings
}

// apply moves sub to `to` with patch. A lost compare-and-swap returns common.ErrStaleTransition.
func (t *transitioner) apply(ctx context.Context, sub *entity.Submission, to constants.SubmissionStatus, patch repository.Patch, reason string) (*entity.Submission, error) {
	from := sub.Status
	updated, err := t.store.Transition(ctx, sub.ID, from, to, patch)
	if err != nil {
		t.logger.Debug("pipeline.transition.rejected", "submission_id", sub.ID, "from", from, "to", to, "error", err)
		return nil, err
	}

	t.metrics.IncTransition(string(from), string(to))
	if patch.IncrementRetry {
		t.metrics.IncRetry("extraction")
	}
	if patch.IncrementAnalysisAttempts {
		t.metrics.IncRetry("analysis")
	}

	t.logger.Info("pipeline.transition",
		"submission_id", sub.ID,
		"from", from,
		"to", to,
		"reason", reason,
		"retry_count", updated.RetryCount,
		"analysis_attempts", updated.AnalysisAttempts,
	)
	t.publish(ctx, events.Event{
		Type:         events.TypeTransitioned,
		SubmissionID: updated.ID,
		From:         from,
		To:           to,
		Platform:     updated.Platform,
		RetryCount:   updated.RetryCount,
		Reason:       reason,
		Error:        updated.ErrorText(),
		Terminal:     to.IsTerminal(),
	})
	return updated, nil
}

func (t *transitioner) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = t.now().UTC()
	}
	if err := t.publisher.Publish(ctx, e); err != nil {
		t.metrics.IncPublishError()
		t.logger.Warn("pipeline.event.publish_failed", "submission_id", e.SubmissionID, "type", e.Type, "error", err)
	}
}

// stalled reports whether sub has sat in an in-flight status longer than the stall timeout.
// Exactly at the timeout is not a stall.
func (t *transitioner) stalled(sub *entity.Submission) bool {
	switch sub.Status {
	case constants.StatusScraping, constants.StatusAnalyzing:
		return t.now().Sub(sub.UpdatedAt) > t.policy.StallTimeout
	default:
		return false
	}
}

// recoverStall moves a stalled submission on: scraping to scraping_retry, analyzing to a failed
// analysis attempt. It returns the submission unchanged when it is not stalled.
func (t *transitioner) recoverStall(ctx context.Context, sub *entity.Submission) (*entity.Submission, bool, error) {
	if !t.stalled(sub) {
		return sub, false, nil
	}
	idle := t.now().Sub(sub.UpdatedAt).Round(time.Second)

	var (
		updated *entity.Submission
		err     error
	)
	switch sub.Status {
	case constants.StatusScraping:
		msg := fmt.Sprintf("extraction stalled: no result within %s (idle %s)", t.policy.StallTimeout, idle)
		updated, err = t.apply(ctx, sub, constants.StatusScrapingRetry, repository.Patch{ErrorMessage: &msg}, string(constants.FailureStall))
	case constants.StatusAnalyzing:
		msg := fmt.Sprintf("analysis stalled: no result within %s (idle %s)", t.policy.StallTimeout, idle)
		updated, err = t.analysisFailed(ctx, sub, msg, constants.FailureStall)
	}
	if err != nil {
		return nil, false, err
	}
	t.metrics.IncStall(string(sub.Status))
	t.logger.Warn("pipeline.stall.recovered", "submission_id", sub.ID, "status", sub.Status, "idle", idle)
	return updated, true, nil
}

// analysisFailed consumes one analysis attempt: back to scraping_completed while attempts remain,
// failed once they are exhausted.
func (t *transitioner) analysisFailed(ctx context.Context, sub *entity.Submission, msg string, kind constants.FailureKind) (*entity.Submission, error) {
	attempts := sub.AnalysisAttempts + 1
	if attempts >= t.policy.MaxAnalysisAttempts {
		final := fmt.Sprintf("analysis failed after %d attempts: %s", attempts, msg)
		return t.apply(ctx, sub, constants.StatusFailed, repository.Patch{
			ErrorMessage:              &final,
			IncrementAnalysisAttempts: true,
		}, string(kind))
	}
	return t.apply(ctx, sub, constants.StatusScrapingCompleted, repository.Patch{
		ErrorMessage:              &msg,
		IncrementAnalysisAttempts: true,
	}, string(kind))
}
