// Package events makes submission progress observable outside the pipeline: every applied
// transition and every report outcome is published as a small JSON event keyed by submission id.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

// Type names an event.
type Type string

const (
	TypeCreated      Type = "submission.created"
	TypeTransitioned Type = "submission.transitioned"
	TypeReportReady  Type = "submission.report_ready"
	TypeReportFailed Type = "submission.report_failed"
)

// Event is the published payload. Fields irrelevant to Type are omitted.
type Event struct {
	Type         Type                       `json:"type"`
	SubmissionID uuid.UUID                  `json:"submission_id"`
	From         constants.SubmissionStatus `json:"from,omitempty"`
	To           constants.SubmissionStatus `json:"to,omitempty"`
	Platform     constants.Platform         `json:"platform,omitempty"`
	RetryCount   int                        `json:"retry_count"`
	Reason       string                     `json:"reason,omitempty"`
	ReportURL    string                     `json:"report_url,omitempty"`
	Error        string                     `json:"error,omitempty"`
	Terminal     bool                       `json:"terminal"`
	OccurredAt   time.Time                  `json:"occurred_at"`
}

// Key is the partition key; events for one submission stay ordered.
func (e Event) Key() string { return e.SubmissionID.String() }

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to a logger. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, string(e.Type),
		"submission_id", e.SubmissionID,
		"from", e.From,
		"to", e.To,
		"retry_count", e.RetryCount,
		"reason", e.Reason,
		"report_url", e.ReportURL,
		"error", e.Error,
		"terminal", e.Terminal,
	)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
