package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
)

// StatusView is what callers polling a submission see. AnalysisResult and ReportURL are set only
// for completed submissions, ErrorMessage only for failed and pending_manual_review.
type StatusView struct {
	ID             uuid.UUID                  `json:"id"`
	PropertyURL    string                     `json:"property_url"`
	Platform       constants.Platform         `json:"platform"`
	Status         constants.SubmissionStatus `json:"status"`
	RetryCount     int                        `json:"retry_count"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	AnalysisResult json.RawMessage            `json:"analysis_result,omitempty"`
	ReportURL      string                     `json:"report_url,omitempty"`
	ErrorMessage   string                     `json:"error_message,omitempty"`
}

// Terminal reports whether automation has stopped for this submission.
func (v StatusView) Terminal() bool { return v.Status.IsTerminal() }

// Monitor answers status reads. A read that finds a stalled in-flight submission recovers it
// first, through the same compare-and-swap the Controller uses.
type Monitor struct {
	transitioner
}

func NewMonitor(store repository.SubmissionRepository, opts ...Option) *Monitor {
	return &Monitor{transitioner: transitioner{store: store, settings: newSettings(opts)}}
}

func (m *Monitor) Status(ctx context.Context, id uuid.UUID) (StatusView, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	if m.stalled(sub) {
		updated, _, err := m.recoverStall(ctx, sub)
		switch {
		case errors.Is(err, common.ErrStaleTransition):
			if sub, err = m.store.Get(ctx, id); err != nil {
				return StatusView{}, err
			}
		case err != nil:
			return StatusView{}, err
		default:
			sub = updated
		}
	}
	return ViewOf(sub), nil
}

// ViewOf projects sub onto the fields its status exposes.
func ViewOf(sub *entity.Submission) StatusView {
	v := StatusView{
		ID:          sub.ID,
		PropertyURL: sub.PropertyURL,
		Platform:    sub.Platform,
		Status:      sub.Status,
		RetryCount:  sub.RetryCount,
		UpdatedAt:   sub.UpdatedAt,
	}
	switch sub.Status {
	case constants.StatusCompleted:
		v.AnalysisResult = sub.AnalysisResult
		if sub.ReportURL != nil {
			v.ReportURL = *sub.ReportURL
		}
	case constants.StatusFailed, constants.StatusPendingManualReview:
		v.ErrorMessage = sub.ErrorText()
	}
	return v
}
