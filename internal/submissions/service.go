package submissions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/async"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/export"
	"github.com/joseph-ayodele/listing-diagnostics/internal/pipeline"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
	"github.com/joseph-ayodele/listing-diagnostics/internal/utils"
)

// Controller is the part of the pipeline the service drives.
type Controller interface {
	Create(ctx context.Context, propertyURL string) (*entity.Submission, error)
	Advance(ctx context.Context, id uuid.UUID) (*entity.Submission, error)
	Requeue(ctx context.Context, id uuid.UUID) (*entity.Submission, error)
}

// StatusReader answers status reads, recovering stalls as it goes.
type StatusReader interface {
	Status(ctx context.Context, id uuid.UUID) (pipeline.StatusView, error)
}

// Service handles submission use cases for the transports.
type Service struct {
	ctrl     Controller
	monitor  StatusReader
	queue    async.Queue
	repo     repository.SubmissionRepository
	exporter *export.Service
	logger   *slog.Logger
}

// NewService creates a submission service. A nil queue leaves advancing to explicit Advance calls.
func NewService(ctrl Controller, monitor StatusReader, queue async.Queue, repo repository.SubmissionRepository, exporter *export.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ctrl:     ctrl,
		monitor:  monitor,
		queue:    queue,
		repo:     repo,
		exporter: exporter,
		logger:   logger,
	}
}

// Submit records a new submission and hands it to the worker queue.
func (s *Service) Submit(ctx context.Context, propertyURL string) (pipeline.StatusView, error) {
	sub, err := s.ctrl.Create(ctx, strings.TrimSpace(propertyURL))
	if err != nil {
		return pipeline.StatusView{}, err
	}
	s.enqueue(ctx, sub.ID, "created")
	return pipeline.ViewOf(sub), nil
}

// Status returns the caller-facing view of one submission.
func (s *Service) Status(ctx context.Context, id string) (pipeline.StatusView, error) {
	sid, err := parseID(id)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	return s.monitor.Status(ctx, sid)
}

// Advance runs the pipeline for one submission in the caller's request.
func (s *Service) Advance(ctx context.Context, id string) (pipeline.StatusView, error) {
	sid, err := parseID(id)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	sub, err := s.ctrl.Advance(ctx, sid)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	return pipeline.ViewOf(sub), nil
}

// Requeue restarts a submission held for manual review.
func (s *Service) Requeue(ctx context.Context, id string) (pipeline.StatusView, error) {
	sid, err := parseID(id)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	sub, err := s.ctrl.Requeue(ctx, sid)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	s.enqueue(ctx, sub.ID, "requeued")
	return pipeline.ViewOf(sub), nil
}

// ListRequest selects submissions. Blank fields match everything.
type ListRequest struct {
	Statuses []string `json:"statuses,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Offset   int      `json:"offset,omitempty"`
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]pipeline.StatusView, error) {
	filter, err := listFilter(req.Statuses, req.Platform)
	if err != nil {
		return nil, err
	}
	filter.Limit = req.Limit
	filter.Offset = req.Offset

	subs, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.Error("failed to list submissions", "error", err)
		return nil, err
	}
	out := make([]pipeline.StatusView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, pipeline.ViewOf(sub))
	}
	return out, nil
}

// ExportRequest selects submissions for a workbook. Dates are YYYY-MM-DD on created_at.
type ExportRequest struct {
	Statuses []string `json:"statuses,omitempty"`
	Platform string   `json:"platform,omitempty"`
	From     string   `json:"from_date,omitempty"`
	To       string   `json:"to_date,omitempty"`
}

// Export returns an XLSX workbook of the selected submissions.
func (s *Service) Export(ctx context.Context, req ExportRequest) ([]byte, error) {
	if s.exporter == nil {
		return nil, common.NewAppError("UNAVAILABLE", "export is not configured", common.ErrInternal)
	}
	filter, err := listFilter(req.Statuses, req.Platform)
	if err != nil {
		return nil, err
	}
	from, err := utils.ParseOptionalYMD(req.From)
	if err != nil {
		return nil, common.NewAppError("INVALID_INPUT", "from_date must be YYYY-MM-DD", common.ErrInvalidInput)
	}
	to, err := utils.ParseOptionalYMD(req.To)
	if err != nil {
		return nil, common.NewAppError("INVALID_INPUT", "to_date must be YYYY-MM-DD", common.ErrInvalidInput)
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, common.NewAppError("INVALID_INPUT", "to_date is before from_date", common.ErrInvalidInput)
	}

	return s.exporter.ExportSubmissionsXLSX(ctx, export.Filter{
		Statuses: filter.Statuses,
		Platform: filter.Platform,
		From:     from,
		To:       to,
	})
}

// enqueue hands id to the worker queue. A failure is logged only: the sweeper finds the submission later.
func (s *Service) enqueue(ctx context.Context, id uuid.UUID, reason string) {
	if s.queue == nil {
		return
	}
	job := async.Job{SubmissionID: id, Reason: reason, TraceID: common.RequestIDFromContext(ctx)}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Warn("submission.enqueue.failed", "submission_id", id, "reason", reason, "error", err)
	}
}

func parseID(id string) (uuid.UUID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.Nil, common.NewAppError("INVALID_INPUT", "id is required", common.ErrInvalidInput)
	}
	sid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, common.NewAppError("INVALID_INPUT", "id must be a UUID", common.ErrInvalidInput)
	}
	return sid, nil
}

func listFilter(statuses []string, platform string) (repository.ListFilter, error) {
	var f repository.ListFilter
	for _, raw := range statuses {
		st, err := constants.ParseStatus(strings.TrimSpace(raw))
		if err != nil {
			return f, common.NewAppError("INVALID_INPUT", err.Error(), common.ErrInvalidInput)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if platform = strings.TrimSpace(platform); platform != "" {
		p := constants.ParsePlatform(platform)
		if !p.IsSupported() && !strings.EqualFold(platform, string(constants.PlatformUnknown)) {
			return f, common.NewAppError("INVALID_INPUT", "unknown platform "+platform, common.ErrInvalidInput)
		}
		f.Platform = p
	}
	return f, nil
}
