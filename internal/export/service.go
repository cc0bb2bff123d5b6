package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
)

const (
	submissionsSheet = "Submissions"
	kpiSheet         = "KPIs"
	pageSize         = 500
)

// Filter narrows an export. Zero values match everything; From and To bound created_at inclusively by date.
type Filter struct {
	Statuses []constants.SubmissionStatus
	Platform constants.Platform
	From     *time.Time
	To       *time.Time
}

// Service produces XLSX workbooks of submissions and the KPIs their analyses set.
type Service struct {
	repo   repository.SubmissionRepository
	logger *slog.Logger
}

func NewService(repo repository.SubmissionRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// ExportSubmissionsXLSX returns the workbook bytes for every submission matching filter.
func (s *Service) ExportSubmissionsXLSX(ctx context.Context, filter Filter) ([]byte, error) {
	start := time.Now()

	subs, err := s.collect(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", submissionsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(kpiSheet); err != nil {
		return nil, err
	}

	writeRow(f, submissionsSheet, 1, "ID", "Property URL", "Platform", "Status", "Retries",
		"Created", "Updated", "Overall Score", "Report URL", "Error")
	writeRow(f, kpiSheet, 1, "Submission ID", "Property", "KPI", "Current", "Target", "Timeframe")

	kpiRow := 2
	for i, sub := range subs {
		var (
			score    any = ""
			property     = ""
			report       = ""
		)
		if sub.ReportURL != nil {
			report = *sub.ReportURL
		}
		if p, err := sub.Property(); err == nil {
			property = p.PropertyName
		}
		a, err := sub.Analysis()
		if err != nil {
			s.logger.Warn("export.analysis.decode_error", "submission_id", sub.ID, "error", err)
		}
		if a.Diagnosis.OverallScore != nil {
			score = *a.Diagnosis.OverallScore
		}

		writeRow(f, submissionsSheet, i+2,
			sub.ID.String(),
			sub.PropertyURL,
			string(sub.Platform),
			string(sub.Status),
			sub.RetryCount,
			sub.CreatedAt.UTC().Format(time.RFC3339),
			sub.UpdatedAt.UTC().Format(time.RFC3339),
			score,
			report,
			truncate(sub.ErrorText(), 140),
		)

		for _, k := range a.KPIs {
			writeRow(f, kpiSheet, kpiRow, sub.ID.String(), property, k.Name, k.Current.String(), k.Target.String(), k.Timeframe)
			kpiRow++
		}
	}

	_ = f.SetColWidth(submissionsSheet, "A", "A", 38) // id
	_ = f.SetColWidth(submissionsSheet, "B", "B", 60) // url
	_ = f.SetColWidth(submissionsSheet, "C", "E", 14)
	_ = f.SetColWidth(submissionsSheet, "F", "G", 22) // timestamps
	_ = f.SetColWidth(submissionsSheet, "I", "J", 48)
	_ = f.SetColWidth(kpiSheet, "A", "A", 38)
	_ = f.SetColWidth(kpiSheet, "B", "C", 28)
	_ = f.SetColWidth(kpiSheet, "D", "F", 16)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(subs),
		"kpis", kpiRow-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// collect pages through List and applies the date window.
func (s *Service) collect(ctx context.Context, filter Filter) ([]*entity.Submission, error) {
	var from, to time.Time
	if filter.From != nil {
		from = dateOnly(*filter.From)
	}
	if filter.To != nil {
		to = dateOnly(*filter.To).AddDate(0, 0, 1)
	}

	var out []*entity.Submission
	for offset := 0; ; offset += pageSize {
		page, err := s.repo.List(ctx, repository.ListFilter{
			Statuses: filter.Statuses,
			Platform: filter.Platform,
			Limit:    pageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}
		for _, sub := range page {
			if !from.IsZero() && sub.CreatedAt.Before(from) {
				continue
			}
			if !to.IsZero() && !sub.CreatedAt.Before(to) {
				continue
			}
			out = append(out, sub)
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
