package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
)

const submissionColumns = `id, property_url, platform, status, created_at, updated_at, retry_count,
	last_retry_at, scraped_data, analysis_result, report_url, error_message, external_run_reference,
	analysis_attempts`

// Patch lists the column changes committed atomically with a status transition.
// Zero values leave a column untouched.
type Patch struct {
	Platform                  *constants.Platform
	ScrapedData               json.RawMessage
	AnalysisResult            json.RawMessage
	ErrorMessage              *string
	ClearError                bool
	RunReference              *string
	ClearRunReference         bool
	IncrementRetry            bool
	ResetRetry                bool
	LastRetryAt               *time.Time
	IncrementAnalysisAttempts bool
	ResetAnalysisAttempts     bool
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Statuses []constants.SubmissionStatus
	Platform constants.Platform
	Limit    int
	Offset   int
}

type SubmissionRepository interface {
	Create(ctx context.Context, sub *entity.Submission) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Submission, error)
	// Transition moves id from -> to and applies patch in the same statement. It returns
	// common.ErrStaleTransition when the row is no longer in from.
	Transition(ctx context.Context, id uuid.UUID, from, to constants.SubmissionStatus, patch Patch) (*entity.Submission, error)
	// SetReportURL stores the report location for a completed submission with an analysis.
	SetReportURL(ctx context.Context, id uuid.UUID, url string) (*entity.Submission, error)
	// ListStale returns submissions in statuses whose updated_at is before cutoff, oldest first.
	ListStale(ctx context.Context, statuses []constants.SubmissionStatus, cutoff time.Time, limit int) ([]*entity.Submission, error)
	// ListMissingReports returns completed submissions without a report_url updated before cutoff.
	ListMissingReports(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Submission, error)
	List(ctx context.Context, filter ListFilter) ([]*entity.Submission, error)
}

// StoreOption configures a submission repository.
type StoreOption func(*submissionRepo)

// WithClock sets the time source used for created_at/updated_at.
func WithClock(now func() time.Time) StoreOption {
	return func(r *submissionRepo) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTracer sets the tracer wrapping every statement.
func WithTracer(tracer trace.Tracer) StoreOption {
	return func(r *submissionRepo) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

type submissionRepo struct {
	db      *sqlx.DB
	dialect string
	log     *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewSubmissionRepository(d *DB, log *slog.Logger, opts ...StoreOption) SubmissionRepository {
	if log == nil {
		log = slog.Default()
	}
	r := &submissionRepo{
		db:      d.DB,
		dialect: d.Dialect,
		log:     log,
		tracer:  NoOpTracer(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *submissionRepo) Create(ctx context.Context, sub *entity.Submission) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Platform == "" {
		sub.Platform = constants.PlatformUnknown
	}
	now := r.now().UTC()
	sub.Status = constants.StatusPending
	sub.CreatedAt, sub.UpdatedAt = now, now

	q := r.db.Rebind(`INSERT INTO submissions (id, property_url, platform, status, created_at, updated_at,
		retry_count, analysis_attempts) VALUES (?, ?, ?, ?, ?, ?, 0, 0)`)
	return ExecuteAndTrace(ctx, r.tracer, "repository.submissions.create",
		[]attribute.KeyValue{attribute.String("submission_id", sub.ID.String())},
		func(ctx context.Context) error {
			_, err := r.db.ExecContext(ctx, q, sub.ID.String(), sub.PropertyURL, string(sub.Platform),
				string(sub.Status), r.timeArg(now), r.timeArg(now))
			if err != nil {
				r.log.Error("submission create failed", "submission_id", sub.ID, "error", err)
				return fmt.Errorf("%w: insert submission: %v", common.ErrDatabase, err)
			}
			r.log.Info("submission created", "submission_id", sub.ID, "platform", sub.Platform)
			return nil
		})
}

func (r *submissionRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Submission, error) {
	var out *entity.Submission
	q := r.db.Rebind(`SELECT ` + submissionColumns + ` FROM submissions WHERE id = ?`)
	err := ExecuteAndTrace(ctx, r.tracer, "repository.submissions.get",
		[]attribute.KeyValue{attribute.String("submission_id", id.String())},
		func(ctx context.Context) error {
			var row submissionRow
			if err := r.db.QueryRowxContext(ctx, q, id.String()).StructScan(&row); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("submission %s: %w", id, common.ErrNotFound)
				}
				r.log.Error("submission get failed", "submission_id", id, "error", err)
				return fmt.Errorf("%w: get submission: %v", common.ErrDatabase, err)
			}
			out = row.toEntity()
			return nil
		})
	return out, err
}

func (r *submissionRepo) Transition(ctx context.Context, id uuid.UUID, from, to constants.SubmissionStatus, patch Patch) (*entity.Submission, error) {
	if err := from.ValidateTransition(to); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidTransition, err)
	}
	if len(patch.ScrapedData) > 0 && (from != constants.StatusScraping || to != constants.StatusScrapingCompleted) {
		return nil, fmt.Errorf("%w: scraped_data is only written by %s -> %s",
			common.ErrInvalidTransition, constants.StatusScraping, constants.StatusScrapingCompleted)
	}
	if patch.IncrementRetry && from != constants.StatusScraping && from != constants.StatusScrapingRetry {
		return nil, fmt.Errorf("%w: retry_count cannot change on a transition from %s", common.ErrInvalidTransition, from)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), r.timeArg(r.now())}
	where := "id = ? AND status = ?"

	if patch.Platform != nil {
		sets = append(sets, "platform = ?")
		args = append(args, string(*patch.Platform))
	}
	if len(patch.ScrapedData) > 0 {
		sets = append(sets, "scraped_data = ?")
		args = append(args, []byte(patch.ScrapedData))
	}
	if len(patch.AnalysisResult) > 0 {
		sets = append(sets, "analysis_result = ?")
		args = append(args, []byte(patch.AnalysisResult))
		where += " AND scraped_data IS NOT NULL"
	}
	switch {
	case patch.ClearError:
		sets = append(sets, "error_message = NULL")
	case patch.ErrorMessage != nil:
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	switch {
	case patch.ClearRunReference:
		sets = append(sets, "external_run_reference = NULL")
	case patch.RunReference != nil:
		sets = append(sets, "external_run_reference = ?")
		args = append(args, *patch.RunReference)
	}
	switch {
	case patch.ResetRetry:
		sets = append(sets, "retry_count = 0")
	case patch.IncrementRetry:
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if patch.LastRetryAt != nil {
		sets = append(sets, "last_retry_at = ?")
		args = append(args, r.timeArg(*patch.LastRetryAt))
	}
	switch {
	case patch.ResetAnalysisAttempts:
		sets = append(sets, "analysis_attempts = 0")
	case patch.IncrementAnalysisAttempts:
		sets = append(sets, "analysis_attempts = analysis_attempts + 1")
	}
	args = append(args, id.String(), string(from))

	q := r.db.Rebind(`UPDATE submissions SET ` + strings.Join(sets, ", ") +
		` WHERE ` + where + ` RETURNING ` + submissionColumns)

	var out *entity.Submission
	err := ExecuteAndTrace(ctx, r.tracer, "repository.submissions.transition",
		[]attribute.KeyValue{
			attribute.String("submission_id", id.String()),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		},
		func(ctx context.Context) error {
			var row submissionRow
			if err := r.db.QueryRowxContext(ctx, q, args...).StructScan(&row); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return r.noRowsError(ctx, id)
				}
				r.log.Error("submission transition failed", "submission_id", id, "from", from, "to", to, "error", err)
				return fmt.Errorf("%w: transition submission: %v", common.ErrDatabase, err)
			}
			out = row.toEntity()
			return nil
		})
	if err != nil {
		return nil, err
	}
	r.log.Debug("submission transitioned", "submission_id", id, "from", from, "to", to)
	return out, nil
}

func (r *submissionRepo) SetReportURL(ctx context.Context, id uuid.UUID, url string) (*entity.Submission, error) {
	q := r.db.Rebind(`UPDATE submissions SET report_url = ?
		WHERE id = ? AND status = ? AND analysis_result IS NOT NULL
		RETURNING ` + submissionColumns)

	var out *entity.Submission
	err := ExecuteAndTrace(ctx, r.tracer, "repository.submissions.set_report_url",
		[]attribute.KeyValue{attribute.String("submission_id", id.String())},
		func(ctx context.Context) error {
			var row submissionRow
			if err := r.db.QueryRowxContext(ctx, q, url, id.String(), string(constants.StatusCompleted)).StructScan(&row); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return r.noRowsError(ctx, id)
				}
				r.log.Error("submission set report url failed", "submission_id", id, "error", err)
				return fmt.Errorf("%w: set report url: %v", common.ErrDatabase, err)
			}
			out = row.toEntity()
			return nil
		})
	return out, err
}

func (r *submissionRepo) ListStale(ctx context.Context, statuses []constants.SubmissionStatus, cutoff time.Time, limit int) ([]*entity.Submission, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT `+submissionColumns+` FROM submissions
		WHERE status IN (?) AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`,
		statusStrings(statuses), r.timeArg(cutoff), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return r.selectMany(ctx, "repository.submissions.list_stale", r.db.Rebind(q), args...)
}

func (r *submissionRepo) ListMissingReports(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Submission, error) {
	q := r.db.Rebind(`SELECT ` + submissionColumns + ` FROM submissions
		WHERE status = ? AND report_url IS NULL AND analysis_result IS NOT NULL AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`)
	return r.selectMany(ctx, "repository.submissions.list_missing_reports", q,
		string(constants.StatusCompleted), r.timeArg(cutoff), normalizeLimit(limit))
}

func (r *submissionRepo) List(ctx context.Context, filter ListFilter) ([]*entity.Submission, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN (?)")
		args = append(args, statusStrings(filter.Statuses))
	}
	if filter.Platform != "" {
		conds = append(conds, "platform = ?")
		args = append(args, string(filter.Platform))
	}
	q := `SELECT ` + submissionColumns + ` FROM submissions`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, err
	}
	return r.selectMany(ctx, "repository.submissions.list", r.db.Rebind(q), args...)
}

func (r *submissionRepo) selectMany(ctx context.Context, span, q string, args ...any) ([]*entity.Submission, error) {
	var out []*entity.Submission
	err := ExecuteAndTrace(ctx, r.tracer, span, nil, func(ctx context.Context) error {
		var rows []submissionRow
		if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
			r.log.Error("submission query failed", "span", span, "error", err)
			return fmt.Errorf("%w: %s: %v", common.ErrDatabase, span, err)
		}
		out = make([]*entity.Submission, len(rows))
		for i := range rows {
			out[i] = rows[i].toEntity()
		}
		return nil
	})
	return out, err
}

// noRowsError distinguishes a missing submission from a lost compare-and-swap.
func (r *submissionRepo) noRowsError(ctx context.Context, id uuid.UUID) error {
	var n int
	q := r.db.Rebind(`SELECT COUNT(1) FROM submissions WHERE id = ?`)
	if err := r.db.GetContext(ctx, &n, q, id.String()); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	if n == 0 {
		return fmt.Errorf("submission %s: %w", id, common.ErrNotFound)
	}
	return fmt.Errorf("submission %s: %w", id, common.ErrStaleTransition)
}

// timeArg encodes t for the dialect's timestamp columns.
func (r *submissionRepo) timeArg(t time.Time) any {
	if r.dialect == DialectSQLite {
		return t.UTC().UnixNano()
	}
	return t.UTC()
}

func statusStrings(statuses []constants.SubmissionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

// CountByStatus returns how many submissions sit in each status.
func CountByStatus(ctx context.Context, d *DB) (map[constants.SubmissionStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := d.SelectContext(ctx, &rows, `SELECT status, COUNT(1) AS n FROM submissions GROUP BY status`); err != nil {
		return nil, fmt.Errorf("%w: count by status: %v", common.ErrDatabase, err)
	}
	out := make(map[constants.SubmissionStatus]int, len(rows))
	for _, r := range rows {
		out[constants.SubmissionStatus(r.Status)] = r.N
	}
	return out, nil
}
