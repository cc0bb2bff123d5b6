package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
)

type submissionRow struct {
	ID                   uuid.UUID      `db:"id"`
	PropertyURL          string         `db:"property_url"`
	Platform             string         `db:"platform"`
	Status               string         `db:"status"`
	CreatedAt            dbTime         `db:"created_at"`
	UpdatedAt            dbTime         `db:"updated_at"`
	RetryCount           int            `db:"retry_count"`
	LastRetryAt          dbTime         `db:"last_retry_at"`
	ScrapedData          []byte         `db:"scraped_data"`
	AnalysisResult       []byte         `db:"analysis_result"`
	ReportURL            sql.NullString `db:"report_url"`
	ErrorMessage         sql.NullString `db:"error_message"`
	ExternalRunReference sql.NullString `db:"external_run_reference"`
	AnalysisAttempts     int            `db:"analysis_attempts"`
}

func (r *submissionRow) toEntity() *entity.Submission {
	sub := &entity.Submission{
		ID:                   r.ID,
		PropertyURL:          r.PropertyURL,
		Platform:             constants.ParsePlatform(r.Platform),
		Status:               constants.SubmissionStatus(r.Status),
		CreatedAt:            r.CreatedAt.Time,
		UpdatedAt:            r.UpdatedAt.Time,
		RetryCount:           r.RetryCount,
		ReportURL:            nullString(r.ReportURL),
		ErrorMessage:         nullString(r.ErrorMessage),
		ExternalRunReference: nullString(r.ExternalRunReference),
		AnalysisAttempts:     r.AnalysisAttempts,
	}
	if r.LastRetryAt.Valid {
		t := r.LastRetryAt.Time
		sub.LastRetryAt = &t
	}
	if len(r.ScrapedData) > 0 {
		sub.ScrapedData = json.RawMessage(append([]byte(nil), r.ScrapedData...))
	}
	if len(r.AnalysisResult) > 0 {
		sub.AnalysisResult = json.RawMessage(append([]byte(nil), r.AnalysisResult...))
	}
	return sub
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// dbTime scans the timestamp encodings of both dialects: native time values from postgres and
// unix nanoseconds from sqlite.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var dbTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case int64:
		t.Time, t.Valid = time.Unix(0, v).UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range dbTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
