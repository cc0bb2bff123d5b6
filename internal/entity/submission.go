package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

// Submission represents one property-URL diagnostic request for data transfer between layers.
type Submission struct {
	ID                   uuid.UUID                  `json:"id"`
	PropertyURL          string                     `json:"property_url"`
	Platform             constants.Platform         `json:"platform"`
	Status               constants.SubmissionStatus `json:"status"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
	RetryCount           int                        `json:"retry_count"`
	LastRetryAt          *time.Time                 `json:"last_retry_at,omitempty"`
	ScrapedData          json.RawMessage            `json:"scraped_data,omitempty"`
	AnalysisResult       json.RawMessage            `json:"analysis_result,omitempty"`
	ReportURL            *string                    `json:"report_url,omitempty"`
	ErrorMessage         *string                    `json:"error_message,omitempty"`
	ExternalRunReference *string                    `json:"external_run_reference,omitempty"`
	AnalysisAttempts     int                        `json:"analysis_attempts"`
}

// HasScrapedData reports whether extraction has produced a document.
func (s *Submission) HasScrapedData() bool { return len(s.ScrapedData) > 0 }

// HasAnalysis reports whether analysis has produced a document.
func (s *Submission) HasAnalysis() bool { return len(s.AnalysisResult) > 0 }

// Property decodes ScrapedData into the normalized property shape.
func (s *Submission) Property() (PropertyData, error) {
	var p PropertyData
	if !s.HasScrapedData() {
		return p, nil
	}
	err := json.Unmarshal(s.ScrapedData, &p)
	return p, err
}

// ErrorText returns ErrorMessage or "".
func (s *Submission) ErrorText() string {
	if s.ErrorMessage == nil {
		return ""
	}
	return *s.ErrorMessage
}

// RunReference returns ExternalRunReference or "".
func (s *Submission) RunReference() string {
	if s.ExternalRunReference == nil {
		return ""
	}
	return *s.ExternalRunReference
}
