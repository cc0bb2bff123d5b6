package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
)

// AnalyzeRequest is what the analysis collaborator gets to work with.
type AnalyzeRequest struct {
	SubmissionID string
	PropertyURL  string
	Platform     constants.Platform
	Property     entity.PropertyData

	// Schema is the output contract; BuildAnalysisJSONSchema() when nil.
	Schema map[string]any
}

// Analyzer is the interface the analysis coordinator depends on.
type Analyzer interface {
	// Analyze returns the raw JSON document produced by the provider, after light cleanup.
	// Schema validation is left to the caller.
	Analyze(ctx context.Context, req AnalyzeRequest) ([]byte, error)
}

// ErrMalformedOutput is returned when the provider answered but the answer holds no usable JSON object.
var ErrMalformedOutput = errors.New("malformed analysis output")

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the provider may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == 408, e.StatusCode == 409, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// FailureKind maps an Analyze error onto the pipeline's failure taxonomy.
func FailureKind(err error) constants.FailureKind {
	if errors.Is(err, ErrMalformedOutput) {
		return constants.FailureSchema
	}
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return constants.FailurePermanent
	}
	return constants.FailureTransient
}
