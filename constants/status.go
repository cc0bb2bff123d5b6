package constants

import "fmt"

// SubmissionStatus is the canonical status for rows in submissions.
type SubmissionStatus string

// Stable values (store these exact strings in DB).
const (
	StatusPending             SubmissionStatus = "pending"
	StatusProcessing          SubmissionStatus = "processing"            // about to launch extraction
	StatusScraping            SubmissionStatus = "scraping"              // extraction run in flight
	StatusScrapingRetry       SubmissionStatus = "scraping_retry"        // deciding whether to attempt again
	StatusScrapingCompleted   SubmissionStatus = "scraping_completed"    // scraped_data persisted
	StatusAnalyzing           SubmissionStatus = "analyzing"             // analysis call in flight
	StatusCompleted           SubmissionStatus = "completed"             // analysis_result persisted
	StatusFailed              SubmissionStatus = "failed"                // analysis attempts exhausted
	StatusPendingManualReview SubmissionStatus = "pending_manual_review" // needs an operator
)

var allStatuses = []SubmissionStatus{
	StatusPending,
	StatusProcessing,
	StatusScraping,
	StatusScrapingRetry,
	StatusScrapingCompleted,
	StatusAnalyzing,
	StatusCompleted,
	StatusFailed,
	StatusPendingManualReview,
}

// transitions lists every edge of the submission state machine.
var transitions = map[SubmissionStatus][]SubmissionStatus{
	StatusPending:             {StatusProcessing, StatusPendingManualReview},
	StatusProcessing:          {StatusScraping, StatusScrapingRetry},
	StatusScraping:            {StatusScrapingCompleted, StatusScrapingRetry},
	StatusScrapingRetry:       {StatusProcessing, StatusPendingManualReview},
	StatusScrapingCompleted:   {StatusAnalyzing},
	StatusAnalyzing:           {StatusCompleted, StatusScrapingCompleted, StatusFailed},
	StatusPendingManualReview: {StatusPending}, // operator requeue only
}

func (s SubmissionStatus) String() string { return string(s) }

// IsTerminal reports whether automation stops at s.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPendingManualReview:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known statuses.
func (s SubmissionStatus) IsValid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether the state machine has an edge from s to target.
func (s SubmissionStatus) CanTransition(target SubmissionStatus) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error when s -> target is not an edge of the state machine.
func (s SubmissionStatus) ValidateTransition(target SubmissionStatus) error {
	if !s.CanTransition(target) {
		return fmt.Errorf("invalid submission status transition from %s to %s", s, target)
	}
	return nil
}

// ParseStatus converts a stored string to a SubmissionStatus.
func ParseStatus(s string) (SubmissionStatus, error) {
	st := SubmissionStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown submission status %q", s)
	}
	return st, nil
}

// ActiveStatuses returns the statuses automation still has work for.
func ActiveStatuses() []SubmissionStatus {
	out := make([]SubmissionStatus, 0, len(allStatuses))
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []SubmissionStatus {
	out := make([]SubmissionStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}
