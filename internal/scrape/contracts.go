// Package scrape defines the contract between the extraction coordinator and scraping
// collaborators, plus the error taxonomy they report failures with.
package scrape

import (
	"context"
	"encoding/json"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

// RunState is a collaborator run's lifecycle as seen by the caller.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// Request asks a collaborator to extract one listing.
type Request struct {
	URL      string
	Platform constants.Platform
	// Schema is the JSON Schema the extracted document should follow.
	Schema map[string]any
	// Instructions describe, in prose, what to extract for this platform.
	Instructions string
}

// Run is the collaborator's view of one extraction.
type Run struct {
	Reference string
	State     RunState
	// Document is the raw extracted payload, set when State is RunSucceeded.
	Document json.RawMessage
	// Message carries the collaborator's failure description when State is RunFailed.
	Message string
	// Permanent is set by the collaborator when retrying the same URL cannot help.
	Permanent bool
}

// Scraper launches and polls extraction runs. Synchronous collaborators may return a finished
// run from Launch. Errors are transport failures and should be wrapped with ClassifyError.
type Scraper interface {
	Launch(ctx context.Context, req Request) (Run, error)
	Fetch(ctx context.Context, reference string) (Run, error)
}
