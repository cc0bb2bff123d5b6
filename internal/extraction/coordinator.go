// Package extraction performs one scraping attempt for a submission and reports its outcome.
// It selects the platform contract, talks to the scraping collaborator and normalizes whatever
// comes back. Retry policy is not decided here.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
)

// State is the coarse result of an extraction step.
type State int

const (
	StateLaunched  State = iota + 1 // run accepted, result arrives later
	StateRunning                    // run still in flight
	StateSucceeded                  // normalized data available
	StateFailed                     // attempt over, see Kind and Message
)

func (s State) String() string {
	switch s {
	case StateLaunched:
		return "launched"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is reported to the pipeline controller. Only the fields relevant to State are set.
type Outcome struct {
	State        State
	RunReference string
	Property     entity.PropertyData
	Data         json.RawMessage // Property encoded, ready to persist as scraped_data
	Kind         constants.FailureKind
	Message      string
}

// Coordinator runs extraction attempts against one scraping collaborator.
type Coordinator struct {
	scraper   scrape.Scraper
	contracts *Contracts
	timeout   time.Duration
	logger    *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each collaborator call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewCoordinator(scraper scrape.Scraper, contracts *Contracts, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		scraper:   scraper,
		contracts: contracts,
		timeout:   2 * time.Minute,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches an extraction run for sub. Synchronous collaborators may answer with a finished
// run, in which case the outcome is already StateSucceeded or StateFailed.
func (c *Coordinator) Start(ctx context.Context, sub *entity.Submission) Outcome {
	start := time.Now()
	contract := c.contracts.For(sub.Platform)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	run, err := c.scraper.Launch(ctx, scrape.Request{
		URL:          sub.PropertyURL,
		Platform:     sub.Platform,
		Schema:       contract.Schema,
		Instructions: contract.Instructions,
	})
	if err != nil {
		kind := scrape.FailureKind(err)
		c.logger.Warn("extraction.start.failed",
			"submission_id", sub.ID, "platform", sub.Platform, "kind", kind,
			"category", scrape.ErrorLabel(err), "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return Outcome{State: StateFailed, Kind: kind, Message: "extraction launch failed: " + err.Error()}
	}

	out := c.fromRun(run, contract)
	if out.State == StateRunning {
		out.State = StateLaunched
	}
	c.logger.Info("extraction.start",
		"submission_id", sub.ID, "platform", sub.Platform, "run_ref", out.RunReference,
		"state", out.State, "elapsed_ms", time.Since(start).Milliseconds())
	return out
}

// Check polls the run recorded on sub. Transient poll errors report StateRunning with Kind and
// Message set.
func (c *Coordinator) Check(ctx context.Context, sub *entity.Submission) Outcome {
	ref := sub.RunReference()
	if ref == "" {
		return Outcome{State: StateFailed, Kind: constants.FailureTransient, Message: "extraction run reference missing"}
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	run, err := c.scraper.Fetch(ctx, ref)
	if err != nil {
		kind := scrape.FailureKind(err)
		c.logger.Warn("extraction.check.failed",
			"submission_id", sub.ID, "run_ref", ref, "kind", kind,
			"category", scrape.ErrorLabel(err), "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		out := Outcome{State: StateFailed, RunReference: ref, Kind: kind, Message: "extraction poll failed: " + err.Error()}
		// A transient poll error says nothing about the run itself; the stall timeout bounds it.
		if kind == constants.FailureTransient {
			out.State = StateRunning
		}
		return out
	}
	if run.Reference == "" {
		run.Reference = ref
	}

	out := c.fromRun(run, c.contracts.For(sub.Platform))
	c.logger.Debug("extraction.check",
		"submission_id", sub.ID, "run_ref", ref, "state", out.State,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out
}

func (c *Coordinator) fromRun(run scrape.Run, contract Contract) Outcome {
	switch run.State {
	case scrape.RunRunning:
		return Outcome{State: StateRunning, RunReference: run.Reference}
	case scrape.RunFailed:
		kind := constants.FailureTransient
		if run.Permanent {
			kind = constants.FailurePermanent
		}
		msg := run.Message
		if msg == "" {
			msg = "run failed"
		}
		return Outcome{State: StateFailed, RunReference: run.Reference, Kind: kind, Message: "extraction failed: " + msg}
	case scrape.RunSucceeded:
		prop, data, err := c.normalize(run.Document, contract)
		if err != nil {
			c.logger.Warn("extraction.normalize.failed", "run_ref", run.Reference, "error", err)
			return Outcome{
				State:        StateFailed,
				RunReference: run.Reference,
				Kind:         constants.FailurePermanent,
				Message:      "extraction returned unusable data: " + err.Error(),
			}
		}
		return Outcome{State: StateSucceeded, RunReference: run.Reference, Property: prop, Data: data}
	default:
		return Outcome{State: StateFailed, RunReference: run.Reference, Kind: constants.FailureTransient,
			Message: fmt.Sprintf("extraction run in unexpected state %q", run.State)}
	}
}

func (c *Coordinator) normalize(doc json.RawMessage, contract Contract) (entity.PropertyData, json.RawMessage, error) {
	if len(doc) == 0 {
		return entity.PropertyData{}, nil, errors.New("empty document")
	}
	prop, err := Normalize(doc)
	if err != nil {
		return prop, nil, err
	}
	data, err := json.Marshal(prop)
	if err != nil {
		return prop, nil, fmt.Errorf("encode property: %w", err)
	}
	if err := llm.ValidateJSONAgainstSchema(contract.Schema, data); err != nil {
		return prop, nil, err
	}
	return prop, data, nil
}
