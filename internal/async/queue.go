package async

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is shutting down")

// Job asks a worker to advance one submission.
type Job struct {
	SubmissionID uuid.UUID
	Force        bool // enqueue even if the submission is already waiting
	Attempt      int  // consecutive backoff waits; drives the next delay
	Reason       string
	SubmittedAt  time.Time
	TraceID      string
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
