package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
	"github.com/joseph-ayodele/listing-diagnostics/internal/metrics"
)

// Advancer is the part of the pipeline controller the queue drives.
type Advancer interface {
	Advance(ctx context.Context, id uuid.UUID) (*entity.Submission, error)
}

// WorkQueue runs Advance on a fixed pool of workers and re-invokes it later for submissions that
// are waiting on a collaborator or a retry. Terminal submissions leave the queue.
type WorkQueue struct {
	adv     Advancer
	logger  *slog.Logger
	metrics *metrics.Metrics
	workers int
	timeout time.Duration
	poll    time.Duration
	backoff time.Duration
	maxWait time.Duration

	ch   chan Job
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex // guards sends against close(ch)
	closed atomic.Bool

	pendingMu sync.Mutex
	queued    map[uuid.UUID]struct{}
	timers    map[uuid.UUID]*time.Timer
}

type Option func(*WorkQueue)

func WithWorkers(n int) Option {
	return func(q *WorkQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *WorkQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *WorkQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithPollInterval sets how long to wait before re-checking an in-flight extraction run.
func WithPollInterval(d time.Duration) Option {
	return func(q *WorkQueue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithBackoff sets the first retry delay and its cap. Each consecutive retry doubles the delay.
func WithBackoff(base, maxWait time.Duration) Option {
	return func(q *WorkQueue) {
		if base > 0 {
			q.backoff = base
		}
		if maxWait > 0 {
			q.maxWait = maxWait
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *WorkQueue) { q.metrics = m }
}

func NewWorkQueue(adv Advancer, logger *slog.Logger, opts ...Option) *WorkQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &WorkQueue{
		adv:     adv,
		logger:  logger,
		workers: 4,
		timeout: 5 * time.Minute,
		poll:    15 * time.Second,
		backoff: 10 * time.Second,
		maxWait: 2 * time.Minute,
		ch:      make(chan Job, 256),
		stop:    make(chan struct{}),
		queued:  make(map[uuid.UUID]struct{}),
		timers:  make(map[uuid.UUID]*time.Timer),
	}
	for _, o := range opts {
		o(q)
	}
	if q.maxWait < q.backoff {
		q.maxWait = q.backoff
	}
	q.start()
	return q
}

func (q *WorkQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("queue.worker.started", "worker_id", workerID)
				for job := range q.ch {
					q.dequeued(job)
					q.process(workerID, job)
				}
				q.logger.Info("queue.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue adds job unless the submission is already waiting for a worker. It blocks while the
// queue is full, until ctx ends or the queue shuts down.
func (q *WorkQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		q.logger.Warn("queue.enqueue.closed", "submission_id", job.SubmissionID)
		return ErrQueueClosed
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	if job.TraceID == "" {
		job.TraceID = common.RequestIDFromContext(ctx)
	}

	q.pendingMu.Lock()
	if _, dup := q.queued[job.SubmissionID]; dup && !job.Force {
		q.pendingMu.Unlock()
		q.logger.Debug("queue.enqueue.duplicate", "submission_id", job.SubmissionID)
		return nil
	}
	q.queued[job.SubmissionID] = struct{}{}
	q.pendingMu.Unlock()

	select {
	case q.ch <- job:
	default:
		q.logger.Warn("queue.full", "submission_id", job.SubmissionID, "capacity", cap(q.ch))
		select {
		case q.ch <- job:
		case <-ctx.Done():
			q.forget(job.SubmissionID)
			return ctx.Err()
		case <-q.stop:
			q.forget(job.SubmissionID)
			return ErrQueueClosed
		}
	}
	q.metrics.SetQueueDepth(len(q.ch))
	q.logger.Debug("queue.enqueued", "submission_id", job.SubmissionID, "reason", job.Reason, "attempt", job.Attempt)
	return nil
}

func (q *WorkQueue) dequeued(job Job) {
	q.forget(job.SubmissionID)
	q.metrics.SetQueueDepth(len(q.ch))
}

func (q *WorkQueue) forget(id uuid.UUID) {
	q.pendingMu.Lock()
	delete(q.queued, id)
	q.pendingMu.Unlock()
}

func (q *WorkQueue) process(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(common.WithSubmissionID(common.WithRequestID(context.Background(), job.TraceID), job.SubmissionID), q.timeout)
	sub, err := q.adv.Advance(ctx, job.SubmissionID)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
			q.logger.Warn("queue.submission.missing", "worker_id", workerID, "submission_id", job.SubmissionID)
		case errors.Is(err, common.ErrLocked):
			q.logger.Debug("queue.submission.locked", "worker_id", workerID, "submission_id", job.SubmissionID)
			q.schedule(job, q.poll, job.Attempt)
		default:
			q.logger.Error("queue.advance.failed", "worker_id", workerID, "submission_id", job.SubmissionID, "error", err)
			q.schedule(job, q.delay(job.Attempt), job.Attempt+1)
		}
		return
	}

	switch next := NextStep(sub); next {
	case StepDone:
		q.logger.Info("queue.submission.settled", "worker_id", workerID, "submission_id", sub.ID, "status", sub.Status)
	case StepPoll:
		q.schedule(job, q.poll, 0)
	case StepBackoff:
		q.schedule(job, q.delay(job.Attempt), job.Attempt+1)
	}
}

// Step is what the queue does with a submission after an Advance call.
type Step int

const (
	StepDone Step = iota
	StepPoll
	StepBackoff
)

// NextStep maps the status an Advance call stopped at onto the queue's follow-up.
func NextStep(sub *entity.Submission) Step {
	switch sub.Status {
	case constants.StatusScrapingRetry, constants.StatusScrapingCompleted:
		return StepBackoff
	case constants.StatusCompleted:
		if sub.ReportURL == nil {
			return StepBackoff
		}
		return StepDone
	case constants.StatusFailed, constants.StatusPendingManualReview:
		return StepDone
	default:
		return StepPoll
	}
}

// delay is backoff * 2^attempt, capped at maxWait.
func (q *WorkQueue) delay(attempt int) time.Duration {
	d := q.backoff
	for i := 0; i < attempt && d < q.maxWait; i++ {
		d *= 2
	}
	return min(d, q.maxWait)
}

// schedule re-enqueues job after d. An earlier timer for the same submission wins.
func (q *WorkQueue) schedule(job Job, d time.Duration, attempt int) {
	if q.closed.Load() {
		return
	}

	id := job.SubmissionID
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	if _, ok := q.timers[id]; ok {
		return
	}
	next := Job{SubmissionID: id, Attempt: attempt, Reason: "scheduled", TraceID: job.TraceID}
	q.timers[id] = time.AfterFunc(d, func() {
		q.pendingMu.Lock()
		delete(q.timers, id)
		q.pendingMu.Unlock()
		if err := q.Enqueue(context.Background(), next); err != nil && !errors.Is(err, ErrQueueClosed) {
			q.logger.Warn("queue.schedule.enqueue_failed", "submission_id", id, "error", err)
		}
	})
	q.metrics.IncScheduled()
	q.logger.Debug("queue.scheduled", "submission_id", id, "delay", d, "attempt", attempt)
}

// Scheduled reports how many delayed re-invocations are pending.
func (q *WorkQueue) Scheduled() int {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	return len(q.timers)
}

// Shutdown stops accepting work, cancels pending timers and waits for the workers to drain.
// Submissions whose timers were cancelled are picked up again by the sweeper.
func (q *WorkQueue) Shutdown(ctx context.Context) {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	// Release blocked senders before waiting for the write lock.
	close(q.stop)
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()

	q.pendingMu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.pendingMu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue.shutdown.interrupted")
	case <-done:
		q.logger.Info("queue.shutdown.complete")
	}
}
