// Package queue is a durable, at-least-once guidance job queue backed
// by the store. Jobs survive restarts; delivery may duplicate, so
// consumers must be idempotent; the queue makes no uniqueness
// guarantee.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/store"
)

// Config tunes worker concurrency and retry behavior.
type Config struct {
	Workers      int           // concurrent job slots
	MaxAttempts  int           // attempts before a job fails permanently
	BaseBackoff  time.Duration // first retry delay; doubles per attempt
	MaxBackoff   time.Duration // backoff ceiling
	PollInterval time.Duration // idle poll period
}

// DefaultConfig returns the reference tuning: two concurrent jobs,
// three attempts, exponential backoff from one second.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		MaxAttempts:  3,
		BaseBackoff:  time.Second,
		MaxBackoff:   time.Minute,
		PollInterval: 250 * time.Millisecond,
	}
}

// Result carries handler-reported usage metadata onto the job audit row.
type Result struct {
	InputTokens  int64
	OutputTokens int64
}

// Handler consumes one job. Returning an error marked Permanent skips
// retry; any other error is retried with backoff up to MaxAttempts.
type Handler interface {
	Handle(ctx context.Context, job models.GuidanceJob) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job models.GuidanceJob) (Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job models.GuidanceJob) (Result, error) {
	return f(ctx, job)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

/// Permanent marks an error as non-retryable: the job fails immediately
// regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Queue dispatches persisted jobs to a bounded pool of workers.
type Queue struct {
	store   store.Store
	handler Handler
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Metrics (atomic for lock-free reads)
	totalClaimed   int64
	totalCompleted int64
	totalRetried   int64
	totalFailed    int64
}

// New creates a queue. The handler is fixed for the queue's lifetime.
func New(s store.Store, handler Handler, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: s, handler: handler, cfg: cfg, logger: logger}
}

// Enqueue persists a job for asynchronous delivery and returns its id.
func (q *Queue) Enqueue(ctx context.Context, job models.GuidanceJob) (string, error) {
	rec := &models.JobRecord{
		Payload:     job,
		MaxAttempts: q.cfg.MaxAttempts,
	}
	if err := q.store.EnqueueJob(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Start launches the worker pool. Safe to call once; subsequent calls
// are no-ops until Stop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Stop signals workers to finish their current job and waits for them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		worked, err := q.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("queue worker error", "worker", id, "error", err)
		}
		if !worked {
			select {
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.PollInterval):
			}
		}
	}
}

// RunOnce claims and processes at most one due job. It reports whether
// a job was processed. Exposed so tests and the synchronous retry path
// can drain the queue deterministically.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	rec, err := q.store.ClaimNextJob(ctx, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	atomic.AddInt64(&q.totalClaimed, 1)

	res, handleErr := q.handler.Handle(ctx, rec.Payload)
	if handleErr == nil {
		atomic.AddInt64(&q.totalCompleted, 1)
		if err := q.store.CompleteJob(ctx, rec.ID, res.InputTokens, res.OutputTokens); err != nil {
			return true, fmt.Errorf("complete job %s: %w", rec.ID, err)
		}
		return true, nil
	}

	if IsPermanent(handleErr) || rec.Attempts >= rec.MaxAttempts {
		atomic.AddInt64(&q.totalFailed, 1)
		q.logger.Warn("job failed permanently",
			"job", rec.ID, "kind", rec.Payload.Kind, "attempts", rec.Attempts, "error", handleErr)
		if err := q.store.FailJob(ctx, rec.ID, handleErr.Error()); err != nil {
			return true, fmt.Errorf("fail job %s: %w", rec.ID, err)
		}
		return true, nil
	}

	backoff := q.backoff(rec.Attempts)
	atomic.AddInt64(&q.totalRetried, 1)
	q.logger.Warn("job retrying",
		"job", rec.ID, "kind", rec.Payload.Kind, "attempts", rec.Attempts, "backoff", backoff, "error", handleErr)
	if err := q.store.RetryJob(ctx, rec.ID, handleErr.Error(), time.Now().UTC().Add(backoff)); err != nil {
		return true, fmt.Errorf("retry job %s: %w", rec.ID, err)
	}
	return true, nil
}

// Drain processes due jobs until none remain. Retried jobs with future
// run times are not waited for.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		worked, err := q.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !worked {
			return nil
		}
	}
}

// backoff doubles per completed attempt, capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	return d
}

// Stats is a point-in-time view of queue state for inspection.
type Stats struct {
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Claimed   int64 `json:"claimed"`
	Retried   int64 `json:"retried"`
}

// Stats combines durable state counts with process-lifetime counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountJobsByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:   counts[models.JobStatePending],
		Running:   counts[models.JobStateRunning],
		Completed: counts[models.JobStateCompleted],
		Failed:    counts[models.JobStateFailed],
		Claimed:   atomic.LoadInt64(&q.totalClaimed),
		Retried:   atomic.LoadInt64(&q.totalRetried),
	}, nil
}
