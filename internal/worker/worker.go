// Package worker delivers queued downstream sync jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/jobs"
	"github.com/dukerupert/hearth/internal/store"
	"github.com/dukerupert/hearth/internal/telemetry"
)

// Handler performs one job.
type Handler interface {
	Deliver(ctx context.Context, job *domain.Job) error
}

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance
	WorkerID string

	// PollInterval is how often to check for new jobs
	PollInterval time.Duration

	// MaxConcurrency is the maximum number of jobs to process concurrently
	MaxConcurrency int

	// JobTimeout bounds a single delivery
	JobTimeout time.Duration

	// BaseDelay is the wait before the first retry; it doubles per attempt up
	// to MaxDelay
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Worker processes background jobs
type Worker struct {
	config  Config
	queue   store.JobQueue
	handler Handler
	metrics *telemetry.BillingMetrics
	logger  *slog.Logger
	wake    chan struct{}
	now     func() time.Time
}

// NewWorker creates a new background job worker
func NewWorker(queue store.JobQueue, handler Handler, config Config, metrics *telemetry.BillingMetrics, logger *slog.Logger) *Worker {
	// Set defaults
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 5
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = 30 * time.Second
	}
	if config.BaseDelay == 0 {
		config.BaseDelay = 5 * time.Second
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = time.Hour
	}

	return &Worker{
		config:  config,
		queue:   queue,
		handler: handler,
		metrics: metrics,
		logger:  logger.With("component", "worker", "worker_id", config.WorkerID),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Notify wakes the worker before the next poll. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start begins processing jobs until the context is cancelled. In-flight jobs
// are allowed to finish before it returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting",
		"poll_interval", w.config.PollInterval,
		"max_concurrency", w.config.MaxConcurrency,
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Semaphore for concurrency control
	sem := make(chan struct{}, w.config.MaxConcurrency)
	var wg sync.WaitGroup

	poll := func() {
		select {
		case sem <- struct{}{}:
		default:
			// At max concurrency, the running drains pick up the rest
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.drain(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			poll()
		case <-w.wake:
			poll()
		}
	}
}

// drain processes jobs until none are due.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		ok, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("failed to process job", "error", err)
			return
		}
		if !ok {
			return
		}
	}
}

// ProcessNext claims and processes a single job. It reports whether a job was
// found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.config.WorkerID, w.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}

	logger := w.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)
	logger.Debug("processing job")

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	err = w.handler.Deliver(jobCtx, job)
	cancel()
	elapsed := time.Since(start).Seconds()
	sink := jobs.Sink(job.JobType)

	if err == nil {
		w.metrics.SyncJob(sink, "completed", elapsed)
		logger.Info("job completed")
		return true, w.queue.CompleteJob(ctx, job.ID)
	}

	if job.Attempts >= job.MaxAttempts {
		w.metrics.SyncJob(sink, "exhausted", elapsed)
		logger.Error("job failed permanently", "error", err)
		telemetry.CaptureSyncFailure(err, sink, payloadUser(job), job.Attempts)
		return true, w.queue.FailJob(ctx, job.ID, err.Error(), nil)
	}

	retryAt := w.now().UTC().Add(w.Backoff(job.Attempts))
	w.metrics.SyncJob(sink, "retry", elapsed)
	logger.Warn("job failed, will retry", "error", err, "retry_at", retryAt)
	return true, w.queue.FailJob(ctx, job.ID, err.Error(), &retryAt)
}

// Backoff returns the delay after the given failed attempt (1-based).
func (w *Worker) Backoff(attempt int) time.Duration {
	d := w.config.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.config.MaxDelay {
			return w.config.MaxDelay
		}
	}
	return min(d, w.config.MaxDelay)
}

func payloadUser(job *domain.Job) string {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := jobs.Decode(job, &p); err != nil {
		return ""
	}
	return p.UserID
}
