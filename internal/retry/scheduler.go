package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/lock"
	"github.com/dukerupert/hearth/internal/store"
	"github.com/dukerupert/hearth/internal/telemetry"
)

// LockName is the cluster-wide lock held for one scan.
const LockName = "hearth:retry-scan"

// Sweeper closes suspensions whose grace period has run out.
type Sweeper interface {
	CloseExpiredSuspensions(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig holds scan settings.
type SchedulerConfig struct {
	// Interval between scans.
	Interval time.Duration

	// Lease pushes next_retry_at forward on claim. A charge whose outcome
	// never arrives is offered again once the lease runs out.
	Lease time.Duration

	// BatchSize caps the rows claimed per scan.
	BatchSize int
}

// ScanResult summarises one scan.
type ScanResult struct {
	Skipped   bool // another replica held the lock
	Claimed   int
	Charged   int
	Declined  int
	Transient int
	Failed    int
	Closed    int // suspensions closed by the sweeper
}

// Scheduler claims due past-due subscriptions and asks the processor to
// charge them again. It never writes subscription status: the outcome arrives
// as a processor event and goes through the engine.
type Scheduler struct {
	store     store.Store
	processor billing.Processor
	locker    lock.Locker
	sweeper   Sweeper
	config    SchedulerConfig
	metrics   *telemetry.BillingMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSweeper runs the grace-period sweep after every scan.
func WithSweeper(s Sweeper) SchedulerOption {
	return func(sc *Scheduler) { sc.sweeper = s }
}

// WithMetrics records scan and charge metrics.
func WithMetrics(m *telemetry.BillingMetrics) SchedulerOption {
	return func(sc *Scheduler) { sc.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SchedulerOption {
	return func(sc *Scheduler) { sc.now = now }
}

// NewScheduler creates a scheduler.
func NewScheduler(st store.Store, processor billing.Processor, locker lock.Locker, cfg SchedulerConfig, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lease == 0 {
		cfg.Lease = time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if locker == nil {
		locker = lock.Noop{}
	}

	s := &Scheduler{
		store:     st,
		processor: processor,
		locker:    locker,
		config:    cfg,
		logger:    logger.With("component", "retry_scheduler"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("retry scheduler starting",
		"interval", s.config.Interval,
		"lease", s.config.Lease,
		"batch_size", s.config.BatchSize,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			res, err := s.ScanOnce(ctx)
			if err != nil {
				s.logger.Error("retry scan failed", "error", err)
				telemetry.CaptureError(err, map[string]interface{}{"component": "retry_scheduler"})
				continue
			}
			if res.Claimed > 0 || res.Closed > 0 {
				s.logger.Info("retry scan complete",
					"claimed", res.Claimed,
					"charged", res.Charged,
					"declined", res.Declined,
					"transient", res.Transient,
					"failed", res.Failed,
					"closed", res.Closed,
				)
			}
		}
	}
}

// ScanOnce performs a single scan under the cluster lock.
func (s *Scheduler) ScanOnce(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	unlock, err := s.locker.TryLock(ctx, LockName, s.config.Interval)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			s.logger.Debug("retry scan skipped, lock held", "error", err)
			s.metrics.RetryScan("locked", 0)
			res.Skipped = true
			return res, nil
		}
		return res, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release retry scan lock", "error", err)
		}
	}()

	now := s.now().UTC()
	claimed, err := s.store.ClaimDueRetries(ctx, now, s.config.Lease, s.config.BatchSize)
	if err != nil {
		s.metrics.RetryScan("error", 0)
		return res, fmt.Errorf("claim due retries: %w", err)
	}
	res.Claimed = len(claimed)
	s.metrics.RetryScan("ran", len(claimed))

	for i := range claimed {
		if ctx.Err() != nil {
			break
		}
		switch s.charge(ctx, &claimed[i], now) {
		case "paid", "unpaid":
			res.Charged++
		case "declined":
			res.Declined++
		case "transient":
			res.Transient++
		default:
			res.Failed++
		}
	}

	if s.sweeper != nil {
		n, err := s.sweeper.CloseExpiredSuspensions(ctx, now)
		if err != nil {
			return res, fmt.Errorf("close expired suspensions: %w", err)
		}
		res.Closed = n
	}
	return res, nil
}

// charge logs a pending attempt and asks the processor to collect. It returns
// the outcome label.
func (s *Scheduler) charge(ctx context.Context, sub *domain.Subscription, now time.Time) string {
	logger := s.logger.With("subscription_id", sub.ID, "user_id", sub.UserID, "retry_count", sub.RetryCount)

	var invoiceID string
	invoices, err := s.store.ListInvoicesBySubscription(ctx, sub.ID)
	if err != nil {
		logger.Error("failed to load invoices for retry", "error", err)
		return "error"
	}
	for _, inv := range invoices {
		if inv.Status == domain.InvoiceOpen {
			invoiceID = inv.ProcessorInvoiceID
			break
		}
	}

	scheduledAt := now
	if sub.NextRetryAt != nil {
		scheduledAt = *sub.NextRetryAt
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRetryAttempt(ctx, &domain.RetryAttempt{
			SubscriptionID:     sub.ID,
			AttemptNumber:      sub.RetryCount,
			ScheduledAt:        scheduledAt,
			Outcome:            domain.RetryPending,
			ProcessorInvoiceID: invoiceID,
		})
	})
	if err != nil {
		logger.Error("failed to log retry attempt", "error", err)
		return "error"
	}

	start := time.Now()
	result, err := s.processor.RetryCharge(ctx, billing.RetryChargeParams{
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		ProcessorInvoiceID:      invoiceID,
		// Same key for a re-offered claim so an unknown-outcome charge is not
		// collected twice.
		IdempotencyKey: fmt.Sprintf("hearth-retry-%s-%d", sub.ID, sub.RetryCount),
	})
	elapsed := time.Since(start).Seconds()

	var outcome string
	switch {
	case err == nil && result.Paid:
		outcome = "paid"
		logger.Info("retry charge collected", "invoice_id", result.ProcessorInvoiceID)
	case err == nil:
		outcome = "unpaid"
		logger.Info("retry charge not collected", "invoice_id", result.ProcessorInvoiceID, "status", result.Status)
	case billing.IsDeclined(err):
		outcome = "declined"
		logger.Info("retry charge declined", "error", err)
	case billing.IsTransient(err):
		outcome = "transient"
		logger.Warn("retry charge unavailable, lease will re-offer", "error", err)
	default:
		outcome = "error"
		logger.Error("retry charge failed", "error", err)
		telemetry.CaptureError(err, map[string]interface{}{
			"subscription_id": sub.ID.String(),
			"retry_count":     sub.RetryCount,
		})
	}
	s.metrics.RetryCharge(outcome, elapsed)
	return outcome
}
