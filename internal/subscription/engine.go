// Package subscription owns the subscription state machine. Every status
// change, whether driven by a processor event or a user command, goes through
// the Engine inside one store transaction.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/hearth/internal/access"
	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/invoice"
	"github.com/dukerupert/hearth/internal/retry"
	"github.com/dukerupert/hearth/internal/store"
	"github.com/dukerupert/hearth/internal/telemetry"
)

// Suspension policies.
const (
	// SuspendGate removes access locally and leaves the processor subscription alone.
	SuspendGate = "gate"

	// SuspendCancelProcessor also cancels the subscription at the processor.
	SuspendCancelProcessor = "cancel_processor"
)

// ValidSuspendPolicy reports whether p names a suspension policy.
func ValidSuspendPolicy(p string) bool {
	return p == SuspendGate || p == SuspendCancelProcessor
}

// Config controls engine behavior that varies per deployment.
type Config struct {
	SuspendPolicy string

	// SuspensionGracePeriod is how long a subscription may stay suspended
	// before CloseExpiredSuspensions cancels it. Zero disables the sweep.
	SuspensionGracePeriod time.Duration
}

// Waker is poked after a commit that enqueued sync jobs.
type Waker interface {
	Notify()
}

// Engine applies processor events and user commands to subscriptions.
type Engine struct {
	store     store.Store
	processor billing.Processor
	policy    retry.Policy
	recorder  *invoice.Recorder
	access    *access.Synchronizer
	waker     Waker
	metrics   *telemetry.BillingMetrics
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

var _ domain.SubscriptionService = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records transitions and event outcomes.
func WithMetrics(m *telemetry.BillingMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWaker sets the component told about newly enqueued sync jobs.
func WithWaker(w Waker) Option {
	return func(e *Engine) { e.waker = w }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, processor billing.Processor, policy retry.Policy, recorder *invoice.Recorder, sync *access.Synchronizer, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.SuspendPolicy == "" {
		cfg.SuspendPolicy = SuspendGate
	}
	e := &Engine{
		store:     st,
		processor: processor,
		policy:    policy,
		recorder:  recorder,
		access:    sync,
		config:    cfg,
		logger:    logger.With("component", "subscription_engine"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// commit persists sub after checking its invariants and re-derives the
// user's grant. A status change enqueues the downstream sync.
func (e *Engine) commit(ctx context.Context, tx store.Tx, sub *domain.Subscription, from domain.SubscriptionStatus, now time.Time) (*domain.StatusChange, error) {
	if err := sub.CheckInvariants(); err != nil {
		return nil, err
	}
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	var change *domain.StatusChange
	if from != sub.Status {
		change = &domain.StatusChange{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			OldStatus:      from,
			NewStatus:      sub.Status,
			Timestamp:      now,
		}
	}
	if _, err := e.access.Apply(ctx, tx, sub, change, now); err != nil {
		return nil, err
	}
	return change, nil
}

// afterCommit records metrics for a change and wakes the sync worker.
func (e *Engine) afterCommit(change *domain.StatusChange) {
	if change == nil {
		return
	}
	e.metrics.Transition(string(change.OldStatus), string(change.NewStatus))
	if e.waker != nil {
		e.waker.Notify()
	}
	e.logger.Info("subscription status changed",
		"subscription_id", change.SubscriptionID,
		"user_id", change.UserID,
		"from", change.OldStatus,
		"to", change.NewStatus,
	)
}

// suspend moves sub to suspended and applies the suspension policy.
func (e *Engine) suspend(ctx context.Context, tx store.Tx, sub *domain.Subscription, now time.Time) error {
	sub.Status = domain.StatusSuspended
	sub.SuspendedAt = &now
	sub.NextRetryAt = nil
	if e.config.SuspendPolicy == SuspendCancelProcessor {
		return e.access.CancelAtProcessor(ctx, tx, sub, "suspended", now)
	}
	return nil
}

// domainError maps infrastructure errors onto the error taxonomy, leaving
// errors that already carry a code untouched.
func domainError(err error, op string) error {
	if err == nil {
		return nil
	}
	var te *domain.InvalidTransitionError
	var de *domain.Error
	switch {
	case errors.As(err, &te), errors.As(err, &de):
		return err
	case errors.Is(err, billing.ErrNoOpenInvoice):
		return domain.WrapError(err, domain.EINVALID, op, "nothing is owed on this subscription")
	case errors.Is(err, store.ErrConflict):
		return domain.WrapError(err, domain.ECONFLICT, op, "subscription was modified concurrently")
	case billing.IsDeclined(err):
		return domain.WrapError(err, domain.EPAYMENT, op, "payment was declined")
	case billing.IsTransient(err):
		return domain.WrapError(err, domain.EPROCESSOR, op, "payment processor unavailable")
	}
	return domain.Internal(err, op, "failed to update subscription")
}
