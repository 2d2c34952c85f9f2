package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/cycle"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/ledger"
	"github.com/dukerupert/hearth/internal/store"
)

// annualThreshold separates monthly from annual periods when an event does
// not name its interval.
const annualThreshold = 45 * 24 * time.Hour

// HandleEvent applies one processor event. The ledger mark and every write the
// event causes commit together, so a redelivered event is reported as a
// duplicate and changes nothing.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.Event) (*domain.EventResult, error) {
	const op = "subscription.handle_event"

	e.metrics.EventReceived(string(ev.Type))
	logger := e.logger.With("event_id", ev.ID, "event_type", ev.Type, "processor_subscription_id", ev.ProcessorSubscriptionID)
	now := e.clock()

	var result *domain.EventResult
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := ledger.MarkProcessed(ctx, tx, ev.ID, string(ev.Type), now); err != nil {
			return err
		}
		res, err := e.apply(ctx, tx, ev, now)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		logger.Debug("duplicate event skipped")
		e.metrics.EventOutcome(string(ev.Type), true, false)
		return &domain.EventResult{Duplicate: true}, nil
	case errors.Is(err, ledger.ErrMissingEventID):
		return nil, domain.Invalid(op, "event id is required")
	case err != nil:
		return nil, domainError(err, op)
	}

	e.metrics.EventOutcome(string(ev.Type), false, result.Ignored)
	if result.Ignored {
		logger.Info("event ignored")
	}
	e.afterCommit(result.Change)
	return result, nil
}

func (e *Engine) apply(ctx context.Context, tx store.Tx, ev domain.Event, now time.Time) (*domain.EventResult, error) {
	switch ev.Type {
	case domain.EventPaymentSucceeded:
		return e.applyPaymentSucceeded(ctx, tx, ev, now)
	case domain.EventPaymentFailed:
		return e.applyPaymentFailed(ctx, tx, ev, now)
	case domain.EventSubscriptionUpdated:
		return e.applySubscriptionUpdated(ctx, tx, ev, now)
	case domain.EventSubscriptionDeleted:
		return e.applySubscriptionDeleted(ctx, tx, ev, now)
	}
	return &domain.EventResult{Ignored: true}, nil
}

func ignored(sub *domain.Subscription) *domain.EventResult {
	return &domain.EventResult{Ignored: true, Subscription: sub}
}

// lockForEvent locks the subscription an event refers to. A nil result with
// a nil error means the event names no known subscription.
func lockForEvent(ctx context.Context, tx store.Tx, ev domain.Event) (*domain.Subscription, error) {
	if ev.ProcessorSubscriptionID == "" {
		return nil, nil
	}
	sub, err := tx.LockSubscriptionByProcessorID(ctx, ev.ProcessorSubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock subscription %s: %w", ev.ProcessorSubscriptionID, err)
	}
	return sub, nil
}

// invoiceSettled reports whether the invoice an event carries is already
// recorded as paid or void.
func invoiceSettled(ctx context.Context, tx store.Tx, ev domain.Event) (bool, error) {
	if ev.Invoice == nil || ev.Invoice.ProcessorInvoiceID == "" {
		return false, nil
	}
	inv, err := tx.GetInvoiceByProcessorID(ctx, ev.Invoice.ProcessorInvoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load invoice %s: %w", ev.Invoice.ProcessorInvoiceID, err)
	}
	return inv.Status == domain.InvoicePaid || inv.Status == domain.InvoiceVoid, nil
}

func (e *Engine) recordInvoice(ctx context.Context, tx store.Tx, sub *domain.Subscription, ev domain.Event) (*domain.Invoice, error) {
	if ev.Invoice == nil || ev.Invoice.ProcessorInvoiceID == "" {
		return nil, nil
	}
	return e.recorder.RecordFromEvent(ctx, tx, sub, ev.Invoice)
}

func (e *Engine) applyPaymentSucceeded(ctx context.Context, tx store.Tx, ev domain.Event, now time.Time) (*domain.EventResult, error) {
	sub, err := lockForEvent(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		sub, err = e.adopt(ctx, tx, ev, now)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return ignored(nil), nil
		}
	}

	settled, err := invoiceSettled(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if settled {
		return ignored(sub), nil
	}

	from := sub.Status
	if !domain.CanTransition(from, domain.StatusActive) {
		return nil, &domain.InvalidTransitionError{From: from, To: domain.StatusActive, Trigger: string(ev.Type)}
	}
	sub.Status = domain.StatusActive
	sub.RetryCount = 0
	sub.NextRetryAt = nil
	sub.SuspendedAt = nil
	advancePeriod(sub, ev)

	inv, err := e.recordInvoice(ctx, tx, sub, ev)
	if err != nil {
		return nil, err
	}
	invoiceID := ""
	if ev.Invoice != nil {
		invoiceID = ev.Invoice.ProcessorInvoiceID
	}
	if _, err := tx.ResolvePendingRetryAttempts(ctx, sub.ID, domain.RetrySucceeded, invoiceID, now); err != nil {
		return nil, fmt.Errorf("resolve retry attempts: %w", err)
	}

	touch(sub, ev, now)
	change, err := e.commit(ctx, tx, sub, from, now)
	if err != nil {
		return nil, err
	}
	return &domain.EventResult{Subscription: sub, Invoice: inv, Change: change}, nil
}

// adopt finds the local record for a first successful payment. A checkout
// started locally is linked to the processor subscription; otherwise a new
// record is created from the event metadata. Returns nil when the event
// carries no user to attach it to.
func (e *Engine) adopt(ctx context.Context, tx store.Tx, ev domain.Event, now time.Time) (*domain.Subscription, error) {
	const op = "subscription.adopt"

	if ev.UserID == "" || ev.ProcessorSubscriptionID == "" {
		return nil, nil
	}
	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		return nil, domain.Invalid(op, fmt.Sprintf("event user_id %q is not a uuid", ev.UserID))
	}

	live, err := tx.LockLiveSubscriptionByUser(ctx, userID)
	switch {
	case err == nil:
		if live.Status != domain.StatusIncomplete ||
			(live.ProcessorSubscriptionID != "" && live.ProcessorSubscriptionID != ev.ProcessorSubscriptionID) {
			return nil, domain.Errorf(domain.ECONFLICT, op, "user %s already has a live subscription", userID)
		}
		live.ProcessorSubscriptionID = ev.ProcessorSubscriptionID
		fillFromEvent(live, ev)
		return live, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lock live subscription for user %s: %w", userID, err)
	}

	sub := &domain.Subscription{
		ID:                      uuid.New(),
		ProcessorSubscriptionID: ev.ProcessorSubscriptionID,
		UserID:                  userID,
		Status:                  domain.StatusIncomplete,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	fillFromEvent(sub, ev)
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	e.logger.Info("subscription created from payment",
		"subscription_id", sub.ID,
		"user_id", userID,
		"plan", sub.Plan,
	)
	return sub, nil
}

// fillFromEvent copies creation metadata onto fields the record lacks.
func fillFromEvent(sub *domain.Subscription, ev domain.Event) {
	if sub.ProcessorCustomerID == "" {
		sub.ProcessorCustomerID = ev.ProcessorCustomerID
	}
	if sub.Plan == "" {
		sub.Plan = ev.Plan
	}
	if sub.AmountCents == 0 {
		sub.AmountCents = ev.AmountCents
		if sub.AmountCents == 0 && ev.Invoice != nil {
			sub.AmountCents = ev.Invoice.AmountCents
		}
	}
	if sub.Currency == "" {
		sub.Currency = ev.Currency
		if sub.Currency == "" && ev.Invoice != nil {
			sub.Currency = ev.Invoice.Currency
		}
	}
	if !sub.Interval.Valid() {
		sub.Interval = intervalFor(ev)
	}
}

func intervalFor(ev domain.Event) domain.Interval {
	if ev.Interval.Valid() {
		return ev.Interval
	}
	if !ev.PeriodStart.IsZero() && ev.PeriodEnd.Sub(ev.PeriodStart) > annualThreshold {
		return domain.IntervalAnnual
	}
	return domain.IntervalMonthly
}

// advancePeriod moves the billing period forward for a successful payment.
// A processor-reported period is taken only when it ends later than the
// current one. Without one, a new subscription starts its first period at the
// event time and a renewal that is due rolls over from the anchor day. A
// recovery payment inside the current period leaves it unchanged.
func advancePeriod(sub *domain.Subscription, ev domain.Event) {
	switch {
	case !ev.PeriodEnd.IsZero():
		if !ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
			return
		}
		start := ev.PeriodStart
		if start.IsZero() {
			start = sub.CurrentPeriodEnd
		}
		sub.CurrentPeriodStart = start.UTC()
		sub.CurrentPeriodEnd = ev.PeriodEnd.UTC()
	case sub.CurrentPeriodEnd.IsZero():
		start := ev.OccurredAt.UTC()
		sub.AnchorDay = cycle.AnchorDay(start)
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = cycle.NextPeriodEndFromAnchor(start, sub.Interval, sub.AnchorDay)
	case !ev.OccurredAt.Before(sub.CurrentPeriodEnd):
		start := sub.CurrentPeriodEnd
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = cycle.NextPeriodEndFromAnchor(start, sub.Interval, sub.AnchorDay)
	}
	if sub.AnchorDay == 0 && !sub.CurrentPeriodStart.IsZero() {
		sub.AnchorDay = cycle.AnchorDay(sub.CurrentPeriodStart)
	}
}

func (e *Engine) applyPaymentFailed(ctx context.Context, tx store.Tx, ev domain.Event, now time.Time) (*domain.EventResult, error) {
	sub, err := lockForEvent(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return ignored(nil), nil
	}

	settled, err := invoiceSettled(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if settled {
		return ignored(sub), nil
	}

	from := sub.Status
	switch from {
	case domain.StatusActive, domain.StatusPastDue:
		d := e.policy.OnFailure(sub, now)
		sub.RetryCount = d.RetryCount
		if d.Suspend {
			if err := e.suspend(ctx, tx, sub, now); err != nil {
				return nil, err
			}
		} else {
			sub.Status = domain.StatusPastDue
			sub.NextRetryAt = d.NextRetryAt
		}
	case domain.StatusSuspended:
		// Already cut off; the invoice is still recorded.
	default:
		return nil, &domain.InvalidTransitionError{From: from, To: domain.StatusPastDue, Trigger: string(ev.Type)}
	}

	inv, err := e.recordInvoice(ctx, tx, sub, ev)
	if err != nil {
		return nil, err
	}
	invoiceID := ""
	if ev.Invoice != nil {
		invoiceID = ev.Invoice.ProcessorInvoiceID
	}
	if _, err := tx.ResolvePendingRetryAttempts(ctx, sub.ID, domain.RetryFailed, invoiceID, now); err != nil {
		return nil, fmt.Errorf("resolve retry attempts: %w", err)
	}

	touch(sub, ev, now)
	change, err := e.commit(ctx, tx, sub, from, now)
	if err != nil {
		return nil, err
	}
	return &domain.EventResult{Subscription: sub, Invoice: inv, Change: change}, nil
}

func (e *Engine) applySubscriptionUpdated(ctx context.Context, tx store.Tx, ev domain.Event, now time.Time) (*domain.EventResult, error) {
	sub, err := lockForEvent(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status.Terminal() {
		return ignored(sub), nil
	}
	if sub.LastEventAt != nil && ev.OccurredAt.Before(*sub.LastEventAt) {
		return ignored(sub), nil
	}

	if ev.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}
	if !ev.PeriodEnd.IsZero() && ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
		if !ev.PeriodStart.IsZero() {
			sub.CurrentPeriodStart = ev.PeriodStart.UTC()
		}
		sub.CurrentPeriodEnd = ev.PeriodEnd.UTC()
	}
	if ev.Plan != "" {
		sub.Plan = ev.Plan
	}
	if ev.AmountCents > 0 {
		sub.AmountCents = ev.AmountCents
	}
	if ev.Currency != "" {
		sub.Currency = ev.Currency
	}
	if ev.Interval.Valid() {
		sub.Interval = ev.Interval
	}

	touch(sub, ev, now)
	change, err := e.commit(ctx, tx, sub, sub.Status, now)
	if err != nil {
		return nil, err
	}
	return &domain.EventResult{Subscription: sub, Change: change}, nil
}

// applySubscriptionDeleted accepts the processor's cancellation from any live
// status. It is the only path into cancelled from past_due.
func (e *Engine) applySubscriptionDeleted(ctx context.Context, tx store.Tx, ev domain.Event, now time.Time) (*domain.EventResult, error) {
	sub, err := lockForEvent(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status.Terminal() {
		return ignored(sub), nil
	}

	from := sub.Status
	markCancelled(sub, now)
	if _, err := tx.ResolvePendingRetryAttempts(ctx, sub.ID, domain.RetryFailed, "", now); err != nil {
		return nil, fmt.Errorf("resolve retry attempts: %w", err)
	}

	touch(sub, ev, now)
	change, err := e.commit(ctx, tx, sub, from, now)
	if err != nil {
		return nil, err
	}
	return &domain.EventResult{Subscription: sub, Change: change}, nil
}

func markCancelled(sub *domain.Subscription, now time.Time) {
	sub.Status = domain.StatusCancelled
	sub.CancelledAt = &now
	sub.CancelAtPeriodEnd = false
	sub.NextRetryAt = nil
	sub.SuspendedAt = nil
}

// touch advances LastEventAt to the event time; it never moves backwards.
func touch(sub *domain.Subscription, ev domain.Event, now time.Time) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	at = at.UTC()
	if sub.LastEventAt == nil || at.After(*sub.LastEventAt) {
		sub.LastEventAt = &at
	}
}
