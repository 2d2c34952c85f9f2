package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/cycle"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

// GetSubscription returns the user's live subscription, or the latest
// cancelled one.
func (e *Engine) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.get"

	sub, err := e.store.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NoSubscription(op, userID.String())
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load subscription")
	}
	return sub, nil
}

// ListInvoices returns the user's invoices, newest first.
func (e *Engine) ListInvoices(ctx context.Context, userID uuid.UUID) ([]domain.Invoice, error) {
	return e.recorder.ListForUser(ctx, userID)
}

// InvoiceStats summarises the user's invoices by status.
func (e *Engine) InvoiceStats(ctx context.Context, userID uuid.UUID) (*domain.InvoiceStats, error) {
	return e.recorder.Stats(ctx, userID)
}

// History returns the retry attempts logged for the user's current subscription.
func (e *Engine) History(ctx context.Context, userID uuid.UUID) ([]domain.RetryAttempt, error) {
	sub, err := e.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListRetryAttempts(ctx, sub.ID)
	if err != nil {
		return nil, domain.Internal(err, "subscription.history", "failed to list retry attempts")
	}
	return attempts, nil
}

// UpcomingRenewals lists active subscriptions whose period ends within the
// window and that are not set to lapse.
func (e *Engine) UpcomingRenewals(ctx context.Context, within time.Duration) ([]domain.Renewal, error) {
	now := e.clock()
	subs, err := e.store.ListRenewalsBetween(ctx, now, now.Add(within))
	if err != nil {
		return nil, domain.Internal(err, "subscription.upcoming_renewals", "failed to list renewals")
	}

	renewals := make([]domain.Renewal, 0, len(subs))
	for _, sub := range subs {
		if sub.CancelAtPeriodEnd {
			continue
		}
		renewals = append(renewals, domain.Renewal{
			Subscription: sub,
			DaysUntilDue: cycle.DaysUntilDue(sub.CurrentPeriodEnd, now),
		})
	}
	return renewals, nil
}

// ProrationPreview reports the credit an immediate cancellation would leave
// for the unused part of the current period.
func (e *Engine) ProrationPreview(ctx context.Context, userID uuid.UUID) (*domain.Proration, error) {
	const op = "subscription.proration_preview"

	sub, err := e.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, domain.NoSubscription(op, userID.String())
	}

	now := e.clock()
	return &domain.Proration{
		SubscriptionID: sub.ID,
		AmountCents:    sub.AmountCents,
		CreditCents:    cycle.ProrateCredit(sub.AmountCents, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now),
		Currency:       sub.Currency,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		At:             now,
	}, nil
}
