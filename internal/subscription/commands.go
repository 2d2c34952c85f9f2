package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

// lockLive locks the user's non-cancelled subscription, mapping absence to
// ENOSUBSCRIPTION.
func lockLive(ctx context.Context, tx store.Tx, userID uuid.UUID, op string) (*domain.Subscription, error) {
	sub, err := tx.LockLiveSubscriptionByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NoSubscription(op, userID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("lock subscription for user %s: %w", userID, err)
	}
	return sub, nil
}

// CancelSubscription cancels the user's subscription.
//
// An immediate cancel is confirmed with the processor before the local record
// moves to cancelled. Otherwise the processor is told to stop renewing and the
// record stays in its current status until the processor's deletion event
// arrives at the period boundary.
func (e *Engine) CancelSubscription(ctx context.Context, userID uuid.UUID, immediate bool) (*domain.Subscription, error) {
	const op = "subscription.cancel"
	now := e.clock()

	var out *domain.Subscription
	var change *domain.StatusChange
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sub, err := lockLive(ctx, tx, userID, op)
		if err != nil {
			return err
		}
		from := sub.Status

		if immediate {
			if !domain.CanTransition(from, domain.StatusCancelled) {
				return &domain.InvalidTransitionError{From: from, To: domain.StatusCancelled, Trigger: "cancel"}
			}
			if sub.ProcessorSubscriptionID != "" {
				if err := e.processor.CancelSubscription(ctx, sub.ProcessorSubscriptionID); err != nil {
					return err
				}
			}
			markCancelled(sub, now)
			if _, err := tx.ResolvePendingRetryAttempts(ctx, sub.ID, domain.RetryFailed, "", now); err != nil {
				return fmt.Errorf("resolve retry attempts: %w", err)
			}
		} else {
			switch from {
			case domain.StatusActive, domain.StatusPastDue, domain.StatusSuspended:
			default:
				return &domain.InvalidTransitionError{From: from, To: from, Trigger: "cancel_at_period_end"}
			}
			if sub.CancelAtPeriodEnd {
				out = sub
				return nil
			}
			if sub.ProcessorSubscriptionID != "" {
				if err := e.processor.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubscriptionID, true); err != nil {
					return err
				}
			}
			sub.CancelAtPeriodEnd = true
		}

		change, err = e.commit(ctx, tx, sub, from, now)
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, domainError(err, op)
	}

	e.logger.Info("subscription cancel requested",
		"subscription_id", out.ID,
		"user_id", userID,
		"immediate", immediate,
	)
	e.afterCommit(change)
	return out, nil
}

// ReactivateSubscription restores a past_due or suspended subscription.
//
// Without an override it asks the processor to collect the open invoice now.
// The status itself only changes when the resulting payment event arrives. An
// admin override forces the subscription active without a charge.
func (e *Engine) ReactivateSubscription(ctx context.Context, userID uuid.UUID, opts domain.ReactivateOptions) (*domain.Subscription, error) {
	const op = "subscription.reactivate"

	if opts.AdminOverride {
		return e.forceActive(ctx, userID, op)
	}

	sub, err := e.store.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sub.Status.Terminal()) {
		return nil, domain.NoSubscription(op, userID.String())
	}
	if err != nil {
		return nil, domainError(err, op)
	}
	if sub.Status != domain.StatusPastDue && sub.Status != domain.StatusSuspended {
		return nil, &domain.InvalidTransitionError{From: sub.Status, To: domain.StatusActive, Trigger: "reactivate"}
	}

	invoiceID, err := e.openInvoice(ctx, sub)
	if err != nil {
		return nil, domainError(err, op)
	}

	now := e.clock()
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRetryAttempt(ctx, &domain.RetryAttempt{
			SubscriptionID:     sub.ID,
			AttemptNumber:      sub.RetryCount,
			ScheduledAt:        now,
			Outcome:            domain.RetryPending,
			ProcessorInvoiceID: invoiceID,
		})
	})
	if err != nil {
		return nil, domainError(err, op)
	}

	result, err := e.processor.RetryCharge(ctx, billing.RetryChargeParams{
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		ProcessorInvoiceID:      invoiceID,
		IdempotencyKey:          fmt.Sprintf("hearth-reactivate-%s-%d", sub.ID, sub.RetryCount),
	})
	if err != nil {
		e.logger.Warn("reactivation charge failed", "subscription_id", sub.ID, "user_id", userID, "error", err)
		return nil, domainError(err, op)
	}
	if !result.Paid {
		return nil, domain.Errorf(domain.EPAYMENT, op, "payment was not collected (invoice %s)", result.Status)
	}

	e.logger.Info("reactivation charge collected",
		"subscription_id", sub.ID,
		"user_id", userID,
		"invoice_id", result.ProcessorInvoiceID,
	)
	return sub, nil
}

// openInvoice returns the processor id of the newest open invoice, or "" to
// let the processor pick the subscription's latest one.
func (e *Engine) openInvoice(ctx context.Context, sub *domain.Subscription) (string, error) {
	invoices, err := e.store.ListInvoicesBySubscription(ctx, sub.ID)
	if err != nil {
		return "", fmt.Errorf("list invoices: %w", err)
	}
	for _, inv := range invoices {
		if inv.Status == domain.InvoiceOpen {
			return inv.ProcessorInvoiceID, nil
		}
	}
	return "", nil
}

func (e *Engine) forceActive(ctx context.Context, userID uuid.UUID, op string) (*domain.Subscription, error) {
	now := e.clock()

	var out *domain.Subscription
	var change *domain.StatusChange
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sub, err := lockLive(ctx, tx, userID, op)
		if err != nil {
			return err
		}
		from := sub.Status
		if from != domain.StatusPastDue && from != domain.StatusSuspended {
			return &domain.InvalidTransitionError{From: from, To: domain.StatusActive, Trigger: "reactivate"}
		}

		sub.Status = domain.StatusActive
		sub.RetryCount = 0
		sub.NextRetryAt = nil
		sub.SuspendedAt = nil
		if _, err := tx.ResolvePendingRetryAttempts(ctx, sub.ID, domain.RetrySucceeded, "", now); err != nil {
			return fmt.Errorf("resolve retry attempts: %w", err)
		}

		change, err = e.commit(ctx, tx, sub, from, now)
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, domainError(err, op)
	}

	e.logger.Warn("subscription reactivated by admin override", "subscription_id", out.ID, "user_id", userID)
	e.afterCommit(change)
	return out, nil
}

// StartCheckout records an incomplete subscription ahead of the first
// payment. The payment event activates it.
func (e *Engine) StartCheckout(ctx context.Context, params domain.CheckoutParams) (*domain.Subscription, error) {
	const op = "subscription.start_checkout"

	var verr error
	if params.UserID == uuid.Nil {
		verr = domain.AddFieldError(verr, "user_id", "is required")
	}
	if strings.TrimSpace(params.Plan) == "" {
		verr = domain.AddFieldError(verr, "plan", "is required")
	}
	if !params.Interval.Valid() {
		verr = domain.AddFieldError(verr, "interval", "must be monthly or annual")
	}
	if params.AmountCents <= 0 {
		verr = domain.AddFieldError(verr, "amount_cents", "must be positive")
	}
	if len(params.Currency) != 3 {
		verr = domain.AddFieldError(verr, "currency", "must be a 3-letter code")
	}
	if verr != nil {
		return nil, verr
	}

	now := e.clock()
	sub := &domain.Subscription{
		ID:          uuid.New(),
		UserID:      params.UserID,
		Plan:        params.Plan,
		Interval:    params.Interval,
		AmountCents: params.AmountCents,
		Currency:    strings.ToLower(params.Currency),
		Status:      domain.StatusIncomplete,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		_, err := e.access.Apply(ctx, tx, sub, nil, now)
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, domain.Errorf(domain.ECONFLICT, op, "user %s already has a live subscription", params.UserID)
	}
	if err != nil {
		return nil, domainError(err, op)
	}

	e.logger.Info("checkout started", "subscription_id", sub.ID, "user_id", sub.UserID, "plan", sub.Plan)
	return sub, nil
}
