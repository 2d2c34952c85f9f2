package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
)

// tx implements store.Tx over a pgx transaction.
type tx struct {
	q querier
}

func (t *tx) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (t *tx) InsertProcessedEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) LockSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	return scanSubscription(t.q.QueryRow(ctx, q, id))
}

func (t *tx) LockSubscriptionByProcessorID(ctx context.Context, processorSubscriptionID string) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE processor_subscription_id = $1 FOR UPDATE`
	return scanSubscription(t.q.QueryRow(ctx, q, processorSubscriptionID))
}

func (t *tx) LockLiveSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 AND status <> 'cancelled' FOR UPDATE`
	return scanSubscription(t.q.QueryRow(ctx, q, userID))
}

func (t *tx) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		sub.ID, nullText(sub.ProcessorSubscriptionID), sub.ProcessorCustomerID, sub.UserID, sub.Plan,
		string(sub.Interval), sub.AmountCents, sub.Currency, string(sub.Status), sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		sub.AnchorDay, sub.CancelAtPeriodEnd, sub.RetryCount, utc(sub.NextRetryAt), utc(sub.SuspendedAt), utc(sub.CancelledAt),
		utc(sub.LastEventAt), sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", mapErr(err))
	}
	return nil
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	_, err := t.q.Exec(ctx, `
		UPDATE subscriptions SET
			processor_subscription_id = $2, processor_customer_id = $3, plan = $4, billing_interval = $5,
			amount_cents = $6, currency = $7, status = $8, current_period_start = $9, current_period_end = $10,
			anchor_day = $11, cancel_at_period_end = $12, retry_count = $13, next_retry_at = $14,
			suspended_at = $15, cancelled_at = $16, last_event_at = $17, updated_at = $18
		WHERE id = $1`,
		sub.ID, nullText(sub.ProcessorSubscriptionID), sub.ProcessorCustomerID, sub.Plan, string(sub.Interval),
		sub.AmountCents, sub.Currency, string(sub.Status), sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		sub.AnchorDay, sub.CancelAtPeriodEnd, sub.RetryCount, utc(sub.NextRetryAt),
		utc(sub.SuspendedAt), utc(sub.CancelledAt), utc(sub.LastEventAt), sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, mapErr(err))
	}
	return nil
}

func (t *tx) GetInvoiceByProcessorID(ctx context.Context, processorInvoiceID string) (*domain.Invoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM invoices WHERE processor_invoice_id = $1 FOR UPDATE`
	return scanInvoice(t.q.QueryRow(ctx, q, processorInvoiceID))
}

func (t *tx) InsertInvoice(ctx context.Context, inv *domain.Invoice) (bool, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	tag, err := t.q.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (processor_invoice_id) DO NOTHING`,
		inv.ID, inv.SubscriptionID, inv.UserID, inv.ProcessorInvoiceID, inv.Number, inv.AmountCents,
		inv.Currency, string(inv.Status), inv.IssuedAt.UTC(), utc(inv.PaidAt), inv.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert invoice: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status domain.InvoiceStatus, paidAt *time.Time) error {
	_, err := t.q.Exec(ctx,
		`UPDATE invoices SET status = $2, paid_at = COALESCE($3, paid_at) WHERE id = $1`,
		id, string(status), utc(paidAt))
	if err != nil {
		return fmt.Errorf("update invoice status %s: %w", id, err)
	}
	return nil
}

func (t *tx) NextInvoiceNumber(ctx context.Context, year int) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		INSERT INTO invoice_numbers (year, last_value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_value = invoice_numbers.last_value + 1
		RETURNING last_value`, year).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next invoice number: %w", err)
	}
	return n, nil
}

func (t *tx) InsertRetryAttempt(ctx context.Context, a *domain.RetryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO retry_attempts (id, subscription_id, attempt_number, scheduled_at, outcome, processor_invoice_id, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.SubscriptionID, a.AttemptNumber, a.ScheduledAt.UTC(), string(a.Outcome), a.ProcessorInvoiceID, utc(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert retry attempt: %w", err)
	}
	return nil
}

func (t *tx) ResolvePendingRetryAttempts(ctx context.Context, subscriptionID uuid.UUID, outcome domain.RetryOutcome, processorInvoiceID string, at time.Time) (int, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE retry_attempts
		SET outcome = $2, resolved_at = $3,
			processor_invoice_id = CASE WHEN $4 = '' THEN processor_invoice_id ELSE $4 END
		WHERE subscription_id = $1 AND outcome = 'pending'`,
		subscriptionID, string(outcome), at.UTC(), processorInvoiceID)
	if err != nil {
		return 0, fmt.Errorf("resolve retry attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *tx) UpsertAccessGrant(ctx context.Context, g domain.AccessGrant) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO access_grants (user_id, subscription_id, role, last_synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET subscription_id = EXCLUDED.subscription_id, role = EXCLUDED.role, last_synced_at = EXCLUDED.last_synced_at`,
		g.UserID, g.SubscriptionID, string(g.Role), g.LastSyncedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert access grant: %w", err)
	}
	return nil
}

func (t *tx) EnqueueJob(ctx context.Context, j *domain.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		j.ID, j.JobType, []byte(j.Payload), string(j.Status), j.Attempts, j.MaxAttempts, j.ScheduledAt.UTC(), j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", j.JobType, err)
	}
	return nil
}
