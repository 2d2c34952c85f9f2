package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const subscriptionColumns = `id, processor_subscription_id, processor_customer_id, user_id, plan,
	billing_interval, amount_cents, currency, status, current_period_start, current_period_end,
	anchor_day, cancel_at_period_end, retry_count, next_retry_at, suspended_at, cancelled_at,
	last_event_at, created_at, updated_at`

const invoiceColumns = `id, subscription_id, user_id, processor_invoice_id, number, amount_cents,
	currency, status, issued_at, paid_at, created_at`

const jobColumns = `id, job_type, payload, status, attempts, max_attempts, scheduled_at,
	last_error, worker_id, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		s           domain.Subscription
		processorID *string
		interval    string
		status      string
	)
	err := row.Scan(
		&s.ID, &processorID, &s.ProcessorCustomerID, &s.UserID, &s.Plan,
		&interval, &s.AmountCents, &s.Currency, &status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.AnchorDay, &s.CancelAtPeriodEnd, &s.RetryCount, &s.NextRetryAt, &s.SuspendedAt, &s.CancelledAt,
		&s.LastEventAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	if processorID != nil {
		s.ProcessorSubscriptionID = *processorID
	}
	s.Interval = domain.Interval(interval)
	s.Status = domain.SubscriptionStatus(status)
	return &s, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var (
		inv    domain.Invoice
		status string
	)
	err := row.Scan(
		&inv.ID, &inv.SubscriptionID, &inv.UserID, &inv.ProcessorInvoiceID, &inv.Number, &inv.AmountCents,
		&inv.Currency, &status, &inv.IssuedAt, &inv.PaidAt, &inv.CreatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	inv.Status = domain.InvoiceStatus(status)
	return &inv, nil
}

func collectInvoices(rows pgx.Rows) ([]domain.Invoice, error) {
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j      domain.Job
		status string
	)
	err := row.Scan(
		&j.ID, &j.JobType, &j.Payload, &status, &j.Attempts, &j.MaxAttempts, &j.ScheduledAt,
		&j.LastError, &j.WorkerID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	j.Status = domain.JobStatus(status)
	return &j, nil
}

// nullText stores the empty string as NULL so unique indexes ignore it.
func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrConflict
		case "23514":
			return fmt.Errorf("%w: %s", store.ErrInvalid, pgErr.ConstraintName)
		}
	}
	return err
}
