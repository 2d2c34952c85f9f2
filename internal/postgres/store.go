package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)

// NewStore creates a Store on an open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithinTx runs fn in a read-committed transaction. Row locks taken through
// tx (SELECT ... FOR UPDATE) serialize writers of the same subscription only.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(t pgx.Tx) error {
		return fn(ctx, &tx{q: t})
	})
}

// ClaimDueRetries implements store.Store. SKIP LOCKED lets concurrent scanners
// partition the due set instead of blocking on each other.
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Subscription, error) {
	const q = `
		WITH due AS (
			SELECT id, next_retry_at AS claimed_retry_at
			FROM subscriptions
			WHERE status = 'past_due' AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE subscriptions s
		SET next_retry_at = $2, updated_at = $1
		FROM due
		WHERE s.id = due.id
		RETURNING s.id, s.processor_subscription_id, s.processor_customer_id, s.user_id, s.plan,
			s.billing_interval, s.amount_cents, s.currency, s.status, s.current_period_start,
			s.current_period_end, s.anchor_day, s.cancel_at_period_end, s.retry_count,
			due.claimed_retry_at, s.suspended_at, s.cancelled_at, s.last_event_at, s.created_at, s.updated_at`

	rows, err := s.pool.Query(ctx, q, now.UTC(), now.Add(lease).UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	return collectSubscriptions(rows)
}

// GetSubscription implements store.Reader.
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(s.pool.QueryRow(ctx, q, id))
}

// GetSubscriptionByUser implements store.Reader.
func (s *Store) GetSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = $1
		ORDER BY (status <> 'cancelled') DESC, created_at DESC
		LIMIT 1`
	return scanSubscription(s.pool.QueryRow(ctx, q, userID))
}

// ListInvoicesByUser implements store.Reader.
func (s *Store) ListInvoicesByUser(ctx context.Context, userID uuid.UUID) ([]domain.Invoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM invoices WHERE user_id = $1 ORDER BY issued_at DESC, number DESC`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list invoices by user: %w", err)
	}
	return collectInvoices(rows)
}

// ListInvoicesBySubscription implements store.Reader.
func (s *Store) ListInvoicesBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Invoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM invoices WHERE subscription_id = $1 ORDER BY issued_at DESC, number DESC`
	rows, err := s.pool.Query(ctx, q, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list invoices by subscription: %w", err)
	}
	return collectInvoices(rows)
}

// ListRetryAttempts implements store.Reader.
func (s *Store) ListRetryAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]domain.RetryAttempt, error) {
	const q = `SELECT id, subscription_id, attempt_number, scheduled_at, outcome, processor_invoice_id, resolved_at
		FROM retry_attempts WHERE subscription_id = $1 ORDER BY attempt_number, created_at`

	rows, err := s.pool.Query(ctx, q, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list retry attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.RetryAttempt
	for rows.Next() {
		var (
			a       domain.RetryAttempt
			outcome string
		)
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &a.AttemptNumber, &a.ScheduledAt, &outcome, &a.ProcessorInvoiceID, &a.ResolvedAt); err != nil {
			return nil, err
		}
		a.Outcome = domain.RetryOutcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccessGrant implements store.Reader.
func (s *Store) GetAccessGrant(ctx context.Context, userID uuid.UUID) (*domain.AccessGrant, error) {
	const q = `SELECT user_id, subscription_id, role, last_synced_at FROM access_grants WHERE user_id = $1`

	var (
		g    domain.AccessGrant
		role string
	)
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&g.UserID, &g.SubscriptionID, &role, &g.LastSyncedAt); err != nil {
		return nil, mapErr(err)
	}
	g.Role = domain.Role(role)
	return &g, nil
}

// ListSuspendedBefore implements store.Reader.
func (s *Store) ListSuspendedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = 'suspended' AND suspended_at <= $1
		ORDER BY suspended_at LIMIT $2`
	rows, err := s.pool.Query(ctx, q, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list suspended: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListRenewalsBetween implements store.Reader.
func (s *Store) ListRenewalsBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = 'active' AND current_period_end >= $1 AND current_period_end < $2
		ORDER BY current_period_end`
	rows, err := s.pool.Query(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list renewals: %w", err)
	}
	return collectSubscriptions(rows)
}
