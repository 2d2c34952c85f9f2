// Package store defines the persistence contract of the billing engine.
//
// The Postgres implementation lives in internal/postgres; internal/store/memory
// provides an in-process implementation used by tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/ledger"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness rule, such as
	// a second live subscription for the same user.
	ErrConflict = errors.New("store: conflict")

	// ErrInvalid is returned when a row breaks a table check, such as a
	// billed subscription without an anchor day.
	ErrInvalid = errors.New("store: invalid row")
)

// Store is the full persistence surface.
type Store interface {
	Reader
	JobQueue

	// WithinTx runs fn in a single transaction. Returning an error from fn
	// rolls back every write made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ClaimDueRetries claims up to limit past_due subscriptions whose
	// next_retry_at is at or before now, pushing next_retry_at forward by lease
	// so a concurrent claimer skips them. Returns the claimed rows as they were
	// before the lease was applied.
	ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Subscription, error)
}

// Reader holds non-locking queries used by the API and the scheduler.
type Reader interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	// GetSubscriptionByUser returns the user's live subscription, or the most
	// recently created cancelled one when none is live.
	GetSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	ListInvoicesByUser(ctx context.Context, userID uuid.UUID) ([]domain.Invoice, error)
	ListInvoicesBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Invoice, error)
	ListRetryAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]domain.RetryAttempt, error)
	GetAccessGrant(ctx context.Context, userID uuid.UUID) (*domain.AccessGrant, error)

	// ListSuspendedBefore returns suspended subscriptions with suspended_at <= cutoff.
	ListSuspendedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error)

	// ListRenewalsBetween returns active subscriptions whose period ends in [from, to).
	ListRenewalsBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error)
}

// Tx is the transactional write surface. Lock* methods take a row lock held
// until the transaction ends.
type Tx interface {
	ledger.Querier

	LockSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	LockSubscriptionByProcessorID(ctx context.Context, processorSubscriptionID string) (*domain.Subscription, error)
	LockLiveSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error

	GetInvoiceByProcessorID(ctx context.Context, processorInvoiceID string) (*domain.Invoice, error)
	// InsertInvoice inserts inv unless its processor invoice id exists and
	// reports whether a row was written.
	InsertInvoice(ctx context.Context, inv *domain.Invoice) (bool, error)
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status domain.InvoiceStatus, paidAt *time.Time) error
	// NextInvoiceNumber returns the next sequence value for year, starting at 1.
	NextInvoiceNumber(ctx context.Context, year int) (int, error)

	InsertRetryAttempt(ctx context.Context, attempt *domain.RetryAttempt) error
	// ResolvePendingRetryAttempts sets the outcome of every pending attempt of
	// the subscription and returns how many were resolved.
	ResolvePendingRetryAttempts(ctx context.Context, subscriptionID uuid.UUID, outcome domain.RetryOutcome, processorInvoiceID string, at time.Time) (int, error)

	UpsertAccessGrant(ctx context.Context, grant domain.AccessGrant) error

	EnqueueJob(ctx context.Context, job *domain.Job) error
}

// JobQueue is the worker's view of the jobs table.
type JobQueue interface {
	// ClaimNextJob marks the oldest due pending job running and returns it.
	// Returns ErrNotFound when nothing is due.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	// FailJob records the error. A nil retryAt marks the job failed for good;
	// otherwise it returns to pending at retryAt.
	FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error
}
