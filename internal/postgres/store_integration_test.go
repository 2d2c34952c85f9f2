//go:build integration
// +build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/hearth/internal"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/ledger"
	"github.com/dukerupert/hearth/internal/store"
)

// openTestStore connects to TEST_DATABASE_URL from .env.test and migrates it.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	_ = godotenv.Load("../../.env.test")
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping integration test: TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, internal.RunMigrations(stdlib.OpenDBFromPool(pool)))
	_, err = pool.Exec(context.Background(),
		`TRUNCATE jobs, access_grants, retry_attempts, invoices, invoice_numbers, processed_events, subscriptions`)
	require.NoError(t, err)

	return NewStore(pool)
}

func seedPastDue(t *testing.T, s *Store, due time.Time) *domain.Subscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:                      uuid.New(),
		ProcessorSubscriptionID: "sub_" + uuid.NewString()[:8],
		UserID:                  uuid.New(),
		Plan:                    "pro",
		Interval:                domain.IntervalMonthly,
		AmountCents:             2900,
		Currency:                "usd",
		Status:                  domain.StatusPastDue,
		CurrentPeriodStart:      now.AddDate(0, -1, 0),
		CurrentPeriodEnd:        now,
		AnchorDay:               now.Day(),
		RetryCount:              1,
		NextRetryAt:             &due,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSubscription(ctx, sub)
	}))
	return sub
}

func TestStore_LedgerConcurrentMark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				return ledger.MarkProcessed(ctx, tx, "evt_concurrent", "invoice.payment_failed", time.Now())
			})
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrDuplicateEvent):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, dup)
}

func TestStore_ClaimDueRetriesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub := seedPastDue(t, s, now.Add(-time.Minute))

	var wg sync.WaitGroup
	claims := make([][]domain.Subscription, 4)
	for i := range claims {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.ClaimDueRetries(ctx, now, time.Hour, 10)
			assert.NoError(t, err)
			claims[i] = c
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range claims {
		total += len(c)
		for _, claimed := range c {
			assert.Equal(t, sub.ID, claimed.ID)
		}
	}
	assert.Equal(t, 1, total)
}

func TestStore_InvariantConstraints(t *testing.T) {
	s := openTestStore(t)
	sub := seedPastDue(t, s, time.Now().Add(time.Hour))

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockSubscription(ctx, sub.ID)
		require.NoError(t, err)
		locked.NextRetryAt = nil
		return tx.UpdateSubscription(ctx, locked)
	})
	assert.Error(t, err, "past_due without next_retry_at must violate the check constraint")
}

func TestStore_InvoiceInsertIfAbsent(t *testing.T) {
	s := openTestStore(t)
	sub := seedPastDue(t, s, time.Now().Add(time.Hour))
	now := time.Now().UTC()

	insert := func(amount int64) bool {
		var inserted bool
		require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			inserted, err = tx.InsertInvoice(ctx, &domain.Invoice{
				SubscriptionID:     sub.ID,
				UserID:             sub.UserID,
				ProcessorInvoiceID: "in_1",
				Number:             "INV-" + uuid.NewString()[:8],
				AmountCents:        amount,
				Currency:           "usd",
				Status:             domain.InvoiceOpen,
				IssuedAt:           now,
				CreatedAt:          now,
			})
			return err
		}))
		return inserted
	}

	assert.True(t, insert(2900))
	assert.False(t, insert(9999))

	invoices, err := s.ListInvoicesBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, int64(2900), invoices[0].AmountCents)
}
