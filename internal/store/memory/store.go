// Package memory is an in-process store.Store. Transactions are serialized by
// a single mutex and applied copy-on-write, so a failed transaction leaves no
// trace. It backs the engine tests and local development without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

var _ store.Store = (*Store)(nil)

type processedEvent struct {
	eventType   string
	processedAt time.Time
}

type state struct {
	subs       map[uuid.UUID]*domain.Subscription
	invoices   map[uuid.UUID]*domain.Invoice
	events     map[string]processedEvent
	attempts   []domain.RetryAttempt
	grants     map[uuid.UUID]domain.AccessGrant
	jobs       map[uuid.UUID]*domain.Job
	invoiceSeq map[int]int
}

func newState() *state {
	return &state{
		subs:       map[uuid.UUID]*domain.Subscription{},
		invoices:   map[uuid.UUID]*domain.Invoice{},
		events:     map[string]processedEvent{},
		grants:     map[uuid.UUID]domain.AccessGrant{},
		jobs:       map[uuid.UUID]*domain.Job{},
		invoiceSeq: map[int]int{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.subs {
		c.subs[k] = v.Clone()
	}
	for k, v := range s.invoices {
		inv := *v
		c.invoices[k] = &inv
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	c.attempts = append([]domain.RetryAttempt(nil), s.attempts...)
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.jobs {
		j := *v
		c.jobs[k] = &j
	}
	for k, v := range s.invoiceSeq {
		c.invoiceSeq[k] = v
	}
	return c
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newState()}
}

// WithinTx implements store.Store. fn must only use tx; calling back into the
// Store from fn deadlocks.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// ClaimDueRetries implements store.Store.
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Subscription
	for _, sub := range s.data.subs {
		if sub.Status == domain.StatusPastDue && sub.NextRetryAt != nil && !sub.NextRetryAt.After(now) {
			due = append(due, sub)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Subscription, 0, len(due))
	for _, sub := range due {
		claimed = append(claimed, *sub.Clone())
		next := now.Add(lease)
		sub.NextRetryAt = &next
	}
	return claimed, nil
}

// GetSubscription implements store.Reader.
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriptionByUser implements store.Reader.
func (s *Store) GetSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if live := s.data.liveByUser(userID); live != nil {
		return live.Clone(), nil
	}
	var latest *domain.Subscription
	for _, sub := range s.data.subs {
		if sub.UserID == userID && (latest == nil || sub.CreatedAt.After(latest.CreatedAt)) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest.Clone(), nil
}

// ListInvoicesByUser implements store.Reader.
func (s *Store) ListInvoicesByUser(ctx context.Context, userID uuid.UUID) ([]domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.invoicesWhere(func(inv *domain.Invoice) bool { return inv.UserID == userID }), nil
}

// ListInvoicesBySubscription implements store.Reader.
func (s *Store) ListInvoicesBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.invoicesWhere(func(inv *domain.Invoice) bool { return inv.SubscriptionID == subscriptionID }), nil
}

// ListRetryAttempts implements store.Reader.
func (s *Store) ListRetryAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]domain.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.RetryAttempt
	for _, a := range s.data.attempts {
		if a.SubscriptionID == subscriptionID {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetAccessGrant implements store.Reader.
func (s *Store) GetAccessGrant(ctx context.Context, userID uuid.UUID) (*domain.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.data.grants[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

// ListSuspendedBefore implements store.Reader.
func (s *Store) ListSuspendedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.data.subsWhere(func(sub *domain.Subscription) bool {
		return sub.Status == domain.StatusSuspended && sub.SuspendedAt != nil && !sub.SuspendedAt.After(cutoff)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRenewalsBetween implements store.Reader.
func (s *Store) ListRenewalsBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data.subsWhere(func(sub *domain.Subscription) bool {
		return sub.Status == domain.StatusActive && !sub.CurrentPeriodEnd.Before(from) && sub.CurrentPeriodEnd.Before(to)
	}), nil
}

// ClaimNextJob implements store.JobQueue.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Job
	for _, j := range s.data.jobs {
		if j.Status != domain.JobPending || j.ScheduledAt.After(now) {
			continue
		}
		if next == nil || j.ScheduledAt.Before(next.ScheduledAt) ||
			(j.ScheduledAt.Equal(next.ScheduledAt) && j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, store.ErrNotFound
	}

	next.Status = domain.JobRunning
	next.Attempts++
	next.WorkerID = workerID
	next.UpdatedAt = now
	claimed := *next
	return &claimed, nil
}

// CompleteJob implements store.JobQueue.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.data.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = domain.JobCompleted
	return nil
}

// FailJob implements store.JobQueue.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.data.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.LastError = errMsg
	if retryAt == nil {
		j.Status = domain.JobFailed
		return nil
	}
	j.Status = domain.JobPending
	j.ScheduledAt = *retryAt
	return nil
}

// Jobs returns a snapshot of every job. Test helper.
func (s *Store) Jobs() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Job, 0, len(s.data.jobs))
	for _, j := range s.data.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Subscription returns a snapshot of one subscription. Test helper.
func (s *Store) Subscription(id uuid.UUID) (*domain.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data.subs[id]
	return sub.Clone(), ok
}

// ProcessedEventCount returns the ledger size. Test helper.
func (s *Store) ProcessedEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.events)
}

func (st *state) liveByUser(userID uuid.UUID) *domain.Subscription {
	for _, sub := range st.subs {
		if sub.UserID == userID && sub.Status != domain.StatusCancelled {
			return sub
		}
	}
	return nil
}

func (st *state) subsWhere(keep func(*domain.Subscription) bool) []domain.Subscription {
	var out []domain.Subscription
	for _, sub := range st.subs {
		if keep(sub) {
			out = append(out, *sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (st *state) invoicesWhere(keep func(*domain.Invoice) bool) []domain.Invoice {
	var out []domain.Invoice
	for _, inv := range st.invoices {
		if keep(inv) {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].Number > out[j].Number
	})
	return out
}
