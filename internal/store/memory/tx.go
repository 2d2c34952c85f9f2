package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

// tx writes into a private copy of the state that WithinTx publishes on success.
type tx struct {
	st *state
}

func (t *tx) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	_, ok := t.st.events[eventID]
	return ok, nil
}

func (t *tx) InsertProcessedEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	if _, ok := t.st.events[eventID]; ok {
		return false, nil
	}
	t.st.events[eventID] = processedEvent{eventType: eventType, processedAt: at}
	return true, nil
}

func (t *tx) LockSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, ok := t.st.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub.Clone(), nil
}

func (t *tx) LockSubscriptionByProcessorID(ctx context.Context, processorSubscriptionID string) (*domain.Subscription, error) {
	for _, sub := range t.st.subs {
		if sub.ProcessorSubscriptionID != "" && sub.ProcessorSubscriptionID == processorSubscriptionID {
			return sub.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) LockLiveSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	if sub := t.st.liveByUser(userID); sub != nil {
		return sub.Clone(), nil
	}
	return nil, store.ErrNotFound
}

// checkRow mirrors the subscriptions table checks that the engine relies on.
func checkRow(sub *domain.Subscription) error {
	if sub.AnchorDay < 0 || sub.AnchorDay > 31 {
		return store.ErrInvalid
	}
	if sub.Status != domain.StatusIncomplete && sub.AnchorDay == 0 {
		return store.ErrInvalid
	}
	return nil
}

func (t *tx) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if err := checkRow(sub); err != nil {
		return err
	}
	if sub.Status != domain.StatusCancelled && t.st.liveByUser(sub.UserID) != nil {
		return store.ErrConflict
	}
	for _, existing := range t.st.subs {
		if sub.ProcessorSubscriptionID != "" && existing.ProcessorSubscriptionID == sub.ProcessorSubscriptionID {
			return store.ErrConflict
		}
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	t.st.subs[sub.ID] = sub.Clone()
	return nil
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if _, ok := t.st.subs[sub.ID]; !ok {
		return store.ErrNotFound
	}
	if err := checkRow(sub); err != nil {
		return err
	}
	for id, existing := range t.st.subs {
		if id != sub.ID && sub.ProcessorSubscriptionID != "" && existing.ProcessorSubscriptionID == sub.ProcessorSubscriptionID {
			return store.ErrConflict
		}
	}
	t.st.subs[sub.ID] = sub.Clone()
	return nil
}

func (t *tx) GetInvoiceByProcessorID(ctx context.Context, processorInvoiceID string) (*domain.Invoice, error) {
	for _, inv := range t.st.invoices {
		if inv.ProcessorInvoiceID == processorInvoiceID {
			c := *inv
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) InsertInvoice(ctx context.Context, inv *domain.Invoice) (bool, error) {
	for _, existing := range t.st.invoices {
		if existing.ProcessorInvoiceID == inv.ProcessorInvoiceID {
			return false, nil
		}
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	c := *inv
	t.st.invoices[inv.ID] = &c
	return true, nil
}

func (t *tx) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status domain.InvoiceStatus, paidAt *time.Time) error {
	inv, ok := t.st.invoices[id]
	if !ok {
		return store.ErrNotFound
	}
	inv.Status = status
	if paidAt != nil {
		p := *paidAt
		inv.PaidAt = &p
	}
	return nil
}

func (t *tx) NextInvoiceNumber(ctx context.Context, year int) (int, error) {
	t.st.invoiceSeq[year]++
	return t.st.invoiceSeq[year], nil
}

func (t *tx) InsertRetryAttempt(ctx context.Context, attempt *domain.RetryAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	t.st.attempts = append(t.st.attempts, *attempt)
	return nil
}

func (t *tx) ResolvePendingRetryAttempts(ctx context.Context, subscriptionID uuid.UUID, outcome domain.RetryOutcome, processorInvoiceID string, at time.Time) (int, error) {
	n := 0
	for i := range t.st.attempts {
		a := &t.st.attempts[i]
		if a.SubscriptionID != subscriptionID || a.Outcome != domain.RetryPending {
			continue
		}
		resolved := at
		a.Outcome = outcome
		a.ResolvedAt = &resolved
		if processorInvoiceID != "" {
			a.ProcessorInvoiceID = processorInvoiceID
		}
		n++
	}
	return n, nil
}

func (t *tx) UpsertAccessGrant(ctx context.Context, grant domain.AccessGrant) error {
	t.st.grants[grant.UserID] = grant
	return nil
}

func (t *tx) EnqueueJob(ctx context.Context, job *domain.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	c := *job
	t.st.jobs[job.ID] = &c
	return nil
}
