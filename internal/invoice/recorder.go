// Package invoice keeps the local record of processor invoices.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

// Recorder writes invoices inside the engine's transaction and serves
// read-only history.
type Recorder struct {
	reader store.Reader
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(reader store.Reader, logger *slog.Logger) *Recorder {
	return &Recorder{
		reader: reader,
		logger: logger.With("component", "invoice_recorder"),
		now:    time.Now,
	}
}

// FormatNumber renders the human invoice number, e.g. INV-2025-0042.
func FormatNumber(year, seq int) string {
	return fmt.Sprintf("INV-%d-%04d", year, seq)
}

// RecordFromEvent inserts the invoice carried by ev if it is new, otherwise
// moves its status forward. Financial fields of an existing row never change,
// and a status that would move backwards is ignored.
func (r *Recorder) RecordFromEvent(ctx context.Context, tx store.Tx, sub *domain.Subscription, ev *domain.InvoiceEvent) (*domain.Invoice, error) {
	if ev == nil || ev.ProcessorInvoiceID == "" {
		return nil, domain.Invalid("invoice.record", "event carries no invoice")
	}

	existing, err := tx.GetInvoiceByProcessorID(ctx, ev.ProcessorInvoiceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		inv, inserted, err := r.insert(ctx, tx, sub, ev)
		if err != nil {
			return nil, err
		}
		if inserted {
			return inv, nil
		}
		// Lost an insert race; fall through to the status update.
		existing, err = tx.GetInvoiceByProcessorID(ctx, ev.ProcessorInvoiceID)
		if err != nil {
			return nil, fmt.Errorf("reload invoice %s: %w", ev.ProcessorInvoiceID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("get invoice %s: %w", ev.ProcessorInvoiceID, err)
	}

	return r.advance(ctx, tx, existing, ev)
}

func (r *Recorder) insert(ctx context.Context, tx store.Tx, sub *domain.Subscription, ev *domain.InvoiceEvent) (*domain.Invoice, bool, error) {
	issuedAt := ev.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = r.now().UTC()
	}
	currency := ev.Currency
	if currency == "" {
		currency = sub.Currency
	}

	seq, err := tx.NextInvoiceNumber(ctx, issuedAt.Year())
	if err != nil {
		return nil, false, fmt.Errorf("next invoice number: %w", err)
	}

	inv := &domain.Invoice{
		ID:                 uuid.New(),
		SubscriptionID:     sub.ID,
		UserID:             sub.UserID,
		ProcessorInvoiceID: ev.ProcessorInvoiceID,
		Number:             FormatNumber(issuedAt.Year(), seq),
		AmountCents:        ev.AmountCents,
		Currency:           currency,
		Status:             ev.Status,
		IssuedAt:           issuedAt,
		CreatedAt:          r.now().UTC(),
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceOpen
	}
	if inv.Status == domain.InvoicePaid {
		inv.PaidAt = ev.PaidAt
	}

	inserted, err := tx.InsertInvoice(ctx, inv)
	if err != nil {
		return nil, false, fmt.Errorf("insert invoice %s: %w", ev.ProcessorInvoiceID, err)
	}
	if inserted {
		r.logger.Info("invoice recorded",
			"invoice_id", inv.ID,
			"number", inv.Number,
			"processor_invoice_id", inv.ProcessorInvoiceID,
			"status", inv.Status,
			"amount_cents", inv.AmountCents,
		)
	}
	return inv, inserted, nil
}

func (r *Recorder) advance(ctx context.Context, tx store.Tx, inv *domain.Invoice, ev *domain.InvoiceEvent) (*domain.Invoice, error) {
	if ev.Status == "" || ev.Status == inv.Status {
		return inv, nil
	}
	if !inv.Status.CanAdvanceTo(ev.Status) {
		r.logger.Info("ignoring backward invoice status",
			"processor_invoice_id", inv.ProcessorInvoiceID,
			"current", inv.Status,
			"received", ev.Status,
		)
		return inv, nil
	}

	var paidAt *time.Time
	if ev.Status == domain.InvoicePaid {
		paidAt = ev.PaidAt
		if paidAt == nil {
			now := r.now().UTC()
			paidAt = &now
		}
	}
	if err := tx.UpdateInvoiceStatus(ctx, inv.ID, ev.Status, paidAt); err != nil {
		return nil, fmt.Errorf("update invoice %s: %w", inv.ProcessorInvoiceID, err)
	}

	updated := *inv
	updated.Status = ev.Status
	if paidAt != nil {
		updated.PaidAt = paidAt
	}
	r.logger.Info("invoice status advanced",
		"processor_invoice_id", inv.ProcessorInvoiceID,
		"from", inv.Status,
		"to", ev.Status,
	)
	return &updated, nil
}

// ListForSubscription returns the subscription's invoices, newest first.
func (r *Recorder) ListForSubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Invoice, error) {
	invoices, err := r.reader.ListInvoicesBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, domain.Internal(err, "invoice.list", "failed to list invoices")
	}
	return invoices, nil
}

// ListForUser returns every invoice across the user's subscriptions, newest first.
func (r *Recorder) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Invoice, error) {
	invoices, err := r.reader.ListInvoicesByUser(ctx, userID)
	if err != nil {
		return nil, domain.Internal(err, "invoice.list", "failed to list invoices")
	}
	return invoices, nil
}

// Stats totals the user's invoices by status.
func (r *Recorder) Stats(ctx context.Context, userID uuid.UUID) (*domain.InvoiceStats, error) {
	invoices, err := r.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &domain.InvoiceStats{}
	for _, inv := range invoices {
		switch inv.Status {
		case domain.InvoicePaid:
			stats.PaidCount++
			stats.TotalPaidCents += inv.AmountCents
		case domain.InvoiceOpen:
			stats.OpenCount++
			stats.TotalOpenCents += inv.AmountCents
		case domain.InvoiceVoid:
			stats.VoidCount++
		}
	}
	return stats, nil
}
