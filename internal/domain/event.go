package domain

import "time"

// EventType identifies a processor event the engine understands.
type EventType string

const (
	EventPaymentSucceeded    EventType = "invoice.payment_succeeded"
	EventPaymentFailed       EventType = "invoice.payment_failed"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
)

// Event is a processor notification translated out of the processor's wire
// format. Only the fields relevant to Type are populated.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time

	ProcessorSubscriptionID string
	ProcessorCustomerID     string

	// Creation metadata, carried on the first successful payment.
	UserID      string
	Plan        string
	Interval    Interval
	AmountCents int64
	Currency    string

	// Period reported by the processor; zero when absent.
	PeriodStart time.Time
	PeriodEnd   time.Time

	Invoice           *InvoiceEvent
	CancelAtPeriodEnd *bool
}

// InvoiceEvent is the invoice payload of a payment event.
type InvoiceEvent struct {
	ProcessorInvoiceID string
	AmountCents        int64
	Currency           string
	Status             InvoiceStatus
	IssuedAt           time.Time
	PaidAt             *time.Time
	AttemptCount       int
}

// EventResult describes what applying an event did.
type EventResult struct {
	// Duplicate is true when the ledger already held the event id.
	Duplicate bool

	// Ignored is true when the event was recognised but stale or irrelevant.
	Ignored bool

	Subscription *Subscription
	Invoice      *Invoice
	Change       *StatusChange
}
