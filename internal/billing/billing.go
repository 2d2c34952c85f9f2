package billing

import (
	"context"
)

// Processor is the outbound surface of the payment processor. Implementations
// are constructed once and injected into every component that needs them.
type Processor interface {
	// RetryCharge asks the processor to collect the subscription's open invoice.
	// The definitive outcome arrives later as a payment event; the returned
	// result only reflects what the processor answered synchronously.
	RetryCharge(ctx context.Context, params RetryChargeParams) (*ChargeResult, error)

	// CancelSubscription cancels the processor subscription immediately.
	// Cancelling an already cancelled subscription is not an error.
	CancelSubscription(ctx context.Context, processorSubscriptionID string) error

	// SetCancelAtPeriodEnd toggles end-of-period cancellation.
	SetCancelAtPeriodEnd(ctx context.Context, processorSubscriptionID string, cancel bool) error
}

// RetryChargeParams identifies what to charge.
type RetryChargeParams struct {
	ProcessorSubscriptionID string

	// ProcessorInvoiceID is the open invoice to pay. When empty the
	// subscription's latest invoice is used.
	ProcessorInvoiceID string

	// IdempotencyKey deduplicates the charge request at the processor.
	IdempotencyKey string
}

// ChargeResult is the processor's synchronous answer to a charge request.
type ChargeResult struct {
	ProcessorInvoiceID string
	Status             string
	Paid               bool
}
