package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
)

// StripeProcessor implements Processor using Stripe.
type StripeProcessor struct {
	client     *stripe.Client
	config     StripeConfig
	newBackOff func() backoff.BackOff
}

// Compile-time check to ensure StripeProcessor implements Processor.
var _ Processor = (*StripeProcessor)(nil)

// StripeOption customises a StripeProcessor.
type StripeOption func(*StripeProcessor)

// WithBackOff replaces the retry schedule for transient failures.
func WithBackOff(fn func() backoff.BackOff) StripeOption {
	return func(s *StripeProcessor) { s.newBackOff = fn }
}

// NewStripeProcessor creates a Stripe processor with its own HTTP client.
// The SDK's internal retries are disabled; transient failures are retried
// here so the bound is explicit.
func NewStripeProcessor(cfg StripeConfig, opts ...StripeOption) (*StripeProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	s := &StripeProcessor{
		client: stripe.NewClient(cfg.APIKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg))),
		config: cfg,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RetryCharge pays the given invoice, or the subscription's latest invoice.
func (s *StripeProcessor) RetryCharge(ctx context.Context, p RetryChargeParams) (*ChargeResult, error) {
	invoiceID := p.ProcessorInvoiceID
	if invoiceID == "" {
		err := s.call(ctx, "subscription.retrieve", func(ctx context.Context) error {
			params := &stripe.SubscriptionRetrieveParams{}
			params.AddExpand("latest_invoice")
			sub, err := s.client.V1Subscriptions.Retrieve(ctx, p.ProcessorSubscriptionID, params)
			if err != nil {
				return err
			}
			if sub.LatestInvoice != nil {
				invoiceID = sub.LatestInvoice.ID
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if invoiceID == "" {
			return nil, ErrNoOpenInvoice
		}
	}

	var inv *stripe.Invoice
	err := s.call(ctx, "invoice.pay", func(ctx context.Context) error {
		params := &stripe.InvoicePayParams{}
		if p.IdempotencyKey != "" {
			params.SetIdempotencyKey(p.IdempotencyKey)
		}
		var err error
		inv, err = s.client.V1Invoices.Pay(ctx, invoiceID, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		ProcessorInvoiceID: inv.ID,
		Status:             string(inv.Status),
		Paid:               inv.Status == stripe.InvoiceStatusPaid,
	}, nil
}

// CancelSubscription cancels the subscription immediately.
func (s *StripeProcessor) CancelSubscription(ctx context.Context, processorSubscriptionID string) error {
	err := s.call(ctx, "subscription.cancel", func(ctx context.Context) error {
		_, err := s.client.V1Subscriptions.Cancel(ctx, processorSubscriptionID, &stripe.SubscriptionCancelParams{})
		return err
	})
	var pe *ProcessorError
	if errors.As(err, &pe) && pe.Code == string(stripe.ErrorCodeResourceMissing) {
		return nil
	}
	return err
}

// SetCancelAtPeriodEnd toggles cancel_at_period_end on the subscription.
func (s *StripeProcessor) SetCancelAtPeriodEnd(ctx context.Context, processorSubscriptionID string, cancel bool) error {
	return s.call(ctx, "subscription.update", func(ctx context.Context) error {
		_, err := s.client.V1Subscriptions.Update(ctx, processorSubscriptionID, &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(cancel),
		})
		return err
	})
}

// call runs fn under the per-call timeout, retrying transient failures with
// backoff up to MaxRetries times. Non-transient failures return immediately.
func (s *StripeProcessor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.config.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		pe := classify(callCtx, op, err)
		if pe.IsTemporary() {
			return pe
		}
		return backoff.Permanent(pe)
	}, b)
}

// classify converts an SDK or transport error into a ProcessorError.
func classify(ctx context.Context, op string, err error) *ProcessorError {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &ProcessorError{
			Op:          op,
			Message:     se.Msg,
			Code:        string(se.Code),
			DeclineCode: string(se.DeclineCode),
			HTTPStatus:  se.HTTPStatusCode,
			RequestID:   se.RequestID,
			Err:         err,
		}
	}

	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &ProcessorError{
		Op:      op,
		Message: "processor unreachable",
		Timeout: timeout,
		Err:     err,
	}
}
