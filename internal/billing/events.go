package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/hearth/internal/domain"
)

// Metadata keys set on processor subscriptions at checkout.
const (
	MetadataUserID = "user_id"
	MetadataPlan   = "plan"
)

// ParseEvent verifies the webhook signature and translates the payload into
// a domain event. Unsupported event types return ErrUnsupportedEvent.
func ParseEvent(payload []byte, signature, secret string) (domain.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	return TranslateEvent(event)
}

// TranslateEvent maps a Stripe event onto a domain.Event.
func TranslateEvent(event stripe.Event) (domain.Event, error) {
	ev := domain.Event{
		ID:         event.ID,
		Type:       domain.EventType(event.Type),
		OccurredAt: unix(event.Created),
	}
	if event.Data == nil {
		return ev, fmt.Errorf("event %s: missing data", event.ID)
	}

	switch ev.Type {
	case domain.EventPaymentSucceeded, domain.EventPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return ev, fmt.Errorf("event %s: parse invoice: %w", event.ID, err)
		}
		return fromInvoice(ev, &inv)

	case domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, fmt.Errorf("event %s: parse subscription: %w", event.ID, err)
		}
		return fromSubscription(ev, &sub)
	}

	return ev, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
}

func fromInvoice(ev domain.Event, inv *stripe.Invoice) (domain.Event, error) {
	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
		return ev, fmt.Errorf("%w: invoice %s is not a subscription invoice", ErrUnsupportedEvent, inv.ID)
	}
	details := inv.Parent.SubscriptionDetails

	ev.ProcessorSubscriptionID = details.Subscription.ID
	if inv.Customer != nil {
		ev.ProcessorCustomerID = inv.Customer.ID
	}
	applyMetadata(&ev, details.Metadata)
	ev.Currency = string(inv.Currency)
	ev.AmountCents = inv.Total

	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > 0 {
				ev.PeriodStart = unix(line.Period.Start)
				ev.PeriodEnd = unix(line.Period.End)
				break
			}
		}
	}

	amount := inv.AmountDue
	if ev.Type == domain.EventPaymentSucceeded {
		amount = inv.AmountPaid
	}
	ie := &domain.InvoiceEvent{
		ProcessorInvoiceID: inv.ID,
		AmountCents:        amount,
		Currency:           string(inv.Currency),
		Status:             invoiceStatus(inv.Status),
		IssuedAt:           unix(inv.Created),
		AttemptCount:       int(inv.AttemptCount),
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		paid := unix(inv.StatusTransitions.PaidAt)
		ie.PaidAt = &paid
	}
	if ev.Type == domain.EventPaymentSucceeded && ie.Status == domain.InvoiceOpen {
		// Some API versions deliver the event before the status flips.
		ie.Status = domain.InvoicePaid
	}
	if ie.Status == domain.InvoicePaid && ie.PaidAt == nil {
		paid := ev.OccurredAt
		ie.PaidAt = &paid
	}
	ev.Invoice = ie
	return ev, nil
}

func fromSubscription(ev domain.Event, sub *stripe.Subscription) (domain.Event, error) {
	ev.ProcessorSubscriptionID = sub.ID
	if sub.Customer != nil {
		ev.ProcessorCustomerID = sub.Customer.ID
	}
	applyMetadata(&ev, sub.Metadata)
	ev.Currency = string(sub.Currency)

	cancelAtPeriodEnd := sub.CancelAtPeriodEnd
	ev.CancelAtPeriodEnd = &cancelAtPeriodEnd

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		ev.PeriodStart = unix(item.CurrentPeriodStart)
		ev.PeriodEnd = unix(item.CurrentPeriodEnd)
		if item.Price != nil {
			ev.AmountCents = item.Price.UnitAmount * max(item.Quantity, 1)
			if item.Price.Recurring != nil {
				if interval, err := domain.ParseInterval(string(item.Price.Recurring.Interval)); err == nil {
					ev.Interval = interval
				}
			}
		}
	}
	return ev, nil
}

func applyMetadata(ev *domain.Event, md map[string]string) {
	if md == nil {
		return
	}
	ev.UserID = md[MetadataUserID]
	ev.Plan = md[MetadataPlan]
	if s, ok := md["interval"]; ok && ev.Interval == "" {
		if interval, err := domain.ParseInterval(s); err == nil {
			ev.Interval = interval
		}
	}
}

func invoiceStatus(s stripe.InvoiceStatus) domain.InvoiceStatus {
	switch s {
	case stripe.InvoiceStatusPaid:
		return domain.InvoicePaid
	case stripe.InvoiceStatusVoid, stripe.InvoiceStatusUncollectible:
		return domain.InvoiceVoid
	default:
		return domain.InvoiceOpen
	}
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
