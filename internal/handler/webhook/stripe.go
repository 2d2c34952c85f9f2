package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/handler"
	"github.com/dukerupert/hearth/internal/store"
	"github.com/dukerupert/hearth/internal/telemetry"
)

// maxPayloadBytes bounds the webhook body. Stripe documents 64KB as the
// practical upper limit for event payloads.
const maxPayloadBytes = 65536

// EventHandler applies a translated processor event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event) (*domain.EventResult, error)
}

// StripeHandler receives Stripe webhook deliveries.
type StripeHandler struct {
	events  EventHandler
	secret  string
	metrics *telemetry.BillingMetrics
	logger  *slog.Logger
}

// Response is the body returned for every accepted delivery.
type Response struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewStripeHandler creates a webhook handler that verifies deliveries with secret.
func NewStripeHandler(events EventHandler, secret string, metrics *telemetry.BillingMetrics, logger *slog.Logger) *StripeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeHandler{
		events:  events,
		secret:  secret,
		metrics: metrics,
		logger:  logger.With("component", "stripe_webhook"),
	}
}

// HandleWebhook handles POST /webhooks/stripe.
//
// Response codes:
//   - 200: the event was applied, was a duplicate, or was rejected by the
//     state machine. Redelivery would not change the outcome.
//   - 400: the signature or payload is invalid.
//   - 500: an internal failure. The processor will redeliver.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhooks/stripe
//	stripe trigger invoice.payment_failed
func (h *StripeHandler) HandleWebhook(c echo.Context) error {
	start := time.Now()
	outcome := "error"
	defer func() {
		h.metrics.ObserveWebhook(outcome, time.Since(start).Seconds())
	}()

	req := c.Request()
	payload, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadBytes+1))
	if err != nil {
		outcome = "bad_request"
		return handler.ErrorResponse(c, domain.Errorf(domain.EINVALID, "webhook.stripe", "error reading request body"))
	}
	if len(payload) > maxPayloadBytes {
		outcome = "bad_request"
		return handler.ErrorResponse(c, domain.Errorf(domain.EINVALID, "webhook.stripe", "payload too large"))
	}

	signature := req.Header.Get("Stripe-Signature")
	if signature == "" {
		outcome = "bad_request"
		return handler.ErrorResponse(c, domain.Errorf(domain.EINVALID, "webhook.stripe", "missing signature"))
	}

	ev, err := billing.ParseEvent(payload, signature, h.secret)
	switch {
	case errors.Is(err, billing.ErrUnsupportedEvent):
		outcome = "unsupported"
		h.logger.Debug("unsupported event type", "event_id", ev.ID, "event_type", ev.Type)
		return c.JSON(http.StatusOK, Response{Received: true, Ignored: true})
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		outcome = "bad_signature"
		h.logger.Warn("webhook signature verification failed", "error", err)
		return handler.ErrorResponse(c, domain.Errorf(domain.EINVALID, "webhook.stripe", "invalid signature"))
	case err != nil:
		outcome = "bad_request"
		h.logger.Warn("webhook payload rejected", "event_id", ev.ID, "error", err)
		return handler.ErrorResponse(c, domain.Errorf(domain.EINVALID, "webhook.stripe", "invalid event payload"))
	}

	telemetry.AddBreadcrumb("webhook", string(ev.Type), map[string]interface{}{
		"event_id":                  ev.ID,
		"processor_subscription_id": ev.ProcessorSubscriptionID,
	})

	res, err := h.events.HandleEvent(req.Context(), ev)
	if err != nil {
		code := domain.ErrorCode(err)
		if code == domain.EINTERNAL {
			h.logger.Error("webhook event failed", "event_id", ev.ID, "event_type", ev.Type, "error", err)
			telemetry.CaptureErrorFromContext(req.Context(), err, map[string]interface{}{
				"event_id":   ev.ID,
				"event_type": string(ev.Type),
			})
			return handler.ErrorResponse(c, err)
		}
		if errors.Is(err, store.ErrConflict) {
			// The ledger mark rolled back with the losing write.
			outcome = "conflict"
			h.logger.Warn("webhook event conflicted, requesting redelivery", "event_id", ev.ID, "event_type", ev.Type, "error", err)
			return c.JSON(http.StatusInternalServerError, handler.ErrorBody{
				Error: handler.ErrorDetail{Code: code, Message: domain.ErrorMessage(err)},
			})
		}
		outcome = "rejected"
		h.logger.Warn("webhook event rejected", "event_id", ev.ID, "event_type", ev.Type, "code", code, "error", err)
		return c.JSON(http.StatusOK, Response{Received: true, Error: code})
	}

	resp := Response{Received: true, Duplicate: res.Duplicate, Ignored: res.Ignored}
	switch {
	case res.Duplicate:
		outcome = "duplicate"
	case res.Ignored:
		outcome = "ignored"
	default:
		outcome = "applied"
	}
	if res.Subscription != nil {
		resp.Status = string(res.Subscription.Status)
	}

	h.logger.Info("webhook processed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return c.JSON(http.StatusOK, resp)
}
