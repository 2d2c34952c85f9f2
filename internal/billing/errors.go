package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when the Stripe API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrUnsupportedEvent is returned for processor events the engine does not consume.
	ErrUnsupportedEvent = errors.New("billing: unsupported event")

	// ErrNoOpenInvoice is returned when a retry finds nothing to collect.
	ErrNoOpenInvoice = errors.New("billing: no open invoice to collect")
)

// ProcessorError wraps a processor API failure with enough context to decide
// whether the call may be retried.
type ProcessorError struct {
	Op          string // Processor operation (e.g. "invoice.pay")
	Message     string // Human-readable error message
	Code        string // Processor error code (e.g. "card_declined")
	DeclineCode string // Card decline reason (if applicable)
	HTTPStatus  int    // HTTP status returned by the processor, 0 on network failure
	RequestID   string // Processor request ID for debugging
	Timeout     bool   // The call exceeded its deadline; outcome unknown
	Err         error  // Original error from the SDK or transport
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe %s: %s (code: %s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("stripe %s: %s", e.Op, e.Message)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// IsDeclined returns true if the error is a definitive card decline.
func (e *ProcessorError) IsDeclined() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

// IsTemporary returns true if the error is transient: network failure,
// timeout, rate limiting or a 5xx from the processor.
func (e *ProcessorError) IsTemporary() bool {
	if e.Timeout || e.HTTPStatus == 0 {
		return true
	}
	return e.Code == "rate_limit" || e.HTTPStatus == 429 || e.HTTPStatus >= 500
}

// IsTransient reports whether err is a temporary ProcessorError.
func IsTransient(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.IsTemporary()
}

// IsDeclined reports whether err is a card decline.
func IsDeclined(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.IsDeclined()
}
