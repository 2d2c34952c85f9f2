package billing

import (
	"errors"
	"strings"
	"time"
)

// StripeConfig contains configuration for the Stripe processor.
type StripeConfig struct {
	// APIKey is the Stripe secret key (sk_test_... or sk_live_...)
	APIKey string

	// WebhookSecret is the webhook signing secret (whsec_...)
	WebhookSecret string

	// MaxRetries is the maximum number of retries for transient failures
	MaxRetries int

	// Timeout bounds each HTTP call to Stripe. A call past the bound is a
	// transient failure with unknown outcome.
	Timeout time.Duration

	// APIURL overrides the Stripe API base URL. Empty means production.
	APIURL string
}

// Validate checks that required configuration is present.
func (c *StripeConfig) Validate() error {
	if c.APIKey == "" {
		return ErrInvalidAPIKey
	}
	if c.WebhookSecret == "" {
		return errors.New("stripe: webhook secret is required")
	}
	if c.Timeout <= 0 {
		return errors.New("stripe: timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("stripe: max retries must not be negative")
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return strings.HasPrefix(c.APIKey, "sk_test_")
}
