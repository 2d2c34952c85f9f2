package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusSuspended  SubscriptionStatus = "suspended"
	StatusCancelled  SubscriptionStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusIncomplete, StatusActive, StatusPastDue, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCancelled
}

// transitions lists every status edge the engine may take. Anything absent
// is rejected with InvalidTransitionError.
var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusIncomplete: {StatusActive},
	StatusActive:     {StatusActive, StatusPastDue, StatusCancelled},
	StatusPastDue:    {StatusPastDue, StatusActive, StatusSuspended},
	StatusSuspended:  {StatusActive, StatusCancelled},
}

// CanTransition reports whether the state table allows from -> to.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Interval is a billing interval.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// Valid reports whether i is a supported interval.
func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalAnnual
}

// ParseInterval maps processor interval names ("month", "year") and our own
// names onto an Interval.
func ParseInterval(s string) (Interval, error) {
	switch s {
	case "month", "monthly":
		return IntervalMonthly, nil
	case "year", "annual", "yearly":
		return IntervalAnnual, nil
	}
	return "", fmt.Errorf("unknown billing interval %q", s)
}

// Subscription is the locally persisted record of a processor subscription.
// It is the source of truth for access decisions.
type Subscription struct {
	ID                      uuid.UUID
	ProcessorSubscriptionID string
	ProcessorCustomerID     string
	UserID                  uuid.UUID
	Plan                    string
	Interval                Interval
	AmountCents             int64
	Currency                string
	Status                  SubscriptionStatus

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	// AnchorDay is the day of month the billing cycle was started on. Rollovers
	// clamp against it so short months do not shift the cycle permanently.
	AnchorDay int

	CancelAtPeriodEnd bool
	RetryCount        int
	NextRetryAt       *time.Time
	SuspendedAt       *time.Time
	CancelledAt       *time.Time
	LastEventAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.NextRetryAt = cloneTime(s.NextRetryAt)
	c.SuspendedAt = cloneTime(s.SuspendedAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.LastEventAt = cloneTime(s.LastEventAt)
	return &c
}

// CheckInvariants verifies the status-dependent field rules. The engine calls
// it before every write.
func (s *Subscription) CheckInvariants() error {
	if !s.Status.Valid() {
		return fmt.Errorf("subscription %s: unknown status %q", s.ID, s.Status)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("subscription %s: negative retry count", s.ID)
	}
	if (s.SuspendedAt != nil) != (s.Status == StatusSuspended) {
		return fmt.Errorf("subscription %s: suspended_at must be set iff suspended (status %s)", s.ID, s.Status)
	}
	if (s.NextRetryAt != nil) != (s.Status == StatusPastDue) {
		return fmt.Errorf("subscription %s: next_retry_at must be set iff past_due (status %s)", s.ID, s.Status)
	}
	if s.Status == StatusActive && s.RetryCount != 0 {
		return fmt.Errorf("subscription %s: active with retry count %d", s.ID, s.RetryCount)
	}
	if s.AnchorDay < 0 || s.AnchorDay > 31 || (s.Status != StatusIncomplete && s.AnchorDay == 0) {
		return fmt.Errorf("subscription %s: anchor day %d invalid for status %s", s.ID, s.AnchorDay, s.Status)
	}
	return nil
}

// ReactivateOptions controls how a reactivate command is satisfied.
type ReactivateOptions struct {
	// AdminOverride forces the subscription active without a new charge.
	AdminOverride bool
}

// CheckoutParams starts a subscription before the first payment confirms it.
type CheckoutParams struct {
	UserID      uuid.UUID
	Plan        string
	Interval    Interval
	AmountCents int64
	Currency    string
}

// Proration is the unused value of the current period if cancelled now.
type Proration struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	AmountCents    int64     `json:"amount_cents"`
	CreditCents    int64     `json:"credit_cents"`
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	At             time.Time `json:"at"`
}

// Renewal is an active subscription approaching its period end.
type Renewal struct {
	Subscription Subscription
	DaysUntilDue int
}

// SubscriptionService is the API exposed to collaborators outside the billing core.
type SubscriptionService interface {
	// GetSubscription returns the user's current subscription, or the most
	// recently cancelled one when nothing is live. Returns ENOSUBSCRIPTION
	// when the user never subscribed.
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// CancelSubscription cancels immediately or at period end.
	CancelSubscription(ctx context.Context, userID uuid.UUID, immediate bool) (*Subscription, error)

	// ReactivateSubscription is valid only from past_due or suspended.
	ReactivateSubscription(ctx context.Context, userID uuid.UUID, opts ReactivateOptions) (*Subscription, error)

	// ListInvoices returns every invoice across the user's subscriptions, newest first.
	ListInvoices(ctx context.Context, userID uuid.UUID) ([]Invoice, error)

	// HandleEvent applies one processor event exactly once.
	HandleEvent(ctx context.Context, ev Event) (*EventResult, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
