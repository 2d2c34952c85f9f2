package domain

import (
	"time"

	"github.com/google/uuid"
)

// RetryOutcome is the resolution of a scheduled charge attempt.
type RetryOutcome string

const (
	RetryPending   RetryOutcome = "pending"
	RetrySucceeded RetryOutcome = "succeeded"
	RetryFailed    RetryOutcome = "failed"
)

// RetryAttempt logs one scheduled charge retry.
type RetryAttempt struct {
	ID                 uuid.UUID
	SubscriptionID     uuid.UUID
	AttemptNumber      int
	ScheduledAt        time.Time
	Outcome            RetryOutcome
	ProcessorInvoiceID string
	ResolvedAt         *time.Time
}
