package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
)

// Job type constants for downstream sync jobs
const (
	JobTypeSyncCRM             = "sync:crm"
	JobTypeSyncListing         = "sync:listing"
	JobTypeSyncNotify          = "sync:notify"
	JobTypeSyncProcessorCancel = "sync:processor_cancel"
)

const (
	DefaultSyncMaxAttempts     = 8
	processorCancelMaxAttempts = 12
)

// Sink returns the short sink name of a sync job type, e.g. "crm".
func Sink(jobType string) string {
	switch jobType {
	case JobTypeSyncCRM:
		return "crm"
	case JobTypeSyncListing:
		return "listing"
	case JobTypeSyncNotify:
		return "notify"
	case JobTypeSyncProcessorCancel:
		return "processor_cancel"
	}
	return jobType
}

// Sync job payloads (JSON-serializable)

// StatusSyncPayload carries the absolute state after a transition. Sinks apply
// it as-is, so redelivery and reordering are harmless.
type StatusSyncPayload struct {
	UserID          uuid.UUID                 `json:"user_id"`
	SubscriptionID  uuid.UUID                 `json:"subscription_id"`
	OldStatus       domain.SubscriptionStatus `json:"old_status"`
	NewStatus       domain.SubscriptionStatus `json:"new_status"`
	Role            domain.Role               `json:"role"`
	ListingsVisible bool                      `json:"listings_visible"`
	Plan            string                    `json:"plan"`
	ChangedAt       time.Time                 `json:"changed_at"`
}

// Change returns the status-change notification for the payload.
func (p StatusSyncPayload) Change() domain.StatusChange {
	return domain.StatusChange{
		UserID:         p.UserID,
		SubscriptionID: p.SubscriptionID,
		OldStatus:      p.OldStatus,
		NewStatus:      p.NewStatus,
		Timestamp:      p.ChangedAt,
	}
}

// ProcessorCancelPayload asks for the processor subscription to be cancelled.
type ProcessorCancelPayload struct {
	UserID                  uuid.UUID `json:"user_id"`
	SubscriptionID          uuid.UUID `json:"subscription_id"`
	ProcessorSubscriptionID string    `json:"processor_subscription_id"`
	Reason                  string    `json:"reason"`
}

// EnqueueStatusSync enqueues one job per status sink inside tx.
func EnqueueStatusSync(ctx context.Context, tx store.Tx, payload StatusSyncPayload, maxAttempts int, now time.Time) error {
	for _, jobType := range []string{JobTypeSyncCRM, JobTypeSyncListing, JobTypeSyncNotify} {
		if err := enqueue(ctx, tx, jobType, payload, maxAttempts, now); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueProcessorCancel enqueues a processor cancellation inside tx.
func EnqueueProcessorCancel(ctx context.Context, tx store.Tx, payload ProcessorCancelPayload, now time.Time) error {
	return enqueue(ctx, tx, JobTypeSyncProcessorCancel, payload, processorCancelMaxAttempts, now)
}

func enqueue(ctx context.Context, tx store.Tx, jobType string, payload any, maxAttempts int, now time.Time) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultSyncMaxAttempts
	}

	err = tx.EnqueueJob(ctx, &domain.Job{
		ID:          uuid.New(),
		JobType:     jobType,
		Payload:     payloadJSON,
		Status:      domain.JobPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", jobType, err)
	}
	return nil
}

// Decode unmarshals a job payload into v.
func Decode(job *domain.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", job.JobType, err)
	}
	return nil
}
