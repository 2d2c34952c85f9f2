// Package access keeps user roles in step with subscription status.
//
// Apply runs inside the engine's transaction so a user's own role changes
// atomically with the status. Everything outside the database (CRM, listing
// visibility, notifications, processor cancellation) is written to the jobs
// outbox in the same transaction and delivered later by Deliver.
//
// Jobs for one user can be delivered out of order once a failed job is
// rescheduled behind newer ones. Deliver therefore re-reads the subscription
// and drops a job whose status has been superseded, since the later change
// queued its own job for every sink.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/jobs"
	"github.com/dukerupert/hearth/internal/store"
)

// CRM receives membership state.
type CRM interface {
	SyncMembership(ctx context.Context, change domain.StatusChange, role domain.Role, plan string) error
}

// Listings receives listing visibility.
type Listings interface {
	SetVisibility(ctx context.Context, userID uuid.UUID, visible bool, reason string) error
}

// Notifier receives status-change notifications.
type Notifier interface {
	PublishStatusChange(ctx context.Context, change domain.StatusChange) error
}

// DownstreamSyncError reports a failed delivery to one sink. The worker
// retries it with backoff.
type DownstreamSyncError struct {
	Sink   string
	UserID uuid.UUID
	Err    error
}

func (e *DownstreamSyncError) Error() string {
	return fmt.Sprintf("downstream sync %s for user %s: %v", e.Sink, e.UserID, e.Err)
}

func (e *DownstreamSyncError) Unwrap() error {
	return e.Err
}

// Config controls what Apply enqueues.
type Config struct {
	// MaxAttempts bounds each sync job.
	MaxAttempts int
}

// Synchronizer derives roles and fans changes out to downstream sinks.
type Synchronizer struct {
	reader    store.Reader
	crm       CRM
	listings  Listings
	notifier  Notifier
	processor billing.Processor
	config    Config
	logger    *slog.Logger
}

// NewSynchronizer creates a synchronizer. Any sink may be nil, in which case
// its jobs complete without a call. reader is consulted before each delivery.
func NewSynchronizer(reader store.Reader, crm CRM, listings Listings, notifier Notifier, processor billing.Processor, cfg Config, logger *slog.Logger) *Synchronizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = jobs.DefaultSyncMaxAttempts
	}
	return &Synchronizer{
		reader:    reader,
		crm:       crm,
		listings:  listings,
		notifier:  notifier,
		processor: processor,
		config:    cfg,
		logger:    logger.With("component", "access_sync"),
	}
}

// Apply upserts the user's grant for sub's current status and, when change is
// non-nil, enqueues one sync job per sink. It must run in the transaction that
// wrote sub.
func (s *Synchronizer) Apply(ctx context.Context, tx store.Tx, sub *domain.Subscription, change *domain.StatusChange, now time.Time) (domain.Role, error) {
	role := domain.RoleForStatus(sub.Status)
	err := tx.UpsertAccessGrant(ctx, domain.AccessGrant{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Role:           role,
		LastSyncedAt:   now,
	})
	if err != nil {
		return "", fmt.Errorf("upsert access grant: %w", err)
	}

	if change == nil {
		return role, nil
	}

	payload := jobs.StatusSyncPayload{
		UserID:          change.UserID,
		SubscriptionID:  change.SubscriptionID,
		OldStatus:       change.OldStatus,
		NewStatus:       change.NewStatus,
		Role:            role,
		ListingsVisible: domain.ListingsVisible(change.NewStatus),
		Plan:            sub.Plan,
		ChangedAt:       change.Timestamp,
	}
	if err := jobs.EnqueueStatusSync(ctx, tx, payload, s.config.MaxAttempts, now); err != nil {
		return "", err
	}
	return role, nil
}

// CancelAtProcessor enqueues a processor cancellation for sub in tx.
func (s *Synchronizer) CancelAtProcessor(ctx context.Context, tx store.Tx, sub *domain.Subscription, reason string, now time.Time) error {
	if sub.ProcessorSubscriptionID == "" {
		return nil
	}
	return jobs.EnqueueProcessorCancel(ctx, tx, jobs.ProcessorCancelPayload{
		UserID:                  sub.UserID,
		SubscriptionID:          sub.ID,
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		Reason:                  reason,
	}, now)
}

// Handles reports whether Deliver understands jobType.
func (s *Synchronizer) Handles(jobType string) bool {
	switch jobType {
	case jobs.JobTypeSyncCRM, jobs.JobTypeSyncListing, jobs.JobTypeSyncNotify, jobs.JobTypeSyncProcessorCancel:
		return true
	}
	return false
}

// Deliver performs the single sink call a job describes. A job whose
// subscription has since moved to another status completes without a call.
// Sink failures are returned as *DownstreamSyncError.
func (s *Synchronizer) Deliver(ctx context.Context, job *domain.Job) error {
	if job.JobType == jobs.JobTypeSyncProcessorCancel {
		return s.deliverProcessorCancel(ctx, job)
	}

	var p jobs.StatusSyncPayload
	if err := jobs.Decode(job, &p); err != nil {
		return err
	}

	var call func() error
	switch job.JobType {
	case jobs.JobTypeSyncCRM:
		if s.crm != nil {
			call = func() error { return s.crm.SyncMembership(ctx, p.Change(), p.Role, p.Plan) }
		}
	case jobs.JobTypeSyncListing:
		if s.listings != nil {
			call = func() error { return s.listings.SetVisibility(ctx, p.UserID, p.ListingsVisible, string(p.NewStatus)) }
		}
	case jobs.JobTypeSyncNotify:
		if s.notifier != nil {
			call = func() error { return s.notifier.PublishStatusChange(ctx, p.Change()) }
		}
	default:
		return fmt.Errorf("unknown sync job type: %s", job.JobType)
	}
	if call == nil {
		return nil
	}

	current, err := s.currentStatus(ctx, p.SubscriptionID)
	if err != nil {
		return err
	}
	if current != "" && current != p.NewStatus {
		s.logger.Info("skipping superseded sync",
			"job_type", job.JobType,
			"user_id", p.UserID,
			"subscription_id", p.SubscriptionID,
			"job_status", p.NewStatus,
			"current_status", current,
		)
		return nil
	}

	if err := call(); err != nil {
		return &DownstreamSyncError{Sink: jobs.Sink(job.JobType), UserID: p.UserID, Err: err}
	}
	return nil
}

func (s *Synchronizer) deliverProcessorCancel(ctx context.Context, job *domain.Job) error {
	var p jobs.ProcessorCancelPayload
	if err := jobs.Decode(job, &p); err != nil {
		return err
	}
	if s.processor == nil {
		return nil
	}

	current, err := s.currentStatus(ctx, p.SubscriptionID)
	if err != nil {
		return err
	}
	if current != "" && current != domain.StatusSuspended && current != domain.StatusCancelled {
		s.logger.Info("skipping processor cancel for restored subscription",
			"user_id", p.UserID,
			"subscription_id", p.SubscriptionID,
			"current_status", current,
		)
		return nil
	}

	if err := s.processor.CancelSubscription(ctx, p.ProcessorSubscriptionID); err != nil {
		return &DownstreamSyncError{Sink: jobs.Sink(job.JobType), UserID: p.UserID, Err: err}
	}
	s.logger.Info("processor subscription cancelled",
		"user_id", p.UserID,
		"processor_subscription_id", p.ProcessorSubscriptionID,
		"reason", p.Reason,
	)
	return nil
}

// currentStatus returns the stored status of the subscription, or "" when
// the row is gone.
func (s *Synchronizer) currentStatus(ctx context.Context, id uuid.UUID) (domain.SubscriptionStatus, error) {
	sub, err := s.reader.GetSubscription(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load subscription %s: %w", id, err)
	}
	return sub.Status, nil
}

// IsDownstream reports whether err is a DownstreamSyncError.
func IsDownstream(err error) bool {
	var de *DownstreamSyncError
	return errors.As(err, &de)
}
