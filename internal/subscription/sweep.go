package subscription

import (
	"context"
	"time"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/store"
	"github.com/dukerupert/hearth/internal/telemetry"
)

const sweepBatchSize = 100

// CloseExpiredSuspensions cancels subscriptions that have been suspended for
// longer than the grace period and returns how many it closed. Each one is
// re-checked under its row lock, so a payment that lands mid-sweep wins.
func (e *Engine) CloseExpiredSuspensions(ctx context.Context, now time.Time) (int, error) {
	grace := e.config.SuspensionGracePeriod
	if grace <= 0 {
		return 0, nil
	}
	now = now.UTC()
	cutoff := now.Add(-grace)

	candidates, err := e.store.ListSuspendedBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, domain.Internal(err, "subscription.close_expired", "failed to list suspended subscriptions")
	}

	closed := 0
	for _, candidate := range candidates {
		var change *domain.StatusChange
		err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			sub, err := tx.LockSubscription(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if sub.Status != domain.StatusSuspended || sub.SuspendedAt == nil || sub.SuspendedAt.After(cutoff) {
				return nil
			}

			from := sub.Status
			markCancelled(sub, now)
			// Under cancel_processor the processor was already told at suspension.
			if e.config.SuspendPolicy != SuspendCancelProcessor {
				if err := e.access.CancelAtProcessor(ctx, tx, sub, "suspension_grace_expired", now); err != nil {
					return err
				}
			}
			change, err = e.commit(ctx, tx, sub, from, now)
			return err
		})
		if err != nil {
			e.logger.Error("failed to close expired suspension", "subscription_id", candidate.ID, "error", err)
			telemetry.CaptureError(err, map[string]interface{}{
				"subscription_id": candidate.ID.String(),
				"operation":       "close_expired_suspension",
			})
			continue
		}
		if change != nil {
			closed++
			e.afterCommit(change)
		}
	}
	return closed, nil
}
