// Package ledger records which processor events have been applied.
//
// Both operations run against the caller's transaction so the mark commits or
// rolls back together with the subscription write it guards.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateEvent is returned by MarkProcessed when the event id is
	// already recorded. Callers treat it as a silent no-op.
	ErrDuplicateEvent = errors.New("ledger: event already processed")

	// ErrMissingEventID is returned for an empty event id.
	ErrMissingEventID = errors.New("ledger: event id is required")
)

// Querier is the slice of a store transaction the ledger needs.
type Querier interface {
	// EventProcessed reports whether eventID is recorded.
	EventProcessed(ctx context.Context, eventID string) (bool, error)

	// InsertProcessedEvent inserts eventID unless present and reports whether
	// a row was written.
	InsertProcessedEvent(ctx context.Context, eventID, eventType string, processedAt time.Time) (bool, error)
}

// HasProcessed reports whether eventID has already been applied.
func HasProcessed(ctx context.Context, q Querier, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrMissingEventID
	}
	ok, err := q.EventProcessed(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("ledger: lookup %s: %w", eventID, err)
	}
	return ok, nil
}

// MarkProcessed records eventID. It is an insert-if-absent, so two concurrent
// transactions marking the same id serialize on the unique key and the loser
// receives ErrDuplicateEvent once the winner commits.
func MarkProcessed(ctx context.Context, q Querier, eventID, eventType string, at time.Time) error {
	if eventID == "" {
		return ErrMissingEventID
	}
	inserted, err := q.InsertProcessedEvent(ctx, eventID, eventType, at.UTC())
	if err != nil {
		return fmt.Errorf("ledger: mark %s: %w", eventID, err)
	}
	if !inserted {
		return ErrDuplicateEvent
	}
	return nil
}
