package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/hearth/internal/access"
	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/invoice"
	"github.com/dukerupert/hearth/internal/jobs"
	"github.com/dukerupert/hearth/internal/retry"
	"github.com/dukerupert/hearth/internal/store"
	"github.com/dukerupert/hearth/internal/store/memory"
)

const day = 24 * time.Hour

var testNow = time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)

type countingWaker struct{ n int }

func (w *countingWaker) Notify() { w.n++ }

type harness struct {
	st     *memory.Store
	proc   *billing.MockProcessor
	waker  *countingWaker
	engine *Engine
	now    time.Time
}

func newHarness(t *testing.T, policy retry.Policy, cfg Config) *harness {
	t.Helper()
	require.NoError(t, policy.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		st:    memory.New(),
		proc:  billing.NewMockProcessor(),
		waker: &countingWaker{},
		now:   testNow,
	}
	recorder := invoice.NewRecorder(h.st, logger)
	sync := access.NewSynchronizer(h.st, nil, nil, nil, h.proc, access.Config{}, logger)
	h.engine = NewEngine(h.st, h.proc, policy, recorder, sync, cfg, logger,
		WithWaker(h.waker),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func defaultHarness(t *testing.T) *harness {
	return newHarness(t, retry.DefaultPolicy(), Config{})
}

// seed stores a subscription in status with a period around testNow.
func (h *harness) seed(t *testing.T, status domain.SubscriptionStatus, mutate ...func(*domain.Subscription)) *domain.Subscription {
	t.Helper()
	sub := &domain.Subscription{
		ID:                      uuid.New(),
		ProcessorSubscriptionID: "sub_" + uuid.NewString()[:8],
		ProcessorCustomerID:     "cus_1",
		UserID:                  uuid.New(),
		Plan:                    "pro",
		Interval:                domain.IntervalMonthly,
		AmountCents:             2900,
		Currency:                "usd",
		Status:                  status,
		CurrentPeriodStart:      time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		AnchorDay:               1,
		CreatedAt:               testNow.Add(-60 * day),
	}
	switch status {
	case domain.StatusPastDue:
		next := testNow.Add(day)
		sub.RetryCount = 1
		sub.NextRetryAt = &next
	case domain.StatusSuspended:
		at := testNow.Add(-day)
		sub.RetryCount = 4
		sub.SuspendedAt = &at
	case domain.StatusCancelled:
		at := testNow.Add(-day)
		sub.CancelledAt = &at
	}
	for _, m := range mutate {
		m(sub)
	}
	require.NoError(t, sub.CheckInvariants())
	err := h.st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSubscription(ctx, sub)
	})
	require.NoError(t, err)
	return sub
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *domain.Subscription {
	t.Helper()
	sub, ok := h.st.Subscription(id)
	require.True(t, ok, "subscription %s not stored", id)
	return sub
}

func (h *harness) role(t *testing.T, userID uuid.UUID) domain.Role {
	t.Helper()
	grant, err := h.st.GetAccessGrant(context.Background(), userID)
	require.NoError(t, err)
	return grant.Role
}

func (h *harness) jobTypes() []string {
	var types []string
	for _, j := range h.st.Jobs() {
		types = append(types, j.JobType)
	}
	return types
}

func eventID() string {
	return "evt_" + uuid.NewString()[:12]
}

func failedEvent(sub *domain.Subscription, invoiceID string, at time.Time) domain.Event {
	return domain.Event{
		ID:                      eventID(),
		Type:                    domain.EventPaymentFailed,
		OccurredAt:              at,
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		Invoice: &domain.InvoiceEvent{
			ProcessorInvoiceID: invoiceID,
			AmountCents:        sub.AmountCents,
			Currency:           "usd",
			Status:             domain.InvoiceOpen,
			IssuedAt:           at,
			AttemptCount:       1,
		},
	}
}

func paidEvent(processorSubID, invoiceID string, at, periodStart, periodEnd time.Time) domain.Event {
	paidAt := at
	return domain.Event{
		ID:                      eventID(),
		Type:                    domain.EventPaymentSucceeded,
		OccurredAt:              at,
		ProcessorSubscriptionID: processorSubID,
		PeriodStart:             periodStart,
		PeriodEnd:               periodEnd,
		Invoice: &domain.InvoiceEvent{
			ProcessorInvoiceID: invoiceID,
			AmountCents:        2900,
			Currency:           "usd",
			Status:             domain.InvoicePaid,
			IssuedAt:           at,
			PaidAt:             &paidAt,
		},
	}
}

func deletedEvent(sub *domain.Subscription, at time.Time) domain.Event {
	return domain.Event{
		ID:                      eventID(),
		Type:                    domain.EventSubscriptionDeleted,
		OccurredAt:              at,
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
	}
}

func TestHandleEvent_ReplayedEventIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusActive)

	ev := failedEvent(sub, "in_1", testNow)
	first, err := h.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	jobsAfterFirst := len(h.st.Jobs())

	for i := 0; i < 3; i++ {
		res, err := h.engine.HandleEvent(ctx, ev)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
	}

	got := h.reload(t, sub.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.StatusPastDue, got.Status)
	assert.Len(t, h.st.Jobs(), jobsAfterFirst)
	assert.Equal(t, 1, h.st.ProcessedEventCount())
}

func TestHandleEvent_MissingEventID(t *testing.T) {
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusActive)

	ev := failedEvent(sub, "in_1", testNow)
	ev.ID = ""
	_, err := h.engine.HandleEvent(context.Background(), ev)
	assert.True(t, domain.IsCode(err, domain.EINVALID))
	assert.Equal(t, domain.StatusActive, h.reload(t, sub.ID).Status)
}

func TestHandleEvent_ScenarioA_RenewalKeepsActive(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusActive, func(s *domain.Subscription) {
		s.CurrentPeriodStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		s.CurrentPeriodEnd = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	})

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	res, err := h.engine.HandleEvent(ctx, paidEvent(sub.ProcessorSubscriptionID, "in_renew", start, start, end))
	require.NoError(t, err)

	got := h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, start, got.CurrentPeriodStart)
	assert.Equal(t, end, got.CurrentPeriodEnd)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, res.Change, "active -> active is not a status change")
	require.NotNil(t, res.Invoice)
	assert.Equal(t, "INV-2024-0001", res.Invoice.Number)
	assert.Empty(t, h.st.Jobs())
}

func TestHandleEvent_ScenarioB_FailuresSuspend(t *testing.T) {
	ctx := context.Background()
	policy, err := retry.NewPolicy([]time.Duration{day, 3 * day, 7 * day}, 2)
	require.NoError(t, err)
	h := newHarness(t, policy, Config{})
	sub := h.seed(t, domain.StatusActive)

	_, err = h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
	require.NoError(t, err)
	got := h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusPastDue, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, testNow.Add(day), *got.NextRetryAt)
	assert.Equal(t, domain.RoleOwner, h.role(t, sub.UserID))

	_, err = h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
	require.NoError(t, err)
	got = h.reload(t, sub.ID)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, testNow.Add(3*day), *got.NextRetryAt)

	res, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
	require.NoError(t, err)
	got = h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusSuspended, got.Status)
	require.NotNil(t, got.SuspendedAt)
	assert.Equal(t, testNow, *got.SuspendedAt)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, res.Change)
	assert.Equal(t, domain.StatusPastDue, res.Change.OldStatus)
	assert.Equal(t, domain.StatusSuspended, res.Change.NewStatus)

	assert.Equal(t, domain.RoleSuspendedOwner, h.role(t, sub.UserID))
	assert.False(t, domain.Can(h.role(t, sub.UserID), domain.PermPublishListings))
}

func TestHandleEvent_SuspensionThreshold(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusActive)

	var delays []time.Duration
	for i := 1; i <= 3; i++ {
		_, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
		require.NoError(t, err)
		got := h.reload(t, sub.ID)
		require.Equal(t, domain.StatusPastDue, got.Status, "failure %d must not suspend", i)
		require.NotNil(t, got.NextRetryAt)
		delays = append(delays, got.NextRetryAt.Sub(testNow))
	}
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "backoff must not shrink")
	}

	_, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
	require.NoError(t, err)
	got := h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusSuspended, got.Status)
	assert.Equal(t, 4, got.RetryCount)
}

func TestHandleEvent_ScenarioC_SuccessRestoresSuspended(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusSuspended)
	require.NoError(t, h.st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRetryAttempt(ctx, &domain.RetryAttempt{
			SubscriptionID: sub.ID,
			AttemptNumber:  4,
			ScheduledAt:    testNow.Add(-day),
			Outcome:        domain.RetryPending,
		})
	}))

	res, err := h.engine.HandleEvent(ctx, paidEvent(sub.ProcessorSubscriptionID, "in_1", testNow, time.Time{}, time.Time{}))
	require.NoError(t, err)

	got := h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.SuspendedAt)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, domain.RoleOwner, h.role(t, sub.UserID))
	require.NotNil(t, res.Change)
	assert.Equal(t, domain.StatusSuspended, res.Change.OldStatus)

	assert.ElementsMatch(t, []string{jobs.JobTypeSyncCRM, jobs.JobTypeSyncListing, jobs.JobTypeSyncNotify}, h.jobTypes())
	assert.Equal(t, 1, h.waker.n)

	attempts, err := h.engine.History(ctx, sub.UserID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.RetrySucceeded, attempts[0].Outcome)
}

func TestHandleEvent_ScenarioD_CancelAtPeriodEnd(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusActive)

	got, err := h.engine.CancelSubscription(ctx, sub.UserID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, []string{"SetCancelAtPeriodEnd(" + sub.ProcessorSubscriptionID + ", true)"}, h.proc.CallLog())
	assert.Equal(t, domain.RoleOwner, h.role(t, sub.UserID))

	h.now = sub.CurrentPeriodEnd
	res, err := h.engine.HandleEvent(ctx, deletedEvent(sub, sub.CurrentPeriodEnd))
	require.NoError(t, err)
	require.NotNil(t, res.Change)

	got = h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, sub.CurrentPeriodEnd, *got.CancelledAt)
	assert.Equal(t, domain.RoleGuest, h.role(t, sub.UserID))
}

func TestHandleEvent_TerminalStateIsFinal(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusCancelled)

	cancelFlag := false
	tests := []struct {
		name    string
		ev      domain.Event
		code    string
		ignored bool
	}{
		{"payment succeeded", paidEvent(sub.ProcessorSubscriptionID, "in_9", testNow, time.Time{}, time.Time{}), domain.ETRANSITION, false},
		{"payment failed", failedEvent(sub, "in_8", testNow), domain.ETRANSITION, false},
		{"subscription deleted", deletedEvent(sub, testNow), "", true},
		{"subscription updated", domain.Event{
			ID:                      eventID(),
			Type:                    domain.EventSubscriptionUpdated,
			OccurredAt:              testNow,
			ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
			CancelAtPeriodEnd:       &cancelFlag,
		}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.engine.HandleEvent(ctx, tt.ev)
			if tt.code != "" {
				assert.True(t, domain.IsCode(err, tt.code), "got %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.ignored, res.Ignored)
			}
			assert.Equal(t, domain.StatusCancelled, h.reload(t, sub.ID).Status)
		})
	}

	_, err := h.engine.CancelSubscription(ctx, sub.UserID, true)
	assert.True(t, domain.IsCode(err, domain.ENOSUBSCRIPTION))
	_, err = h.engine.ReactivateSubscription(ctx, sub.UserID, domain.ReactivateOptions{AdminOverride: true})
	assert.True(t, domain.IsCode(err, domain.ENOSUBSCRIPTION))
	_, err = h.engine.ReactivateSubscription(ctx, sub.UserID, domain.ReactivateOptions{})
	assert.True(t, domain.IsCode(err, domain.ENOSUBSCRIPTION))
	assert.Equal(t, domain.StatusCancelled, h.reload(t, sub.ID).Status)
}

func TestHandleEvent_InvalidTransitionRollsBackLedger(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusIncomplete, func(s *domain.Subscription) {
		s.CurrentPeriodStart = time.Time{}
		s.CurrentPeriodEnd = time.Time{}
	})

	_, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
	assert.True(t, domain.IsCode(err, domain.ETRANSITION))
	assert.Zero(t, h.st.ProcessedEventCount())
	assert.Equal(t, domain.StatusIncomplete, h.reload(t, sub.ID).Status)
}

func TestHandleEvent_StaleEventsIgnored(t *testing.T) {
	ctx := context.Background()

	t.Run("failure for a paid invoice", func(t *testing.T) {
		h := defaultHarness(t)
		sub := h.seed(t, domain.StatusActive)

		_, err := h.engine.HandleEvent(ctx, paidEvent(sub.ProcessorSubscriptionID, "in_1", testNow, time.Time{}, time.Time{}))
		require.NoError(t, err)

		res, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow.Add(-time.Hour)))
		require.NoError(t, err)
		assert.True(t, res.Ignored)

		got := h.reload(t, sub.ID)
		assert.Equal(t, domain.StatusActive, got.Status)
		assert.Zero(t, got.RetryCount)
	})

	t.Run("update older than the last event", func(t *testing.T) {
		h := defaultHarness(t)
		last := testNow
		sub := h.seed(t, domain.StatusActive, func(s *domain.Subscription) { s.LastEventAt = &last })

		flag := true
		res, err := h.engine.HandleEvent(ctx, domain.Event{
			ID:                      eventID(),
			Type:                    domain.EventSubscriptionUpdated,
			OccurredAt:              testNow.Add(-time.Minute),
			ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
			CancelAtPeriodEnd:       &flag,
		})
		require.NoError(t, err)
		assert.True(t, res.Ignored)
		assert.False(t, h.reload(t, sub.ID).CancelAtPeriodEnd)
	})

	t.Run("period never moves backwards", func(t *testing.T) {
		h := defaultHarness(t)
		sub := h.seed(t, domain.StatusActive)

		oldStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		oldEnd := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		_, err := h.engine.HandleEvent(ctx, paidEvent(sub.ProcessorSubscriptionID, "in_old", oldStart, oldStart, oldEnd))
		require.NoError(t, err)

		got := h.reload(t, sub.ID)
		assert.Equal(t, sub.CurrentPeriodStart, got.CurrentPeriodStart)
		assert.Equal(t, sub.CurrentPeriodEnd, got.CurrentPeriodEnd)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		h := defaultHarness(t)
		res, err := h.engine.HandleEvent(ctx, domain.Event{
			ID:                      eventID(),
			Type:                    domain.EventPaymentFailed,
			OccurredAt:              testNow,
			ProcessorSubscriptionID: "sub_unknown",
		})
		require.NoError(t, err)
		assert.True(t, res.Ignored)
		assert.Equal(t, 1, h.st.ProcessedEventCount())
	})
}

func TestHandleEvent_FailureWhileSuspendedIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusSuspended)

	res, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_5", testNow))
	require.NoError(t, err)
	assert.Nil(t, res.Change)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, domain.InvoiceOpen, res.Invoice.Status)

	got := h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusSuspended, got.Status)
	assert.Equal(t, sub.RetryCount, got.RetryCount)
	assert.Equal(t, *sub.SuspendedAt, *got.SuspendedAt)
}

func TestHandleEvent_SuspendPolicyCancelProcessor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.DefaultPolicy(), Config{SuspendPolicy: SuspendCancelProcessor})
	sub := h.seed(t, domain.StatusPastDue, func(s *domain.Subscription) { s.RetryCount = 3 })

	_, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuspended, h.reload(t, sub.ID).Status)
	assert.Contains(t, h.jobTypes(), jobs.JobTypeSyncProcessorCancel)
}

func TestHandleEvent_SuspendPolicyGateLeavesProcessor(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusPastDue, func(s *domain.Subscription) { s.RetryCount = 3 })

	_, err := h.engine.HandleEvent(ctx, failedEvent(sub, "in_1", testNow))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuspended, h.reload(t, sub.ID).Status)
	assert.NotContains(t, h.jobTypes(), jobs.JobTypeSyncProcessorCancel)
	assert.Empty(t, h.proc.CallLog())
}

func TestHandleEvent_FirstPaymentCreatesSubscription(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	userID := uuid.New()

	start := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
	ev := paidEvent("sub_new", "in_first", start, time.Time{}, time.Time{})
	ev.UserID = userID.String()
	ev.Plan = "pro"
	ev.ProcessorCustomerID = "cus_new"

	res, err := h.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, res.Subscription)
	require.NotNil(t, res.Change)
	assert.Equal(t, domain.StatusIncomplete, res.Change.OldStatus)

	got, err := h.engine.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "sub_new", got.ProcessorSubscriptionID)
	assert.Equal(t, domain.IntervalMonthly, got.Interval)
	assert.Equal(t, int64(2900), got.AmountCents)
	assert.Equal(t, start, got.CurrentPeriodStart)
	assert.Equal(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), got.CurrentPeriodEnd)
	assert.Equal(t, 31, got.AnchorDay)
	assert.Equal(t, domain.RoleOwner, h.role(t, userID))
}

func TestHandleEvent_FirstPaymentActivatesCheckout(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	userID := uuid.New()

	started, err := h.engine.StartCheckout(ctx, domain.CheckoutParams{
		UserID:      userID,
		Plan:        "host-annual",
		Interval:    domain.IntervalAnnual,
		AmountCents: 29000,
		Currency:    "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncomplete, started.Status)
	assert.Equal(t, domain.RoleGuest, h.role(t, userID))

	ev := paidEvent("sub_co", "in_co", testNow, testNow, testNow.AddDate(1, 0, 0))
	ev.UserID = userID.String()
	_, err = h.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)

	got := h.reload(t, started.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "sub_co", got.ProcessorSubscriptionID)
	assert.Equal(t, domain.IntervalAnnual, got.Interval)
	assert.Equal(t, "usd", got.Currency)
	assert.Equal(t, testNow.Day(), got.AnchorDay)
	assert.Equal(t, domain.RoleOwner, h.role(t, userID))
}

func TestHandleEvent_FirstPaymentConflictsWithLiveSubscription(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	existing := h.seed(t, domain.StatusActive)

	ev := paidEvent("sub_other", "in_x", testNow, time.Time{}, time.Time{})
	ev.UserID = existing.UserID.String()
	_, err := h.engine.HandleEvent(ctx, ev)
	assert.True(t, domain.IsCode(err, domain.ECONFLICT), "got %v", err)
	assert.Zero(t, h.st.ProcessedEventCount())
}

func TestHandleEvent_PaymentWithoutUserIgnored(t *testing.T) {
	h := defaultHarness(t)
	res, err := h.engine.HandleEvent(context.Background(), paidEvent("sub_orphan", "in_o", testNow, time.Time{}, time.Time{}))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestHandleEvent_SubscriptionUpdated(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusPastDue)

	flag := true
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	res, err := h.engine.HandleEvent(ctx, domain.Event{
		ID:                      eventID(),
		Type:                    domain.EventSubscriptionUpdated,
		OccurredAt:              testNow,
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		Plan:                    "host-annual",
		Interval:                domain.IntervalAnnual,
		AmountCents:             29000,
		PeriodStart:             sub.CurrentPeriodStart,
		PeriodEnd:               end,
		CancelAtPeriodEnd:       &flag,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Change)

	got := h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusPastDue, got.Status, "updates never change status")
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, "host-annual", got.Plan)
	assert.Equal(t, domain.IntervalAnnual, got.Interval)
	assert.Equal(t, int64(29000), got.AmountCents)
	assert.Equal(t, end, got.CurrentPeriodEnd)
	require.NotNil(t, got.LastEventAt)
	assert.Equal(t, testNow, *got.LastEventAt)
}

func TestHandleEvent_DeletedFromPastDue(t *testing.T) {
	ctx := context.Background()
	h := defaultHarness(t)
	sub := h.seed(t, domain.StatusPastDue)

	res, err := h.engine.HandleEvent(ctx, deletedEvent(sub, testNow))
	require.NoError(t, err)
	require.NotNil(t, res.Change)

	got := h.reload(t, sub.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, domain.RoleGuest, h.role(t, sub.UserID))
}

func TestValidSuspendPolicy(t *testing.T) {
	assert.True(t, ValidSuspendPolicy(SuspendGate))
	assert.True(t, ValidSuspendPolicy(SuspendCancelProcessor))
	assert.False(t, ValidSuspendPolicy("delete"))
	assert.False(t, ValidSuspendPolicy(""))
}
