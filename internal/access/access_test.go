package access

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/jobs"
	"github.com/dukerupert/hearth/internal/store"
	"github.com/dukerupert/hearth/internal/store/memory"
)

var now = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

type fakeCRM struct {
	calls []domain.Role
	err   error
}

func (f *fakeCRM) SyncMembership(ctx context.Context, change domain.StatusChange, role domain.Role, plan string) error {
	f.calls = append(f.calls, role)
	return f.err
}

type fakeListings struct {
	visible []bool
	err     error
}

func (f *fakeListings) SetVisibility(ctx context.Context, userID uuid.UUID, visible bool, reason string) error {
	f.visible = append(f.visible, visible)
	return f.err
}

type fakeNotifier struct {
	changes []domain.StatusChange
	err     error
}

func (f *fakeNotifier) PublishStatusChange(ctx context.Context, change domain.StatusChange) error {
	f.changes = append(f.changes, change)
	return f.err
}

func newSync(st store.Reader, crm CRM, l Listings, n Notifier, p billing.Processor) *Synchronizer {
	return NewSynchronizer(st, crm, l, n, p, Config{MaxAttempts: 5}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func suspendedSub() *domain.Subscription {
	at := now
	return &domain.Subscription{
		ID:                      uuid.New(),
		UserID:                  uuid.New(),
		ProcessorSubscriptionID: "sub_1",
		Plan:                    "pro",
		Status:                  domain.StatusSuspended,
		AnchorDay:               1,
		RetryCount:              4,
		SuspendedAt:             &at,
	}
}

func TestApply_WritesGrantAndOutbox(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	s := newSync(st, nil, nil, nil, nil)
	sub := suspendedSub()
	change := &domain.StatusChange{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		OldStatus:      domain.StatusPastDue,
		NewStatus:      domain.StatusSuspended,
		Timestamp:      now,
	}

	var role domain.Role
	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		role, err = s.Apply(ctx, tx, sub, change, now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSuspendedOwner, role)

	grant, err := st.GetAccessGrant(ctx, sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSuspendedOwner, grant.Role)
	assert.False(t, domain.Can(grant.Role, domain.PermManageListings))

	queued := st.Jobs()
	require.Len(t, queued, 3)
	types := map[string]bool{}
	for _, j := range queued {
		types[j.JobType] = true
		assert.Equal(t, 5, j.MaxAttempts)
		assert.Equal(t, domain.JobPending, j.Status)

		var p jobs.StatusSyncPayload
		require.NoError(t, jobs.Decode(&j, &p))
		assert.Equal(t, domain.RoleSuspendedOwner, p.Role)
		assert.False(t, p.ListingsVisible)
	}
	assert.True(t, types[jobs.JobTypeSyncCRM])
	assert.True(t, types[jobs.JobTypeSyncListing])
	assert.True(t, types[jobs.JobTypeSyncNotify])
}

func TestApply_NoChangeSkipsOutbox(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sub := suspendedSub()
	sub.Status = domain.StatusActive
	sub.SuspendedAt = nil

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := newSync(st, nil, nil, nil, nil).Apply(ctx, tx, sub, nil, now)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, st.Jobs())

	grant, err := st.GetAccessGrant(ctx, sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, grant.Role)
}

func TestApply_RolledBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sub := suspendedSub()
	boom := errors.New("boom")

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := newSync(st, nil, nil, nil, nil).Apply(ctx, tx, sub, &domain.StatusChange{UserID: sub.UserID}, now); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, st.Jobs())
	_, err = st.GetAccessGrant(ctx, sub.UserID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func enqueueOne(t *testing.T, st *memory.Store, s *Synchronizer, sub *domain.Subscription, jobType string) *domain.Job {
	t.Helper()
	require.NoError(t, st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockSubscription(ctx, sub.ID); errors.Is(err, store.ErrNotFound) {
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
		}
		if jobType == jobs.JobTypeSyncProcessorCancel {
			return s.CancelAtProcessor(ctx, tx, sub, "suspended", now)
		}
		_, err := s.Apply(ctx, tx, sub, &domain.StatusChange{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			OldStatus:      domain.StatusPastDue,
			NewStatus:      sub.Status,
			Timestamp:      now,
		}, now)
		return err
	}))
	for _, j := range st.Jobs() {
		if j.JobType == jobType {
			return &j
		}
	}
	t.Fatalf("no %s job", jobType)
	return nil
}

func TestDeliver(t *testing.T) {
	boom := errors.New("sink down")

	tests := []struct {
		name    string
		jobType string
		sinkErr error
		check   func(t *testing.T, crm *fakeCRM, l *fakeListings, n *fakeNotifier, p *billing.MockProcessor)
	}{
		{
			name:    "crm",
			jobType: jobs.JobTypeSyncCRM,
			check: func(t *testing.T, crm *fakeCRM, _ *fakeListings, _ *fakeNotifier, _ *billing.MockProcessor) {
				assert.Equal(t, []domain.Role{domain.RoleSuspendedOwner}, crm.calls)
			},
		},
		{
			name:    "listing hidden while suspended",
			jobType: jobs.JobTypeSyncListing,
			check: func(t *testing.T, _ *fakeCRM, l *fakeListings, _ *fakeNotifier, _ *billing.MockProcessor) {
				assert.Equal(t, []bool{false}, l.visible)
			},
		},
		{
			name:    "notify",
			jobType: jobs.JobTypeSyncNotify,
			check: func(t *testing.T, _ *fakeCRM, _ *fakeListings, n *fakeNotifier, _ *billing.MockProcessor) {
				require.Len(t, n.changes, 1)
				assert.Equal(t, domain.StatusSuspended, n.changes[0].NewStatus)
				assert.Equal(t, domain.StatusPastDue, n.changes[0].OldStatus)
			},
		},
		{
			name:    "processor cancel",
			jobType: jobs.JobTypeSyncProcessorCancel,
			check: func(t *testing.T, _ *fakeCRM, _ *fakeListings, _ *fakeNotifier, p *billing.MockProcessor) {
				assert.Equal(t, []string{"CancelSubscription(sub_1)"}, p.CallLog())
			},
		},
		{
			name:    "crm failure is a downstream error",
			jobType: jobs.JobTypeSyncCRM,
			sinkErr: boom,
		},
		{
			name:    "processor failure is a downstream error",
			jobType: jobs.JobTypeSyncProcessorCancel,
			sinkErr: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crm := &fakeCRM{err: tt.sinkErr}
			l := &fakeListings{err: tt.sinkErr}
			n := &fakeNotifier{err: tt.sinkErr}
			p := billing.NewMockProcessor()
			if tt.sinkErr != nil {
				p.CancelSubscriptionFunc = func(context.Context, string) error { return tt.sinkErr }
			}
			st := memory.New()
			s := newSync(st, crm, l, n, p)
			sub := suspendedSub()

			job := enqueueOne(t, st, s, sub, tt.jobType)
			err := s.Deliver(context.Background(), job)

			if tt.sinkErr != nil {
				require.Error(t, err)
				var de *DownstreamSyncError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, jobs.Sink(tt.jobType), de.Sink)
				assert.Equal(t, sub.UserID, de.UserID)
				assert.ErrorIs(t, err, boom)
				assert.True(t, IsDownstream(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, crm, l, n, p)
		})
	}
}

func TestDeliver_NilSinksComplete(t *testing.T) {
	st := memory.New()
	s := newSync(st, nil, nil, nil, nil)
	sub := suspendedSub()

	for _, jt := range []string{jobs.JobTypeSyncCRM, jobs.JobTypeSyncListing, jobs.JobTypeSyncNotify, jobs.JobTypeSyncProcessorCancel} {
		job := enqueueOne(t, st, s, sub, jt)
		assert.NoError(t, s.Deliver(context.Background(), job), jt)
	}
}

func TestDeliver_UnknownType(t *testing.T) {
	s := newSync(memory.New(), nil, nil, nil, nil)
	assert.False(t, s.Handles("email:welcome"))
	err := s.Deliver(context.Background(), &domain.Job{JobType: "email:welcome", Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func restore(t *testing.T, st *memory.Store, sub *domain.Subscription) {
	t.Helper()
	require.NoError(t, st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		locked.Status = domain.StatusActive
		locked.RetryCount = 0
		locked.SuspendedAt = nil
		return tx.UpdateSubscription(ctx, locked)
	}))
}

func TestDeliver_SkipsSupersededStatus(t *testing.T) {
	for _, jt := range []string{jobs.JobTypeSyncCRM, jobs.JobTypeSyncListing, jobs.JobTypeSyncNotify, jobs.JobTypeSyncProcessorCancel} {
		t.Run(jt, func(t *testing.T) {
			crm := &fakeCRM{}
			l := &fakeListings{}
			n := &fakeNotifier{}
			p := billing.NewMockProcessor()
			st := memory.New()
			s := newSync(st, crm, l, n, p)
			sub := suspendedSub()

			job := enqueueOne(t, st, s, sub, jt)
			restore(t, st, sub)

			require.NoError(t, s.Deliver(context.Background(), job))
			assert.Empty(t, crm.calls)
			assert.Empty(t, l.visible)
			assert.Empty(t, n.changes)
			assert.Empty(t, p.CallLog())
		})
	}
}

func TestDeliver_MissingSubscriptionStillDelivers(t *testing.T) {
	l := &fakeListings{}
	st := memory.New()
	s := newSync(st, nil, l, nil, nil)
	userID := uuid.New()

	payload := jobs.StatusSyncPayload{
		UserID:         userID,
		SubscriptionID: uuid.New(),
		NewStatus:      domain.StatusCancelled,
	}
	require.NoError(t, st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return jobs.EnqueueStatusSync(ctx, tx, payload, 3, now)
	}))
	for _, j := range st.Jobs() {
		if j.JobType == jobs.JobTypeSyncListing {
			require.NoError(t, s.Deliver(context.Background(), &j))
		}
	}
	assert.Equal(t, []bool{false}, l.visible)
}
