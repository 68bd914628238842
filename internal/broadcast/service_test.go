package broadcast_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/broadcast"
	"github.com/kiranshivaraju/slotcast/internal/dispatch"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/internal/store/memory"
	"github.com/kiranshivaraju/slotcast/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []dispatch.Request
	err  error
}

func (n *recordingNotifier) Enqueue(_ context.Context, req dispatch.Request) (*models.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return &models.Message{IdempotencyKey: req.IdempotencyKey}, n.err
}

func (n *recordingNotifier) keysFor(template string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var keys []string
	for _, r := range n.reqs {
		if r.TemplateKey == template {
			keys = append(keys, r.IdempotencyKey)
		}
	}
	return keys
}

type fixture struct {
	store    *memory.Store
	svc      *broadcast.Service
	notifier *recordingNotifier
	tenantID uuid.UUID
	members  []*models.WaitlistMember
	clock    time.Time
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, members int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), notifier: &recordingNotifier{}, tenantID: uuid.New(), clock: t0}
	require.NoError(t, f.store.CreateTenant(ctx, &models.Tenant{
		ID: f.tenantID, Name: "Riverside", Timezone: "UTC", WaveSize: 2, ClaimWindowMinutes: 20,
	}))
	for i := range members {
		m := &models.WaitlistMember{
			ID: uuid.New(), TenantID: f.tenantID, FullName: fmt.Sprintf("Member %d", i),
			Channel: models.ChannelSMS, Address: fmt.Sprintf("+1555%04d", i), Active: true,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.store.CreateMember(ctx, m))
		f.members = append(f.members, m)
	}
	f.svc = broadcast.NewService(f.store, f.notifier, nil, nil)
	f.svc.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) ids(members ...*models.WaitlistMember) []uuid.UUID {
	out := make([]uuid.UUID, len(members))
	for i, m := range members {
		out[i] = m.ID
	}
	return out
}

func (f *fixture) draft(t *testing.T, members ...*models.WaitlistMember) *models.Slot {
	t.Helper()
	slot, err := f.svc.CreateDraft(context.Background(), f.tenantID, broadcast.DraftParams{
		StartAt: t0.Add(72 * time.Hour), DurationMinutes: 30, Notes: "hygiene", MemberIDs: f.ids(members...),
	})
	require.NoError(t, err)
	return slot
}

func TestCreateDraft(t *testing.T) {
	f := newFixture(t, 1)
	slot := f.draft(t, f.members...)

	assert.Equal(t, models.SlotStatusDraft, slot.Status)
	assert.Equal(t, 0, slot.WaveNumber)
	assert.Equal(t, 20, slot.ClaimWindowMinutes)
	assert.Nil(t, slot.ExpiresAt)

	_, err := f.svc.CreateDraft(context.Background(), f.tenantID, broadcast.DraftParams{StartAt: t0})
	assert.ErrorIs(t, err, broadcast.ErrInvalidDraft)

	_, err = f.svc.CreateDraft(context.Background(), uuid.New(), broadcast.DraftParams{StartAt: t0, DurationMinutes: 15})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartBroadcast_EmptyAudience(t *testing.T) {
	f := newFixture(t, 0)
	slot := f.draft(t)

	_, err := f.svc.StartBroadcast(context.Background(), f.tenantID, slot.ID)
	assert.ErrorIs(t, err, store.ErrEmptyAudience)

	got, err := f.svc.GetSlot(context.Background(), f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusDraft, got.Status)
	assert.Empty(t, f.notifier.reqs)
}

func TestStartBroadcast_InvitesActiveAssignedMembers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	inactive := &models.WaitlistMember{ID: uuid.New(), TenantID: f.tenantID, Channel: models.ChannelEmail,
		Address: "off@example.com", Active: false, CreatedAt: t0}
	require.NoError(t, f.store.CreateMember(ctx, inactive))

	slot := f.draft(t, f.members[0], f.members[1], inactive)

	opened, err := f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusOpen, opened.Status)
	assert.Equal(t, 1, opened.WaveNumber)
	assert.True(t, opened.ExpiresAt.Equal(t0.Add(20*time.Minute)))

	claims, err := f.svc.ListClaims(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	require.Len(t, claims, 2)

	keys := f.notifier.keysFor(models.TemplateInvite)
	assert.ElementsMatch(t, []string{"invite:" + claims[0].ID.String(), "invite:" + claims[1].ID.String()}, keys)

	_, err = f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestStartBroadcast_DeliveryFailureKeepsSlotOpen(t *testing.T) {
	f := newFixture(t, 1)
	f.notifier.err = dispatch.ErrDeliveryFailed
	slot := f.draft(t, f.members...)

	opened, err := f.svc.StartBroadcast(context.Background(), f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusOpen, opened.Status)
}

func TestResendNextWave(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	slot := f.draft(t, f.members[0])

	_, err := f.svc.ResendNextWave(ctx, f.tenantID, slot.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)

	f.clock = t0.Add(10 * time.Minute)
	updated, err := f.svc.ResendNextWave(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.WaveNumber)
	assert.True(t, updated.ExpiresAt.Equal(f.clock.Add(20*time.Minute)))
	assert.Len(t, f.notifier.keysFor(models.TemplateInvite), 3)

	_, err = f.svc.ResendNextWave(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Len(t, f.notifier.keysFor(models.TemplateInvite), 4)

	_, err = f.svc.ResendNextWave(ctx, f.tenantID, slot.ID)
	assert.ErrorIs(t, err, store.ErrWaveExhausted)

	claims, err := f.svc.ListClaims(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	seen := map[uuid.UUID]bool{}
	for _, c := range claims {
		assert.False(t, seen[c.MemberID], "member notified twice")
		seen[c.MemberID] = true
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	slot := f.draft(t, f.members...)

	_, err := f.svc.Cancel(ctx, f.tenantID, slot.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusCancelled, cancelled.Status)

	again, err := f.svc.Cancel(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusCancelled, again.Status)

	claims, err := f.svc.ListClaims(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	for _, c := range claims {
		assert.Equal(t, models.ClaimStatusCancelled, c.Status)
	}
}

func TestDeleteDraft(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	slot := f.draft(t, f.members...)

	require.NoError(t, f.svc.DeleteDraft(ctx, f.tenantID, slot.ID))
	_, err := f.svc.GetSlot(ctx, f.tenantID, slot.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDuplicate(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	src := f.draft(t, f.members...)
	_, err := f.svc.StartBroadcast(ctx, f.tenantID, src.ID)
	require.NoError(t, err)

	dup, err := f.svc.Duplicate(ctx, f.tenantID, src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, models.SlotStatusDraft, dup.Status)
	assert.True(t, dup.StartAt.Equal(src.StartAt.Add(7*24*time.Hour)))
	assert.Equal(t, src.DurationMinutes, dup.DurationMinutes)
	assert.Equal(t, "hygiene", dup.Notes)

	assigned, err := f.store.ListAssignments(ctx, f.tenantID, dup.ID)
	require.NoError(t, err)
	assert.Len(t, assigned, 2)

	claims, err := f.svc.ListClaims(ctx, f.tenantID, dup.ID)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestExpireOpenSlots(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	slot := f.draft(t, f.members...)
	_, err := f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)

	f.clock = t0.Add(19 * time.Minute)
	n, err := f.svc.ExpireOpenSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock = t0.Add(20 * time.Minute)
	n, err = f.svc.ExpireOpenSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetSlot(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusExpired, got.Status)
}

func claimFirst(t *testing.T, f *fixture, slotID uuid.UUID) (winner *models.Claim, others []*models.Claim) {
	t.Helper()
	ctx := context.Background()
	claims, err := f.svc.ListClaims(ctx, f.tenantID, slotID)
	require.NoError(t, err)
	require.NotEmpty(t, claims)

	for i, c := range claims {
		won, err := f.store.AttemptClaim(ctx, store.ClaimAttempt{
			TenantID: f.tenantID, SlotID: slotID, ClaimID: c.ID, Response: "YES", Now: f.clock,
		})
		require.NoError(t, err)
		if i == 0 {
			require.True(t, won)
			winner = c
		} else {
			others = append(others, c)
		}
	}
	return winner, others
}

func TestConfirmBooking(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	slot := f.draft(t, f.members...)
	_, err := f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	winner, losers := claimFirst(t, f, slot.ID)

	booked, err := f.svc.ConfirmBooking(ctx, f.tenantID, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusBooked, booked.Status)

	assert.Equal(t, []string{"confirm:" + winner.ID.String()}, f.notifier.keysFor(models.TemplateConfirm))
	taken := f.notifier.keysFor(models.TemplateTaken)
	require.Len(t, taken, len(losers))
	for _, l := range losers {
		assert.Contains(t, taken, "taken:"+l.ID.String())
	}

	_, err = f.svc.ConfirmBooking(ctx, f.tenantID, winner.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestConfirmBooking_LostClaim(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	slot := f.draft(t, f.members...)
	_, err := f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	_, losers := claimFirst(t, f, slot.ID)

	_, err = f.svc.ConfirmBooking(ctx, f.tenantID, losers[0].ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestRejectBooking_ReopensSlot(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	slot := f.draft(t, f.members...)
	_, err := f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	winner, _ := claimFirst(t, f, slot.ID)

	f.clock = t0.Add(5 * time.Minute)
	reopened, err := f.svc.RejectBooking(ctx, f.tenantID, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusOpen, reopened.Status)
	assert.True(t, reopened.ExpiresAt.Equal(f.clock.Add(20*time.Minute)))

	c, err := f.store.GetClaim(ctx, winner.ID, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimStatusCancelled, c.Status)
	assert.Len(t, f.notifier.keysFor(models.TemplateInvite), 2, "no automatic wave")
}

func TestRejectBooking_OnlyNextWaveCanWin(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	slot := f.draft(t, f.members[:2]...)
	_, err := f.svc.StartBroadcast(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	winner, losers := claimFirst(t, f, slot.ID)
	require.Len(t, losers, 1)

	f.clock = t0.Add(5 * time.Minute)
	_, err = f.svc.RejectBooking(ctx, f.tenantID, winner.ID)
	require.NoError(t, err)

	won, err := f.store.AttemptClaim(ctx, store.ClaimAttempt{
		TenantID: f.tenantID, SlotID: slot.ID, ClaimID: losers[0].ID, Response: "YES", Now: f.clock,
	})
	require.NoError(t, err)
	assert.False(t, won, "an earlier loser cannot take the reopened slot")

	_, err = f.svc.ResendNextWave(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	claims, err := f.svc.ListClaims(ctx, f.tenantID, slot.ID)
	require.NoError(t, err)
	var fresh *models.Claim
	for _, c := range claims {
		if c.MemberID == f.members[2].ID {
			fresh = c
		}
	}
	require.NotNil(t, fresh)

	won, err = f.store.AttemptClaim(ctx, store.ClaimAttempt{
		TenantID: f.tenantID, SlotID: slot.ID, ClaimID: fresh.ID, Response: "YES", Now: f.clock.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, won)
}

func TestListClaims_ForeignSlot(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.ListClaims(context.Background(), f.tenantID, uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
