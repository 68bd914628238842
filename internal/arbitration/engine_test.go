package arbitration_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/approval"
	"github.com/kiranshivaraju/slotcast/internal/arbitration"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/internal/store/memory"
	"github.com/kiranshivaraju/slotcast/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []approval.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e approval.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openSlot(t *testing.T, n int) (*memory.Store, uuid.UUID, *models.Slot, []models.Invitation) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	tenantID := uuid.New()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: tenantID, Name: "clinic", WaveSize: 5, ClaimWindowMinutes: 15}))

	ids := make([]uuid.UUID, n)
	for i := range ids {
		m := &models.WaitlistMember{ID: uuid.New(), TenantID: tenantID, Channel: models.ChannelSMS,
			Address: fmt.Sprintf("+1555%04d", i), Active: true, CreatedAt: t0}
		require.NoError(t, s.CreateMember(ctx, m))
		ids[i] = m.ID
	}
	slot := &models.Slot{ID: uuid.New(), TenantID: tenantID, StartAt: t0.Add(48 * time.Hour),
		DurationMinutes: 30, Status: models.SlotStatusDraft, ClaimWindowMinutes: 15, CreatedAt: t0}
	require.NoError(t, s.CreateSlot(ctx, slot, ids))

	opened, invites, err := s.OpenSlot(ctx, tenantID, slot.ID, t0)
	require.NoError(t, err)
	return s, tenantID, opened, invites
}

func TestAttemptClaim_WinPublishesApproval(t *testing.T) {
	s, tenantID, slot, invites := openSlot(t, 2)
	pub := &recordingPublisher{}
	e := arbitration.NewEngine(s, pub, nil, nil)
	e.SetClock(func() time.Time { return t0.Add(time.Minute) })

	res, err := e.AttemptClaim(context.Background(), tenantID, slot.ID, invites[0].Claim.ID, "YES")
	require.NoError(t, err)
	assert.True(t, res.Won)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, approval.RoutingKeyAwaitingConfirmation, ev.Type)
	assert.Equal(t, invites[0].Claim.ID, ev.ClaimID)
	assert.Equal(t, invites[0].Member.ID, ev.MemberID)
	assert.True(t, ev.SlotStart.Equal(slot.StartAt))

	res, err = e.AttemptClaim(context.Background(), tenantID, slot.ID, invites[1].Claim.ID, "YES")
	require.NoError(t, err)
	assert.False(t, res.Won)
	assert.Len(t, pub.events, 1)
}

func TestAttemptClaim_ConcurrentOneWinner(t *testing.T) {
	s, tenantID, slot, invites := openSlot(t, 25)
	pub := &recordingPublisher{}
	e := arbitration.NewEngine(s, pub, nil, nil)
	e.SetClock(func() time.Time { return t0.Add(time.Minute) })

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, inv := range invites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.AttemptClaim(context.Background(), tenantID, slot.ID, inv.Claim.ID, "yes")
			assert.NoError(t, err)
			if res.Won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, pub.events, 1)
}

func TestAttemptClaim_AtExpiryLoses(t *testing.T) {
	s, tenantID, slot, invites := openSlot(t, 1)
	e := arbitration.NewEngine(s, &recordingPublisher{}, nil, nil)
	e.SetClock(func() time.Time { return t0.Add(15 * time.Minute) })

	res, err := e.AttemptClaim(context.Background(), tenantID, slot.ID, invites[0].Claim.ID, "YES")
	require.NoError(t, err)
	assert.False(t, res.Won)

	got, err := s.GetSlot(context.Background(), slot.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusOpen, got.Status)
}

func TestAttemptClaim_PublisherFailureStillWins(t *testing.T) {
	s, tenantID, slot, invites := openSlot(t, 1)
	e := arbitration.NewEngine(s, &recordingPublisher{err: errors.New("broker down")}, nil, nil)
	e.SetClock(func() time.Time { return t0 })

	res, err := e.AttemptClaim(context.Background(), tenantID, slot.ID, invites[0].Claim.ID, "YES")
	require.NoError(t, err)
	assert.True(t, res.Won)
}

func TestAttemptClaim_ForeignTenant(t *testing.T) {
	s, _, slot, invites := openSlot(t, 1)
	e := arbitration.NewEngine(s, nil, nil, nil)

	_, err := e.AttemptClaim(context.Background(), uuid.New(), slot.ID, invites[0].Claim.ID, "YES")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
