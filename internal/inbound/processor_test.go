package inbound_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/arbitration"
	"github.com/kiranshivaraju/slotcast/internal/dispatch"
	"github.com/kiranshivaraju/slotcast/internal/inbound"
	"github.com/kiranshivaraju/slotcast/internal/store/memory"
	"github.com/kiranshivaraju/slotcast/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []dispatch.Request
}

func (n *recordingNotifier) Enqueue(_ context.Context, req dispatch.Request) (*models.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return &models.Message{IdempotencyKey: req.IdempotencyKey}, nil
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Store
	processor *inbound.Processor
	notifier  *recordingNotifier
	tenantID  uuid.UUID
	members   []*models.WaitlistMember
	slot      *models.Slot
	invites   []models.Invitation
	clock     time.Time
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), notifier: &recordingNotifier{}, tenantID: uuid.New(), clock: t0.Add(time.Minute)}
	require.NoError(t, f.store.CreateTenant(ctx, &models.Tenant{ID: f.tenantID, Name: "clinic", WaveSize: 5, ClaimWindowMinutes: 15}))

	ids := make([]uuid.UUID, n)
	for i := range ids {
		m := &models.WaitlistMember{ID: uuid.New(), TenantID: f.tenantID, FullName: fmt.Sprintf("Member %d", i),
			Channel: models.ChannelWhatsApp, Address: fmt.Sprintf("+4477000%04d", i), Active: true, CreatedAt: t0}
		require.NoError(t, f.store.CreateMember(ctx, m))
		f.members = append(f.members, m)
		ids[i] = m.ID
	}
	slot := &models.Slot{ID: uuid.New(), TenantID: f.tenantID, StartAt: t0.Add(48 * time.Hour),
		DurationMinutes: 30, Status: models.SlotStatusDraft, ClaimWindowMinutes: 15, CreatedAt: t0}
	require.NoError(t, f.store.CreateSlot(ctx, slot, ids))

	var err error
	f.slot, f.invites, err = f.store.OpenSlot(ctx, f.tenantID, slot.ID, t0)
	require.NoError(t, err)

	engine := arbitration.NewEngine(f.store, nil, nil, nil)
	engine.SetClock(func() time.Time { return f.clock })
	f.processor = inbound.NewProcessor(f.store, engine, f.notifier, nil)
	f.processor.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) reply(i int, body, externalID string) inbound.Reply {
	return inbound.Reply{
		RawBody:    body,
		From:       "whatsapp:" + f.members[i].Address,
		Channel:    models.ChannelWhatsApp,
		ExternalID: externalID,
	}
}

func TestProcessInbound_FirstYesWins(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	res, err := f.processor.ProcessInbound(ctx, f.reply(0, " yes ", "wamid.1"))
	require.NoError(t, err)
	assert.Equal(t, inbound.OutcomeWon, res.Outcome)
	require.NotNil(t, res.TenantID)
	assert.Equal(t, f.tenantID, *res.TenantID)
	assert.Equal(t, f.slot.ID, *res.SlotID)

	slot, err := f.store.GetSlot(ctx, f.slot.ID, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusClaimed, slot.Status)

	// The second member's claim was settled when the first one won.
	res, err = f.processor.ProcessInbound(ctx, f.reply(1, "Y", "wamid.2"))
	require.NoError(t, err)
	assert.Equal(t, inbound.OutcomeNoActiveClaim, res.Outcome)
}

func TestProcessInbound_ConcurrentRepliesOneWinner(t *testing.T) {
	const n = 15
	f := newFixture(t, n)

	var wg sync.WaitGroup
	outcomes := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.processor.ProcessInbound(context.Background(), f.reply(i, "YES", fmt.Sprintf("wamid.%d", i)))
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	won := 0
	for _, o := range outcomes {
		if o == inbound.OutcomeWon {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestProcessInbound_DuplicateDelivery(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	res, err := f.processor.ProcessInbound(ctx, f.reply(0, "no thanks", "wamid.dup"))
	require.NoError(t, err)
	assert.Equal(t, inbound.OutcomeIgnored, res.Outcome)

	res, err = f.processor.ProcessInbound(ctx, f.reply(0, "YES", "wamid.dup"))
	require.NoError(t, err)
	assert.Equal(t, inbound.OutcomeDuplicate, res.Outcome)

	slot, err := f.store.GetSlot(ctx, f.slot.ID, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusOpen, slot.Status)

	inboundRows := 0
	for _, m := range f.store.Messages() {
		if m.Direction == models.DirectionInbound {
			inboundRows++
			assert.Equal(t, models.MessageStatusReceived, m.Status)
		}
	}
	assert.Equal(t, 1, inboundRows)
}

func TestProcessInbound_NonAffirmativeIsRecordedOnly(t *testing.T) {
	f := newFixture(t, 1)

	for _, body := range []string{"no", "yes please", "maybe", "YESS"} {
		res, err := f.processor.ProcessInbound(context.Background(), f.reply(0, body, ""))
		require.NoError(t, err)
		assert.Equal(t, inbound.OutcomeIgnored, res.Outcome, body)
	}
	assert.Len(t, f.store.Messages(), 4)
}

func TestProcessInbound_UnknownSender(t *testing.T) {
	f := newFixture(t, 1)

	res, err := f.processor.ProcessInbound(context.Background(), inbound.Reply{
		RawBody: "YES", From: "+15550009999", Channel: models.ChannelSMS, ExternalID: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, inbound.OutcomeUnrecognized, res.Outcome)
	assert.Nil(t, res.TenantID)
	assert.Empty(t, f.store.Messages())
}

func TestProcessInbound_Malformed(t *testing.T) {
	f := newFixture(t, 1)

	cases := []inbound.Reply{
		{RawBody: "YES", From: "+4477000000", Channel: "pager"},
		{RawBody: "  ", From: "+4477000000", Channel: models.ChannelSMS},
		{RawBody: "YES", From: "abc", Channel: models.ChannelSMS},
		{RawBody: "YES", From: "not-an-email", Channel: models.ChannelEmail},
	}
	for _, r := range cases {
		_, err := f.processor.ProcessInbound(context.Background(), r)
		assert.ErrorIs(t, err, inbound.ErrMalformedInbound, "%+v", r)
	}
}

func TestProcessInbound_AfterWindowSendsTaken(t *testing.T) {
	f := newFixture(t, 1)
	f.clock = t0.Add(15 * time.Minute)

	res, err := f.processor.ProcessInbound(context.Background(), f.reply(0, "YES", "late"))
	require.NoError(t, err)
	assert.Equal(t, inbound.OutcomeTaken, res.Outcome)

	require.Len(t, f.notifier.reqs, 1)
	assert.Equal(t, models.TemplateTaken, f.notifier.reqs[0].TemplateKey)
	assert.Equal(t, "taken:"+f.invites[0].Claim.ID.String(), f.notifier.reqs[0].IdempotencyKey)

	slot, err := f.store.GetSlot(context.Background(), f.slot.ID, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusOpen, slot.Status)
}

func TestProcessInbound_WinnerRepliesAgain(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.processor.ProcessInbound(ctx, f.reply(0, "YES", "a"))
	require.NoError(t, err)

	res, err := f.processor.ProcessInbound(ctx, f.reply(0, "YES", "b"))
	require.NoError(t, err)
	assert.Equal(t, inbound.OutcomeAlreadyWon, res.Outcome)
	assert.Empty(t, f.notifier.reqs)
}

func TestProcessInbound_MostRecentlyNotifiedTenant(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	other := uuid.New()
	require.NoError(t, f.store.CreateTenant(ctx, &models.Tenant{ID: other, Name: "other", WaveSize: 5, ClaimWindowMinutes: 15}))
	require.NoError(t, f.store.CreateMember(ctx, &models.WaitlistMember{
		ID: uuid.New(), TenantID: other, Channel: models.ChannelWhatsApp,
		Address: f.members[0].Address, Active: true, CreatedAt: t0.Add(-time.Hour),
	}))

	res, err := f.processor.ProcessInbound(ctx, f.reply(0, "YES", "multi"))
	require.NoError(t, err)
	assert.Equal(t, f.tenantID, *res.TenantID)
	assert.Equal(t, inbound.OutcomeWon, res.Outcome)
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		channel, raw, want string
	}{
		{models.ChannelWhatsApp, "whatsapp:+44 7700 900123", "+447700900123"},
		{models.ChannelSMS, "tel:(555) 010-2030", "5550102030"},
		{models.ChannelSMS, " +1-555-010-2030 ", "+15550102030"},
		{models.ChannelEmail, "  Jane.Doe@Example.COM ", "jane.doe@example.com"},
		{models.ChannelEmail, "mailto:a@b.io", "a@b.io"},
	}
	for _, tt := range tests {
		got, err := inbound.NormalizeAddress(tt.channel, tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsAffirmative(t *testing.T) {
	for _, body := range []string{"YES", "yes", " Y ", "y\n"} {
		assert.True(t, inbound.IsAffirmative(body), body)
	}
	for _, body := range []string{"", "no", "yes!", "yeah", "N"} {
		assert.False(t, inbound.IsAffirmative(body), body)
	}
}
