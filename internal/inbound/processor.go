// Package inbound turns provider webhook replies into claim attempts.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/arbitration"
	"github.com/kiranshivaraju/slotcast/internal/dispatch"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// ErrMalformedInbound is returned for replies with no usable sender, channel or body.
var ErrMalformedInbound = errors.New("malformed inbound message")

// Outcomes reported in Result.
const (
	OutcomeUnrecognized  = "unrecognized"
	OutcomeDuplicate     = "duplicate"
	OutcomeIgnored       = "ignored"
	OutcomeNoActiveClaim = "no_active_claim"
	OutcomeAlreadyWon    = "already_won"
	OutcomeTaken         = "taken"
	OutcomeWon           = "won"
	OutcomeLost          = "lost"
)

// Reply is one inbound message as received from a provider.
type Reply struct {
	RawBody    string
	From       string
	Channel    string
	ExternalID string
}

// Result describes what a reply did. TenantID is nil when the sender is unknown.
type Result struct {
	Outcome  string     `json:"outcome"`
	TenantID *uuid.UUID `json:"tenant_id,omitempty"`
	MemberID *uuid.UUID `json:"member_id,omitempty"`
	ClaimID  *uuid.UUID `json:"claim_id,omitempty"`
	SlotID   *uuid.UUID `json:"slot_id,omitempty"`
}

// Store is the subset of store.Store the processor needs.
type Store interface {
	FindMembersByAddress(ctx context.Context, channel, address string) ([]*models.WaitlistMember, error)
	CreateMessage(ctx context.Context, m *models.Message) (*models.Message, bool, error)
	LatestActiveClaim(ctx context.Context, tenantID, memberID uuid.UUID) (*models.Claim, error)
	GetSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Slot, error)
}

// Arbiter decides claim attempts. *arbitration.Engine satisfies it.
type Arbiter interface {
	AttemptClaim(ctx context.Context, tenantID, slotID, claimID uuid.UUID, rawResponse string) (arbitration.Result, error)
}

// Notifier sends templated messages. *dispatch.Dispatcher satisfies it.
type Notifier interface {
	Enqueue(ctx context.Context, req dispatch.Request) (*models.Message, error)
}

type Processor struct {
	store    Store
	arbiter  Arbiter
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewProcessor(s Store, a Arbiter, n Notifier, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:    s,
		arbiter:  a,
		notifier: n,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// ProcessInbound resolves the sender, records the reply once, and routes an affirmative
// answer to arbitration for the member's most recent active claim.
func (p *Processor) ProcessInbound(ctx context.Context, r Reply) (*Result, error) {
	if !models.ValidChannel(r.Channel) {
		return nil, fmt.Errorf("%w: unsupported channel %q", ErrMalformedInbound, r.Channel)
	}
	if strings.TrimSpace(r.RawBody) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedInbound)
	}
	address, err := NormalizeAddress(r.Channel, r.From)
	if err != nil {
		return nil, err
	}

	members, err := p.store.FindMembersByAddress(ctx, r.Channel, address)
	if err != nil {
		return nil, fmt.Errorf("process inbound: %w", err)
	}
	if len(members) == 0 {
		p.log.Info("inbound from unknown sender", "channel", r.Channel)
		return &Result{Outcome: OutcomeUnrecognized}, nil
	}
	// Several tenants can know the same address; the one that notified it last is the
	// conversation being answered.
	member := members[0]
	res := &Result{TenantID: &member.TenantID, MemberID: &member.ID}

	created, err := p.record(ctx, member, address, r)
	if err != nil {
		return nil, err
	}
	if !created {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	if !IsAffirmative(r.RawBody) {
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	claim, err := p.store.LatestActiveClaim(ctx, member.TenantID, member.ID)
	if errors.Is(err, store.ErrNotFound) {
		res.Outcome = OutcomeNoActiveClaim
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("process inbound: %w", err)
	}
	res.ClaimID = &claim.ID
	res.SlotID = &claim.SlotID

	if claim.Status == models.ClaimStatusWon {
		res.Outcome = OutcomeAlreadyWon
		return res, nil
	}

	slot, err := p.store.GetSlot(ctx, claim.SlotID, member.TenantID)
	if err != nil {
		return nil, fmt.Errorf("process inbound: %w", err)
	}
	if !slot.AcceptingReplies(p.now()) {
		p.sendTaken(ctx, slot, claim, member)
		res.Outcome = OutcomeTaken
		return res, nil
	}

	outcome, err := p.arbiter.AttemptClaim(ctx, member.TenantID, slot.ID, claim.ID, r.RawBody)
	if err != nil {
		return nil, fmt.Errorf("process inbound: %w", err)
	}
	if outcome.Won {
		res.Outcome = OutcomeWon
	} else {
		res.Outcome = OutcomeLost
	}
	return res, nil
}

// record appends the reply to the message ledger. It reports false when the same
// provider message was already recorded.
func (p *Processor) record(ctx context.Context, member *models.WaitlistMember, address string, r Reply) (bool, error) {
	externalID := strings.TrimSpace(r.ExternalID)
	key := "inbound:" + externalID
	if externalID == "" {
		key = "inbound:" + uuid.NewString()
	}

	now := p.now()
	msg := &models.Message{
		ID:             uuid.New(),
		TenantID:       member.TenantID,
		MemberID:       &member.ID,
		Channel:        r.Channel,
		Address:        address,
		Direction:      models.DirectionInbound,
		Status:         models.MessageStatusReceived,
		Body:           r.RawBody,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if externalID != "" {
		msg.ExternalMessageID = &externalID
	}

	_, created, err := p.store.CreateMessage(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("record inbound: %w", err)
	}
	return created, nil
}

func (p *Processor) sendTaken(ctx context.Context, slot *models.Slot, claim *models.Claim, member *models.WaitlistMember) {
	if p.notifier == nil {
		return
	}
	_, err := p.notifier.Enqueue(ctx, dispatch.Request{
		TenantID:       member.TenantID,
		SlotID:         &slot.ID,
		ClaimID:        &claim.ID,
		MemberID:       &member.ID,
		Channel:        member.Channel,
		Address:        member.Address,
		TemplateKey:    models.TemplateTaken,
		IdempotencyKey: models.TemplateTaken + ":" + claim.ID.String(),
		Vars: dispatch.Vars{
			Name:               member.FullName,
			SlotStart:          slot.StartAt,
			DurationMinutes:    slot.DurationMinutes,
			ClaimWindowMinutes: slot.ClaimWindowMinutes,
		},
	})
	if err != nil {
		p.log.Warn("taken notice not delivered", "claim_id", claim.ID, "error", err)
	}
}
