// Package broadcast drives the slot lifecycle: drafting, opening waves, cancellation,
// expiry and the final booking decision.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/dispatch"
	"github.com/kiranshivaraju/slotcast/internal/metrics"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// ErrInvalidDraft is returned when draft parameters are unusable.
var ErrInvalidDraft = errors.New("invalid slot draft")

// duplicateOffset is where a duplicated slot lands relative to its source.
const duplicateOffset = 7 * 24 * time.Hour

// Notifier sends templated messages. *dispatch.Dispatcher satisfies it.
type Notifier interface {
	Enqueue(ctx context.Context, req dispatch.Request) (*models.Message, error)
}

// DraftParams describes a new slot.
type DraftParams struct {
	StartAt         time.Time
	DurationMinutes int
	Notes           string
	MemberIDs       []uuid.UUID
}

type Service struct {
	store    store.Store
	notifier Notifier
	metrics  metrics.Recorder
	log      *slog.Logger
	now      func() time.Time
}

func NewService(s store.Store, n Notifier, m metrics.Recorder, log *slog.Logger) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    s,
		notifier: n,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) CreateDraft(ctx context.Context, tenantID uuid.UUID, p DraftParams) (*models.Slot, error) {
	if p.StartAt.IsZero() {
		return nil, fmt.Errorf("%w: start time is required", ErrInvalidDraft)
	}
	if p.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidDraft)
	}

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}

	now := s.now()
	slot := &models.Slot{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		StartAt:            p.StartAt.UTC(),
		DurationMinutes:    p.DurationMinutes,
		Status:             models.SlotStatusDraft,
		ClaimWindowMinutes: tenant.ClaimWindowMinutes,
		Notes:              p.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateSlot(ctx, slot, p.MemberIDs); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	s.metrics.SlotTransition(models.SlotStatusDraft)
	s.log.Info("slot drafted", "tenant_id", tenantID, "slot_id", slot.ID, "assigned", len(p.MemberIDs))
	return slot, nil
}

func (s *Service) AssignMembers(ctx context.Context, tenantID, slotID uuid.UUID, memberIDs []uuid.UUID) error {
	if err := s.store.AssignMembers(ctx, tenantID, slotID, memberIDs, s.now()); err != nil {
		return fmt.Errorf("assign members: %w", err)
	}
	return nil
}

func (s *Service) UnassignMember(ctx context.Context, tenantID, slotID, memberID uuid.UUID) error {
	if err := s.store.UnassignMember(ctx, tenantID, slotID, memberID, s.now()); err != nil {
		return fmt.Errorf("unassign member: %w", err)
	}
	return nil
}

// StartBroadcast opens a draft as wave 1 and invites every active assigned member.
// Invite delivery is best effort and never undoes the transition.
func (s *Service) StartBroadcast(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error) {
	slot, invites, err := s.store.OpenSlot(ctx, tenantID, slotID, s.now())
	if err != nil {
		return nil, fmt.Errorf("start broadcast: %w", err)
	}
	s.metrics.SlotTransition(models.SlotStatusOpen)
	s.log.Info("broadcast started", "tenant_id", tenantID, "slot_id", slotID, "invites", len(invites))
	s.sendInvites(ctx, slot, invites)
	return slot, nil
}

// ResendNextWave invites the next wave_size members who were never notified for this slot
// and restarts the claim window.
func (s *Service) ResendNextWave(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resend wave: %w", err)
	}
	slot, invites, err := s.store.OpenNextWave(ctx, tenantID, slotID, tenant.WaveSize, s.now())
	if err != nil {
		return nil, fmt.Errorf("resend wave: %w", err)
	}
	s.log.Info("wave opened", "tenant_id", tenantID, "slot_id", slotID, "wave", slot.WaveNumber, "invites", len(invites))
	s.sendInvites(ctx, slot, invites)
	return slot, nil
}

func (s *Service) Cancel(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error) {
	slot, err := s.store.CancelSlot(ctx, tenantID, slotID, s.now())
	if err != nil {
		return nil, fmt.Errorf("cancel slot: %w", err)
	}
	s.metrics.SlotTransition(models.SlotStatusCancelled)
	s.log.Info("slot cancelled", "tenant_id", tenantID, "slot_id", slotID)
	return slot, nil
}

func (s *Service) DeleteDraft(ctx context.Context, tenantID, slotID uuid.UUID) error {
	if err := s.store.DeleteDraftSlot(ctx, slotID, tenantID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	s.log.Info("draft deleted", "tenant_id", tenantID, "slot_id", slotID)
	return nil
}

// Duplicate copies a slot into a new draft one week later, with its current assignments
// but none of its claims.
func (s *Service) Duplicate(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error) {
	src, err := s.store.GetSlot(ctx, slotID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("duplicate slot: %w", err)
	}
	assigned, err := s.store.ListAssignments(ctx, tenantID, slotID)
	if err != nil {
		return nil, fmt.Errorf("duplicate slot: %w", err)
	}
	memberIDs := make([]uuid.UUID, len(assigned))
	for i, a := range assigned {
		memberIDs[i] = a.MemberID
	}

	now := s.now()
	dup := &models.Slot{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		StartAt:            src.StartAt.Add(duplicateOffset),
		DurationMinutes:    src.DurationMinutes,
		Status:             models.SlotStatusDraft,
		ClaimWindowMinutes: src.ClaimWindowMinutes,
		Notes:              src.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateSlot(ctx, dup, memberIDs); err != nil {
		return nil, fmt.Errorf("duplicate slot: %w", err)
	}
	s.metrics.SlotTransition(models.SlotStatusDraft)
	s.log.Info("slot duplicated", "tenant_id", tenantID, "source_slot_id", slotID, "slot_id", dup.ID)
	return dup, nil
}

// ExpireOpenSlots closes every open slot whose claim window has passed.
func (s *Service) ExpireOpenSlots(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireOpenSlots(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire slots: %w", err)
	}
	for _, slot := range expired {
		s.metrics.SlotTransition(models.SlotStatusExpired)
		s.log.Info("slot expired", "tenant_id", slot.TenantID, "slot_id", slot.ID, "wave", slot.WaveNumber)
	}
	return len(expired), nil
}

func (s *Service) GetSlot(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error) {
	return s.store.GetSlot(ctx, slotID, tenantID)
}

func (s *Service) ListSlots(ctx context.Context, filter store.SlotFilter) ([]*models.Slot, int, error) {
	return s.store.ListSlots(ctx, filter)
}

func (s *Service) ListClaims(ctx context.Context, tenantID, slotID uuid.UUID) ([]*models.Claim, error) {
	if _, err := s.store.GetSlot(ctx, slotID, tenantID); err != nil {
		return nil, err
	}
	return s.store.ListClaims(ctx, tenantID, slotID)
}

func (s *Service) sendInvites(ctx context.Context, slot *models.Slot, invites []models.Invitation) {
	for _, inv := range invites {
		s.notify(ctx, slot, inv.Claim, inv.Member, models.TemplateInvite)
	}
}

// notify enqueues one templated message keyed by template and claim. Failures are
// logged; the dispatch ledger keeps failed rows for the retry sweep.
func (s *Service) notify(ctx context.Context, slot *models.Slot, claim *models.Claim, member *models.WaitlistMember, template string) {
	if s.notifier == nil {
		return
	}
	slotID, claimID, memberID := slot.ID, claim.ID, member.ID
	_, err := s.notifier.Enqueue(ctx, dispatch.Request{
		TenantID:       slot.TenantID,
		SlotID:         &slotID,
		ClaimID:        &claimID,
		MemberID:       &memberID,
		Channel:        member.Channel,
		Address:        member.Address,
		TemplateKey:    template,
		IdempotencyKey: template + ":" + claim.ID.String(),
		Vars: dispatch.Vars{
			Name:               member.FullName,
			SlotStart:          slot.StartAt,
			DurationMinutes:    slot.DurationMinutes,
			ClaimWindowMinutes: slot.ClaimWindowMinutes,
		},
	})
	if err != nil {
		s.log.Warn("notification not delivered",
			"template", template, "slot_id", slot.ID, "claim_id", claim.ID, "error", err)
	}
}
