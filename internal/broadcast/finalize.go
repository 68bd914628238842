package broadcast

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// ConfirmBooking finalizes a won claim: the slot becomes booked, the winner gets a
// confirmation and every losing respondent is told the slot is taken.
func (s *Service) ConfirmBooking(ctx context.Context, tenantID, claimID uuid.UUID) (*models.Slot, error) {
	slot, winner, err := s.store.BookSlot(ctx, tenantID, claimID, s.now())
	if err != nil {
		return nil, fmt.Errorf("confirm booking: %w", err)
	}
	s.metrics.SlotTransition(models.SlotStatusBooked)
	s.log.Info("slot booked", "tenant_id", tenantID, "slot_id", slot.ID, "claim_id", claimID)

	if m, err := s.store.GetMember(ctx, winner.MemberID, tenantID); err == nil {
		s.notify(ctx, slot, winner, m, models.TemplateConfirm)
	} else {
		s.log.Warn("winner lookup failed", "claim_id", claimID, "error", err)
	}

	claims, err := s.store.ListClaims(ctx, tenantID, slot.ID)
	if err != nil {
		s.log.Warn("could not list losing claims", "slot_id", slot.ID, "error", err)
		return slot, nil
	}
	for _, c := range claims {
		if c.Status != models.ClaimStatusLost {
			continue
		}
		m, err := s.store.GetMember(ctx, c.MemberID, tenantID)
		if err != nil {
			s.log.Warn("member lookup failed", "claim_id", c.ID, "error", err)
			continue
		}
		s.notify(ctx, slot, c, m, models.TemplateTaken)
	}
	return slot, nil
}

// RejectBooking declines a won claim. The claim is cancelled and the slot reopens with
// a fresh claim window; no new wave is sent automatically. Every other claim on the slot
// already lost arbitration, so nobody can win the reopened slot until ResendNextWave
// invites new members. Without that it simply expires at the end of the window.
func (s *Service) RejectBooking(ctx context.Context, tenantID, claimID uuid.UUID) (*models.Slot, error) {
	slot, _, err := s.store.RejectClaim(ctx, tenantID, claimID, s.now())
	if err != nil {
		return nil, fmt.Errorf("reject booking: %w", err)
	}
	s.metrics.SlotTransition(models.SlotStatusOpen)
	s.log.Info("booking rejected, slot reopened", "tenant_id", tenantID, "slot_id", slot.ID, "claim_id", claimID)
	return slot, nil
}
