// Package arbitration decides which reply wins a slot.
package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/approval"
	"github.com/kiranshivaraju/slotcast/internal/metrics"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// Store is the subset of store.Store the engine needs.
type Store interface {
	AttemptClaim(ctx context.Context, attempt store.ClaimAttempt) (bool, error)
	GetSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Slot, error)
	GetClaim(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Claim, error)
}

// Result reports the outcome of one claim attempt.
type Result struct {
	Won bool
}

type Engine struct {
	store     Store
	publisher approval.Publisher
	metrics   metrics.Recorder
	log       *slog.Logger
	now       func() time.Time
}

func NewEngine(s Store, p approval.Publisher, m metrics.Recorder, log *slog.Logger) *Engine {
	if m == nil {
		m = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     s,
		publisher: p,
		metrics:   m,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for the expiry check.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// AttemptClaim tries to win slotID for claimID. Exactly one concurrent caller per slot
// can see Won; every other caller, and any caller after the claim window, loses.
func (e *Engine) AttemptClaim(ctx context.Context, tenantID, slotID, claimID uuid.UUID, rawResponse string) (Result, error) {
	now := e.now()
	won, err := e.store.AttemptClaim(ctx, store.ClaimAttempt{
		TenantID: tenantID,
		SlotID:   slotID,
		ClaimID:  claimID,
		Response: rawResponse,
		Now:      now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("attempt claim: %w", err)
	}

	if !won {
		e.metrics.ClaimAttempt("lost")
		e.log.Info("claim attempt lost", "tenant_id", tenantID, "slot_id", slotID, "claim_id", claimID)
		return Result{Won: false}, nil
	}

	e.metrics.ClaimAttempt("won")
	e.metrics.SlotTransition(models.SlotStatusClaimed)
	e.log.Info("slot claimed", "tenant_id", tenantID, "slot_id", slotID, "claim_id", claimID)
	e.notifyApprover(ctx, tenantID, slotID, claimID, now)
	return Result{Won: true}, nil
}

// notifyApprover is best effort: the claim is already committed and the finalize
// endpoints work without the event.
func (e *Engine) notifyApprover(ctx context.Context, tenantID, slotID, claimID uuid.UUID, now time.Time) {
	if e.publisher == nil {
		return
	}
	ev := approval.Event{
		Type:      approval.RoutingKeyAwaitingConfirmation,
		TenantID:  tenantID,
		SlotID:    slotID,
		ClaimID:   claimID,
		ClaimedAt: now,
	}
	if slot, err := e.store.GetSlot(ctx, slotID, tenantID); err == nil {
		ev.SlotStart = slot.StartAt
	}
	if c, err := e.store.GetClaim(ctx, claimID, tenantID); err == nil {
		ev.MemberID = c.MemberID
		ev.WaveNumber = c.WaveNumber
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Error("failed to publish approval event", "claim_id", claimID, "error", err)
	}
}
