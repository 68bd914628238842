// Package approval hands won claims to the human confirmation step.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RoutingKeyAwaitingConfirmation is published when a claim wins its slot.
const RoutingKeyAwaitingConfirmation = "claim.awaiting_confirmation"

// Event tells an approver that a slot was claimed and needs confirm or reject.
type Event struct {
	Type       string    `json:"type"`
	TenantID   uuid.UUID `json:"tenant_id"`
	SlotID     uuid.UUID `json:"slot_id"`
	ClaimID    uuid.UUID `json:"claim_id"`
	MemberID   uuid.UUID `json:"member_id"`
	SlotStart  time.Time `json:"slot_start"`
	ClaimedAt  time.Time `json:"claimed_at"`
	WaveNumber int       `json:"wave_number"`
}

// Publisher delivers approval events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the logger. Used when no broker is configured.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.Info("claim awaiting confirmation",
		"type", e.Type, "tenant_id", e.TenantID, "slot_id", e.SlotID,
		"claim_id", e.ClaimID, "member_id", e.MemberID, "wave", e.WaveNumber)
	return nil
}
