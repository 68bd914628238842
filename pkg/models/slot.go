package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SlotStatusDraft     = "draft"
	SlotStatusOpen      = "open"
	SlotStatusClaimed   = "claimed"
	SlotStatusBooked    = "booked"
	SlotStatusExpired   = "expired"
	SlotStatusCancelled = "cancelled"
)

// Slot is a released appointment time being broadcast to the waitlist.
// WaveNumber only increases; ExpiresAt is meaningful only while the slot is open.
type Slot struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	TenantID           uuid.UUID  `db:"tenant_id"            json:"tenant_id"`
	StartAt            time.Time  `db:"start_at"             json:"start_at"`
	DurationMinutes    int        `db:"duration_minutes"     json:"duration_minutes"`
	Status             string     `db:"status"               json:"status"`
	WaveNumber         int        `db:"wave_number"          json:"wave_number"`
	ClaimWindowMinutes int        `db:"claim_window_minutes" json:"claim_window_minutes"`
	ExpiresAt          *time.Time `db:"expires_at"           json:"expires_at,omitempty"`
	Notes              string     `db:"notes"                json:"notes"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// Terminal reports whether the slot can no longer change state.
func (s *Slot) Terminal() bool {
	switch s.Status {
	case SlotStatusBooked, SlotStatusExpired, SlotStatusCancelled:
		return true
	}
	return false
}

// AcceptingReplies reports whether a reply committed at now could still win the slot.
func (s *Slot) AcceptingReplies(now time.Time) bool {
	return s.Status == SlotStatusOpen && s.ExpiresAt != nil && s.ExpiresAt.After(now)
}

// ClaimWindow returns the claim window as a duration.
func (s *Slot) ClaimWindow() time.Duration {
	return time.Duration(s.ClaimWindowMinutes) * time.Minute
}

// Assignment places a member in the candidate pool of a slot, independent of notification state.
type Assignment struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	TenantID   uuid.UUID  `db:"tenant_id"   json:"tenant_id"`
	SlotID     uuid.UUID  `db:"slot_id"     json:"slot_id"`
	MemberID   uuid.UUID  `db:"member_id"   json:"member_id"`
	AssignedAt time.Time  `db:"assigned_at" json:"assigned_at"`
	RemovedAt  *time.Time `db:"removed_at"  json:"removed_at,omitempty"`
}
