package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ClaimStatusPending   = "pending"
	ClaimStatusWon       = "won"
	ClaimStatusLost      = "lost"
	ClaimStatusExpired   = "expired"
	ClaimStatusCancelled = "cancelled"
)

// Claim is one member's standing chance at winning a slot in a given wave.
// At most one claim per slot is ever won.
type Claim struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	TenantID           uuid.UUID  `db:"tenant_id"            json:"tenant_id"`
	SlotID             uuid.UUID  `db:"slot_id"              json:"slot_id"`
	MemberID           uuid.UUID  `db:"member_id"            json:"member_id"`
	Status             string     `db:"status"               json:"status"`
	WaveNumber         int        `db:"wave_number"          json:"wave_number"`
	NotifiedAt         time.Time  `db:"notified_at"          json:"notified_at"`
	ResponseReceivedAt *time.Time `db:"response_received_at" json:"response_received_at,omitempty"`
	ResponseBody       *string    `db:"response_body"        json:"response_body,omitempty"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// Invitation pairs a freshly created claim with the member it notifies.
type Invitation struct {
	Claim  *Claim
	Member *WaitlistMember
}
