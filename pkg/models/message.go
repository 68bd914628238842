package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"

	MessageStatusQueued   = "queued"
	MessageStatusSent     = "sent"
	MessageStatusFailed   = "failed"
	MessageStatusReceived = "received"

	TemplateInvite  = "invite"
	TemplateConfirm = "confirm"
	TemplateTaken   = "taken"
)

// Message is an append-only delivery ledger row for one outbound or inbound message.
// IdempotencyKey is unique per tenant.
type Message struct {
	ID                uuid.UUID  `db:"id"                  json:"id"`
	TenantID          uuid.UUID  `db:"tenant_id"           json:"tenant_id"`
	SlotID            *uuid.UUID `db:"slot_id"             json:"slot_id,omitempty"`
	ClaimID           *uuid.UUID `db:"claim_id"            json:"claim_id,omitempty"`
	MemberID          *uuid.UUID `db:"member_id"           json:"member_id,omitempty"`
	Channel           string     `db:"channel"             json:"channel"`
	Address           string     `db:"address"             json:"address"`
	Direction         string     `db:"direction"           json:"direction"`
	Status            string     `db:"status"              json:"status"`
	TemplateKey       string     `db:"template_key"        json:"template_key,omitempty"`
	Body              string     `db:"body"                json:"body"`
	Attempts          int        `db:"attempts"            json:"attempts"`
	LastError         *string    `db:"last_error"          json:"last_error,omitempty"`
	IdempotencyKey    string     `db:"idempotency_key"     json:"idempotency_key"`
	ExternalMessageID *string    `db:"external_message_id" json:"external_message_id,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
}
