package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
)

// ValidChannel reports whether c is a supported messaging channel.
func ValidChannel(c string) bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// WaitlistMember is a person waiting for an earlier appointment.
// Members referenced by a claim are deactivated, never deleted.
type WaitlistMember struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	TenantID       uuid.UUID  `db:"tenant_id"        json:"tenant_id"`
	FullName       string     `db:"full_name"        json:"full_name"`
	Channel        string     `db:"channel"          json:"channel"`
	Address        string     `db:"address"          json:"address"`
	Priority       int        `db:"priority"         json:"priority"`
	Active         bool       `db:"active"           json:"active"`
	LastNotifiedAt *time.Time `db:"last_notified_at" json:"last_notified_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}
