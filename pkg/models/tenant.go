// Package models contains shared data models used across the slotcast codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is an isolated practice account. Every other entity belongs to a tenant.
type Tenant struct {
	ID                 uuid.UUID `db:"id"                   json:"id"`
	Name               string    `db:"name"                 json:"name"`
	Timezone           string    `db:"timezone"             json:"timezone"`
	WaveSize           int       `db:"wave_size"            json:"wave_size"`
	ClaimWindowMinutes int       `db:"claim_window_minutes" json:"claim_window_minutes"`
	TemplateInvite     string    `db:"template_invite"      json:"template_invite"`
	TemplateConfirm    string    `db:"template_confirm"     json:"template_confirm"`
	TemplateTaken      string    `db:"template_taken"       json:"template_taken"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"           json:"updated_at"`
}

// Location resolves the tenant timezone, falling back to UTC when unset or unknown.
func (t *Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Template returns the tenant's template for the given key, or "" if none is configured.
func (t *Tenant) Template(key string) string {
	switch key {
	case TemplateInvite:
		return t.TemplateInvite
	case TemplateConfirm:
		return t.TemplateConfirm
	case TemplateTaken:
		return t.TemplateTaken
	}
	return ""
}
