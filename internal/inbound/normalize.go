package inbound

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/slotcast/pkg/models"
)

const minPhoneDigits = 6

var phonePrefixes = []string{"whatsapp:", "tel:", "sms:"}

// NormalizeAddress converts a provider-supplied sender into the canonical form stored
// on waitlist members. Phones keep a leading + and digits only; emails are lowercased.
func NormalizeAddress(channel, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch channel {
	case models.ChannelWhatsApp, models.ChannelSMS:
		return normalizePhone(s)
	case models.ChannelEmail:
		return normalizeEmail(s)
	}
	return "", fmt.Errorf("%w: unsupported channel %q", ErrMalformedInbound, channel)
}

func normalizePhone(s string) (string, error) {
	lower := strings.ToLower(s)
	for _, p := range phonePrefixes {
		if strings.HasPrefix(lower, p) {
			s = s[len(p):]
			break
		}
	}
	s = strings.TrimSpace(s)

	var b strings.Builder
	digits := 0
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		}
	}
	if digits < minPhoneDigits {
		return "", fmt.Errorf("%w: invalid phone number", ErrMalformedInbound)
	}
	return b.String(), nil
}

func normalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "mailto:"))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " \t") {
		return "", fmt.Errorf("%w: invalid email address", ErrMalformedInbound)
	}
	return s, nil
}

// IsAffirmative reports whether a reply body accepts the offered slot.
func IsAffirmative(body string) bool {
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "YES", "Y":
		return true
	}
	return false
}
