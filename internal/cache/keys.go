package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func TenantKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// WebhookRateLimitKey buckets inbound webhook deliveries per sender.
func WebhookRateLimitKey(channel, address string) string {
	return fmt.Sprintf("ratelimit:webhook:%s:%s", channel, address)
}
