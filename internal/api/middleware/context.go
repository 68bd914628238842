package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	tenantIDKey     contextKey = "tenant_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

func SetTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(tenantIDKey).(uuid.UUID)
	return id, ok
}

// WithAPIKey stores the authenticated key's tenant, prefix and scopes on ctx.
func WithAPIKey(ctx context.Context, tenantID uuid.UUID, prefix string, scopes []string) context.Context {
	ctx = SetTenantID(ctx, tenantID)
	ctx = context.WithValue(ctx, keyPrefixKey, prefix)
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
