package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen = 8

	// ScopeAdmin satisfies every RequireScope check.
	ScopeAdmin   = "admin"
	ScopeApprove = "approve"
)

// KeyStore is the API-key lookup the auth middleware needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	keys KeyStore
	log  *slog.Logger
}

func NewAuth(keys KeyStore, log *slog.Logger) *Auth {
	if log == nil {
		log = slog.Default()
	}
	return &Auth{keys: keys, log: log}
}

// Authenticate validates the Bearer token against the bcrypt hashes sharing its prefix
// and puts the owning tenant, key prefix and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		keys, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			a.log.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		idx := slices.IndexFunc(keys, func(k *models.APIKey) bool {
			return bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil
		})
		if idx < 0 {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		key := keys[idx]
		go a.touch(context.WithoutCancel(r.Context()), key.ID)

		ctx := WithAPIKey(r.Context(), key.TenantID, prefix, key.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) touch(ctx context.Context, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.keys.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		a.log.Warn("failed to update api key last_used_at", "key_id", id, "error", err)
	}
}

// RequireScope rejects requests whose API key lacks scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes := getScopes(r)
			if slices.Contains(scopes, scope) || slices.Contains(scopes, ScopeAdmin) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
