package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/slotcast/internal/api/middleware"
	"github.com/kiranshivaraju/slotcast/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock key store ---

type mockKeyStore struct {
	keys    []*models.APIKey
	err     error
	touched chan uuid.UUID
}

func (m *mockKeyStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}

func (m *mockKeyStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	if m.touched != nil {
		m.touched <- id
	}
	return nil
}

// --- Mock Cache ---

type mockCache struct {
	counter int64
	err     error
	lastKey string
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) Ping(_ context.Context) error                                     { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.counter++
	m.lastKey = key
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func keyWithScopes(t *testing.T, rawKey string, scopes ...string) *models.APIKey {
	return &models.APIKey{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:8],
		Scopes:    scopes,
	}
}

func authedRequest(rawKey string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	return req
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	handler := mw.NewAuth(&mockKeyStore{}, nil).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	handler := mw.NewAuth(&mockKeyStore{}, nil).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	handler := mw.NewAuth(&mockKeyStore{}, nil).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest("short"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_LookupError(t *testing.T) {
	handler := mw.NewAuth(&mockKeyStore{err: errors.New("db down")}, nil).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest("sc_test1234567890"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuth_WrongKey(t *testing.T) {
	rawKey := "sc_test1234567890abcdef"
	ks := &mockKeyStore{keys: []*models.APIKey{keyWithScopes(t, "different_key_entirely", "read")}}
	handler := mw.NewAuth(ks, nil).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(rawKey))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "sc_test1234567890abcdef"
	key := keyWithScopes(t, rawKey, "read")
	ks := &mockKeyStore{keys: []*models.APIKey{key}, touched: make(chan uuid.UUID, 1)}

	var gotTenantID uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenantID, gotOK = mw.GetTenantID(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := mw.NewAuth(ks, nil).Authenticate(inner)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, key.TenantID, gotTenantID)

	select {
	case id := <-ks.touched:
		assert.Equal(t, key.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("last_used_at was not updated")
	}
}

func TestAuth_RequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   int
	}{
		{"exact scope", []string{"read", "approve"}, http.StatusOK},
		{"admin implies all", []string{"admin"}, http.StatusOK},
		{"missing scope", []string{"read"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawKey := "sc_scope1234567890abcdef"
			auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{keyWithScopes(t, rawKey, tt.scopes...)}}, nil)
			handler := auth.Authenticate(auth.RequireScope(mw.ScopeApprove)(okHandler()))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, authedRequest(rawKey))

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
			}
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func withKey(req *http.Request, prefix string) *http.Request {
	return req.WithContext(mw.WithAPIKey(req.Context(), uuid.New(), prefix, nil))
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, 60, nil).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withKey(httptest.NewRequest("GET", "/test", nil), "sc_test1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "ratelimit:sc_test1", mc.lastKey)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{counter: 60}
	handler := mw.NewRateLimit(mc, 60, nil).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withKey(httptest.NewRequest("GET", "/test", nil), "sc_over1"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mc := &mockCache{err: errors.New("redis down")}
	handler := mw.NewRateLimit(mc, 1, nil).Limit(okHandler())

	for range 3 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withKey(httptest.NewRequest("GET", "/test", nil), "sc_fail1"))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, 60, nil).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, mc.counter)
}

func TestRateLimit_Allow(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{}, 2, nil)

	remaining, ok := rl.Allow(context.Background(), "k")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	_, ok = rl.Allow(context.Background(), "k")
	assert.True(t, ok)

	remaining, ok = rl.Allow(context.Background(), "k")
	assert.False(t, ok)
	assert.Zero(t, remaining)
}

// ========================================
// Webhook Signature Tests
// ========================================

func TestVerifySignature(t *testing.T) {
	const secret = "s3cret"
	body := []byte(`{"from":"+447700900123","body":"YES"}`)

	var seen []byte
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	handler := mw.VerifySignature(secret)(inner)

	tests := []struct {
		name string
		sig  string
		want int
	}{
		{"valid", mw.Sign(secret, body), http.StatusOK},
		{"valid with prefix", "sha256=" + mw.Sign(secret, body), http.StatusOK},
		{"wrong secret", mw.Sign("other", body), http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"not hex", "zz", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest("POST", "/webhooks/sms", bytes.NewReader(body))
			if tt.sig != "" {
				req.Header.Set(mw.SignatureHeader, tt.sig)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, body, seen)
			} else {
				assert.Equal(t, "INVALID_SIGNATURE", errBody(t, w)["code"])
			}
		})
	}
}

func TestVerifySignature_NoSecretPassesThrough(t *testing.T) {
	handler := mw.VerifySignature("")(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/webhooks/sms", bytes.NewReader([]byte("x"))))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery and Logging Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(nil)(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(nil)(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_PassesStatusThrough(t *testing.T) {
	created := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	w := httptest.NewRecorder()
	mw.Logger(nil)(created).ServeHTTP(w, httptest.NewRequest("POST", "/test", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
}
