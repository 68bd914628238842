package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/slotcast/internal/api/response"
)

const (
	SignatureHeader = "X-Signature"
	maxWebhookBody  = 1 << 20
)

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature rejects webhook deliveries whose SignatureHeader does not match the
// body. An optional "sha256=" prefix is accepted. An empty secret disables the check.
func VerifySignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
			if err != nil {
				response.Error(w, http.StatusRequestEntityTooLarge,
					"INVALID_REQUEST", "Webhook body too large", nil)
				return
			}

			got := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(SignatureHeader)), "sha256=")
			sig, err := hex.DecodeString(got)
			want, _ := hex.DecodeString(Sign(secret, body))
			if got == "" || err != nil || !hmac.Equal(sig, want) {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_SIGNATURE", "Webhook signature mismatch", nil)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
