package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit is a fixed-window counter per key, kept in Redis so every replica shares it.
type RateLimit struct {
	cache  cache.Cache
	perMin int
	log    *slog.Logger
}

func NewRateLimit(c cache.Cache, requestsPerMin int, log *slog.Logger) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	if log == nil {
		log = slog.Default()
	}
	return &RateLimit{cache: c, perMin: requestsPerMin, log: log}
}

// Allow counts one hit against key and returns the hits left in the current window.
// Cache failures fail open.
func (rl *RateLimit) Allow(ctx context.Context, key string) (int, bool) {
	count, err := rl.cache.IncrWithExpiry(ctx, key, rateWindow)
	if err != nil {
		rl.log.Warn("rate limit check failed, allowing request", "key", key, "error", err)
		return rl.perMin, true
	}
	return max(rl.perMin-int(count), 0), count <= int64(rl.perMin)
}

// Limit applies the limit to the API key prefix set by Authenticate.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		remaining, allowed := rl.Allow(r.Context(), cache.RateLimitKey(prefix))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rateWindow).Unix(), 10))

		if !allowed {
			TooManyRequests(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TooManyRequests writes the 429 envelope.
func TooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
	response.Error(w, http.StatusTooManyRequests,
		"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
}
