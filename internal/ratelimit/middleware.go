package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request id for the error envelope.
type RequestIDFunc func(r *http.Request) string

// Middleware rejects requests over the limit with 429 and a Retry-After hint:
// the limiter's own delay when it is a Delayer, else retryAfter. A nil
// limiter disables it; limiter errors fail open.
func Middleware(limiter Limiter, prefix string, retryAfter time.Duration, keyFunc KeyFunc, reqID RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = prefix + ":" + key
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				if logger != nil {
					logger.Warn("rate limiter error, allowing request", "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(limiter, key, retryAfter)))
				var id string
				if reqID != nil {
					id = reqID(r)
				}
				writeRateLimitError(w, id)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retrySeconds rounds the wait up to whole seconds, never below one.
func retrySeconds(limiter Limiter, key string, fallback time.Duration) int {
	d := fallback
	if dl, ok := limiter.(Delayer); ok {
		d = dl.Delay(key)
	}
	return max(1, int(math.Ceil(d.Seconds())))
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// IPKeyFunc keys on the client address from RemoteAddr. X-Forwarded-For is
// not trusted; a fronting proxy must rewrite RemoteAddr.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
