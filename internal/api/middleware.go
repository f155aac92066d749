package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"relaygate/internal/ratelimit"
)

// RateLimitMiddleware enforces per-identity rate limits on the launch path.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := getIdentity(r)

			if identity == "" {
				// Anonymous launches are not rate limited per identity.
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(identity) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)

				json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded",
				})
				return
			}

			tokens := limiter.Tokens(identity)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// getIdentity extracts the launch identity from the request.
func getIdentity(r *http.Request) string {
	if opts := r.URL.Query().Get("launchOptions"); opts != "" {
		var payload struct {
			UserID string `json:"userId"`
		}
		if json.Unmarshal([]byte(opts), &payload) == nil && payload.UserID != "" {
			return payload.UserID
		}
	}
	return r.Header.Get("X-User-ID")
}
