package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/talkware/ucair/internal/api/ratelimit"
)

// RateLimit throttles requests per user. It must wrap handlers registered
// on a pattern with a {user} wildcard; requests without one pass through.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := r.PathValue("user")
			if user == "" || limiter.Allow(user) {
				next.ServeHTTP(w, r)
				return
			}
			retry := int(math.Ceil(limiter.RetryAfter().Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
		})
	}
}
