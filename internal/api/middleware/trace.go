package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/talkware/ucair/pkg/logger"
	"github.com/talkware/ucair/pkg/tracing"
)

// Trace opens a root span per request, keyed by the request id, and logs
// the span tree of requests slower than slow.
func Trace(slow time.Duration) func(http.Handler) http.Handler {
	log := slog.Default().With("component", "trace")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.Start(r.Context(), r.Method+" "+r.URL.Path, logger.RequestID(r.Context()))
			next.ServeHTTP(w, r.WithContext(ctx))
			span.End()
			span.LogIfSlower(log, slow)
		})
	}
}
