// Package router wires the API routes and applies the middleware chain.
package router

import (
	"net/http"
	"time"

	"github.com/talkware/ucair/internal/api/handler"
	apimw "github.com/talkware/ucair/internal/api/middleware"
	"github.com/talkware/ucair/internal/api/ratelimit"
	"github.com/talkware/ucair/pkg/health"
	"github.com/talkware/ucair/pkg/metrics"
	pkgmw "github.com/talkware/ucair/pkg/middleware"
)

type Options struct {
	Health  *health.Checker
	Metrics *metrics.Metrics
	Limiter *ratelimit.Limiter
	CORS    apimw.CORSConfig
	// Timeout bounds every API request; zero disables it.
	Timeout time.Duration
	// SlowRequest is passed to the Trace middleware.
	SlowRequest time.Duration
}

// New builds the API handler.
//
// Route table:
//
//	POST /api/v1/users/{user}/searches
//	POST /api/v1/users/{user}/events
//	GET  /api/v1/users/{user}/searches/{search}/models/{model}
//	GET  /api/v1/users/{user}/searches/{search}/rerank?model=
//	GET  /api/v1/users/{user}/topics?refresh=&sort=
//	GET  /api/v1/users/{user}/history?q=&limit=
//	GET  /api/v1/models
//	GET  /api/v1/cache/stats
//	GET  /health/live, /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → Trace → Metrics → CORS → Timeout → mux → RateLimit (per user)
func New(h *handler.Handler, opts Options) http.Handler {
	mux := http.NewServeMux()
	perUser := apimw.RateLimit(opts.Limiter)
	user := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, perUser(fn))
	}

	if opts.Health != nil {
		mux.HandleFunc("GET /health/live", opts.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", opts.Health.ReadyHandler())
	}

	user("POST /api/v1/users/{user}/searches", h.RecordSearch)
	user("POST /api/v1/users/{user}/events", h.RecordEvent)
	user("GET /api/v1/users/{user}/searches/{search}/models/{model}", h.Model)
	user("GET /api/v1/users/{user}/searches/{search}/rerank", h.Rerank)
	user("GET /api/v1/users/{user}/topics", h.Topics)
	user("GET /api/v1/users/{user}/history", h.History)

	mux.HandleFunc("GET /api/v1/models", h.Models)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)

	var chain http.Handler = mux
	chain = pkgmw.Timeout(opts.Timeout)(chain)
	chain = apimw.CORS(opts.CORS)(chain)
	chain = pkgmw.Metrics(opts.Metrics)(chain)
	chain = apimw.Trace(opts.SlowRequest)(chain)
	chain = pkgmw.RequestID(chain)
	return chain
}
