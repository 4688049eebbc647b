package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/talkware/ucair/internal/api/ratelimit"
	pkgmw "github.com/talkware/ucair/pkg/middleware"
	"github.com/talkware/ucair/pkg/tracing"
)

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestCORS(t *testing.T) {
	h := CORS(DefaultCORSConfig("http://app.example.com"))(http.HandlerFunc(ok))
	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantHeader string
	}{
		{"no origin", http.MethodGet, "", http.StatusOK, ""},
		{"allowed", http.MethodGet, "http://app.example.com", http.StatusOK, "http://app.example.com"},
		{"preflight", http.MethodOptions, "http://app.example.com", http.StatusNoContent, "http://app.example.com"},
		{"foreign", http.MethodGet, "http://evil.example.com", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/models", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Errorf("allow origin = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}

func TestRateLimitPerUser(t *testing.T) {
	limiter := ratelimit.New(1, time.Hour)
	defer limiter.Stop()
	mux := http.NewServeMux()
	mux.Handle("GET /users/{user}", RateLimit(limiter)(http.HandlerFunc(ok)))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	if rec := get("/users/alice"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := get("/users/alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3600" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec := get("/users/bob"); rec.Code != http.StatusOK {
		t.Errorf("bob was throttled by alice's requests: %d", rec.Code)
	}
}

func TestTraceUsesRequestID(t *testing.T) {
	var span *tracing.Span
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span = tracing.FromContext(r.Context())
		_, child := tracing.StartChild(r.Context(), "engine.model")
		child.End()
	})
	h := pkgmw.RequestID(Trace(-1)(inner))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set(pkgmw.RequestIDHeader, "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if span == nil {
		t.Fatal("no span in request context")
	}
	if span.TraceID != "req-42" || span.Name != "GET /api/v1/models" {
		t.Errorf("span = %q %q", span.TraceID, span.Name)
	}
	if len(span.Children()) != 1 || span.Duration < 0 {
		t.Errorf("children = %d, duration = %v", len(span.Children()), span.Duration)
	}
}
