package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("history", Ping(func(context.Context) error { return nil }, true))
	c.Register("redis", Ping(func(context.Context) error { return errors.New("refused") }, false))

	report := c.Run(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %v, want degraded", report.Status)
	}
	if report.Components["redis"].Message != "refused" {
		t.Errorf("redis message = %q", report.Components["redis"].Message)
	}

	c.Register("postgres", Ping(func(context.Context) error { return errors.New("down") }, true))
	if got := c.Run(context.Background()).Status; got != StatusDown {
		t.Errorf("status = %v, want down", got)
	}
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("history", Ping(func(context.Context) error { return errors.New("locked") }, true))
	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
