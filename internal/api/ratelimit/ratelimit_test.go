package ratelimit

import (
	"testing"
	"time"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestAllowRefills(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := newLimiter(2, 2*time.Second, c.Now)

	if !l.Allow("alice") || !l.Allow("alice") {
		t.Fatal("first two requests should pass")
	}
	if l.Allow("alice") {
		t.Fatal("third request within the window should be throttled")
	}
	if !l.Allow("bob") {
		t.Error("other users have their own bucket")
	}

	c.now = c.now.Add(time.Second)
	if !l.Allow("alice") {
		t.Error("half a window refills one token")
	}
	if l.Allow("alice") {
		t.Error("only one token was refilled")
	}
	if got := l.RetryAfter(); got != time.Second {
		t.Errorf("RetryAfter = %v", got)
	}
}

func TestZeroLimitDisables(t *testing.T) {
	l := newLimiter(0, time.Minute, time.Now)
	for range 100 {
		if !l.Allow("alice") {
			t.Fatal("zero limit should never throttle")
		}
	}
}

func TestEvictIdle(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := newLimiter(5, time.Minute, c.Now)
	l.Allow("alice")
	c.now = c.now.Add(90 * time.Second)
	l.Allow("bob")
	c.now = c.now.Add(45 * time.Second)
	l.evictIdle()
	if l.Len() != 1 {
		t.Errorf("%d buckets left, want only bob's", l.Len())
	}
	l.Reset("bob")
	if l.Len() != 0 {
		t.Error("Reset kept the bucket")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(1, time.Minute)
	l.Stop()
	l.Stop()
}
