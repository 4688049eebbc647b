package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talkware/ucair/internal/history"
	apperrors "github.com/talkware/ucair/pkg/errors"
	"github.com/talkware/ucair/pkg/kafka"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *fakePublisher) published() []kafka.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Event(nil), p.events...)
}

func TestCollectorPublishesKeyedByUser(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, "node-1", 16, nil)
	c.Start(context.Background())

	c.Track("alice", history.Event{ID: "e1", Kind: history.EventClickResult, SearchID: "s1", ResultPos: 1})
	c.Track("bob", history.Event{ID: "e2", Kind: history.EventSearch})
	c.Close()

	got := pub.published()
	if len(got) != 2 {
		t.Fatalf("published %d events, want 2", len(got))
	}
	if got[0].Key != "alice" || got[1].Key != "bob" {
		t.Errorf("keys = %q, %q", got[0].Key, got[1].Key)
	}
	msg, ok := got[0].Value.(EventMessage)
	if !ok || msg.Origin != "node-1" || msg.Event.ID != "e1" {
		t.Errorf("value = %#v", got[0].Value)
	}
}

func TestTrackDropsWhenFull(t *testing.T) {
	c := NewCollector(&fakePublisher{}, "node-1", 2, nil)
	for i := 0; i < 5; i++ {
		c.Track("alice", history.Event{Kind: history.EventSearch})
	}
	if c.BufferLen() != 2 {
		t.Errorf("buffer holds %d events, want 2", c.BufferLen())
	}
}

func TestCollectorDrainsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, "", 16, nil)
	for i := 0; i < 3; i++ {
		c.Track("alice", history.Event{Kind: history.EventSearch})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Start(ctx)
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
	if n := len(pub.published()); n != 3 {
		t.Errorf("published %d events, want 3", n)
	}
}

type fakeRecorder struct {
	calls []string
	err   error
}

func (r *fakeRecorder) RecordEvent(_ context.Context, userID string, ev history.Event) error {
	r.calls = append(r.calls, userID+"/"+ev.ID)
	return r.err
}

func encode(t *testing.T, msg EventMessage) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleMessage(t *testing.T) {
	ev := history.Event{ID: "e1", Kind: history.EventClickResult, SearchID: "s1", ResultPos: 1, Timestamp: time.Now()}
	tests := []struct {
		name      string
		value     []byte
		recErr    error
		wantCalls int
		wantErr   bool
	}{
		{"applied", encode(t, EventMessage{UserID: "alice", Origin: "node-2", Event: ev}), nil, 1, false},
		{"poison", []byte("{not json"), nil, 0, false},
		{"no user", encode(t, EventMessage{Event: ev}), nil, 0, false},
		{"own origin", encode(t, EventMessage{UserID: "alice", Origin: "node-1", Event: ev}), nil, 0, false},
		{"unknown search", encode(t, EventMessage{UserID: "alice", Event: ev}),
			apperrors.Newf(apperrors.ErrSearchNotFound, 404, "search s1"), 1, false},
		{"store failure", encode(t, EventMessage{UserID: "alice", Event: ev}),
			errors.New("disk full"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{err: tt.recErr}
			err := HandleMessage(rec, "node-1", nil)(context.Background(), []byte("alice"), tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(rec.calls) != tt.wantCalls {
				t.Errorf("calls = %v, want %d", rec.calls, tt.wantCalls)
			}
		})
	}
}
