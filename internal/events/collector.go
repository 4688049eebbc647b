// Package events streams user events through Kafka so that every engine
// instance sharing the topic sees the same histories.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/pkg/kafka"
	"github.com/talkware/ucair/pkg/metrics"
)

// EventMessage is the value published for each event. Origin names the
// instance that already applied it.
type EventMessage struct {
	UserID string        `json:"user_id"`
	Origin string        `json:"origin,omitempty"`
	Event  history.Event `json:"event"`
}

// Collector publishes tracked events in the background.
type Collector struct {
	publisher kafka.Publisher
	origin    string
	batchSize int
	eventCh   chan EventMessage
	metrics   *metrics.Metrics
	logger    *slog.Logger
	done      chan struct{}
}

func NewCollector(publisher kafka.Publisher, origin string, bufferSize int, m *metrics.Metrics) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		publisher: publisher,
		origin:    origin,
		batchSize: 100,
		eventCh:   make(chan EventMessage, bufferSize),
		metrics:   m,
		logger:    slog.Default().With("component", "event-collector"),
		done:      make(chan struct{}),
	}
}

// Start runs the publish loop until ctx is cancelled or Close is called.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case msg, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, c.batch(msg))
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("event collector started", "buffer_size", cap(c.eventCh), "origin", c.origin)
}

// Track queues an event for publishing. It never blocks: when the buffer is
// full the event is dropped.
func (c *Collector) Track(userID string, ev history.Event) {
	select {
	case c.eventCh <- EventMessage{UserID: userID, Origin: c.origin, Event: ev}:
	default:
		c.metrics.EventDropped()
		c.logger.Warn("user event dropped (buffer full)", "user_id", userID, "event_id", ev.ID)
	}
}

// Close stops accepting events and waits for the queued ones to be sent.
func (c *Collector) Close() {
	close(c.eventCh)
	<-c.done
}

// BufferLen returns the number of queued events.
func (c *Collector) BufferLen() int {
	return len(c.eventCh)
}

// batch adds whatever else is already queued, up to batchSize.
func (c *Collector) batch(first EventMessage) []kafka.Event {
	out := []kafka.Event{{Key: first.UserID, Value: first}}
	for len(out) < c.batchSize {
		select {
		case msg, ok := <-c.eventCh:
			if !ok {
				return out
			}
			out = append(out, kafka.Event{Key: msg.UserID, Value: msg})
		default:
			return out
		}
	}
	return out
}

func (c *Collector) publish(ctx context.Context, batch []kafka.Event) {
	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("failed to publish user events", "count", len(batch), "error", err)
		return
	}
	c.logger.Debug("user events published", "count", len(batch))
}

func (c *Collector) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(ctx, c.batch(msg))
		default:
			return
		}
	}
}
