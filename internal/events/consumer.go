package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talkware/ucair/internal/history"
	apperrors "github.com/talkware/ucair/pkg/errors"
	"github.com/talkware/ucair/pkg/kafka"
	"github.com/talkware/ucair/pkg/metrics"
)

// Recorder applies events to user histories.
type Recorder interface {
	RecordEvent(ctx context.Context, userID string, ev history.Event) error
}

// HandleMessage returns a Kafka MessageHandler that applies user events to
// rec. Messages published by origin are skipped since that instance
// applied them already.
func HandleMessage(rec Recorder, origin string, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "event-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		msg, err := kafka.DecodeJSON[EventMessage](value)
		if err != nil {
			logger.Error("failed to decode user event", "error", err, "key", string(key))
			return nil
		}
		if msg.UserID == "" {
			logger.Error("user event without user id", "key", string(key), "event_id", msg.Event.ID)
			return nil
		}
		if origin != "" && msg.Origin == origin {
			return nil
		}

		err = rec.RecordEvent(ctx, msg.UserID, msg.Event)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrSearchNotFound),
			errors.Is(err, apperrors.ErrInvalidEvent),
			errors.Is(err, apperrors.ErrInvalidInput):
			logger.Warn("skipping user event",
				"user_id", msg.UserID,
				"event_id", msg.Event.ID,
				"error", err,
			)
			return nil
		default:
			return fmt.Errorf("applying event %s of %s: %w", msg.Event.ID, msg.UserID, err)
		}

		m.EventConsumed(string(msg.Event.Kind))
		logger.Debug("user event applied",
			"user_id", msg.UserID,
			"event_id", msg.Event.ID,
			"kind", msg.Event.Kind,
		)
		return nil
	}
}
