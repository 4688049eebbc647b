package history

import (
	"net/http"
	"slices"
	"time"

	apperrors "github.com/talkware/ucair/pkg/errors"
)

type EventKind string

const (
	EventSearch      EventKind = "search"
	EventViewPage    EventKind = "view_page"
	EventClickResult EventKind = "click_result"
	EventRateResult  EventKind = "rate_result"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventSearch, EventViewPage, EventClickResult, EventRateResult:
		return true
	}
	return false
}

// Event is one user action. Kind-specific fields are zero for other kinds.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	SearchID  string    `json:"search_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// click_result and rate_result
	ResultPos int    `json:"result_pos,omitempty"`
	URL       string `json:"url,omitempty"`
	Rating    string `json:"rating,omitempty"`

	// view_page
	StartPos    int    `json:"start_pos,omitempty"`
	ResultCount int    `json:"result_count,omitempty"`
	ViewID      string `json:"view_id,omitempty"`
}

func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return apperrors.Newf(apperrors.ErrInvalidEvent, http.StatusBadRequest, "unknown event kind %q", e.Kind)
	}
	if e.Timestamp.IsZero() {
		return apperrors.New(apperrors.ErrInvalidEvent, http.StatusBadRequest, "timestamp is required")
	}
	switch e.Kind {
	case EventClickResult, EventRateResult:
		if e.SearchID == "" {
			return apperrors.Newf(apperrors.ErrInvalidEvent, http.StatusBadRequest, "%s needs a search id", e.Kind)
		}
		if e.ResultPos < 1 {
			return apperrors.Newf(apperrors.ErrInvalidEvent, http.StatusBadRequest, "result position %d out of range", e.ResultPos)
		}
	case EventViewPage:
		if e.SearchID == "" {
			return apperrors.New(apperrors.ErrInvalidEvent, http.StatusBadRequest, "view_page needs a search id")
		}
		if e.StartPos < 0 || e.ResultCount < 0 {
			return apperrors.New(apperrors.ErrInvalidEvent, http.StatusBadRequest, "negative page range")
		}
	}
	return nil
}

// insertByTimestamp keeps events ordered by time; equal timestamps keep
// arrival order.
func insertByTimestamp(events []Event, ev Event) []Event {
	i := len(events)
	for i > 0 && events[i-1].Timestamp.After(ev.Timestamp) {
		i--
	}
	return slices.Insert(events, i, ev)
}
