package history

import (
	"slices"
	"time"

	"github.com/talkware/ucair/internal/indexer/index"
)

// Result is one search result as shown to the user. Positions start at 1.
type Result struct {
	Pos     int    `json:"pos"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	URL     string `json:"url"`
}

// Record is everything known about one search by one user.
type Record struct {
	UserID    string
	SearchID  string
	Query     string
	SessionID string
	Created   time.Time

	// Index holds the result documents, named valuemap.DocName(SearchID, pos).
	Index   *index.Index
	Results []Result
	Events  []Event

	Clicked []int
	Viewed  []int
	Rated   map[int]string

	FromPastHistory bool

	pos, prev, next int
}

// LastEventTime is the time of the latest event on the search, or its
// creation time when nothing happened yet.
func (r *Record) LastEventTime() time.Time {
	if len(r.Events) == 0 {
		return r.Created
	}
	return r.Events[len(r.Events)-1].Timestamp
}

func (r *Record) HasClicks() bool {
	return len(r.Clicked) > 0
}

func (r *Record) IsClicked(pos int) bool {
	return slices.Contains(r.Clicked, pos)
}

func (r *Record) HasRatings() bool {
	return len(r.Rated) > 0
}

// Result returns the result at pos.
func (r *Record) Result(pos int) (Result, bool) {
	i, ok := slices.BinarySearchFunc(r.Results, pos, func(res Result, p int) int {
		return res.Pos - p
	})
	if !ok {
		return Result{}, false
	}
	return r.Results[i], true
}

// LastStartPos is the first position of the most recently viewed page.
func (r *Record) LastStartPos() int {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Kind == EventViewPage {
			return r.Events[i].StartPos
		}
	}
	return 0
}

// EventsAfter reports whether an event of kind happened after t.
func (r *Record) EventsAfter(kind EventKind, t time.Time) bool {
	for i := len(r.Events) - 1; i >= 0; i-- {
		ev := r.Events[i]
		if !ev.Timestamp.After(t) {
			return false
		}
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

// IsRatingPositive reports whether a rating marks a result relevant.
func IsRatingPositive(rating string) bool {
	return rating == "Y" || rating == "y"
}

func appendUnique(list []int, pos int) []int {
	if slices.Contains(list, pos) {
		return list
	}
	return append(list, pos)
}

func (r *Record) apply(ev Event) {
	r.Events = insertByTimestamp(r.Events, ev)
	switch ev.Kind {
	case EventClickResult:
		r.Clicked = appendUnique(r.Clicked, ev.ResultPos)
		r.markViewedThrough(ev.ResultPos)
	case EventRateResult:
		if ev.Rating == "" {
			delete(r.Rated, ev.ResultPos)
		} else {
			r.Rated[ev.ResultPos] = ev.Rating
		}
		r.markViewedThrough(ev.ResultPos)
	case EventViewPage:
		for pos := ev.StartPos; pos < ev.StartPos+ev.ResultCount; pos++ {
			if _, ok := r.Result(pos); ok {
				r.Viewed = appendUnique(r.Viewed, pos)
			}
		}
	}
}

// markViewedThrough marks every result up to and including pos as viewed.
func (r *Record) markViewedThrough(pos int) {
	for _, res := range r.Results {
		if res.Pos > pos {
			break
		}
		r.Viewed = appendUnique(r.Viewed, res.Pos)
	}
}
