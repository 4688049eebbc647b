package history

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/talkware/ucair/internal/indexer/colstats"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/textproc/tokenizer"
	"github.com/talkware/ucair/internal/valuemap"
	apperrors "github.com/talkware/ucair/pkg/errors"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestUser(t *testing.T, clock *fakeClock) *User {
	t.Helper()
	terms := dict.New()
	return NewUser("alice", terms, tokenizer.NewCounter(terms), colstats.Uniform(0.001), Options{
		SearchExpiration:  30 * time.Minute,
		SessionExpiration: 30 * time.Minute,
		MinSessionSim:     0.2,
		DirPrior:          1,
		Now:               clock.Now,
	})
}

func mustAdd(t *testing.T, u *User, id, query string, created time.Time) *Record {
	t.Helper()
	rec, err := u.AddSearch(SearchInput{
		SearchID: id,
		Query:    query,
		Created:  created,
		Results: []Result{
			{Pos: 2, Title: query + " two", URL: "http://example.com/2"},
			{Pos: 1, Title: query + " one", URL: "http://example.com/1"},
		},
	})
	if err != nil {
		t.Fatalf("AddSearch(%s): %v", id, err)
	}
	return rec
}

func TestAddSearchLinksAndIndexes(t *testing.T) {
	u := newTestUser(t, &fakeClock{now: base})
	a := mustAdd(t, u, "a1", "apple pie", base)
	b := mustAdd(t, u, "b2", "banana bread", base.Add(time.Minute))

	if u.Next(a) != b || u.Prev(b) != a || u.Prev(a) != nil || u.Next(b) != nil {
		t.Error("records are not linked in creation order")
	}
	if a.SessionID != "a1" {
		t.Errorf("session id defaults to search id, got %q", a.SessionID)
	}
	if a.Results[0].Pos != 1 {
		t.Errorf("results should be sorted by position: %+v", a.Results)
	}
	if a.Index.DocCount() != 2 || a.Index.DocID(valuemap.DocName("a1", 2)) == 0 {
		t.Error("results were not indexed under their doc names")
	}

	if _, err := u.AddSearch(SearchInput{SearchID: "a1", Query: "again"}); !errors.Is(err, apperrors.ErrDuplicateSearch) {
		t.Errorf("duplicate search err = %v", err)
	}
	if _, err := u.AddSearch(SearchInput{SearchID: "bad_id", Query: "x"}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("underscore id err = %v", err)
	}
}

func TestAddEventUpdatesRecord(t *testing.T) {
	u := newTestUser(t, &fakeClock{now: base})
	rec := mustAdd(t, u, "s1", "apple pie", base)

	if rec.LastEventTime() != base {
		t.Errorf("LastEventTime without events = %v, want creation time", rec.LastEventTime())
	}

	click := Event{ID: "e1", Kind: EventClickResult, SearchID: "s1", ResultPos: 2, Timestamp: base.Add(2 * time.Minute)}
	for range 2 {
		if err := u.AddEvent(click); err != nil {
			t.Fatal(err)
		}
	}
	if !reflect.DeepEqual(rec.Clicked, []int{2}) {
		t.Errorf("Clicked = %v", rec.Clicked)
	}
	if !reflect.DeepEqual(rec.Viewed, []int{1, 2}) {
		t.Errorf("Viewed = %v", rec.Viewed)
	}

	early := Event{ID: "e0", Kind: EventRateResult, SearchID: "s1", ResultPos: 1, Rating: "Y", Timestamp: base.Add(time.Minute)}
	if err := u.AddEvent(early); err != nil {
		t.Fatal(err)
	}
	if rec.Events[0].ID != "e0" || rec.LastEventTime() != base.Add(2*time.Minute) {
		t.Error("events should be ordered by timestamp")
	}
	if rec.Rated[1] != "Y" {
		t.Errorf("Rated = %v", rec.Rated)
	}
	if !rec.EventsAfter(EventClickResult, base.Add(90*time.Second)) || rec.EventsAfter(EventRateResult, base.Add(90*time.Second)) {
		t.Error("EventsAfter reports wrong kinds")
	}

	unrate := Event{ID: "e3", Kind: EventRateResult, SearchID: "s1", ResultPos: 1, Timestamp: base.Add(3 * time.Minute)}
	if err := u.AddEvent(unrate); err != nil {
		t.Fatal(err)
	}
	if rec.HasRatings() {
		t.Error("empty rating should remove the rating")
	}

	err := u.AddEvent(Event{Kind: EventClickResult, SearchID: "nope", ResultPos: 1, Timestamp: base})
	if !errors.Is(err, apperrors.ErrSearchNotFound) {
		t.Errorf("unknown search err = %v", err)
	}
	err = u.AddEvent(Event{Kind: "scroll", Timestamp: base})
	if !errors.Is(err, apperrors.ErrInvalidEvent) {
		t.Errorf("unknown kind err = %v", err)
	}
}

func TestIsExpired(t *testing.T) {
	u := newTestUser(t, &fakeClock{now: base})
	mustAdd(t, u, "s1", "apple", base)
	if u.IsExpired("s1", base.Add(29*time.Minute)) {
		t.Error("search expired too early")
	}
	if !u.IsExpired("s1", base.Add(30*time.Minute)) {
		t.Error("search should expire after SearchExpiration")
	}
	if _, err := u.AddSearch(SearchInput{SearchID: "old", Query: "x", Created: base, FromPastHistory: true}); err != nil {
		t.Fatal(err)
	}
	if !u.IsExpired("old", base) {
		t.Error("past-history searches are always expired")
	}
	if u.IsExpired("missing", base) {
		t.Error("unknown searches are not expired")
	}
}

func TestUpdateSessionJoinsSimilarNeighbours(t *testing.T) {
	clock := &fakeClock{now: base.Add(3 * time.Minute)}
	u := newTestUser(t, clock)
	mustAdd(t, u, "a", "apple pie recipe", base)
	mustAdd(t, u, "b", "apple pie baking", base.Add(time.Minute))
	mustAdd(t, u, "c", "car insurance quote", base.Add(2*time.Minute))

	if err := u.UpdateSession(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	if got := u.Record("b").SessionID; got != "a" {
		t.Errorf("b joined session %q, want a", got)
	}
	if got := u.Record("c").SessionID; got != "c" {
		t.Errorf("unrelated search moved to session %q", got)
	}
	if got := u.Session("a"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Session(a) = %v", got)
	}
	if got := u.TimeBasedSession("b"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("TimeBasedSession(b) = %v", got)
	}
}

func TestSearchInHistory(t *testing.T) {
	clock := &fakeClock{now: base.Add(3 * time.Minute)}
	u := newTestUser(t, clock)
	mustAdd(t, u, "a", "apple pie recipe", base)
	mustAdd(t, u, "b", "apple", base.Add(time.Minute))
	mustAdd(t, u, "c", "car insurance", base.Add(2*time.Minute))

	query := u.Counter().Count("apple", false)
	scores, err := u.SearchInHistory(context.Background(), valuemap.FromTree(query))
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 2 {
		t.Fatalf("scores = %v, want a and b", scores)
	}
	if scores[0].SearchID != "b" {
		t.Errorf("the pure apple search should rank first: %v", scores)
	}
}

func TestExpiredSearchesMoveToLongTermOnce(t *testing.T) {
	clock := &fakeClock{now: base}
	u := newTestUser(t, clock)
	mustAdd(t, u, "a", "apple pie", base)

	calls := 0
	u.SetModelSource(func(_ context.Context, rec *Record) (map[int]float64, error) {
		calls++
		return u.Counter().Count(rec.Query, true), nil
	})
	ctx := context.Background()
	if err := u.UpdateSearchIndices(ctx, false); err != nil {
		t.Fatal(err)
	}
	if u.shortTerm.DocID("a") == 0 {
		t.Fatal("active search should be in the short-term index")
	}

	clock.now = base.Add(time.Hour)
	for range 2 {
		if err := u.UpdateSearchIndices(ctx, true); err != nil {
			t.Fatal(err)
		}
	}
	if u.longTerm.DocID("a") == 0 || u.shortTerm.DocID("a") != 0 {
		t.Error("expired search should live only in the long-term index")
	}
	if calls != 2 {
		t.Errorf("model computed %d times, want 2 (once active, once on expiry)", calls)
	}
	model, err := u.IndexedModel(ctx, "a")
	if err != nil || len(model) != 2 {
		t.Errorf("IndexedModel = %v, %v", model, err)
	}
}
