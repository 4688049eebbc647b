package searchmodel

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/indexer/colstats"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/textproc/tokenizer"
	"github.com/talkware/ucair/pkg/config"
	apperrors "github.com/talkware/ucair/pkg/errors"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fixture struct {
	clock *fakeClock
	user  *history.User
	mgr   *Manager
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	clock := &fakeClock{now: base}
	terms := dict.New()
	bg := colstats.Uniform(0.01)
	cfg := config.Default().Engine
	u := history.NewUser("alice", terms, tokenizer.NewCounter(terms), bg, history.Options{
		SearchExpiration:  cfg.SearchExpiration,
		SessionExpiration: cfg.SessionExpiration,
		MinSessionSim:     cfg.MinSessionSim,
		DirPrior:          cfg.DirPrior,
		Now:               clock.Now,
	})
	mgr := NewManager(DefaultGenerators(cfg), bg, Options{Store: store, Seed: 7, Now: clock.Now})
	u.SetModelSource(func(ctx context.Context, rec *history.Record) (map[int]float64, error) {
		m, err := mgr.Model(ctx, u, rec, "single-search")
		if err != nil {
			return nil, err
		}
		return m.Probs, nil
	})
	return &fixture{clock: clock, user: u, mgr: mgr}
}

func (f *fixture) addSearch(t *testing.T, id, query string, created time.Time, titles ...string) *history.Record {
	t.Helper()
	results := make([]history.Result, len(titles))
	for i, title := range titles {
		results[i] = history.Result{Pos: i + 1, Title: title, URL: "http://example.com/" + id}
	}
	rec, err := f.user.AddSearch(history.SearchInput{SearchID: id, Query: query, Created: created, Results: results})
	if err != nil {
		t.Fatalf("AddSearch(%s): %v", id, err)
	}
	return rec
}

func (f *fixture) event(t *testing.T, ev history.Event) {
	t.Helper()
	if err := f.user.AddEvent(ev); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
}

func (f *fixture) term(t *testing.T, word string) int {
	t.Helper()
	counts := f.user.Counter().Count(word, true)
	if len(counts) != 1 {
		t.Fatalf("%q counts as %d terms", word, len(counts))
	}
	for id := range counts {
		return id
	}
	return 0
}

func click(searchID string, pos int, at time.Time) history.Event {
	return history.Event{Kind: history.EventClickResult, SearchID: searchID, ResultPos: pos, Timestamp: at}
}

func sum(m map[int]float64) float64 {
	s := 0.0
	for _, v := range m {
		s += v
	}
	return s
}

func TestModelCacheRegeneratesAfterNewerClick(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := f.addSearch(t, "s1", "apple pie", base, "apple pie recipe", "banana bread")
	f.clock.now = base.Add(5 * time.Minute)

	first, err := f.mgr.Model(ctx, f.user, rec, "single-search")
	if err != nil {
		t.Fatal(err)
	}
	if first.Adaptive {
		t.Error("model without clicks should not be adaptive")
	}
	again, _ := f.mgr.Model(ctx, f.user, rec, "single-search")
	if again != first {
		t.Error("second request should be served from the cache")
	}

	f.event(t, click("s1", 1, base.Add(4*time.Minute)))
	if m, _ := f.mgr.Model(ctx, f.user, rec, "single-search"); m != first {
		t.Error("a click older than the model must not regenerate it")
	}

	f.event(t, click("s1", 2, base.Add(6*time.Minute)))
	f.clock.now = base.Add(7 * time.Minute)
	fresh, err := f.mgr.Model(ctx, f.user, rec, "single-search")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == first || !fresh.Adaptive {
		t.Error("a newer click should regenerate an adaptive model")
	}
	if _, _, regen := f.mgr.Stats(); regen != 2 {
		t.Errorf("regenerations = %d, want 2", regen)
	}

	f.mgr.Invalidate(context.Background(), "s1")
	if m, _ := f.mgr.Model(ctx, f.user, rec, "single-search"); m == fresh {
		t.Error("Invalidate should drop cached models")
	}
}

func TestRocchioWeightsClickedResults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := f.addSearch(t, "s1", "apple", base, "apple pie", "banana bread")
	gen := &Generator{Name: "rocchio", Kind: Rocchio, Weights: Weights{Query: 1, Clicked: 1}}

	m, err := f.mgr.Generate(ctx, f.user, rec, gen)
	if err != nil {
		t.Fatal(err)
	}
	apple, pie := f.term(t, "apple"), f.term(t, "pie")
	if !reflect.DeepEqual(m.Probs, map[int]float64{apple: 1}) || m.Adaptive {
		t.Errorf("before clicks = %v adaptive=%v, want the query alone", m.Probs, m.Adaptive)
	}

	f.event(t, click("s1", 1, base.Add(time.Minute)))
	m, err = f.mgr.Generate(ctx, f.user, rec, gen)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m.Probs[apple]-2.0/3) > 1e-9 || math.Abs(m.Probs[pie]-1.0/3) > 1e-9 {
		t.Errorf("after click = %v", m.Probs)
	}
	if _, ok := m.Probs[f.term(t, "banana")]; ok {
		t.Error("unclicked result with zero weight should not contribute")
	}
	if !m.Adaptive {
		t.Error("clicked model should be adaptive")
	}
}

func TestMixtureFeedbackRemovesBackground(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.addSearch(t, "s1", "apple", base, "apple pie")
	f.event(t, click("s1", 1, base.Add(time.Minute)))
	gen := &Generator{Name: "mix", Kind: MixtureFeedback, Weights: Weights{Query: 1, Clicked: 1}, BgCoeff: 0.9}

	m, err := f.mgr.Generate(context.Background(), f.user, rec, gen)
	if err != nil {
		t.Fatal(err)
	}
	// counts apple=2 pie=1 against a uniform background of 0.01
	lambda := 3 / (1 + 9*0.02)
	want := map[int]float64{
		f.term(t, "apple"): 2/lambda - 0.09,
		f.term(t, "pie"):   1/lambda - 0.09,
	}
	for id, w := range want {
		if math.Abs(m.Probs[id]-w) > 1e-9 {
			t.Errorf("prob[%d] = %v, want %v", id, m.Probs[id], w)
		}
	}
	if math.Abs(sum(m.Probs)-1) > 1e-9 {
		t.Errorf("probabilities sum to %v", sum(m.Probs))
	}
}

func TestRelevanceFeedbackFollowsRatings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := f.addSearch(t, "s1", "fruit", base, "apple pie", "banana bread")
	f.clock.now = base.Add(time.Minute)

	m, err := f.mgr.Model(ctx, f.user, rec, "explicit")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Probs) != 0 || m.Adaptive {
		t.Errorf("unrated model = %v adaptive=%v", m.Probs, m.Adaptive)
	}

	f.event(t, history.Event{Kind: history.EventRateResult, SearchID: "s1", ResultPos: 2, Rating: "Y", Timestamp: base.Add(2 * time.Minute)})
	gen, _ := f.mgr.Generator("explicit")
	if !f.mgr.IsOutdated(rec, gen, m) {
		t.Fatal("a newer rating should outdate the explicit model")
	}
	f.clock.now = base.Add(3 * time.Minute)
	m, err = f.mgr.Model(ctx, f.user, rec, "explicit")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Adaptive || m.Probs[f.term(t, "banana")] == 0 || m.Probs[f.term(t, "apple")] != 0 {
		t.Errorf("rated model = %v adaptive=%v", m.Probs, m.Adaptive)
	}
	if f.mgr.IsOutdated(rec, gen, m) {
		t.Error("freshly generated explicit model reported outdated")
	}
}

func TestBlendFallsBackToShortTerm(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := f.addSearch(t, "s1", "apple pie", base, "apple pie recipe")
	f.clock.now = base.Add(time.Minute)

	short, err := f.mgr.Model(ctx, f.user, rec, "single-search")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"session", "long-term-history"} {
		m, err := f.mgr.Model(ctx, f.user, rec, name)
		if err != nil {
			t.Fatal(err)
		}
		if m.Name != name || !reflect.DeepEqual(m.Probs, short.Probs) || m.Adaptive {
			t.Errorf("%s without history = %+v, want the single-search model", name, m)
		}
	}
}

func TestLongTermLearnsFromClickedNeighbours(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.addSearch(t, "a", "apple pie", base, "apple pie recipe", "apple crumble")
	f.event(t, click("a", 1, base.Add(30*time.Second)))
	b := f.addSearch(t, "b", "apple pie", base.Add(time.Minute), "apple pie shop", "pie charts")
	f.clock.now = base.Add(2 * time.Minute)

	m, err := f.mgr.Model(ctx, f.user, b, "session")
	if err != nil {
		t.Fatal(err)
	}
	if b.SessionID != "a" {
		t.Errorf("b should join a's session, got %q", b.SessionID)
	}
	if !m.Adaptive || len(m.Probs) == 0 {
		t.Fatalf("session model = %+v, want adaptive neighbour model", m)
	}
	neighbour, err := f.user.IndexedModel(ctx, a.SearchID)
	if err != nil {
		t.Fatal(err)
	}
	for id := range m.Probs {
		if _, ok := neighbour[id]; !ok {
			t.Errorf("term %d does not come from the clicked neighbour", id)
		}
	}
	if math.Abs(sum(m.Probs)-1) > 1e-6 {
		t.Errorf("long-term model sums to %v", sum(m.Probs))
	}

	again, err := f.mgr.Generate(ctx, f.user, b, f.mgr.byName["session"])
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Probs) != len(m.Probs) {
		t.Fatalf("regenerated model has %d terms, want %d", len(again.Probs), len(m.Probs))
	}
	for id, p := range m.Probs {
		if math.Abs(again.Probs[id]-p) > 1e-12 {
			t.Errorf("EM restarts should be reproducible: prob[%d] = %v, want %v", id, again.Probs[id], p)
		}
	}
}

func TestNeighborCapCountsSessionNeighbors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addSearch(t, "a", "apple pie", base, "apple pie recipe")
	f.event(t, click("a", 1, base.Add(10*time.Second)))
	f.addSearch(t, "b", "apple pie", base.Add(20*time.Second), "apple pie bakery")
	f.event(t, click("b", 1, base.Add(30*time.Second)))
	c := f.addSearch(t, "c", "apple pie", base.Add(time.Minute), "apple pie shop")
	f.clock.now = base.Add(2 * time.Minute)
	if err := f.user.UpdateSession(ctx, c.SearchID); err != nil {
		t.Fatal(err)
	}
	if c.SessionID != "a" {
		t.Fatalf("c should join a's session, got %q", c.SessionID)
	}

	unlimited, err := f.mgr.neighbors(ctx, f.user, c, map[int]float64{}, LongTermParams{SessionScope: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(unlimited) != 2 {
		t.Fatalf("session neighbours = %d, want 2", len(unlimited))
	}
	capped, err := f.mgr.neighbors(ctx, f.user, c, map[int]float64{}, LongTermParams{MaxNeighbors: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 1 {
		t.Errorf("neighbours with cap 1 = %d, want 1", len(capped))
	}
}

func TestUnknownModel(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.addSearch(t, "s1", "apple", base)
	_, err := f.mgr.Model(context.Background(), f.user, rec, "nope")
	if !errors.Is(err, apperrors.ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}
	want := []string{"query", "pseudo", "explicit", "single-search", "session", "long-term-history"}
	if got := f.mgr.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v", got)
	}
}

func TestModelPanicsWithoutRecord(t *testing.T) {
	f := newFixture(t, nil)
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for a missing record")
		}
	}()
	f.mgr.Model(context.Background(), f.user, nil, "query")
}
