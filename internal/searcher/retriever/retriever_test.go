package retriever

import (
	"math"
	"testing"

	"github.com/talkware/ucair/internal/indexer/colstats"
	"github.com/talkware/ucair/internal/indexer/index"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/valuemap"
)

func buildIndex(t *testing.T) *index.Index {
	t.Helper()
	x := index.New(dict.New())
	x.AddDocument("doc1", valuemap.FromTree(map[int]float64{1: 2, 2: 1}))
	x.AddDocument("doc2", valuemap.FromTree(map[int]float64{1: 1}))
	x.AddDocument("doc3", valuemap.FromTree(map[int]float64{3: 4}))
	return x
}

func TestRetrieveScoresOverlappingDocs(t *testing.T) {
	x := buildIndex(t)
	r := New(colstats.Uniform(0.5), 1)
	got := r.Retrieve(x, valuemap.FromTree(map[int]float64{1: 1}))
	if len(got) != 2 {
		t.Fatalf("scored %d docs, want 2 (doc3 shares no term): %v", len(got), got)
	}

	want := map[int]float64{
		1: math.Log(5) + math.Log(0.5) + math.Log(1.0/4),
		2: math.Log(3) + math.Log(0.5) + math.Log(1.0/2),
	}
	for _, s := range got {
		if math.Abs(s.Score-want[s.DocID]) > 1e-12 {
			t.Errorf("doc %d score = %v, want %v", s.DocID, s.Score, want[s.DocID])
		}
	}
	if got[0].Score < got[1].Score {
		t.Errorf("results not sorted descending: %v", got)
	}
}

func TestRetrieveLongerOverlapWinsWithLargePrior(t *testing.T) {
	x := buildIndex(t)
	r := New(colstats.Uniform(0.01), 1000)
	got := r.Retrieve(x, valuemap.FromTree(map[int]float64{1: 1}))
	if len(got) != 2 || got[0].DocID != 1 {
		t.Errorf("doc1 should rank first, got %v", got)
	}
}

func TestRetrieveTiesKeepDocOrder(t *testing.T) {
	x := index.New(dict.New())
	for _, name := range []string{"a", "b", "c"} {
		x.AddDocument(name, valuemap.FromTree(map[int]float64{7: 1}))
	}
	got := New(colstats.Uniform(0.1), 2).Retrieve(x, valuemap.FromTree(map[int]float64{7: 2}))
	for i, s := range got {
		if s.DocID != i+1 {
			t.Fatalf("tie order = %v", got)
		}
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	x := buildIndex(t)
	r := New(colstats.Uniform(0.5), 1)
	if got := r.Retrieve(x, valuemap.FromTree(nil)); got != nil {
		t.Errorf("empty query returned %v", got)
	}
	if got := r.Retrieve(x, valuemap.FromTree(map[int]float64{1: 0})); got != nil {
		t.Errorf("zero-weight query returned %v", got)
	}
}
