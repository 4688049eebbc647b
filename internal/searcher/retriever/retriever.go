// Package retriever scores indexed documents against a weighted query with
// Dirichlet-smoothed KL divergence.
package retriever

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/talkware/ucair/internal/indexer/index"
	"github.com/talkware/ucair/internal/valuemap"
)

// Background supplies collection probabilities for smoothing.
type Background interface {
	Prob(termID int) float64
}

type Scored struct {
	DocID int     `json:"doc_id"`
	Score float64 `json:"score"`
}

type Retriever struct {
	bg Background
	mu float64
}

// New builds a retriever with Dirichlet prior mu.
func New(bg Background, mu float64) *Retriever {
	return &Retriever{bg: bg, mu: mu}
}

// Retrieve ranks the documents of idx sharing at least one term with query,
// best first. Equal scores keep ascending doc id order.
func (r *Retriever) Retrieve(idx *index.Index, query valuemap.Map) []Scored {
	var (
		queryLength   float64
		colLikelihood float64
		scores        = make(map[int]float64)
		candidates    = roaring.New()
	)
	for termID, q := range query.All() {
		if q <= 0 {
			continue
		}
		queryLength += q
		p := r.bg.Prob(termID)
		colLikelihood += q * math.Log(p)

		docs, ok := idx.DocList(termID)
		if !ok {
			continue
		}
		for _, d := range docs {
			scores[d.ID] += q * math.Log(1+d.Value/(r.mu*p))
			candidates.Add(uint32(d.ID))
		}
	}
	if queryLength == 0 {
		return nil
	}

	result := make([]Scored, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		docID := int(it.Next())
		s := scores[docID]
		if s <= 0 {
			continue
		}
		score := (s+colLikelihood)/queryLength + math.Log(r.mu/(idx.DocLength(docID)+r.mu))
		result = append(result, Scored{DocID: docID, Score: score})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	return result
}
