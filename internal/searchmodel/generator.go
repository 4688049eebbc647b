// Package searchmodel turns a search record and the user's history into
// term-probability models used to rerank results. Generators are plain
// values dispatched on their Kind; a Manager caches what they produce.
package searchmodel

import (
	"time"

	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/indexer/index"
	"github.com/talkware/ucair/internal/valuemap"
	"github.com/talkware/ucair/pkg/config"
)

// Model is a generated term-probability model of one search.
type Model struct {
	Name        string
	Description string
	Probs       map[int]float64
	// Adaptive is set only when the model carries user signal beyond the
	// query itself.
	Adaptive  bool
	Timestamp time.Time
}

type Kind int

const (
	QueryMLE Kind = iota
	Rocchio
	MixtureFeedback
	RelevanceFeedback
	LongTerm
	Blend
)

func (k Kind) String() string {
	switch k {
	case QueryMLE:
		return "query-mle"
	case Rocchio:
		return "rocchio"
	case MixtureFeedback:
		return "mixture-feedback"
	case RelevanceFeedback:
		return "relevance-feedback"
	case LongTerm:
		return "long-term"
	case Blend:
		return "blend"
	default:
		return "unknown"
	}
}

// Weights scale the term sources of click-based models. A weight <= 0
// leaves that source out.
type Weights struct {
	Query     float64
	Clicked   float64
	Unclicked float64
	// Pseudo pulls in result terms even before anything is clicked.
	Pseudo bool
}

type LongTermParams struct {
	MinCosSim       float64
	MaxNeighbors    int
	QueryPrior      float64
	BackgroundPrior float64
	MaxEMTries      int
	MaxEMIterations int
	// SessionScope restricts neighbors to the current session.
	SessionScope bool
}

// Generator describes how one named model is produced. Only the fields of
// its Kind are read.
type Generator struct {
	Name        string
	Description string
	Kind        Kind

	Weights  Weights        // Rocchio, MixtureFeedback
	BgCoeff  float64        // MixtureFeedback, RelevanceFeedback
	LongTerm LongTermParams // LongTerm

	// Blend
	Long       *Generator
	Short      *Generator
	ClickPrior float64
}

// DefaultGenerators builds the registered models in listing order.
func DefaultGenerators(cfg config.EngineConfig) []*Generator {
	lt := cfg.LongTerm
	longTerm := LongTermParams{
		MinCosSim:       lt.MinCosSim,
		MaxNeighbors:    lt.MaxNeighbors,
		QueryPrior:      lt.QueryPrior,
		BackgroundPrior: lt.BackgroundPrior,
		MaxEMTries:      lt.MaxEMTries,
		MaxEMIterations: lt.MaxEMIterations,
	}
	sessionScoped := longTerm
	sessionScoped.SessionScope = true

	singleSearch := &Generator{
		Name:        "single-search",
		Description: "implicit feedback (single search)",
		Kind:        MixtureFeedback,
		Weights: Weights{
			Query:     cfg.QueryTermWeight,
			Clicked:   cfg.ClickedResultTermWeight,
			Unclicked: cfg.UnclickedResultTermWeight,
		},
		BgCoeff: cfg.FeedbackBgCoeff,
	}
	return []*Generator{
		{Name: "query", Description: "Query MLE", Kind: QueryMLE},
		{
			Name:        "pseudo",
			Description: "pseudo feedback",
			Kind:        MixtureFeedback,
			Weights: Weights{
				Query:     cfg.QueryTermWeight,
				Unclicked: cfg.UnclickedResultTermWeight,
				Pseudo:    true,
			},
			BgCoeff: cfg.FeedbackBgCoeff,
		},
		{Name: "explicit", Description: "explicit feedback", Kind: RelevanceFeedback, BgCoeff: cfg.FeedbackBgCoeff},
		singleSearch,
		{
			Name:        "session",
			Description: "implicit feedback (session)",
			Kind:        Blend,
			Long:        &Generator{Name: "session-long-term", Kind: LongTerm, LongTerm: sessionScoped},
			Short:       singleSearch,
			ClickPrior:  lt.ClickPrior,
		},
		{
			Name:        "long-term-history",
			Description: "implicit feedback (long-term history)",
			Kind:        Blend,
			Long:        &Generator{Name: "history-long-term", Kind: LongTerm, LongTerm: longTerm},
			Short:       singleSearch,
			ClickPrior:  lt.ClickPrior,
		},
	}
}

// countTermsWeighted sums the query terms and the terms of result documents,
// each scaled by its source weight. Result documents are read only once
// something was clicked or w.Pseudo is set.
func countTermsWeighted(rec *history.Record, w Weights, counter index.TermCounter) map[int]float64 {
	counts := make(map[int]float64)
	if w.Query > 0 {
		for id, c := range counter.Count(rec.Query, true) {
			counts[id] += c * w.Query
		}
	}
	if !rec.HasClicks() && !w.Pseudo {
		return counts
	}
	for _, res := range rec.Results {
		weight := w.Unclicked
		if rec.IsClicked(res.Pos) {
			weight = w.Clicked
		}
		if weight <= 0 {
			continue
		}
		docID := rec.Index.DocID(valuemap.DocName(rec.SearchID, res.Pos))
		if docID == 0 {
			continue
		}
		for _, p := range rec.Index.TermList(docID) {
			counts[p.ID] += p.Value * weight
		}
	}
	return counts
}

// positiveResultCounts sums the terms of results rated positively.
func positiveResultCounts(rec *history.Record) map[int]float64 {
	counts := make(map[int]float64)
	for pos, rating := range rec.Rated {
		if !history.IsRatingPositive(rating) {
			continue
		}
		docID := rec.Index.DocID(valuemap.DocName(rec.SearchID, pos))
		if docID == 0 {
			continue
		}
		for _, p := range rec.Index.TermList(docID) {
			counts[p.ID] += p.Value
		}
	}
	return counts
}
