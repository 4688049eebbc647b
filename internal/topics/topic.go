// Package topics groups a user's whole search history into search topics
// by clustering the searches' indexed models.
package topics

import (
	"cmp"
	"slices"
)

// Topic is a set of related searches representing one interest of a user.
type Topic struct {
	ID      int  `json:"id"`
	Trivial bool `json:"trivial"`
	// Model is the normalized sum of the member searches' indexed models.
	Model map[int]float64 `json:"-"`
	// Searches maps search id to its weight in the topic.
	Searches map[string]float64 `json:"searches"`

	Sessions        map[string]int `json:"sessions"`
	Queries         map[string]int `json:"queries"`
	Clicks          map[string]int `json:"clicks"`
	TotalClickCount int            `json:"total_click_count"`
}

func newTopic(id int) *Topic {
	return &Topic{
		ID:       id,
		Model:    make(map[int]float64),
		Searches: make(map[string]float64),
	}
}

const (
	BySessionCount     = "session count"
	ByTotalQueryCount  = "total query count"
	ByUniqueQueryCount = "unique query count"
	ByTotalClickCount  = "total click count"
	ByUniqueClickCount = "unique click count"
)

// SortingCriteria lists the accepted SortingScore criteria.
func SortingCriteria() []string {
	return []string{BySessionCount, ByTotalQueryCount, ByUniqueQueryCount, ByTotalClickCount, ByUniqueClickCount}
}

// SortingScore ranks the topic under criteria; unknown criteria count
// sessions.
func (t *Topic) SortingScore(criteria string) float64 {
	switch criteria {
	case ByTotalQueryCount:
		return float64(len(t.Searches))
	case ByUniqueQueryCount:
		return float64(len(t.Queries))
	case ByTotalClickCount:
		return float64(t.TotalClickCount)
	case ByUniqueClickCount:
		return float64(len(t.Clicks))
	default:
		return float64(len(t.Sessions))
	}
}

// Sorted orders topics by descending score, then ascending id.
func Sorted(topics map[int]*Topic, criteria string) []*Topic {
	out := make([]*Topic, 0, len(topics))
	for _, t := range topics {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Topic) int {
		if c := cmp.Compare(b.SortingScore(criteria), a.SortingScore(criteria)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
