package searchmodel

import (
	"context"
	"slices"

	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/mixture"
	"github.com/talkware/ucair/internal/valuemap"
)

// longTerm explains the pseudo-feedback model of rec as a mixture of the
// query, the background collection and the indexed models of earlier
// clicked searches, and keeps only the neighbors' share.
func (m *Manager) longTerm(ctx context.Context, user *history.User, rec *history.Record, p LongTermParams) (map[int]float64, bool, error) {
	query, err := m.Model(ctx, user, rec, "query")
	if err != nil {
		return nil, false, err
	}
	pseudo, err := m.Model(ctx, user, rec, "pseudo")
	if err != nil {
		return nil, false, err
	}
	if err := user.UpdateSession(ctx, rec.SearchID); err != nil {
		return nil, false, err
	}
	neighbors, err := m.neighbors(ctx, user, rec, pseudo.Probs, p)
	if err != nil {
		return nil, false, err
	}
	if len(neighbors) == 0 || len(pseudo.Probs) == 0 {
		return map[int]float64{}, false, nil
	}

	support := make([]int, 0, len(pseudo.Probs))
	for id := range pseudo.Probs {
		support = append(support, id)
	}
	slices.Sort(support)

	target := make([]float64, len(support))
	components := make([][]float64, len(neighbors)+2)
	for j := range components {
		components[j] = make([]float64, len(support))
	}
	for i, id := range support {
		target[i] = pseudo.Probs[id]
		components[0][i] = query.Probs[id]
		components[1][i] = m.bg.Prob(id)
		for k, nb := range neighbors {
			components[k+2][i] = nb[id]
		}
	}
	weights := make([]float64, len(components))
	weights[0] = p.QueryPrior
	weights[1] = p.BackgroundPrior

	res, err := mixture.EstimateWeights(ctx, target, components, weights, mixture.WeightOptions{
		MaxTries:      p.MaxEMTries,
		MaxIterations: p.MaxEMIterations,
		Rand:          m.emRand(rec.SearchID),
	})
	if err != nil {
		return nil, false, err
	}
	m.metrics.ObserveEM(res.Iterations)

	probs := make(map[int]float64)
	for k, nb := range neighbors {
		w := weights[k+2]
		for id, v := range nb {
			probs[id] += v * w
		}
	}
	valuemap.Normalize(valuemap.FromTree(probs), false)
	valuemap.TruncateModel(valuemap.FromTree(probs))
	return probs, true, nil
}

// neighbors collects the indexed models of clicked searches related to rec:
// first its session, then, unless p.SessionScope is set, the most similar
// searches of the whole history.
func (m *Manager) neighbors(ctx context.Context, user *history.User, rec *history.Record, pseudo map[int]float64, p LongTermParams) ([]map[int]float64, error) {
	full := func(n int) bool { return p.MaxNeighbors > 0 && n >= p.MaxNeighbors }
	seen := map[string]bool{rec.SearchID: true}
	var out []map[int]float64

	for _, id := range user.Session(rec.SessionID) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if full(len(out)) || !user.MustRecord(id).HasClicks() {
			continue
		}
		model, err := user.IndexedModel(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	if p.SessionScope {
		return out, nil
	}

	scores, err := user.SearchInHistory(ctx, valuemap.FromTree(pseudo))
	if err != nil {
		return nil, err
	}
	for _, s := range scores {
		if full(len(out)) {
			break
		}
		if seen[s.SearchID] {
			continue
		}
		seen[s.SearchID] = true
		if !user.MustRecord(s.SearchID).HasClicks() {
			continue
		}
		model, err := user.IndexedModel(ctx, s.SearchID)
		if err != nil {
			return nil, err
		}
		if valuemap.CosSim(model, pseudo) < p.MinCosSim {
			continue
		}
		out = append(out, model)
	}
	return out, nil
}
