package searchmodel

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/mixture"
	"github.com/talkware/ucair/internal/searcher/retriever"
	"github.com/talkware/ucair/internal/valuemap"
	apperrors "github.com/talkware/ucair/pkg/errors"
	"github.com/talkware/ucair/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	// Store persists generated models. Nil keeps them in memory only.
	Store   Store
	Metrics *metrics.Metrics
	// Seed makes EM restarts reproducible per search.
	Seed uint64
	Now  func() time.Time
}

type cacheKey struct {
	user   string
	search string
	name   string
}

func (k cacheKey) String() string {
	return k.user + "\x00" + k.search + "\x00" + k.name
}

// Manager generates models by name and caches them per search. Cached
// models are shared; callers must not modify them.
type Manager struct {
	generators []*Generator
	byName     map[string]*Generator
	bg         retriever.Background
	store      Store
	metrics    *metrics.Metrics
	seed       uint64
	now        func() time.Time
	logger     *slog.Logger

	mu            sync.Mutex
	cache         map[cacheKey]*Model
	group         singleflight.Group
	hits          atomic.Int64
	misses        atomic.Int64
	regenerations atomic.Int64
}

func NewManager(generators []*Generator, bg retriever.Background, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	byName := make(map[string]*Generator, len(generators))
	for _, g := range generators {
		byName[g.Name] = g
	}
	return &Manager{
		generators: generators,
		byName:     byName,
		bg:         bg,
		store:      opts.Store,
		metrics:    opts.Metrics,
		seed:       opts.Seed,
		now:        opts.Now,
		logger:     slog.Default().With("component", "model-manager"),
		cache:      make(map[cacheKey]*Model),
	}
}

// Names lists the registered models in registration order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.generators))
	for i, g := range m.generators {
		names[i] = g.Name
	}
	return names
}

func (m *Manager) Generator(name string) (*Generator, bool) {
	g, ok := m.byName[name]
	return g, ok
}

// Model returns the named model of rec, regenerating it when nothing is
// cached or the cached copy is outdated.
func (m *Manager) Model(ctx context.Context, user *history.User, rec *history.Record, name string) (*Model, error) {
	gen, ok := m.byName[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownModel, http.StatusNotFound, "%q", name)
	}
	if rec == nil || rec.Index == nil {
		panic(fmt.Sprintf("searchmodel: model %q requested without a search record", name))
	}
	key := cacheKey{user: user.ID, search: rec.SearchID, name: name}
	if model := m.fresh(key, rec, gen); model != nil {
		m.hits.Add(1)
		m.metrics.CacheHit()
		return model, nil
	}
	m.misses.Add(1)
	m.metrics.CacheMiss()

	val, err, _ := m.group.Do(key.String(), func() (any, error) {
		if model := m.fresh(key, rec, gen); model != nil {
			return model, nil
		}
		if model := m.loadStored(ctx, user, rec, gen); model != nil {
			m.put(key, model)
			return model, nil
		}
		model, err := m.Generate(ctx, user, rec, gen)
		if err != nil {
			return nil, err
		}
		m.regenerations.Add(1)
		m.put(key, model)
		m.save(ctx, user, rec, model)
		return model, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*Model), nil
}

func (m *Manager) fresh(key cacheKey, rec *history.Record, gen *Generator) *Model {
	m.mu.Lock()
	model := m.cache[key]
	m.mu.Unlock()
	if model == nil || m.IsOutdated(rec, gen, model) {
		return nil
	}
	return model
}

func (m *Manager) put(key cacheKey, model *Model) {
	m.mu.Lock()
	m.cache[key] = model
	m.mu.Unlock()
}

// Invalidate drops every cached and stored model of searchID. A stored
// model is otherwise reloaded as long as no event postdates it, which
// loses events that arrive with an earlier timestamp.
func (m *Manager) Invalidate(ctx context.Context, searchID string) {
	m.mu.Lock()
	for key := range m.cache {
		if key.search == searchID {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()
	if m.store == nil {
		return
	}
	if err := m.store.Invalidate(ctx, searchID); err != nil {
		m.metrics.StoreError("invalidate")
		m.logger.Error("model store invalidate failed", "search_id", searchID, "error", err)
	}
}

// Stats returns cache hits, misses and regenerations since start.
func (m *Manager) Stats() (hits, misses, regenerations int64) {
	return m.hits.Load(), m.misses.Load(), m.regenerations.Load()
}

// IsOutdated reports whether events newer than model change what gen would
// produce for rec.
func (m *Manager) IsOutdated(rec *history.Record, gen *Generator, model *Model) bool {
	switch gen.Kind {
	case Rocchio, MixtureFeedback:
		return rec.EventsAfter(history.EventClickResult, model.Timestamp)
	case RelevanceFeedback:
		return rec.EventsAfter(history.EventRateResult, model.Timestamp)
	case Blend:
		return m.IsOutdated(rec, gen.Long, model) || m.IsOutdated(rec, gen.Short, model)
	default:
		return false
	}
}

// Generate builds a fresh model of rec, bypassing the cache for gen itself.
func (m *Manager) Generate(ctx context.Context, user *history.User, rec *history.Record, gen *Generator) (*Model, error) {
	start := time.Now()
	probs, adaptive, err := m.generate(ctx, user, rec, gen)
	if err != nil {
		return nil, fmt.Errorf("generating %s model of search %s: %w", gen.Name, rec.SearchID, err)
	}
	m.metrics.ObserveGeneration(gen.Name, adaptive, time.Since(start))
	m.logger.Debug("generated search model",
		"model", gen.Name,
		"search_id", rec.SearchID,
		"terms", len(probs),
		"adaptive", adaptive,
	)
	return &Model{
		Name:        gen.Name,
		Description: gen.Description,
		Probs:       probs,
		Adaptive:    adaptive,
		Timestamp:   m.now(),
	}, nil
}

func (m *Manager) generate(ctx context.Context, user *history.User, rec *history.Record, gen *Generator) (map[int]float64, bool, error) {
	switch gen.Kind {
	case QueryMLE:
		probs := user.Counter().Count(rec.Query, true)
		valuemap.Normalize(valuemap.FromTree(probs), false)
		valuemap.TruncateModel(valuemap.FromTree(probs))
		return probs, false, nil

	case Rocchio:
		probs := countTermsWeighted(rec, gen.Weights, user.Counter())
		valuemap.Normalize(valuemap.FromTree(probs), false)
		valuemap.TruncateModel(valuemap.FromTree(probs))
		return probs, gen.Weights.Clicked > 0 && rec.HasClicks(), nil

	case MixtureFeedback:
		counts := countTermsWeighted(rec, gen.Weights, user.Counter())
		return m.feedback(counts, gen.BgCoeff), gen.Weights.Clicked > 0 && rec.HasClicks(), nil

	case RelevanceFeedback:
		return m.feedback(positiveResultCounts(rec), gen.BgCoeff), rec.HasRatings(), nil

	case LongTerm:
		return m.longTerm(ctx, user, rec, gen.LongTerm)

	case Blend:
		return m.blend(ctx, user, rec, gen)

	default:
		return nil, false, fmt.Errorf("unknown generator kind %v", gen.Kind)
	}
}

// feedback removes the background share from counts and keeps the
// topical part.
func (m *Manager) feedback(counts map[int]float64, bgCoeff float64) map[int]float64 {
	ids := make([]int, 0, len(counts))
	for id, c := range counts {
		if c > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	values := make([]mixture.Component, len(ids))
	for i, id := range ids {
		values[i] = mixture.Component{F: counts[id], P: m.bg.Prob(id)}
	}
	mixture.Estimate(values, bgCoeff)

	probs := make(map[int]float64)
	for i, v := range values {
		if v.Q > 0 {
			probs[ids[i]] = v.Q
		}
	}
	valuemap.TruncateModel(valuemap.FromTree(probs))
	return probs
}

func (m *Manager) blend(ctx context.Context, user *history.User, rec *history.Record, gen *Generator) (map[int]float64, bool, error) {
	long, longAdaptive, err := m.generate(ctx, user, rec, gen.Long)
	if err != nil {
		return nil, false, err
	}
	short, shortAdaptive, err := m.generate(ctx, user, rec, gen.Short)
	if err != nil {
		return nil, false, err
	}
	switch {
	case len(long) == 0 || gen.ClickPrior == 0:
		return short, shortAdaptive, nil
	case len(short) == 0 || !rec.HasClicks():
		return long, longAdaptive, nil
	}

	clicks := float64(len(rec.Clicked))
	probs := make(map[int]float64, len(long)+len(short))
	for id, v := range long {
		probs[id] += v * gen.ClickPrior
	}
	for id, v := range short {
		probs[id] += v * clicks
	}
	valuemap.Normalize(valuemap.FromTree(probs), false)
	valuemap.TruncateModel(valuemap.FromTree(probs))
	return probs, longAdaptive || shortAdaptive, nil
}

// emRand seeds EM restarts from the manager seed and the search id, so a
// search always gets the same restarts.
func (m *Manager) emRand(searchID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(searchID))
	return rand.New(rand.NewPCG(m.seed, h.Sum64()))
}

func (m *Manager) loadStored(ctx context.Context, user *history.User, rec *history.Record, gen *Generator) *Model {
	if m.store == nil {
		return nil
	}
	stored, ok, err := m.store.Load(ctx, rec.SearchID, gen.Name)
	if err != nil {
		m.metrics.StoreError("load")
		m.logger.Error("model store load failed", "search_id", rec.SearchID, "model", gen.Name, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	probs, skipped := valuemap.DecodeModel(stored.Encoded, user.Terms())
	if skipped > 0 {
		m.logger.Warn("skipped malformed stored model lines",
			"search_id", rec.SearchID,
			"model", gen.Name,
			"skipped", skipped,
		)
	}
	model := &Model{
		Name:        gen.Name,
		Description: gen.Description,
		Probs:       probs,
		Adaptive:    stored.Adaptive,
		Timestamp:   stored.Timestamp,
	}
	if m.IsOutdated(rec, gen, model) {
		return nil
	}
	return model
}

func (m *Manager) save(ctx context.Context, user *history.User, rec *history.Record, model *Model) {
	if m.store == nil {
		return
	}
	stored := Stored{
		Timestamp: model.Timestamp,
		Adaptive:  model.Adaptive,
		Encoded:   valuemap.EncodeModel(valuemap.FromTree(model.Probs), user.Terms()),
	}
	if err := m.store.Save(ctx, rec.SearchID, model.Name, stored); err != nil {
		m.metrics.StoreError("save")
		m.logger.Error("model store save failed", "search_id", rec.SearchID, "model", model.Name, "error", err)
	}
}
