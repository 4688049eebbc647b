// Package engine is the entry point of the personalization engine. It owns
// the shared term dictionary and background collection, keeps one history
// per user and serializes all work on a user while different users proceed
// concurrently.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/indexer/colstats"
	"github.com/talkware/ucair/internal/searchmodel"
	"github.com/talkware/ucair/internal/searcher/retriever"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/textproc/tokenizer"
	"github.com/talkware/ucair/internal/topics"
	"github.com/talkware/ucair/internal/valuemap"
	"github.com/talkware/ucair/pkg/config"
	apperrors "github.com/talkware/ucair/pkg/errors"
	"github.com/talkware/ucair/pkg/metrics"
	"github.com/talkware/ucair/pkg/tracing"
)

// IndexModel is the model under which searches are indexed for history
// retrieval and session detection.
const IndexModel = "single-search"

// HistoryStore persists searches and events so users survive restarts.
type HistoryStore interface {
	SaveSearch(ctx context.Context, rec *history.Record) error
	SaveEvent(ctx context.Context, userID string, ev history.Event) error
	LoadUser(ctx context.Context, userID string) ([]history.SearchInput, []history.Event, error)
}

type Options struct {
	Engine config.EngineConfig
	Topics config.TopicsConfig
	// History, ModelStore and TopicStore are optional.
	History    HistoryStore
	ModelStore searchmodel.Store
	TopicStore topics.Store
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Engine struct {
	cfg          config.EngineConfig
	topicTimeout time.Duration
	terms        *dict.Dict
	collection   *colstats.Collection
	counter      *tokenizer.Counter
	models       *searchmodel.Manager
	topics       *topics.Manager
	history      HistoryStore
	metrics      *metrics.Metrics
	now          func() time.Time
	logger       *slog.Logger

	mu    sync.Mutex
	users map[string]*userSlot
}

type userSlot struct {
	mu     sync.Mutex
	user   *history.User
	loaded bool
	topics map[int]*topics.Topic
}

// New builds an engine over a term dictionary and the collection loaded
// into it.
func New(terms *dict.Dict, collection *colstats.Collection, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		cfg:          opts.Engine,
		topicTimeout: opts.Topics.RefreshTimeout,
		terms:        terms,
		collection:   collection,
		counter:      tokenizer.NewCounter(terms),
		models: searchmodel.NewManager(searchmodel.DefaultGenerators(opts.Engine), collection, searchmodel.Options{
			Store:   opts.ModelStore,
			Metrics: opts.Metrics,
			Seed:    opts.Engine.LongTerm.Seed,
			Now:     opts.Now,
		}),
		topics:  topics.NewManager(topics.ConfigFrom(opts.Topics), opts.TopicStore, opts.Metrics),
		history: opts.History,
		metrics: opts.Metrics,
		now:     opts.Now,
		logger:  slog.Default().With("component", "engine"),
		users:   make(map[string]*userSlot),
	}
}

func (e *Engine) Terms() *dict.Dict {
	return e.terms
}

// ModelNames lists the models that can be requested.
func (e *Engine) ModelNames() []string {
	return e.models.Names()
}

func (e *Engine) ActiveUsers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.users)
}

// ModelStats reports model cache hits, misses and regenerations.
func (e *Engine) ModelStats() (hits, misses, regenerations int64) {
	return e.models.Stats()
}

func (e *Engine) newUser(id string) *history.User {
	u := history.NewUser(id, e.terms, e.counter, e.collection, history.Options{
		SearchExpiration:  e.cfg.SearchExpiration,
		SessionExpiration: e.cfg.SessionExpiration,
		MinSessionSim:     e.cfg.MinSessionSim,
		DirPrior:          e.cfg.DirPrior,
		Now:               e.now,
	})
	u.SetModelSource(func(ctx context.Context, rec *history.Record) (map[int]float64, error) {
		m, err := e.models.Model(ctx, u, rec, IndexModel)
		if err != nil {
			return nil, err
		}
		return m.Probs, nil
	})
	return u
}

// withUser runs fn holding the user's lock. Users are created on first
// use and replayed from the history store. When create is false a user
// without any searches is reported as ErrUserNotFound.
func (e *Engine) withUser(ctx context.Context, userID string, create bool, fn func(s *userSlot) error) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "user id is required")
	}
	e.mu.Lock()
	s, ok := e.users[userID]
	if !ok {
		if !create && e.history == nil {
			e.mu.Unlock()
			return apperrors.Newf(apperrors.ErrUserNotFound, http.StatusNotFound, "user %s", userID)
		}
		s = &userSlot{user: e.newUser(userID)}
		e.users[userID] = s
		e.metrics.SetActiveUsers(len(e.users))
	}
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := e.replay(ctx, s.user); err != nil {
			return err
		}
		s.loaded = true
	}
	if !create && len(s.user.Records()) == 0 {
		return apperrors.Newf(apperrors.ErrUserNotFound, http.StatusNotFound, "user %s", userID)
	}
	return fn(s)
}

// replay rebuilds a user from the history store. Everything replayed is
// past history.
func (e *Engine) replay(ctx context.Context, u *history.User) error {
	if e.history == nil {
		return nil
	}
	searches, events, err := e.history.LoadUser(ctx, u.ID)
	if err != nil {
		return apperrors.Newf(apperrors.ErrStoreUnavailable, http.StatusServiceUnavailable, "loading history of %s: %v", u.ID, err)
	}
	for _, in := range searches {
		in.FromPastHistory = true
		if _, err := u.AddSearch(in); err != nil {
			e.logger.Warn("skipping stored search", "user_id", u.ID, "search_id", in.SearchID, "error", err)
		}
	}
	for _, ev := range events {
		if err := u.AddEvent(ev); err != nil {
			e.logger.Warn("skipping stored event", "user_id", u.ID, "event_id", ev.ID, "error", err)
		}
	}
	if len(searches) > 0 {
		e.logger.Info("user history replayed", "user_id", u.ID, "searches", len(searches), "events", len(events))
	}
	return nil
}

// LoadUser makes sure the user's stored history is in memory.
func (e *Engine) LoadUser(ctx context.Context, userID string) error {
	return e.withUser(ctx, userID, true, func(*userSlot) error { return nil })
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RecordSearch adds a search with its results and returns its id, which
// is generated when in.SearchID is empty.
func (e *Engine) RecordSearch(ctx context.Context, userID string, in history.SearchInput) (string, error) {
	if strings.TrimSpace(in.Query) == "" {
		return "", apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "query is required")
	}
	if in.SearchID == "" {
		in.SearchID = newID()
	}
	in.FromPastHistory = false
	err := e.withUser(ctx, userID, true, func(s *userSlot) error {
		rec, err := s.user.AddSearch(in)
		if err != nil {
			return err
		}
		if e.history != nil {
			if err := e.history.SaveSearch(ctx, rec); err != nil {
				e.logger.Error("saving search failed", "user_id", userID, "search_id", rec.SearchID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return in.SearchID, nil
}

// RecordEvent applies an event to the user's history and drops the cached
// models of the search it refers to.
func (e *Engine) RecordEvent(ctx context.Context, userID string, ev history.Event) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	return e.withUser(ctx, userID, true, func(s *userSlot) error {
		if err := s.user.AddEvent(ev); err != nil {
			return err
		}
		if ev.SearchID != "" {
			e.models.Invalidate(ctx, ev.SearchID)
		}
		if e.history != nil {
			if err := e.history.SaveEvent(ctx, userID, ev); err != nil {
				e.logger.Error("saving event failed", "user_id", userID, "event_id", ev.ID, "error", err)
			}
		}
		return nil
	})
}

func searchNotFound(searchID string) error {
	return apperrors.Newf(apperrors.ErrSearchNotFound, http.StatusNotFound, "search %s", searchID)
}

// Model returns the named model of a search.
func (e *Engine) Model(ctx context.Context, userID, searchID, name string) (*searchmodel.Model, error) {
	ctx, span := tracing.StartChild(ctx, "engine.model")
	span.SetAttr("model", name)
	defer span.End()
	var model *searchmodel.Model
	err := e.withUser(ctx, userID, false, func(s *userSlot) error {
		rec := s.user.Record(searchID)
		if rec == nil {
			return searchNotFound(searchID)
		}
		var err error
		model, err = e.models.Model(ctx, s.user, rec, name)
		return err
	})
	return model, err
}

// RankedResult is a search result in reranked order. Score is set only
// for results the model matched.
type RankedResult struct {
	history.Result
	Score  float64 `json:"score"`
	Scored bool    `json:"scored"`
}

// Rerank orders the results of a search by KL retrieval against the named
// model. Results the model does not match keep their original order after
// the scored ones.
func (e *Engine) Rerank(ctx context.Context, userID, searchID, name string) ([]RankedResult, *searchmodel.Model, error) {
	ctx, span := tracing.StartChild(ctx, "engine.rerank")
	span.SetAttr("model", name)
	defer span.End()
	var out []RankedResult
	var model *searchmodel.Model
	err := e.withUser(ctx, userID, false, func(s *userSlot) error {
		rec := s.user.Record(searchID)
		if rec == nil {
			return searchNotFound(searchID)
		}
		var err error
		model, err = e.models.Model(ctx, s.user, rec, name)
		if err != nil {
			return err
		}
		r := retriever.New(e.collection, e.cfg.DirPrior)
		placed := make(map[int]bool, len(rec.Results))
		for _, sc := range r.Retrieve(rec.Index, valuemap.FromTree(model.Probs)) {
			_, pos := valuemap.ParseDocName(rec.Index.DocDict().Name(sc.DocID))
			res, ok := rec.Result(pos)
			if !ok {
				continue
			}
			placed[pos] = true
			out = append(out, RankedResult{Result: res, Score: sc.Score, Scored: true})
		}
		for _, res := range rec.Results {
			if !placed[res.Pos] {
				out = append(out, RankedResult{Result: res})
			}
		}
		return nil
	})
	return out, model, err
}

// HistoryHit is a past search matching a history query.
type HistoryHit struct {
	SearchID string    `json:"search_id"`
	Query    string    `json:"query"`
	Created  time.Time `json:"created"`
	Score    float64   `json:"score"`
}

// SearchHistory finds the user's searches most similar to query.
func (e *Engine) SearchHistory(ctx context.Context, userID, query string, limit int) ([]HistoryHit, error) {
	ctx, span := tracing.StartChild(ctx, "engine.history")
	defer span.End()
	var out []HistoryHit
	err := e.withUser(ctx, userID, false, func(s *userSlot) error {
		q := e.counter.Count(query, false)
		if len(q) == 0 {
			return nil
		}
		scores, err := s.user.SearchInHistory(ctx, valuemap.FromTree(q))
		if err != nil {
			return err
		}
		for _, sc := range scores {
			if limit > 0 && len(out) >= limit {
				break
			}
			rec := s.user.MustRecord(sc.SearchID)
			out = append(out, HistoryHit{SearchID: sc.SearchID, Query: rec.Query, Created: rec.Created, Score: sc.Score})
		}
		return nil
	})
	return out, err
}

// Topics returns the user's search topics. With refresh they are
// recomputed; otherwise the last computed or stored topics are returned.
func (e *Engine) Topics(ctx context.Context, userID string, refresh bool) (map[int]*topics.Topic, error) {
	ctx, span := tracing.StartChild(ctx, "engine.topics")
	span.SetAttr("refresh", refresh)
	defer span.End()
	var out map[int]*topics.Topic
	err := e.withUser(ctx, userID, false, func(s *userSlot) error {
		if !refresh && s.topics != nil {
			out = s.topics
			return nil
		}
		var err error
		if refresh {
			tctx := ctx
			if e.topicTimeout > 0 {
				var cancel context.CancelFunc
				tctx, cancel = context.WithTimeout(ctx, e.topicTimeout)
				defer cancel()
			}
			out, err = e.topics.Update(tctx, s.user)
			if errors.Is(err, context.DeadlineExceeded) {
				return apperrors.Newf(apperrors.ErrTimeout, http.StatusServiceUnavailable, "clustering topics of %s: %v", userID, err)
			}
		} else {
			out, err = e.topics.Load(ctx, s.user)
		}
		if err != nil {
			return err
		}
		s.topics = out
		return nil
	})
	return out, err
}

// SearchRecord returns a copy of the basic facts of a search.
func (e *Engine) SearchRecord(ctx context.Context, userID, searchID string) (history.SearchInput, error) {
	var out history.SearchInput
	err := e.withUser(ctx, userID, false, func(s *userSlot) error {
		rec := s.user.Record(searchID)
		if rec == nil {
			return searchNotFound(searchID)
		}
		out = history.SearchInput{
			SearchID:        rec.SearchID,
			Query:           rec.Query,
			SessionID:       rec.SessionID,
			Created:         rec.Created,
			Results:         append([]history.Result(nil), rec.Results...),
			FromPastHistory: rec.FromPastHistory,
		}
		return nil
	})
	return out, err
}
