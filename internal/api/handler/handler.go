// Package handler serves the personalization engine over JSON HTTP.
package handler

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/talkware/ucair/internal/engine"
	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/searchmodel"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/topics"
	"github.com/talkware/ucair/internal/valuemap"
	apperrors "github.com/talkware/ucair/pkg/errors"
	"github.com/talkware/ucair/pkg/logger"
)

// Engine is the part of engine.Engine the API serves.
type Engine interface {
	RecordSearch(ctx context.Context, userID string, in history.SearchInput) (string, error)
	RecordEvent(ctx context.Context, userID string, ev history.Event) error
	Model(ctx context.Context, userID, searchID, name string) (*searchmodel.Model, error)
	Rerank(ctx context.Context, userID, searchID, name string) ([]engine.RankedResult, *searchmodel.Model, error)
	Topics(ctx context.Context, userID string, refresh bool) (map[int]*topics.Topic, error)
	SearchHistory(ctx context.Context, userID, query string, limit int) ([]engine.HistoryHit, error)
	ModelNames() []string
	ModelStats() (hits, misses, regenerations int64)
	Terms() *dict.Dict
}

// Tracker forwards applied events to other engine instances.
type Tracker interface {
	Track(userID string, ev history.Event)
}

const (
	defaultModel        = "long-term-history"
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
	maxBodyBytes        = 1 << 20
)

type Handler struct {
	engine  Engine
	tracker Tracker
	logger  *slog.Logger
}

// New creates a handler. tracker may be nil.
func New(e Engine, tracker Tracker) *Handler {
	return &Handler{
		engine:  e,
		tracker: tracker,
		logger:  slog.Default().With("component", "api-handler"),
	}
}

type resultRequest struct {
	Pos     int    `json:"pos"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	URL     string `json:"url"`
}

type searchRequest struct {
	SearchID  string          `json:"search_id"`
	Query     string          `json:"query"`
	SessionID string          `json:"session_id"`
	Created   time.Time       `json:"created"`
	Results   []resultRequest `json:"results"`
}

func (h *Handler) RecordSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := history.SearchInput{
		SearchID:  req.SearchID,
		Query:     req.Query,
		SessionID: req.SessionID,
		Created:   req.Created,
	}
	for _, res := range req.Results {
		if res.Pos < 1 {
			h.writeError(w, http.StatusBadRequest, "result positions start at 1")
			return
		}
		in.Results = append(in.Results, history.Result(res))
	}

	userID := r.PathValue("user")
	id, err := h.engine.RecordSearch(r.Context(), userID, in)
	if err != nil {
		h.fail(w, r, "recording search", err)
		return
	}
	logger.FromContext(r.Context()).Info("search recorded",
		"user_id", userID,
		"search_id", id,
		"results", len(in.Results),
	)
	h.writeJSON(w, http.StatusCreated, map[string]string{"search_id": id})
}

func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev history.Event
	if !h.decode(w, r, &ev) {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	userID := r.PathValue("user")
	if err := h.engine.RecordEvent(r.Context(), userID, ev); err != nil {
		h.fail(w, r, "recording event", err)
		return
	}
	if h.tracker != nil {
		h.tracker.Track(userID, ev)
	}
	logger.FromContext(r.Context()).Debug("event recorded",
		"user_id", userID,
		"kind", ev.Kind,
		"search_id", ev.SearchID,
	)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type termProb struct {
	Term string  `json:"term"`
	Prob float64 `json:"prob"`
}

type modelResponse struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Adaptive    bool       `json:"adaptive"`
	Timestamp   time.Time  `json:"timestamp"`
	Probs       []termProb `json:"probs"`
}

func (h *Handler) modelResponse(m *searchmodel.Model) modelResponse {
	names := h.engine.Terms()
	probs := make([]termProb, 0, len(m.Probs))
	for _, p := range valuemap.SortByValue(valuemap.FromTree(m.Probs)) {
		if term := names.Name(p.ID); term != "" {
			probs = append(probs, termProb{Term: term, Prob: p.Value})
		}
	}
	return modelResponse{
		Name:        m.Name,
		Description: m.Description,
		Adaptive:    m.Adaptive,
		Timestamp:   m.Timestamp,
		Probs:       probs,
	}
}

func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Model(r.Context(), r.PathValue("user"), r.PathValue("search"), r.PathValue("model"))
	if err != nil {
		h.fail(w, r, "generating model", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.modelResponse(m))
}

type rerankResponse struct {
	SearchID string                `json:"search_id"`
	Model    modelResponse         `json:"model"`
	Results  []engine.RankedResult `json:"results"`
}

func (h *Handler) Rerank(w http.ResponseWriter, r *http.Request) {
	name := cmp.Or(r.URL.Query().Get("model"), defaultModel)
	searchID := r.PathValue("search")
	ranked, m, err := h.engine.Rerank(r.Context(), r.PathValue("user"), searchID, name)
	if err != nil {
		h.fail(w, r, "reranking", err)
		return
	}
	if ranked == nil {
		ranked = []engine.RankedResult{}
	}
	h.writeJSON(w, http.StatusOK, rerankResponse{
		SearchID: searchID,
		Model:    h.modelResponse(m),
		Results:  ranked,
	})
}

type topicsResponse struct {
	Sort   string          `json:"sort"`
	Topics []*topics.Topic `json:"topics"`
}

func (h *Handler) Topics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refresh := false
	if v := q.Get("refresh"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "refresh must be a boolean")
			return
		}
		refresh = parsed
	}
	criteria := cmp.Or(q.Get("sort"), topics.BySessionCount)
	if !slices.Contains(topics.SortingCriteria(), criteria) {
		h.writeError(w, http.StatusBadRequest, "unknown sort criteria")
		return
	}
	all, err := h.engine.Topics(r.Context(), r.PathValue("user"), refresh)
	if err != nil {
		h.fail(w, r, "computing topics", err)
		return
	}
	h.writeJSON(w, http.StatusOK, topicsResponse{Sort: criteria, Topics: topics.Sorted(all, criteria)})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}
	hits, err := h.engine.SearchHistory(r.Context(), r.PathValue("user"), query, limit)
	if err != nil {
		h.fail(w, r, "searching history", err)
		return
	}
	if hits == nil {
		hits = []engine.HistoryHit{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": hits})
}

func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"models": h.engine.ModelNames()})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	hits, misses, regenerations := h.engine.ModelStats()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":          hits,
		"misses":        misses,
		"regenerations": regenerations,
		"hit_rate":      hitRate,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// fail maps err to its status. Server-side failures are logged and
// answered without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(op+" failed", "error", err)
		h.writeError(w, status, op+" failed")
		return
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
