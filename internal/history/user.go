// Package history keeps a user's searches, their results and the events on
// them, groups searches into sessions, and indexes each search's model so
// that past searches can be retrieved by similarity. A User is not safe for
// concurrent use; the engine serializes all work for one user.
package history

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/talkware/ucair/internal/indexer/index"
	"github.com/talkware/ucair/internal/searcher/retriever"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/valuemap"
	apperrors "github.com/talkware/ucair/pkg/errors"
)

const none = -1

type Options struct {
	// SearchExpiration is how long after its last event a search stops
	// being active.
	SearchExpiration time.Duration
	// SessionExpiration is the largest idle gap inside one session.
	SessionExpiration time.Duration
	MinSessionSim     float64
	DirPrior          float64
	Now               func() time.Time
}

// ModelSource returns the term model under which a search is indexed for
// history retrieval.
type ModelSource func(ctx context.Context, rec *Record) (map[int]float64, error)

// SearchInput describes a search to add.
type SearchInput struct {
	SearchID        string
	Query           string
	SessionID       string
	Created         time.Time
	Results         []Result
	FromPastHistory bool
}

type SearchScore struct {
	SearchID string  `json:"search_id"`
	Score    float64 `json:"score"`
}

// User owns the search records of one user in creation order. Records are
// linked through arena positions, so prev and next never dangle.
type User struct {
	ID string

	terms     *dict.Dict
	counter   index.TermCounter
	retriever *retriever.Retriever
	opts      Options
	models    ModelSource

	records []*Record
	byID    map[string]int
	events  []Event

	// shortTerm indexes active searches, longTerm the expired ones.
	shortTerm     *index.Index
	longTerm      *index.Index
	indexOutdated bool
	updating      bool
}

func NewUser(id string, terms *dict.Dict, counter index.TermCounter, bg retriever.Background, opts Options) *User {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DirPrior <= 0 {
		opts.DirPrior = 1
	}
	u := &User{
		ID:            id,
		terms:         terms,
		counter:       counter,
		retriever:     retriever.New(bg, opts.DirPrior),
		opts:          opts,
		byID:          make(map[string]int),
		shortTerm:     index.New(terms),
		longTerm:      index.New(terms),
		indexOutdated: true,
	}
	u.models = u.queryModel
	return u
}

// SetModelSource chooses the model searches are indexed under. Until it is
// called the normalized query term counts are used.
func (u *User) SetModelSource(src ModelSource) {
	u.models = src
	u.indexOutdated = true
}

func (u *User) queryModel(_ context.Context, rec *Record) (map[int]float64, error) {
	m := u.counter.Count(rec.Query, true)
	valuemap.Normalize(valuemap.FromTree(m), false)
	return m, nil
}

func (u *User) Terms() *dict.Dict {
	return u.terms
}

func (u *User) Counter() index.TermCounter {
	return u.counter
}

func (u *User) Options() Options {
	return u.opts
}

// AddSearch appends a record, links it after the previous one and indexes
// its results.
func (u *User) AddSearch(in SearchInput) (*Record, error) {
	if in.SearchID == "" || strings.Contains(in.SearchID, "_") {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid search id %q", in.SearchID)
	}
	if _, ok := u.byID[in.SearchID]; ok {
		return nil, apperrors.Newf(apperrors.ErrDuplicateSearch, http.StatusConflict, "search %s", in.SearchID)
	}
	if in.Created.IsZero() {
		in.Created = u.opts.Now()
	}
	rec := &Record{
		UserID:          u.ID,
		SearchID:        in.SearchID,
		Query:           in.Query,
		SessionID:       cmp.Or(in.SessionID, in.SearchID),
		Created:         in.Created,
		Index:           index.New(u.terms),
		Results:         slices.Clone(in.Results),
		Rated:           make(map[int]string),
		FromPastHistory: in.FromPastHistory,
		pos:             len(u.records),
		prev:            none,
		next:            none,
	}
	slices.SortStableFunc(rec.Results, func(a, b Result) int { return a.Pos - b.Pos })
	rec.Results = slices.CompactFunc(rec.Results, func(a, b Result) bool { return a.Pos == b.Pos })
	for _, res := range rec.Results {
		index.IndexDocument(rec.Index, valuemap.DocName(rec.SearchID, res.Pos), res.Title, res.Summary, u.counter)
	}

	if n := len(u.records); n > 0 {
		last := u.records[n-1]
		last.next = rec.pos
		rec.prev = last.pos
	}
	u.records = append(u.records, rec)
	u.byID[rec.SearchID] = rec.pos
	u.indexOutdated = true
	return rec, nil
}

// AddEvent records ev for the user and, when it names a search, on that
// search's record.
func (u *User) AddEvent(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	var rec *Record
	if ev.SearchID != "" {
		rec = u.Record(ev.SearchID)
		if rec == nil {
			return apperrors.Newf(apperrors.ErrSearchNotFound, http.StatusNotFound, "search %s", ev.SearchID)
		}
	}
	u.events = insertByTimestamp(u.events, ev)
	if rec != nil {
		rec.apply(ev)
	}
	u.indexOutdated = true
	return nil
}

// Record returns the record of searchID, or nil.
func (u *User) Record(searchID string) *Record {
	pos, ok := u.byID[searchID]
	if !ok {
		return nil
	}
	return u.records[pos]
}

// MustRecord returns the record of searchID and panics when there is none.
// Callers create records before asking for models of them.
func (u *User) MustRecord(searchID string) *Record {
	rec := u.Record(searchID)
	if rec == nil {
		panic(fmt.Sprintf("history: no record for search %q of user %q", searchID, u.ID))
	}
	return rec
}

// Records lists every record in creation order.
func (u *User) Records() []*Record {
	return u.records
}

// Events lists the user's events in time order.
func (u *User) Events() []Event {
	return u.events
}

func (u *User) Prev(rec *Record) *Record {
	if rec.prev == none {
		return nil
	}
	return u.records[rec.prev]
}

func (u *User) Next(rec *Record) *Record {
	if rec.next == none {
		return nil
	}
	return u.records[rec.next]
}

// IsExpired reports whether a search is no longer active: it was loaded
// from past history, or nothing happened on it for SearchExpiration.
func (u *User) IsExpired(searchID string, now time.Time) bool {
	rec := u.Record(searchID)
	if rec == nil {
		return false
	}
	return u.isExpired(rec, now)
}

func (u *User) isExpired(rec *Record, now time.Time) bool {
	return rec.FromPastHistory || now.Sub(rec.LastEventTime()) >= u.opts.SearchExpiration
}

func (u *User) shortTermFirst() *Record {
	for _, rec := range u.records {
		if !rec.FromPastHistory {
			return rec
		}
	}
	return nil
}

// MarkIndicesOutdated forces the next history lookup to rebuild the
// short-term index.
func (u *User) MarkIndicesOutdated() {
	u.indexOutdated = true
}

// UpdateSearchIndices rebuilds the short-term index from the active
// searches and adds newly expired searches to the long-term index. Models
// of expired searches no longer change, so each is indexed once.
func (u *User) UpdateSearchIndices(ctx context.Context, force bool) error {
	if u.updating || (!u.indexOutdated && !force) {
		return nil
	}
	u.updating = true
	defer func() { u.updating = false }()

	u.shortTerm.Clear()
	now := u.opts.Now()
	for _, rec := range u.records {
		expired := u.isExpired(rec, now)
		if expired && u.longTerm.DocID(rec.SearchID) > 0 {
			continue
		}
		model, err := u.models(ctx, rec)
		if err != nil {
			return fmt.Errorf("indexing search %s: %w", rec.SearchID, err)
		}
		if expired {
			u.longTerm.AddDocument(rec.SearchID, valuemap.FromTree(model))
		} else {
			u.shortTerm.AddDocument(rec.SearchID, valuemap.FromTree(model))
		}
	}
	u.indexOutdated = false
	return nil
}

// SearchInHistory ranks past and current searches against query.
func (u *User) SearchInHistory(ctx context.Context, query valuemap.Map) ([]SearchScore, error) {
	if err := u.UpdateSearchIndices(ctx, false); err != nil {
		return nil, err
	}
	var scores []SearchScore
	for _, idx := range []*index.Index{u.shortTerm, u.longTerm} {
		for _, s := range u.retriever.Retrieve(idx, query) {
			scores = append(scores, SearchScore{SearchID: idx.DocDict().Name(s.DocID), Score: s.Score})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	return scores, nil
}

// IndexedModel returns the model searchID is indexed under, or an empty
// map when it is not indexed.
func (u *User) IndexedModel(ctx context.Context, searchID string) (map[int]float64, error) {
	if err := u.UpdateSearchIndices(ctx, false); err != nil {
		return nil, err
	}
	out := make(map[int]float64)
	for _, idx := range []*index.Index{u.longTerm, u.shortTerm} {
		if docID := idx.DocID(searchID); docID > 0 {
			for _, p := range idx.TermList(docID) {
				out[p.ID] = p.Value
			}
			break
		}
	}
	return out, nil
}

// Session returns the searches of a session in creation order. A session
// ends at the first gap longer than SessionExpiration after its latest
// activity.
func (u *User) Session(sessionID string) []string {
	rec := u.MustRecord(sessionID)
	session := []string{sessionID}
	lastActivity := rec.LastEventTime()
	for next := u.Next(rec); next != nil; next = u.Next(next) {
		if next.Created.Sub(lastActivity) > u.opts.SessionExpiration {
			break
		}
		if next.SessionID == sessionID {
			session = append(session, next.SearchID)
			lastActivity = next.LastEventTime()
		}
	}
	return session
}

// TimeBasedSession returns the searches close in time to searchID,
// regardless of content, in creation order.
func (u *User) TimeBasedSession(searchID string) []string {
	this := u.MustRecord(searchID)
	var before, after []string
	for next := u.Next(this); next != nil; next = u.Next(next) {
		if next.Created.Sub(this.LastEventTime()) > u.opts.SessionExpiration {
			break
		}
		after = append(after, next.SearchID)
	}
	for prev := u.Prev(this); prev != nil; prev = u.Prev(prev) {
		if this.Created.Sub(prev.LastEventTime()) > u.opts.SessionExpiration {
			break
		}
		before = append(before, prev.SearchID)
	}
	slices.Reverse(before)
	out := append(before, searchID)
	return append(out, after...)
}

// UpdateSession merges the session of searchID with every session of a
// nearby search whose indexed model is similar enough. The merged session
// takes the id of the earliest-founded one.
func (u *User) UpdateSession(ctx context.Context, searchID string) error {
	this := u.MustRecord(searchID)
	thisModel, err := u.IndexedModel(ctx, searchID)
	if err != nil {
		return err
	}

	sessions := map[string]struct{}{this.SessionID: {}}
	consider := func(rec *Record) error {
		if _, ok := sessions[rec.SessionID]; ok {
			return nil
		}
		model, err := u.IndexedModel(ctx, rec.SearchID)
		if err != nil {
			return err
		}
		if valuemap.CosSim(thisModel, model) >= u.opts.MinSessionSim {
			sessions[rec.SessionID] = struct{}{}
		}
		return nil
	}

	for next := u.Next(this); next != nil; next = u.Next(next) {
		if next.Created.Sub(this.Created) > u.opts.SessionExpiration {
			break
		}
		if err := consider(next); err != nil {
			return err
		}
	}
	first := u.shortTermFirst()
	for rec := this; rec != first; {
		rec = u.Prev(rec)
		if rec == nil || this.Created.Sub(rec.Created) > u.opts.SessionExpiration {
			break
		}
		if err := consider(rec); err != nil {
			return err
		}
	}

	if len(sessions) == 1 {
		return nil
	}
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Compare(u.byID[a], u.byID[b])
	})
	winner := ids[0]
	for _, id := range ids[1:] {
		for _, member := range u.Session(id) {
			u.MustRecord(member).SessionID = winner
		}
	}
	return nil
}
