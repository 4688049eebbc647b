package topics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talkware/ucair/internal/cluster"
	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/valuemap"
	"github.com/talkware/ucair/pkg/config"
	"github.com/talkware/ucair/pkg/metrics"
)

// minInitialSim drops weak links between pre-grouped searches.
const minInitialSim = 0.01

type Config struct {
	StopSim         float64
	JoinSessions    bool
	JoinSameQueries bool
	// NontrivialSessionCount is the fewest sessions a topic needs to be
	// informative.
	NontrivialSessionCount int
}

func ConfigFrom(cfg config.TopicsConfig) Config {
	return Config{
		StopSim:                cfg.StopSim,
		JoinSessions:           cfg.JoinSessions,
		JoinSameQueries:        cfg.JoinSameQueries,
		NontrivialSessionCount: cfg.NontrivialSessionCount,
	}
}

type Manager struct {
	cfg     Config
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewManager(cfg Config, store Store, m *metrics.Metrics) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  slog.Default().With("component", "topic-manager"),
	}
}

// Update clusters all searches of user into topics and saves the
// non-trivial ones.
func (m *Manager) Update(ctx context.Context, user *history.User) (map[int]*Topic, error) {
	if err := user.UpdateSearchIndices(ctx, false); err != nil {
		return nil, err
	}
	records := user.Records()
	groups := m.preGroup(records)

	models := make(map[string]map[int]float64, len(records))
	initial := make([]cluster.Cluster, len(groups))
	initialModels := make([]map[int]float64, len(groups))
	for g, members := range groups {
		initial[g].Points = members
		sum := make(map[int]float64)
		for _, i := range members {
			model, err := user.IndexedModel(ctx, records[i].SearchID)
			if err != nil {
				return nil, err
			}
			models[records[i].SearchID] = model
			valuemap.Sum(sum, valuemap.FromTree(model))
		}
		initialModels[g] = sum
	}

	sims := cluster.NewSimMatrix()
	for i := range initialModels {
		for j := i + 1; j < len(initialModels); j++ {
			if sim := valuemap.CosSim(initialModels[i], initialModels[j]); sim > minInitialSim {
				sims.Set(i, j, sim)
			}
		}
	}

	start := time.Now()
	clusters, merges, err := cluster.Run(ctx, initial, sims, m.cfg.StopSim)
	if err != nil {
		return nil, fmt.Errorf("clustering searches of %s: %w", user.ID, err)
	}
	m.metrics.ObserveClustering(time.Since(start), len(clusters))

	topics := make(map[int]*Topic, len(clusters))
	for k, c := range clusters {
		t := newTopic(k + 1)
		for _, i := range c.Points {
			id := records[i].SearchID
			t.Searches[id] = 1.0
			valuemap.Sum(t.Model, valuemap.FromTree(models[id]))
		}
		valuemap.Normalize(valuemap.FromTree(t.Model), false)
		m.computeProperties(user, t)
		topics[t.ID] = t
	}

	if err := m.store.Save(ctx, user.ID, encodeTopics(topics, user)); err != nil {
		return nil, fmt.Errorf("saving topics of %s: %w", user.ID, err)
	}
	m.logger.Info("search topics updated",
		"user_id", user.ID,
		"searches", len(records),
		"groups", len(groups),
		"merges", len(merges),
		"topics", len(topics),
	)
	return topics, nil
}

// Load returns the topics saved by the last Update, with properties
// recomputed from the current history.
func (m *Manager) Load(ctx context.Context, user *history.User) (map[int]*Topic, error) {
	stored, err := m.store.Load(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("loading topics of %s: %w", user.ID, err)
	}
	topics := make(map[int]*Topic, len(stored))
	for _, s := range stored {
		t := newTopic(s.ID)
		model, skipped := valuemap.DecodeModel(s.Model, user.Terms())
		if skipped > 0 {
			m.logger.Warn("skipped malformed stored topic model lines",
				"user_id", user.ID,
				"topic_id", s.ID,
				"skipped", skipped,
			)
		}
		t.Model = model
		for id, w := range s.Searches {
			t.Searches[id] = w
		}
		m.computeProperties(user, t)
		topics[t.ID] = t
	}
	return topics, nil
}

// preGroup joins searches sharing a session or a query when configured.
// Groups are ordered by their first record.
func (m *Manager) preGroup(records []*history.Record) [][]int {
	sets := newDisjointSets(len(records))
	bySession := make(map[string]int)
	byQuery := make(map[string]int)
	for i, rec := range records {
		if m.cfg.JoinSessions {
			if first, ok := bySession[rec.SessionID]; ok {
				sets.union(first, i)
			} else {
				bySession[rec.SessionID] = i
			}
		}
		if m.cfg.JoinSameQueries {
			if first, ok := byQuery[rec.Query]; ok {
				sets.union(first, i)
			} else {
				byQuery[rec.Query] = i
			}
		}
	}

	index := make(map[int]int)
	var groups [][]int
	for i := range records {
		root := sets.find(i)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// computeProperties counts the sessions, queries and clicked urls of the
// topic's searches.
func (m *Manager) computeProperties(user *history.User, t *Topic) {
	t.Sessions = make(map[string]int)
	t.Queries = make(map[string]int)
	t.Clicks = make(map[string]int)
	t.TotalClickCount = 0
	for id := range t.Searches {
		rec := user.Record(id)
		if rec == nil {
			m.logger.Warn("topic refers to unknown search", "user_id", user.ID, "topic_id", t.ID, "search_id", id)
			continue
		}
		t.Sessions[rec.SessionID]++
		t.Queries[rec.Query]++
		for _, ev := range rec.Events {
			if ev.Kind == history.EventClickResult {
				t.Clicks[ev.URL]++
				t.TotalClickCount++
			}
		}
	}
	t.Trivial = len(t.Sessions) < m.cfg.NontrivialSessionCount
}

type disjointSets struct {
	parent []int
	rank   []int
}

func newDisjointSets(n int) *disjointSets {
	d := &disjointSets{parent: make([]int, n), rank: make([]int, n)}
	for i := range d.parent {
		d.parent[i] = i
	}
	return d
}

func (d *disjointSets) find(i int) int {
	for d.parent[i] != i {
		d.parent[i] = d.parent[d.parent[i]]
		i = d.parent[i]
	}
	return i
}

func (d *disjointSets) union(a, b int) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[ra] > d.rank[rb]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
}
