package topics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/valuemap"
	"github.com/talkware/ucair/pkg/postgres"
)

// StoredTopic is the persisted part of a topic. Model holds
// valuemap.EncodeModel text.
type StoredTopic struct {
	ID       int
	Model    string
	Searches map[string]float64
}

// Store keeps the latest non-trivial topics of each user.
type Store interface {
	// Save replaces everything stored for userID.
	Save(ctx context.Context, userID string, topics []StoredTopic) error
	Load(ctx context.Context, userID string) ([]StoredTopic, error)
}

func encodeTopics(topics map[int]*Topic, user *history.User) []StoredTopic {
	ids := slices.Sorted(maps.Keys(topics))
	var out []StoredTopic
	for _, id := range ids {
		t := topics[id]
		if t.Trivial {
			continue
		}
		out = append(out, StoredTopic{
			ID:       t.ID,
			Model:    valuemap.EncodeModel(valuemap.FromTree(t.Model), user.Terms()),
			Searches: maps.Clone(t.Searches),
		})
	}
	return out
}

// MemoryStore keeps topics in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string][]StoredTopic
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string][]StoredTopic)}
}

func (s *MemoryStore) Save(_ context.Context, userID string, topics []StoredTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = slices.Clone(topics)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, userID string) ([]StoredTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.users[userID]), nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS topics (
		user_id  TEXT NOT NULL,
		topic_id INTEGER NOT NULL,
		model    TEXT NOT NULL,
		PRIMARY KEY (user_id, topic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS topic_searches (
		user_id   TEXT NOT NULL,
		topic_id  INTEGER NOT NULL,
		search_id TEXT NOT NULL,
		weight    DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS topic_searches_user_id ON topic_searches(user_id)`,
}

// PostgresStore persists topics in PostgreSQL.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPostgresStore creates the topic tables when missing.
func NewPostgresStore(ctx context.Context, db *postgres.Client) (*PostgresStore, error) {
	if err := db.Migrate(ctx, postgresSchema...); err != nil {
		return nil, fmt.Errorf("creating topic tables: %w", err)
	}
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "topic-store"),
	}, nil
}

func (s *PostgresStore) Save(ctx context.Context, userID string, topics []StoredTopic) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("deleting topics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM topic_searches WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("deleting topic searches: %w", err)
		}
		for _, t := range topics {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO topics (user_id, topic_id, model) VALUES ($1, $2, $3)`,
				userID, t.ID, t.Model,
			); err != nil {
				return fmt.Errorf("inserting topic %d: %w", t.ID, err)
			}
			for _, searchID := range slices.Sorted(maps.Keys(t.Searches)) {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO topic_searches (user_id, topic_id, search_id, weight) VALUES ($1, $2, $3, $4)`,
					userID, t.ID, searchID, t.Searches[searchID],
				); err != nil {
					return fmt.Errorf("inserting search %s of topic %d: %w", searchID, t.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("topics saved", "user_id", userID, "topics", len(topics))
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, userID string) ([]StoredTopic, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT topic_id, model FROM topics WHERE user_id = $1 ORDER BY topic_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying topics: %w", err)
	}
	var out []StoredTopic
	index := make(map[int]int)
	for rows.Next() {
		t := StoredTopic{Searches: make(map[string]float64)}
		if err := rows.Scan(&t.ID, &t.Model); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning topic row: %w", err)
		}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating topics: %w", err)
	}

	rows, err = s.db.DB.QueryContext(ctx,
		`SELECT topic_id, search_id, weight FROM topic_searches WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying topic searches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var topicID int
		var searchID string
		var weight float64
		if err := rows.Scan(&topicID, &searchID, &weight); err != nil {
			return nil, fmt.Errorf("scanning topic search row: %w", err)
		}
		i, ok := index[topicID]
		if !ok {
			s.logger.Warn("skipping search of unknown topic", "user_id", userID, "topic_id", topicID)
			continue
		}
		out[i].Searches[searchID] = weight
	}
	return out, rows.Err()
}
