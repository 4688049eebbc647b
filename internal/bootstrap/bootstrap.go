// Package bootstrap opens the stores and data files both binaries share.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talkware/ucair/internal/indexer/colstats"
	"github.com/talkware/ucair/internal/searchmodel"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/topics"
	"github.com/talkware/ucair/pkg/config"
	"github.com/talkware/ucair/pkg/metrics"
	"github.com/talkware/ucair/pkg/postgres"
	pkgredis "github.com/talkware/ucair/pkg/redis"
	"github.com/talkware/ucair/pkg/resilience"
)

// FallbackBackgroundProb is used for every term when no collection
// statistics file is configured.
const FallbackBackgroundProb = 1e-6

// Collection loads the configured statistics file into terms.
func Collection(cfg config.EngineConfig, terms *dict.Dict) (*colstats.Collection, error) {
	if cfg.ColStatsFile == "" {
		slog.Warn("no collection statistics configured, using a uniform background")
		return colstats.Uniform(FallbackBackgroundProb), nil
	}
	c, err := colstats.LoadFile(cfg.ColStatsFile, terms)
	if err != nil {
		return nil, err
	}
	slog.Info("collection statistics loaded", "path", cfg.ColStatsFile, "terms", c.Len())
	return c, nil
}

// ModelStore is an opened model store.
type ModelStore struct {
	searchmodel.Store
	// Ping is nil for stores without a remote dependency.
	Ping  func(ctx context.Context) error
	Close func() error
}

// OpenModelStore connects the configured backend. It returns nil when
// models are not persisted. An unreachable redis degrades to no store
// unless required is set.
func OpenModelStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, required bool) (*ModelStore, error) {
	switch cfg.ModelStore.Backend {
	case "redis":
		client, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			if required {
				return nil, fmt.Errorf("connecting to redis: %w", err)
			}
			slog.Warn("redis unavailable, generated models are not persisted", "error", err)
			return nil, nil
		}
		breaker := resilience.NewCircuitBreaker("model-store", resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, to resilience.State) {
				m.SetBreakerState(name, int(to))
			},
		})
		slog.Info("model store connected", "backend", "redis", "addr", cfg.Redis.Addr, "ttl", cfg.ModelStore.TTL)
		return &ModelStore{
			Store: searchmodel.NewRedisStore(client, cfg.ModelStore.TTL, breaker),
			Ping:  client.Ping,
			Close: client.Close,
		}, nil
	case "bolt":
		store, err := searchmodel.OpenBoltStore(cfg.ModelStore.BoltPath)
		if err != nil {
			return nil, err
		}
		slog.Info("model store opened", "backend", "bolt", "path", cfg.ModelStore.BoltPath)
		return &ModelStore{Store: store, Close: store.Close}, nil
	default:
		return nil, nil
	}
}

// TopicStore is an opened topic store.
type TopicStore struct {
	topics.Store
	Ping  func(ctx context.Context) error
	Close func() error
}

// OpenTopicStore connects PostgreSQL when configured; postgres.New retries
// while the database starts up. It returns nil for the in-memory store.
func OpenTopicStore(ctx context.Context, cfg *config.Config) (*TopicStore, error) {
	if cfg.Topics.Store != "postgres" {
		return nil, nil
	}
	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	store, err := topics.NewPostgresStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("topic store connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	return &TopicStore{Store: store, Ping: db.Ping, Close: db.Close}, nil
}
