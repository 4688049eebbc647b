// Package config loads the service configuration from YAML files with
// environment-variable overrides. Engine parameters keep the names the
// personalization models have always been tuned with.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Topics     TopicsConfig     `yaml:"topics"`
	History    HistoryConfig    `yaml:"history"`
	ModelStore ModelStoreConfig `yaml:"modelStore"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// RateLimit is the number of requests each user may make per
	// RateWindow. Zero disables limiting.
	RateLimit   int           `yaml:"rateLimit"`
	RateWindow  time.Duration `yaml:"rateWindow"`
	CORSOrigins []string      `yaml:"corsOrigins"`

	// SlowRequest is the duration above which a request's span tree is
	// logged. Negative disables it.
	SlowRequest time.Duration `yaml:"slowRequest"`
}

// EngineConfig carries the search-model and history parameters.
type EngineConfig struct {
	QueryTermWeight           float64        `yaml:"queryTermWeight"`
	ClickedResultTermWeight   float64        `yaml:"clickedResultTermWeight"`
	UnclickedResultTermWeight float64        `yaml:"unclickedResultTermWeight"`
	FeedbackBgCoeff           float64        `yaml:"feedbackBgCoeff"`
	LongTerm                  LongTermConfig `yaml:"longTerm"`
	SearchExpiration          time.Duration  `yaml:"searchExpiration"`
	SessionExpiration         time.Duration  `yaml:"sessionExpiration"`
	MinSessionSim             float64        `yaml:"minSessionSim"`
	DirPrior                  float64        `yaml:"dirPrior"`
	ColStatsFile              string         `yaml:"colStatsFile"`
}

// LongTermConfig controls the neighbor-based long-term models.
type LongTermConfig struct {
	MinCosSim       float64 `yaml:"minCosSim"`
	MaxNeighbors    int     `yaml:"maxNeighbors"`
	QueryPrior      float64 `yaml:"queryPrior"`
	BackgroundPrior float64 `yaml:"backgroundPrior"`
	MaxEMTries      int     `yaml:"maxEMTries"`
	MaxEMIterations int     `yaml:"maxEMIterations"`
	ClickPrior      float64 `yaml:"clickPrior"`
	Seed            uint64  `yaml:"seed"`
}

// TopicsConfig controls clustering of a user's history into topics.
type TopicsConfig struct {
	StopSim                float64       `yaml:"stopSim"`
	JoinSessions           bool          `yaml:"joinSessions"`
	JoinSameQueries        bool          `yaml:"joinSameQueries"`
	NontrivialSessionCount int           `yaml:"nontrivialSessionCount"`
	RefreshTimeout         time.Duration `yaml:"refreshTimeout"`
	Store                  string        `yaml:"store"`
}

// HistoryConfig points at the local SQLite history database. An empty path
// keeps history in memory only.
type HistoryConfig struct {
	Path string `yaml:"path"`

	// Preload replays every stored user at startup instead of on first
	// request, giving up after PreloadTimeout.
	Preload        bool          `yaml:"preload"`
	PreloadTimeout time.Duration `yaml:"preloadTimeout"`
}

// ModelStoreConfig selects where generated search models are persisted.
type ModelStoreConfig struct {
	Backend  string        `yaml:"backend"`
	BoltPath string        `yaml:"boltPath"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	UserEvents string `yaml:"userEvents"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
			RateWindow:      time.Minute,
			CORSOrigins:     []string{"*"},
			SlowRequest:     time.Second,
		},
		Engine: EngineConfig{
			QueryTermWeight:           1.0,
			ClickedResultTermWeight:   1.0,
			UnclickedResultTermWeight: 0.1,
			FeedbackBgCoeff:           0.9,
			LongTerm: LongTermConfig{
				MinCosSim:       0.1,
				MaxNeighbors:    10,
				QueryPrior:      1.0,
				BackgroundPrior: 1.0,
				MaxEMTries:      5,
				MaxEMIterations: 100,
				ClickPrior:      1.0,
				Seed:            1,
			},
			SearchExpiration:  30 * time.Minute,
			SessionExpiration: 30 * time.Minute,
			MinSessionSim:     0.2,
			DirPrior:          1.0,
		},
		Topics: TopicsConfig{
			StopSim:                0.2,
			JoinSessions:           true,
			JoinSameQueries:        true,
			NontrivialSessionCount: 2,
			RefreshTimeout:         30 * time.Second,
			Store:                  "memory",
		},
		History: HistoryConfig{
			PreloadTimeout: time.Minute,
		},
		ModelStore: ModelStoreConfig{
			Backend:  "none",
			BoltPath: "data/models.db",
			TTL:      24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ucair",
			User:            "ucair",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "ucair-engine",
			Topics: KafkaTopics{
				UserEvents: "ucair.user-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects parameter combinations the models cannot work with.
func (c *Config) Validate() error {
	e := c.Engine
	if e.FeedbackBgCoeff <= 0 || e.FeedbackBgCoeff >= 1 {
		return fmt.Errorf("engine.feedbackBgCoeff must be in (0,1), got %v", e.FeedbackBgCoeff)
	}
	if e.DirPrior <= 0 {
		return fmt.Errorf("engine.dirPrior must be positive, got %v", e.DirPrior)
	}
	if e.LongTerm.MaxEMTries < 1 || e.LongTerm.MaxEMIterations < 1 {
		return fmt.Errorf("engine.longTerm EM tries and iterations must be at least 1")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow <= 0 {
		return fmt.Errorf("server.rateWindow must be positive when rateLimit is set")
	}
	switch c.ModelStore.Backend {
	case "", "none", "redis", "bolt":
	default:
		return fmt.Errorf("unknown modelStore.backend %q", c.ModelStore.Backend)
	}
	switch c.Topics.Store {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("unknown topics.store %q", c.Topics.Store)
	}
	return nil
}

// applyEnvOverrides reads UCAIR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UCAIR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("UCAIR_COL_STATS_FILE"); v != "" {
		cfg.Engine.ColStatsFile = v
	}
	if v := os.Getenv("UCAIR_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("UCAIR_MODEL_STORE"); v != "" {
		cfg.ModelStore.Backend = v
	}
	if v := os.Getenv("UCAIR_TOPICS_STORE"); v != "" {
		cfg.Topics.Store = v
	}
	if v := os.Getenv("UCAIR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("UCAIR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("UCAIR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("UCAIR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("UCAIR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("UCAIR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("UCAIR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("UCAIR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("UCAIR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("UCAIR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
