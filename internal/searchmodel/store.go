package searchmodel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pkgredis "github.com/talkware/ucair/pkg/redis"
	"github.com/talkware/ucair/pkg/resilience"
	"go.etcd.io/bbolt"
)

// Stored is a persisted model. Encoded holds valuemap.EncodeModel text.
type Stored struct {
	Timestamp time.Time
	Adaptive  bool
	Encoded   string
}

// Store persists generated models by search id and model name.
type Store interface {
	Load(ctx context.Context, searchID, name string) (Stored, bool, error)
	Save(ctx context.Context, searchID, name string, s Stored) error
	// Invalidate removes every stored model of searchID.
	Invalidate(ctx context.Context, searchID string) error
}

// marshal writes "<unix-nanos>\t<adaptive>\n" followed by the model text.
func (s Stored) marshal() []byte {
	adaptive := "0"
	if s.Adaptive {
		adaptive = "1"
	}
	return []byte(strconv.FormatInt(s.Timestamp.UnixNano(), 10) + "\t" + adaptive + "\n" + s.Encoded)
}

func unmarshalStored(data []byte) (Stored, error) {
	header, body, _ := strings.Cut(string(data), "\n")
	ts, adaptive, _ := strings.Cut(header, "\t")
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Stored{}, fmt.Errorf("bad stored model header %q: %w", header, err)
	}
	return Stored{
		Timestamp: time.Unix(0, nanos),
		Adaptive:  adaptive == "1",
		Encoded:   body,
	}, nil
}

const redisKeyPrefix = "ucair:model:"

// RedisStore keeps models in Redis with a TTL. Calls go through a circuit
// breaker so an unreachable Redis fails fast.
type RedisStore struct {
	client  *pkgredis.Client
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func NewRedisStore(client *pkgredis.Client, ttl time.Duration, breaker *resilience.CircuitBreaker) *RedisStore {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("model-store", resilience.CircuitBreakerConfig{})
	}
	return &RedisStore{
		client:  client,
		ttl:     ttl,
		breaker: breaker,
		logger:  slog.Default().With("component", "redis-model-store"),
	}
}

func redisKey(searchID, name string) string {
	return redisKeyPrefix + searchID + ":" + name
}

func (s *RedisStore) Load(ctx context.Context, searchID, name string) (Stored, bool, error) {
	key := redisKey(searchID, name)
	var data string
	found := true
	err := s.breaker.Execute(func() error {
		v, err := s.client.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			found = false
			return nil
		}
		data = v
		return err
	})
	if err != nil {
		return Stored{}, false, fmt.Errorf("loading %s: %w", key, err)
	}
	if !found {
		return Stored{}, false, nil
	}
	stored, err := unmarshalStored([]byte(data))
	if err != nil {
		s.logger.Warn("skipping malformed stored model", "key", key, "error", err)
		return Stored{}, false, nil
	}
	return stored, true, nil
}

func (s *RedisStore) Save(ctx context.Context, searchID, name string, stored Stored) error {
	key := redisKey(searchID, name)
	err := s.breaker.Execute(func() error {
		return s.client.Set(ctx, key, stored.marshal(), s.ttl)
	})
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

// Invalidate removes every stored model of searchID.
func (s *RedisStore) Invalidate(ctx context.Context, searchID string) error {
	deleted, err := s.client.FlushByPattern(ctx, redisKeyPrefix+searchID+":*")
	if err != nil {
		return fmt.Errorf("invalidating models of %s: %w", searchID, err)
	}
	s.logger.Debug("model store invalidate", "search_id", searchID, "keys_deleted", deleted)
	return nil
}

var bucketModels = []byte("models")

// BoltStore keeps models in a local bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening model store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketModels)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketModels, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltKey(searchID, name string) []byte {
	return []byte(searchID + "/" + name)
}

func (s *BoltStore) Load(_ context.Context, searchID, name string) (Stored, bool, error) {
	var stored Stored
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketModels).Get(boltKey(searchID, name))
		if data == nil {
			return nil
		}
		var err error
		stored, err = unmarshalStored(data)
		found = err == nil
		return err
	})
	if err != nil {
		return Stored{}, false, err
	}
	return stored, found, nil
}

func (s *BoltStore) Save(_ context.Context, searchID, name string, stored Stored) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketModels).Put(boltKey(searchID, name), stored.marshal())
	})
}

// Invalidate removes every stored model of searchID.
func (s *BoltStore) Invalidate(_ context.Context, searchID string) error {
	prefix := []byte(searchID + "/")
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketModels).Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := tx.Bucket(bucketModels).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
