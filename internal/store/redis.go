package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/logging"
	"tablebridge/engine/internal/models"
)

// NewRedisClient connects using the REDIS_* environment variables.
func NewRedisClient() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// The pool reconnects on its own; keep the client.
		logging.Warn("redis ping failed", "error", err)
	}
	return client
}

// RedisStateStore keeps sync state as one JSON document per config. Suited
// to deployments without Postgres; state is rebuildable, so eviction only
// costs a full re-diff.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ engine.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore builds a store. ttl zero means keys never expire.
func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

func stateKey(configID string) string {
	return "tablebridge:state:" + configID
}

func (s *RedisStateStore) Get(ctx context.Context, configID string) (*models.SyncState, error) {
	raw, err := s.client.Get(ctx, stateKey(configID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil // first run
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state for %s: %w", configID, err)
	}
	state := models.NewSyncState(configID)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decoding sync state for %s: %w", configID, err)
	}
	return state, nil
}

func (s *RedisStateStore) Put(ctx context.Context, configID string, state *models.SyncState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding sync state for %s: %w", configID, err)
	}
	return s.client.Set(ctx, stateKey(configID), raw, s.ttl).Err()
}

func (s *RedisStateStore) Clear(ctx context.Context, configID string) error {
	return s.client.Del(ctx, stateKey(configID)).Err()
}
