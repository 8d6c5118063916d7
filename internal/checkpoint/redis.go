package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
)

const redisKeyPrefix = "research:checkpoint:"

// RedisStore keeps checkpoints in Redis with a TTL, for deployments where
// several orchestrator instances share one checkpoint space.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to the Redis at url (redis://host:port/db) and
// verifies the connection before returning.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("Redis checkpoint store ready", zap.Duration("ttl", ttl))
	return &RedisStore{client: client, ttl: ttl, logger: logger}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, state *research.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sessionID, data, s.ttl).Err(); err != nil {
		metrics.CheckpointFailures.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.CheckpointSaves.WithLabelValues("redis").Inc()
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*research.State, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("redis", "load").Inc()
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var state research.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, redisKeyPrefix+sessionID).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
