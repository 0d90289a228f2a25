package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis-backed Storage implementation used when
// multiple replica processes share a coordination state cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	KeyPrefix string
	TTL      Config
}

// DefaultRedisConfig returns a localhost default suitable for development.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "swarmlink:",
		TTL:       DefaultConfig(),
	}
}

// RedisStorage implements Storage over a Redis keyspace, namespaced by
// KeyPrefix so multiple coordination cores can share one Redis instance.
type RedisStorage struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedisStorage dials a Redis client per cfg. The connection is lazy;
// the first operation surfaces any connectivity error.
func NewRedisStorage(cfg RedisConfig, logger *zap.Logger) *RedisStorage {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStorage{client: client, cfg: cfg, logger: logger}
}

func (rs *RedisStorage) namespaced(key string) string {
	return rs.cfg.KeyPrefix + key
}

func (rs *RedisStorage) Store(ctx context.Context, key string, value interface{}) error {
	if key == "" {
		return fmt.Errorf("storage: key cannot be empty")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal value: %w", err)
	}
	if err := rs.client.Set(ctx, rs.namespaced(key), data, rs.cfg.TTL.DefaultTTL).Err(); err != nil {
		return fmt.Errorf("storage: redis set: %w", err)
	}
	if rs.logger != nil {
		rs.logger.Debug("data stored", zap.String("key", key), zap.Int("size", len(data)))
	}
	return nil
}

func (rs *RedisStorage) Retrieve(ctx context.Context, key string, dest interface{}) error {
	data, err := rs.RetrieveBytes(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("storage: unmarshal value: %w", err)
	}
	return nil
}

func (rs *RedisStorage) RetrieveBytes(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("storage: key cannot be empty")
	}
	data, err := rs.client.Get(ctx, rs.namespaced(key)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("storage: key not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: redis get: %w", err)
	}
	return data, nil
}

func (rs *RedisStorage) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("storage: key cannot be empty")
	}
	n, err := rs.client.Del(ctx, rs.namespaced(key)).Result()
	if err != nil {
		return fmt.Errorf("storage: redis del: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: key not found: %s", key)
	}
	return nil
}

func (rs *RedisStorage) List(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var result []string
	iter := rs.client.Scan(ctx, 0, rs.cfg.KeyPrefix+pattern, 0).Iterator()
	for iter.Next(ctx) {
		result = append(result, iter.Val()[len(rs.cfg.KeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("storage: redis scan: %w", err)
	}
	return result, nil
}

func (rs *RedisStorage) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("storage: key cannot be empty")
	}
	n, err := rs.client.Exists(ctx, rs.namespaced(key)).Result()
	if err != nil {
		return false, fmt.Errorf("storage: redis exists: %w", err)
	}
	return n > 0, nil
}

func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}
