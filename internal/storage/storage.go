// Package storage persists CRDT snapshots and pattern records keyed by id,
// with pluggable backends (in-memory for tests and single-process
// deployments, Redis for multi-process coordination).
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Storage is the key-value persistence surface implemented by MemoryStorage
// and RedisStorage. Keys are opaque strings; Store JSON-marshals values.
type Storage interface {
	Store(ctx context.Context, key string, value interface{}) error
	Retrieve(ctx context.Context, key string, dest interface{}) error
	RetrieveBytes(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, pattern string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Config holds configuration shared by every backend.
type Config struct {
	MaxKeys         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for a replica's local state.
func DefaultConfig() Config {
	return Config{
		MaxKeys:         100000,
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

type item struct {
	Data      []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// MemoryStorage is an in-process Storage backed by a guarded map, with a
// background sweep for expired entries.
type MemoryStorage struct {
	cfg    Config
	items  map[string]*item
	mu     sync.RWMutex
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryStorage creates an in-memory store and starts its cleanup loop.
func NewMemoryStorage(cfg Config, logger *zap.Logger) *MemoryStorage {
	ctx, cancel := context.WithCancel(context.Background())
	ms := &MemoryStorage{
		cfg:    cfg,
		items:  make(map[string]*item),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	ms.wg.Add(1)
	go ms.cleanupLoop()
	return ms
}

func (ms *MemoryStorage) Store(ctx context.Context, key string, value interface{}) error {
	if key == "" {
		return fmt.Errorf("storage: key cannot be empty")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal value: %w", err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.items[key]; !exists && len(ms.items) >= ms.cfg.MaxKeys {
		ms.performCleanup()
		if len(ms.items) >= ms.cfg.MaxKeys {
			return fmt.Errorf("storage: capacity exceeded: %d", ms.cfg.MaxKeys)
		}
	}

	now := time.Now()
	ms.items[key] = &item{Data: data, ExpiresAt: now.Add(ms.cfg.DefaultTTL), CreatedAt: now}
	if ms.logger != nil {
		ms.logger.Debug("data stored", zap.String("key", key), zap.Int("size", len(data)))
	}
	return nil
}

func (ms *MemoryStorage) Retrieve(ctx context.Context, key string, dest interface{}) error {
	data, err := ms.RetrieveBytes(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("storage: unmarshal value: %w", err)
	}
	return nil
}

func (ms *MemoryStorage) RetrieveBytes(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("storage: key cannot be empty")
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	it, exists := ms.items[key]
	if !exists {
		return nil, fmt.Errorf("storage: key not found: %s", key)
	}
	if time.Now().After(it.ExpiresAt) {
		return nil, fmt.Errorf("storage: key expired: %s", key)
	}

	result := make([]byte, len(it.Data))
	copy(result, it.Data)
	return result, nil
}

func (ms *MemoryStorage) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("storage: key cannot be empty")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, exists := ms.items[key]; !exists {
		return fmt.Errorf("storage: key not found: %s", key)
	}
	delete(ms.items, key)
	return nil
}

func (ms *MemoryStorage) List(ctx context.Context, pattern string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var result []string
	now := time.Now()
	for key, it := range ms.items {
		if now.After(it.ExpiresAt) {
			continue
		}
		if pattern == "*" || pattern == "" || strings.Contains(key, pattern) {
			result = append(result, key)
			continue
		}
		if matched, _ := filepath.Match(pattern, key); matched {
			result = append(result, key)
		}
	}
	return result, nil
}

func (ms *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("storage: key cannot be empty")
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	it, exists := ms.items[key]
	if !exists || time.Now().After(it.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

func (ms *MemoryStorage) Close() error {
	ms.cancel()
	ms.wg.Wait()
	return nil
}

func (ms *MemoryStorage) cleanupLoop() {
	defer ms.wg.Done()
	ticker := time.NewTicker(ms.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ms.mu.Lock()
			ms.performCleanup()
			ms.mu.Unlock()
		case <-ms.ctx.Done():
			return
		}
	}
}

func (ms *MemoryStorage) performCleanup() {
	now := time.Now()
	for key, it := range ms.items {
		if now.After(it.ExpiresAt) {
			delete(ms.items, key)
		}
	}
}
