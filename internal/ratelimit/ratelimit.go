// Package ratelimit bounds inbound per-peer request volume with a windowed
// token bucket, keyed by peer id. It sits in front of the coordination
// manager's Connect entry point, distinct from the sync
// orchestrator's outbound rate.Limiter, which paces this replica's own
// requests rather than policing what peers send in.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config tunes the limiter.
type Config struct {
	DefaultLimit    int
	Window          time.Duration
	MaxKeys         int
	CleanupInterval time.Duration
	IdleThreshold   time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:    1000,
		Window:          time.Minute,
		MaxKeys:         10000,
		CleanupInterval: 5 * time.Minute,
		IdleThreshold:   10 * time.Minute,
	}
}

type bucket struct {
	limit       int
	count       int
	windowStart time.Time
	lastAccess  time.Time
}

// Info reports a key's current quota state.
type Info struct {
	Key       string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a per-key windowed token bucket, safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	cfg          Config
	buckets      map[string]*bucket
	customLimits map[string]int
	logger       *zap.Logger
	stop         chan struct{}
	stopped      bool
}

// New creates a limiter and starts its background cleanup loop.
func New(cfg Config, logger *zap.Logger) *Limiter {
	l := &Limiter{
		cfg:          cfg,
		buckets:      make(map[string]*bucket),
		customLimits: make(map[string]int),
		logger:       logger,
		stop:         make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// SetCustomLimit overrides the default limit for a specific key.
func (l *Limiter) SetCustomLimit(key string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.customLimits[key] = limit
}

// Allow reports whether key may proceed, consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	info, err := l.AllowWithDetails(key)
	return err == nil && info.Remaining >= 0
}

// AllowWithDetails is Allow plus the resulting quota state.
func (l *Limiter) AllowWithDetails(key string) (Info, error) {
	if key == "" {
		return Info{}, fmt.Errorf("ratelimit: empty key")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) >= l.cfg.MaxKeys {
		l.performCleanup()
		if len(l.buckets) >= l.cfg.MaxKeys {
			return Info{}, fmt.Errorf("ratelimit: capacity exceeded")
		}
	}

	now := time.Now()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{limit: l.limitFor(key), windowStart: now}
		l.buckets[key] = b
	}
	b.lastAccess = now

	if now.Sub(b.windowStart) >= l.cfg.Window {
		b.count = 0
		b.windowStart = now
	}

	allowed := b.count < b.limit
	if allowed {
		b.count++
	}

	remaining := b.limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		remaining = -1
		if l.logger != nil {
			l.logger.Debug("rate limit exceeded", zap.String("key", key), zap.Int("limit", b.limit))
		}
	}

	return Info{Key: key, Limit: b.limit, Remaining: remaining, ResetAt: b.windowStart.Add(l.cfg.Window)}, nil
}

// Reset clears a key's window, used after a peer re-authenticates.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		b.count = 0
		b.windowStart = time.Now()
	}
}

func (l *Limiter) limitFor(key string) int {
	if limit, ok := l.customLimits[key]; ok {
		return limit
	}
	return l.cfg.DefaultLimit
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.performCleanup()
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) performCleanup() {
	now := time.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.cfg.IdleThreshold {
			delete(l.buckets, key)
		}
	}
}

// Close stops the background cleanup loop.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
}
