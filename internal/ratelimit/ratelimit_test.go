package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowDeniesAfterLimitExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLimit = 2
	l := New(cfg, nil)
	defer l.Close()

	assert.True(t, l.Allow("peer-a"))
	assert.True(t, l.Allow("peer-a"))
	assert.False(t, l.Allow("peer-a"))
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLimit = 1
	l := New(cfg, nil)
	defer l.Close()

	require.True(t, l.Allow("peer-a"))
	assert.True(t, l.Allow("peer-b"))
}

func TestResetRestoresQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLimit = 1
	l := New(cfg, nil)
	defer l.Close()

	l.Allow("peer-a")
	require.False(t, l.Allow("peer-a"))
	l.Reset("peer-a")
	assert.True(t, l.Allow("peer-a"))
}

func TestCustomLimitOverridesDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLimit = 1
	l := New(cfg, nil)
	defer l.Close()
	l.SetCustomLimit("peer-vip", 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("peer-vip"), "request %d should be allowed", i)
	}
	assert.False(t, l.Allow("peer-vip"))
}
