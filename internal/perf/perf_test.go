package perf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/swarmlink/internal/pattern"
)

func TestSummaryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewSummaryCache(2)
	require.NoError(t, err)

	c.Put("a", pattern.Summary{ID: "a"})
	c.Put("b", pattern.Summary{ID: "b"})
	c.Get("a") // touch a, making b the LRU entry
	c.Put("c", pattern.Summary{ID: "c"})

	_, ok := c.Get("b")
	assert.False(t, ok, "expected b to be evicted")

	_, ok = c.Get("a")
	assert.True(t, ok, "expected a to survive eviction")
}

func TestSummaryCacheInvalidate(t *testing.T) {
	c, err := NewSummaryCache(4)
	require.NoError(t, err)

	c.Put("a", pattern.Summary{ID: "a"})
	c.Invalidate("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestBatchDispatcherFlushesAtMaxSize(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]int

	cfg := BatchConfig{MaxBatchSize: 3, FlushInterval: time.Hour}
	d := NewBatchDispatcher(cfg, func(batch []int) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, batch)
	}, nil)
	defer d.Close()

	d.Add(1)
	d.Add(2)
	d.Add(3)

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Equal(t, []int{1, 2, 3}, flushed[0])
}

func TestBatchDispatcherFlushesRemainderOnClose(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]string

	cfg := BatchConfig{MaxBatchSize: 100, FlushInterval: time.Hour}
	d := NewBatchDispatcher(cfg, func(batch []string) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, batch)
	}, nil)

	d.Add("x")
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"x"}, flushed[0])
}

func TestBufferPoolReturnsResetBuffer(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("leftover")
	PutBuffer(buf)

	reused := GetBuffer()
	assert.Equal(t, 0, reused.Len())
}
