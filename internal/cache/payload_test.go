package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeSource(t *testing.T, size int, fill byte) string {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = fill
	}
	path := filepath.Join(t.TempDir(), "payload.parquet")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func entries(c *PayloadCache) int64 {
	_, _, _, n, _ := c.Stats()
	return n
}

func sizeOf(c *PayloadCache) int64 {
	_, _, _, _, size := c.Stats()
	return size
}

func TestPayloadCache_PutAcquire(t *testing.T) {
	c, err := New(t.TempDir(), 1024, zap.NewNop())
	require.NoError(t, err)

	_, _, ok := c.Acquire("garden/un/2022/wpp/population", "a1")
	assert.False(t, ok)

	require.NoError(t, c.Put("garden/un/2022/wpp/population", "a1", writeSource(t, 12, 'x')))

	path, release, ok := c.Acquire("garden/un/2022/wpp/population", "a1")
	require.True(t, ok)
	defer release()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "xxxxxxxxxxxx", string(content))

	// The checksum is part of the key
	_, _, ok = c.Acquire("garden/un/2022/wpp/population", "a2")
	assert.False(t, ok)

	hits, misses, _, entries, size := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
	assert.Equal(t, int64(1), entries)
	assert.Equal(t, int64(12), size)
	assert.InDelta(t, 33.3, c.HitRate(), 0.1)
}

func TestPayloadCache_PutSameKeyTwice(t *testing.T) {
	c, err := New(t.TempDir(), 1024, zap.NewNop())
	require.NoError(t, err)

	src := writeSource(t, 10, 'a')
	require.NoError(t, c.Put("t", "c", src))
	require.NoError(t, c.Put("t", "c", src))
	assert.Equal(t, int64(1), entries(c))
	assert.Equal(t, int64(10), sizeOf(c))
}

func TestPayloadCache_Eviction(t *testing.T) {
	c, err := New(t.TempDir(), 100, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("table%d", i), "c", writeSource(t, 30, byte(i))))
	}

	assert.LessOrEqual(t, sizeOf(c), int64(100))
	_, _, evictions, _, _ := c.Stats()
	assert.Greater(t, evictions, int64(0))

	// The newest payload survives
	_, release, ok := c.Acquire("table4", "c")
	assert.True(t, ok)
	release()
}

func TestPayloadCache_EvictionPrefersUnused(t *testing.T) {
	c, err := New(t.TempDir(), 100, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Put("hot", "c", writeSource(t, 40, 'h')))
	require.NoError(t, c.Put("cold", "c", writeSource(t, 40, 'c')))
	for i := 0; i < 3; i++ {
		_, release, ok := c.Acquire("hot", "c")
		require.True(t, ok)
		release()
	}

	require.NoError(t, c.Put("new", "c", writeSource(t, 40, 'n')))

	_, release, ok := c.Acquire("hot", "c")
	assert.True(t, ok)
	release()
	_, _, ok = c.Acquire("cold", "c")
	assert.False(t, ok)
}

func TestPayloadCache_PinnedNotEvicted(t *testing.T) {
	c, err := New(t.TempDir(), 100, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Put("pinned", "c", writeSource(t, 60, 'p')))
	path, release, ok := c.Acquire("pinned", "c")
	require.True(t, ok)

	require.NoError(t, c.Put("other", "c", writeSource(t, 60, 'o')))

	_, err = os.Stat(path)
	assert.NoError(t, err, "pinned payload must stay on disk")

	release()
	release() // idempotent

	// Unpinned now, so the next insert over capacity evicts it
	require.NoError(t, c.Put("third", "c", writeSource(t, 60, 't')))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPayloadCache_TooLargeIsSkipped(t *testing.T) {
	c, err := New(t.TempDir(), 10, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Put("big", "c", writeSource(t, 11, 'b')))
	assert.Equal(t, int64(0), entries(c))
}

func TestPayloadCache_Reopen(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 1024, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Put("t", "c", writeSource(t, 8, 'r')))

	// Leftover from an interrupted write
	require.NoError(t, os.WriteFile(filepath.Join(dir, "put-123.tmp"), []byte("partial"), 0644))

	reopened, err := New(dir, 1024, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries(reopened))
	assert.Equal(t, int64(8), sizeOf(reopened))
	_, release, ok := reopened.Acquire("t", "c")
	assert.True(t, ok)
	release()

	_, err = os.Stat(filepath.Join(dir, "put-123.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestPayloadCache_Concurrent(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20, zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("table%d", i%4)
			src := filepath.Join(t.TempDir(), "p")
			if err := os.WriteFile(src, []byte(key), 0644); err != nil {
				t.Error(err)
				return
			}
			if err := c.Put(key, "c", src); err != nil {
				t.Error(err)
				return
			}
			if _, release, ok := c.Acquire(key, "c"); ok {
				release()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(4), entries(c))
}

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	_, err := New(t.TempDir(), 0, zap.NewNop())
	assert.Error(t, err)
}
