package cache_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opal-lang/pipeflow/internal/cache"
	"github.com/opal-lang/pipeflow/internal/hashing"
)

// fixedCode is a trivial hashing.CodeFingerprinter standing in for a Leaf or
// Pipeline whose code identity is held fixed for a test.
type fixedCode struct{ id string }

func (f fixedCode) CodeFingerprint() []byte { return []byte(f.id) }

func newCacher(t *testing.T, code string, maxSaved int) *cache.Cacher {
	t.Helper()
	dir := t.TempDir()
	slot := cache.NewCacheSlot(dir)
	factory := hashing.NewFactory(nil)
	return cache.New("widget", slot, factory, fixedCode{id: code}, maxSaved, dir, nil)
}

func TestUpdateCacheThenCacheExists(t *testing.T) {
	c := newCacher(t, "v1", cache.DefaultMaxSaved)
	args := []any{"a", 1}

	exists, err := c.CacheExists("inst1", args, cache.CacheExistsOptions{})
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, c.UpdateCache("inst1", args, []any{"result"}))

	exists, err = c.CacheExists("inst1", args, cache.CacheExistsOptions{})
	require.NoError(t, err)
	require.True(t, exists)

	out, err := c.LoadOutput("inst1")
	require.NoError(t, err)
	require.Equal(t, []any{"result"}, out)
}

func TestCacheExistsFalseAfterInputChanges(t *testing.T) {
	c := newCacher(t, "v1", cache.DefaultMaxSaved)
	require.NoError(t, c.UpdateCache("inst1", []any{"a"}, []any{"out"}))

	exists, err := c.CacheExists("inst1", []any{"b"}, cache.CacheExistsOptions{})
	require.NoError(t, err)
	require.False(t, exists)
	require.NotEmpty(t, c.LastMismatch())
}

func TestCacheExistsFalseAfterCodeChanges(t *testing.T) {
	dir := t.TempDir()
	slot := cache.NewCacheSlot(dir)
	factory := hashing.NewFactory(nil)

	c1 := cache.New("widget", slot, factory, fixedCode{id: "v1"}, cache.DefaultMaxSaved, dir, nil)
	require.NoError(t, c1.UpdateCache("inst1", []any{"a"}, []any{"out"}))

	c2 := cache.New("widget", slot, factory, fixedCode{id: "v2"}, cache.DefaultMaxSaved, dir, nil)
	exists, err := c2.CacheExists("inst1", []any{"a"}, cache.CacheExistsOptions{})
	require.NoError(t, err)
	require.False(t, exists)
}

func TestEvictionKeepsOnlyMaxSavedMostRecentInstances(t *testing.T) {
	c := newCacher(t, "v1", 2)

	require.NoError(t, c.UpdateCache("a", []any{1}, []any{"a-out"}))
	require.NoError(t, c.UpdateCache("b", []any{2}, []any{"b-out"}))
	require.NoError(t, c.UpdateCache("c", []any{3}, []any{"c-out"}))

	_, err := c.LoadInput("a")
	require.Error(t, err)

	h, err := c.LoadInput("b")
	require.NoError(t, err)
	require.NotEmpty(t, h)
	h, err = c.LoadInput("c")
	require.NoError(t, err)
	require.NotEmpty(t, h)

	_, err = c.LoadOutputHash("a")
	require.Error(t, err)
	_, err = c.LoadOutput("a")
	require.Error(t, err)
}

func TestCachedCallHitsAndMisses(t *testing.T) {
	c := newCacher(t, "v1", cache.DefaultMaxSaved)
	calls := 0
	compute := func() ([]any, error) {
		calls++
		return []any{"computed"}, nil
	}

	out, err := c.CachedCall("inst1", []any{"x"}, false, true, nil, compute)
	require.NoError(t, err)
	require.Equal(t, []any{"computed"}, out)
	require.Equal(t, 1, calls)

	hitCalled := false
	out, err = c.CachedCall("inst1", []any{"x"}, false, true, func() { hitCalled = true }, compute)
	require.NoError(t, err)
	require.Equal(t, []any{"computed"}, out)
	require.Equal(t, 1, calls, "second call should be served from cache")
	require.True(t, hitCalled)
}

func TestCachedCallForceDoSkipsCache(t *testing.T) {
	c := newCacher(t, "v1", cache.DefaultMaxSaved)
	calls := 0
	compute := func() ([]any, error) {
		calls++
		return []any{calls}, nil
	}

	_, err := c.CachedCall("inst1", []any{"x"}, false, true, nil, compute)
	require.NoError(t, err)
	out, err := c.CachedCall("inst1", []any{"x"}, true, true, nil, compute)
	require.NoError(t, err)
	require.Equal(t, []any{2}, out)
	require.Equal(t, 2, calls)
}

func TestCachedCallPropagatesNonRetryableError(t *testing.T) {
	c := newCacher(t, "v1", cache.DefaultMaxSaved)
	boom := errors.New("boom")
	_, err := c.CachedCall("inst1", []any{"x"}, false, true, nil, func() ([]any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestClearCacheForcedAllRemovesEverything(t *testing.T) {
	c := newCacher(t, "v1", cache.DefaultMaxSaved)
	require.NoError(t, c.UpdateCache("inst1", []any{"a"}, []any{"out"}))
	require.NoError(t, c.ClearCacheForcedAll())

	exists, err := c.CacheExists("inst1", []any{"a"}, cache.CacheExistsOptions{})
	require.NoError(t, err)
	require.False(t, exists)
}
