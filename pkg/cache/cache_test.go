package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(t.TempDir(), rdb), context.Background()
}

func writeSandboxFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, contents, 0o644))
	return p
}

func TestCache_MoveInThenLookup_RoundTrips(t *testing.T) {
	c, ctx := newTestCache(t)
	sandbox := t.TempDir()
	src := writeSandboxFile(t, sandbox, "payload.bin", []byte("hello world"))

	k := Key{Provider: "ms", Algorithm: "sha256", Hash: "abc123"}
	require.NoError(t, c.MoveIn(ctx, src, k))

	path, ok := c.Lookup(ctx, k)
	require.True(t, ok)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err), "MoveIn must transfer ownership, not copy")
}

func TestCache_Lookup_MissReturnsFalse(t *testing.T) {
	c, ctx := newTestCache(t)
	_, ok := c.Lookup(ctx, Key{Provider: "ms", Algorithm: "sha256", Hash: "nope"})
	require.False(t, ok)
}

func TestCache_MoveIn_ReplacesExistingEntry(t *testing.T) {
	c, ctx := newTestCache(t)
	sandbox := t.TempDir()
	k := Key{Provider: "ms", Algorithm: "sha256", Hash: "dup"}

	first := writeSandboxFile(t, sandbox, "first.bin", []byte("v1"))
	require.NoError(t, c.MoveIn(ctx, first, k))

	second := writeSandboxFile(t, sandbox, "second.bin", []byte("v2-longer"))
	require.NoError(t, c.MoveIn(ctx, second, k))

	path, ok := c.Lookup(ctx, k)
	require.True(t, ok)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v2-longer", string(got))
}

func TestCache_EvictOldestUntilUnder_RemovesLeastRecentlyUsedFirst(t *testing.T) {
	c, ctx := newTestCache(t)
	sandbox := t.TempDir()

	keys := []Key{
		{Provider: "ms", Algorithm: "sha256", Hash: "a"},
		{Provider: "ms", Algorithm: "sha256", Hash: "b"},
		{Provider: "ms", Algorithm: "sha256", Hash: "c"},
	}
	for i, k := range keys {
		src := writeSandboxFile(t, sandbox, k.Hash, []byte("0123456789")) // 10 bytes each
		require.NoError(t, c.MoveIn(ctx, src, k))
		_ = i
	}

	// Touch "b" and "c" so "a" becomes the oldest by atime.
	_, ok := c.Lookup(ctx, keys[1])
	require.True(t, ok)
	_, ok = c.Lookup(ctx, keys[2])
	require.True(t, ok)

	require.NoError(t, c.EvictOldestUntilUnder(ctx, 20))

	_, ok = c.Lookup(ctx, keys[0])
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Lookup(ctx, keys[1])
	require.True(t, ok)
	_, ok = c.Lookup(ctx, keys[2])
	require.True(t, ok)
}

func TestCache_EvictOldestUntilUnder_NoopWhenAlreadyUnderCap(t *testing.T) {
	c, ctx := newTestCache(t)
	sandbox := t.TempDir()
	k := Key{Provider: "ms", Algorithm: "sha256", Hash: "solo"}
	src := writeSandboxFile(t, sandbox, "solo.bin", []byte("x"))
	require.NoError(t, c.MoveIn(ctx, src, k))

	require.NoError(t, c.EvictOldestUntilUnder(ctx, 1<<20))

	_, ok := c.Lookup(ctx, k)
	require.True(t, ok)
}
