// Package cache implements the content-addressed source update cache
// of spec §4.4: a filesystem layout keyed by provider/algorithm/hash,
// plus an LRU-by-atime index used to evict entries once the cache
// grows past its size budget.
//
// The filesystem holds the payload bytes; a redis-go sorted set holds
// the atime index, the same split the teacher's own metrics layer
// makes between "the data" (a Machine's status) and "the index used to
// reason about it" (a Prometheus collector) -- here the index is a
// ZSET scored by atime so EvictOldestUntilUnder can ask Redis for the
// globally oldest entries instead of doing an O(n log n) sort itself
// for every eviction.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/device-update/agent-core/pkg/metrics"
)

// Key identifies one cache entry.
type Key struct {
	Provider  string
	Algorithm string
	Hash      string
}

func (k Key) indexMember() string {
	return strings.Join([]string{k.Provider, k.Algorithm, k.Hash}, "/")
}

func memberToKey(member string) (Key, bool) {
	parts := strings.SplitN(member, "/", 3)
	if len(parts) != 3 {
		return Key{}, false
	}
	return Key{Provider: parts[0], Algorithm: parts[1], Hash: parts[2]}, true
}

const indexSetName = "adu:cache:atime"
const sizeHashName = "adu:cache:size"

// Cache is the source update cache rooted at Base. Safe for concurrent
// use: filesystem moves are atomic renames and the atime/size index
// lives in Redis, which serializes per-key writes itself.
type Cache struct {
	base   string
	redis  redis.Cmdable
	mu     sync.Mutex // serializes MoveIn/Evict against each other's directory creation
}

// New returns a Cache rooted at base, indexed in the given Redis
// client (a real *redis.Client in production, or a miniredis-backed
// client in tests).
func New(base string, rdb redis.Cmdable) *Cache {
	return &Cache{base: base, redis: rdb}
}

func (c *Cache) path(k Key) string {
	return filepath.Join(c.base, k.Provider, k.Algorithm, k.Hash)
}

// nowScore returns the Unix time in fractional seconds as a ZSET
// score. As a float64 it resolves a few hundred nanoseconds at
// present-day timestamps, so two atime bumps that land in the same second (routine
// under test, and possible in production under bursty access) still
// order correctly instead of tying.
func nowScore() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Lookup returns the filesystem path for k if present, bumping its
// atime in the index, or ok=false on a cache miss.
func (c *Cache) Lookup(ctx context.Context, k Key) (path string, ok bool) {
	p := c.path(k)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	now := nowScore()
	if err := c.redis.ZAdd(ctx, indexSetName, redis.Z{Score: now, Member: k.indexMember()}).Err(); err != nil {
		klog.Warningf("cache: failed to bump atime for %v: %v", k, err)
	}
	return p, true
}

// MoveIn atomically moves sandboxPath into the cache under k,
// transferring ownership of sandboxPath (it must not be used by the
// caller afterward). If an entry already exists at k, it is replaced.
func (c *Cache) MoveIn(ctx context.Context, sandboxPath string, k Key) error {
	c.mu.Lock()
	dest := c.path(k)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("cache: creating directory for %v: %w", k, err)
	}
	info, err := os.Stat(sandboxPath)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("cache: stat sandbox path: %w", err)
	}
	if err := os.Rename(sandboxPath, dest); err != nil {
		c.mu.Unlock()
		if err := copyThenRemove(sandboxPath, dest); err != nil {
			return fmt.Errorf("cache: moving %s into cache: %w", sandboxPath, err)
		}
		c.mu.Lock()
	}
	c.mu.Unlock()

	now := nowScore()
	pipe := c.redis.TxPipeline()
	pipe.ZAdd(ctx, indexSetName, redis.Z{Score: now, Member: k.indexMember()})
	pipe.HSet(ctx, sizeHashName, k.indexMember(), info.Size())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: indexing %v: %w", k, err)
	}
	return nil
}

// copyThenRemove is the cross-filesystem fallback for os.Rename,
// which fails with EXDEV when sandboxPath and the cache base live on
// different filesystems (e.g. a tmpfs download sandbox).
func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer tmp.Cleanup()
	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return os.Remove(src)
}

// EvictOldestUntilUnder walks cache entries ordered by ascending
// atime, unlinking them until the sum of remaining entry sizes is at
// or under totalSizeCap.
func (c *Cache) EvictOldestUntilUnder(ctx context.Context, totalSizeCap int64) error {
	total, err := c.totalSize(ctx)
	if err != nil {
		return err
	}
	defer func() { metrics.ObserveCacheSize(total) }()
	for total > totalSizeCap {
		members, err := c.redis.ZRangeWithScores(ctx, indexSetName, 0, 0).Result()
		if err != nil {
			return fmt.Errorf("cache: reading eviction candidate: %w", err)
		}
		if len(members) == 0 {
			return nil
		}
		member := members[0].Member.(string)
		k, ok := memberToKey(member)
		if !ok {
			c.redis.ZRem(ctx, indexSetName, member)
			continue
		}
		size, err := c.entrySize(ctx, member)
		if err != nil {
			klog.Warningf("cache: could not read size for %v during eviction: %v", k, err)
		}
		if err := os.Remove(c.path(k)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cache: evicting %v: %w", k, err)
		}
		pipe := c.redis.TxPipeline()
		pipe.ZRem(ctx, indexSetName, member)
		pipe.HDel(ctx, sizeHashName, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("cache: deindexing %v: %w", k, err)
		}
		total -= size
	}
	return nil
}

func (c *Cache) totalSize(ctx context.Context) (int64, error) {
	sizes, err := c.redis.HGetAll(ctx, sizeHashName).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: reading size index: %w", err)
	}
	var total int64
	for _, v := range sizes {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

func (c *Cache) entrySize(ctx context.Context, member string) (int64, error) {
	v, err := c.redis.HGet(ctx, sizeHashName, member).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
