package embed

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spectyra/spectyra-core/internal/semantic"
)

// defaultCacheSize bounds the number of memoized vectors.
const defaultCacheSize = 2048

type cacheEntry struct {
	vector   []float32
	lastUsed int64
}

// Cache memoizes vectors from an inner embedder, keyed by (model, sha1(text)).
// Sound because embeddings are deterministic per (model, text): a hit can
// never go stale. Safe for concurrent use.
type Cache struct {
	inner semantic.Embedder
	model string
	limit int

	mu      sync.Mutex
	entries map[string]*cacheEntry
	tick    int64
}

// NewCache wraps inner with an LRU of at most size vectors. The model label
// keys the cache alongside the text; size <= 0 selects the default capacity.
func NewCache(inner semantic.Embedder, model string, size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Cache{
		inner:   inner,
		model:   strings.TrimSpace(model),
		limit:   size,
		entries: make(map[string]*cacheEntry),
	}
}

// Len reports the number of memoized vectors.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Embed serves known texts from the cache and batches only the misses to the
// inner embedder. Output order and arity match the input.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("embed: nil cache embedder")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	c.mu.Lock()
	for i, text := range texts {
		if entry, ok := c.entries[c.key(text)]; ok {
			c.tick++
			entry.lastUsed = c.tick
			out[i] = append([]float32(nil), entry.vector...)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embed: inner embedder returned %d vectors for %d texts", len(vectors), len(missTexts))
	}

	c.mu.Lock()
	for j, i := range missIdx {
		out[i] = vectors[j]
		if len(vectors[j]) == 0 {
			// A zero-length vector is the degraded fallback, not a real
			// embedding; memoizing it would pin the degradation.
			continue
		}
		c.storeLocked(c.key(texts[i]), vectors[j])
	}
	c.mu.Unlock()
	return out, nil
}

func (c *Cache) key(text string) string {
	h := sha1.New() // #nosec G401 -- cache key derivation, not security sensitive.
	_, _ = h.Write([]byte(c.model))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// storeLocked inserts or touches an entry. Caller must hold c.mu.
func (c *Cache) storeLocked(key string, vector []float32) {
	c.tick++
	if entry, ok := c.entries[key]; ok {
		entry.lastUsed = c.tick
		return
	}
	if len(c.entries) >= c.limit {
		c.evictLocked()
	}
	c.entries[key] = &cacheEntry{
		vector:   append([]float32(nil), vector...),
		lastUsed: c.tick,
	}
}

// evictLocked drops the least recently used entry. Caller must hold c.mu.
func (c *Cache) evictLocked() {
	var oldestKey string
	var oldestTick int64
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastUsed < oldestTick {
			oldestKey = key
			oldestTick = entry.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
