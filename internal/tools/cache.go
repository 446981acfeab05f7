package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the result cache for idempotent tools.
type CacheConfig struct {
	// MaxSize is the maximum number of entries in the LRU cache.
	MaxSize int
	// TTL is how long a cached result remains valid.
	TTL time.Duration
	// Now is overridable for tests.
	Now func() time.Time
}

// DefaultCacheConfig returns the cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxSize: defaultCacheMaxSize, TTL: defaultCacheTTL}
}

type cacheEntry struct {
	content  string
	metadata map[string]any
	storedAt time.Time
}

// resultCache keys successful results by tool name plus normalized
// arguments.
type resultCache struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

func newResultCache(config CacheConfig) *resultCache {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		return nil
	}
	return &resultCache{cache: cache, ttl: config.TTL, now: config.Now}
}

func (c *resultCache) get(call ToolCall) (*ToolResult, bool) {
	if c == nil {
		return nil, false
	}
	key := cacheKey(call)
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.cache.Remove(key)
		return nil, false
	}
	metadata := cloneMetadata(entry.metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["cached"] = true
	return &ToolResult{CallID: call.ID, Content: entry.content, Metadata: metadata}, true
}

func (c *resultCache) put(call ToolCall, result *ToolResult) {
	if c == nil || !result.OK() {
		return
	}
	c.cache.Add(cacheKey(call), cacheEntry{
		content:  result.Content,
		metadata: cloneMetadata(result.Metadata),
		storedAt: c.now(),
	})
}

func (c *resultCache) len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

func cacheKey(call ToolCall) string {
	return fmt.Sprintf("%s:%s", call.Name, normalizeArgs(call.Arguments))
}

// normalizeArgs serialises args deterministically. json.Marshal already
// sorts map keys; nested maps are rebuilt so every level is a plain map.
func normalizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(sortedMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sortedMap(m map[string]any) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
