package format

import (
	"context"
	"sync"
	"time"

	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/pkg/redis"
)

// ttlEntry pairs a cached value with the time it was written, so a generic
// ttlMap can expire entries without a type-specific struct per cache.
type ttlEntry[V any] struct {
	value     V
	timestamp time.Time
}

// ttlMap is an in-memory fallback cache shared by both the tool-call
// signature cache and the thinking-signature-family cache: each stores a
// different value type under the same get/set/expire-on-read semantics, so
// they share this one generic map instead of each hand-rolling its own.
type ttlMap[V any] map[string]ttlEntry[V]

// get returns the cached value for key if present and not older than ttl,
// deleting it (and reporting a miss) once it has expired.
func (m ttlMap[V]) get(key string, ttl time.Duration) (V, bool) {
	entry, ok := m[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Since(entry.timestamp) > ttl {
		delete(m, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (m ttlMap[V]) set(key string, value V) {
	m[key] = ttlEntry[V]{value: value, timestamp: time.Now()}
}

// SignatureCache caches Gemini thoughtSignatures for tool calls and thinking blocks.
// Gemini models require thoughtSignature on tool calls, but Claude Code strips non-standard fields.
// This cache stores signatures so they can be restored in subsequent requests.
//
// For the Go version, we use Redis for persistence instead of in-memory Map.
// Fallback to in-memory cache when Redis is unavailable.
type SignatureCache struct {
	mu            sync.RWMutex
	redisClient   *redis.Client
	useRedis      bool
	memoryCache   ttlMap[string]
	thinkingCache ttlMap[string]
}

// NewSignatureCache creates a new SignatureCache
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	return &SignatureCache{
		redisClient:   redisClient,
		useRedis:      redisClient != nil,
		memoryCache:   make(ttlMap[string]),
		thinkingCache: make(ttlMap[string]),
	}
}

func (c *SignatureCache) ttl() time.Duration {
	return time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a signature for a tool_use_id
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useRedis {
		_ = c.redisClient.SetSignature(context.Background(), toolUseID, signature, c.ttl())
	} else {
		c.memoryCache.set(toolUseID, signature)
	}
}

// GetCachedSignature retrieves a cached signature for a tool_use_id
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.useRedis {
		signature, err := c.redisClient.GetSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return signature
	}

	signature, _ := c.memoryCache.get(toolUseID, c.ttl())
	return signature
}

// CacheThinkingSignature caches a thinking block signature with its model family
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if !longEnough(signature) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useRedis {
		_ = c.redisClient.SetThinkingSignature(context.Background(), signature, modelFamily, c.ttl())
	} else {
		c.thinkingCache.set(signature, modelFamily)
	}
}

// GetCachedSignatureFamily returns the cached model family for a thinking signature
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.useRedis {
		family, err := c.redisClient.GetThinkingSignature(context.Background(), signature)
		if err != nil {
			return ""
		}
		return family
	}

	family, _ := c.thinkingCache.get(signature, c.ttl())
	return family
}

// ClearThinkingSignatureCache clears all entries from the thinking signature cache
func (c *SignatureCache) ClearThinkingSignatureCache() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Redis entries auto-expire via TTL; only the in-memory fallback needs
	// an explicit clear.
	c.thinkingCache = make(ttlMap[string])
}

// Global instance for convenience
var globalSignatureCache *SignatureCache
var signatureCacheOnce sync.Once

// InitGlobalSignatureCache initializes the global signature cache
func InitGlobalSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetGlobalSignatureCache returns the global signature cache instance
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		// Fallback to memory-only cache if not initialized
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking signature cache
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
