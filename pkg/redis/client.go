// Package redis wraps go-redis with the handful of operations the proxy
// needs for optional cross-restart state: the thinking/tool signature cache
// and, if wired later, rate-limit mirroring.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes for Redis data.
const (
	PrefixRateLimits        = "antigravity:ratelimits:"
	PrefixSignatureTool     = "antigravity:signatures:tool:"
	PrefixSignatureThinking = "antigravity:signatures:thinking:"
	PrefixTokenCache        = "antigravity:token_cache:"
	PrefixProjectCache      = "antigravity:project_cache:"
)

// Client wraps a go-redis client with the domain operations the proxy uses.
type Client struct {
	rdb *goredis.Client
}

// Config holds Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection with a PING.
func NewClient(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw returns the underlying go-redis client for operations not wrapped here.
func (c *Client) Raw() *goredis.Client {
	return c.rdb
}

// HSet sets fields in a hash, JSON-encoding non-string values.
func (c *Client) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k)
		if s, ok := v.(string); ok {
			args = append(args, s)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		args = append(args, string(data))
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

// HGetAll retrieves all fields from a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// SetString stores a plain string value with optional TTL.
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString retrieves a plain string value.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// ScanAll returns all keys matching pattern using SCAN rather than KEYS.
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// IsNil reports whether err is go-redis's "key not found" sentinel.
func IsNil(err error) bool {
	return err == goredis.Nil
}

// SetSignature stores a tool-call signature with TTL.
func (c *Client) SetSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignatureTool+toolUseID, signature, ttl).Err()
}

// GetSignature retrieves a tool-call signature, returning "" if absent.
func (c *Client) GetSignature(ctx context.Context, toolUseID string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixSignatureTool+toolUseID).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return result, err
}

// SetThinkingSignature stores the model family a thinking signature came from.
func (c *Client) SetThinkingSignature(ctx context.Context, signatureHash, modelFamily string, ttl time.Duration) error {
	key := PrefixSignatureThinking + signatureHash
	if err := c.HSet(ctx, key, map[string]interface{}{
		"modelFamily": modelFamily,
		"timestamp":   time.Now().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return c.Expire(ctx, key, ttl)
}

// GetThinkingSignature retrieves the model family for a thinking signature.
func (c *Client) GetThinkingSignature(ctx context.Context, signatureHash string) (string, error) {
	data, err := c.HGetAll(ctx, PrefixSignatureThinking+signatureHash)
	if err != nil {
		return "", err
	}
	return data["modelFamily"], nil
}
