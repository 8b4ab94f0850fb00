package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EmbeddingCache is a Redis-backed cache for embedding responses, keyed by
// (model, kind, content batch). A nil *EmbeddingCache is a valid no-op
// cache, so callers don't branch on whether caching is enabled.
type EmbeddingCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger

	hits   int64
	misses int64
}

// NewEmbeddingCache creates a Redis-based embedding cache
func NewEmbeddingCache(config *Config, logger *zap.Logger) (*EmbeddingCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	cache := &EmbeddingCache{
		client: client,
		config: config,
		logger: logger,
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Embedding cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// Get looks up a cached embedding response. A nil result with nil error is
// a miss.
func (c *EmbeddingCache) Get(ctx context.Context, model, kind string, contents []string) (*CachedEmbedding, error) {
	if c == nil {
		return nil, nil
	}

	key := c.key(model, kind, contents)
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, nil
	} else if err != nil {
		c.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, nil
	}

	var cached CachedEmbedding
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		c.logger.Error("Failed to unmarshal cached embedding", zap.Error(err))
		// Drop the corrupted entry.
		c.client.Del(ctx, key)
		atomic.AddInt64(&c.misses, 1)
		return nil, nil
	}

	atomic.AddInt64(&c.hits, 1)
	c.logger.Debug("Cache hit", zap.String("key", key), zap.String("model", model))
	return &cached, nil
}

// Set stores an embedding response with the configured TTL.
func (c *EmbeddingCache) Set(ctx context.Context, model, kind string, contents []string, vectors [][]float32) error {
	if c == nil {
		return nil
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	entry := CachedEmbedding{
		Model:      model,
		Kind:       kind,
		Vectors:    vectors,
		Dimensions: dims,
		CachedAt:   time.Now(),
		TTL:        int64(c.config.DefaultTTL.Seconds()),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding for caching: %w", err)
	}

	key := c.key(model, kind, contents)
	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Error("Failed to cache embedding", zap.Error(err))
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// SetBatch stores several responses through one pipeline round trip.
func (c *EmbeddingCache) SetBatch(ctx context.Context, model, kind string, batches [][]string, results [][][]float32) error {
	if c == nil {
		return nil
	}
	if len(batches) != len(results) {
		return fmt.Errorf("batches and results length mismatch")
	}
	if len(batches) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for i, contents := range batches {
		dims := 0
		if len(results[i]) > 0 {
			dims = len(results[i][0])
		}
		entry := CachedEmbedding{
			Model:      model,
			Kind:       kind,
			Vectors:    results[i],
			Dimensions: dims,
			CachedAt:   time.Now(),
			TTL:        int64(c.config.DefaultTTL.Seconds()),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			c.logger.Error("Failed to marshal embedding for batch caching", zap.Error(err))
			continue
		}
		pipe.Set(ctx, c.key(model, kind, contents), data, c.config.DefaultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Batch cache operation failed", zap.Error(err))
		return fmt.Errorf("batch cache operation failed: %w", err)
	}
	return nil
}

// GetStats returns cache performance statistics
func (c *EmbeddingCache) GetStats(ctx context.Context) (*Stats, error) {
	if c == nil {
		return &Stats{}, nil
	}

	stats := &Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "used_memory:") {
			if mem, err := strconv.ParseInt(strings.TrimPrefix(line, "used_memory:"), 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats, nil
}

// Clear removes every cached embedding under our key prefix.
func (c *EmbeddingCache) Clear(ctx context.Context) error {
	if c == nil {
		return nil
	}

	pattern := c.config.KeyPrefix + ":emb:*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *EmbeddingCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// key hashes the request identity into a stable cache key.
func (c *EmbeddingCache) key(model, kind string, contents []string) string {
	hasher := sha256.New()
	hasher.Write([]byte(model))
	hasher.Write([]byte{0})
	hasher.Write([]byte(kind))
	for _, content := range contents {
		hasher.Write([]byte{0})
		hasher.Write([]byte(content))
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	return fmt.Sprintf("%s:emb:%s", c.config.KeyPrefix, hash[:16])
}

// maskRedisURL masks credentials in a Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
