package cache

import "time"

// Config contains embedding cache configuration
type Config struct {
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// CachedEmbedding is the stored form of one embedding response.
type CachedEmbedding struct {
	Model      string      `json:"model"`
	Kind       string      `json:"kind"`
	Vectors    [][]float32 `json:"vectors"`
	Dimensions int         `json:"dimensions"`
	CachedAt   time.Time   `json:"cached_at"`
	TTL        int64       `json:"ttl_seconds"`
}

// Stats reports cache performance counters.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate_percent"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}
