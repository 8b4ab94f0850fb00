package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Models    ModelsConfig    `yaml:"models" mapstructure:"models"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SearchConfig contains the upstream search engine configuration
type SearchConfig struct {
	Host    string        `yaml:"host" mapstructure:"host"`
	Port    int           `yaml:"port" mapstructure:"port"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ModelsConfig contains embedding model management configuration
type ModelsConfig struct {
	MaxInMemory       int           `yaml:"max_in_memory" mapstructure:"max_in_memory"`
	DefaultTextModel  string        `yaml:"default_text_model" mapstructure:"default_text_model"`
	DefaultImageModel string        `yaml:"default_image_model" mapstructure:"default_image_model"`
	ModelDir          string        `yaml:"model_dir" mapstructure:"model_dir"`
	LoadTimeout       time.Duration `yaml:"load_timeout" mapstructure:"load_timeout"`
	InferenceTimeout  time.Duration `yaml:"inference_timeout" mapstructure:"inference_timeout"`
	MaxBatchSize      int           `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	MaxTextLength     int           `yaml:"max_text_length" mapstructure:"max_text_length"`
}

// CacheConfig contains the Redis embedding cache configuration
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// RateLimitConfig contains request rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin float64 `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket event hub configuration
type WebSocketConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	SendBufferSize int      `yaml:"send_buffer_size" mapstructure:"send_buffer_size"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3001,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
			CORSOrigins:  []string{"http://localhost:7600", "http://127.0.0.1:7600"},
		},
		Search: SearchConfig{
			Host:    "127.0.0.1",
			Port:    9308,
			Timeout: 30 * time.Second,
		},
		Models: ModelsConfig{
			MaxInMemory:       3,
			DefaultTextModel:  "sentence-transformers/all-MiniLM-L6-v2",
			DefaultImageModel: "openai/clip-vit-base-patch32",
			ModelDir:          "./models",
			LoadTimeout:       10 * time.Minute,
			InferenceTimeout:  5 * time.Minute,
			MaxBatchSize:      32,
			MaxTextLength:     8192,
		},
		Cache: CacheConfig{
			Enabled:        false,
			RedisURL:       "redis://localhost:6379/0",
			KeyPrefix:      "embedgate",
			TTL:            time.Hour,
			MaxConnections: 10,
			MinIdleConns:   2,
		},
		RateLimit: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 600,
			Burst:          60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			SendBufferSize: 64,
		},
	}
}
