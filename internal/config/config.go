// Package config loads and validates worker configuration.
//
// Configuration comes from three layers, later layers winning: built-in
// defaults, an optional yaml file, and LOCALRETRIEVE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/localretrieve/localretrieve/internal/logging"
)

// Config is the root worker configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	RPC       RPCConfig       `yaml:"rpc"`
	Cache     CacheConfig     `yaml:"cache"`
	Providers ProvidersConfig `yaml:"providers"`
	Queue     QueueConfig     `yaml:"queue"`
	LLM       LLMConfig       `yaml:"llm"`
	Logging   logging.Config  `yaml:"logging"`
}

// DatabaseConfig configures the SQLite backing.
type DatabaseConfig struct {
	// Path is the database file path, or ":memory:" for an in-memory instance.
	Path string `yaml:"path"`
	// Synchronous, CacheSize, TempStore map to the recognized pragmas.
	Synchronous string `yaml:"synchronous"`
	CacheSize   int    `yaml:"cache_size"`
	TempStore   string `yaml:"temp_store"`
}

// RPCConfig configures the transport.
type RPCConfig struct {
	// SocketPath is the unix socket the worker listens on.
	SocketPath string `yaml:"socket_path"`
	// MaxConcurrent caps in-flight calls on the client side (default: 10).
	MaxConcurrent int `yaml:"max_concurrent"`
	// CallTimeout is the per-call timeout (default: 30s).
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// CacheConfig configures the three cache tiers.
type CacheConfig struct {
	Memory          MemoryCacheConfig `yaml:"memory"`
	BoltPath        string            `yaml:"bolt_path"`
	BoltTTL         time.Duration     `yaml:"bolt_ttl"`
	SQLTTL          time.Duration     `yaml:"sql_ttl"`
	CleanupInterval time.Duration     `yaml:"cleanup_interval"`
}

// MemoryCacheConfig configures the warm tier.
type MemoryCacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	TTL        time.Duration `yaml:"ttl"`
	// Strategy is the eviction strategy: lru, lfu, priority, hybrid.
	Strategy string `yaml:"strategy"`
}

// ProvidersConfig configures embedding providers.
type ProvidersConfig struct {
	// IdleTimeout evicts cached provider instances after inactivity.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	OpenAI      OpenAIConfig  `yaml:"openai"`
}

// OpenAIConfig configures the HTTPS embedding provider.
type OpenAIConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

// QueueConfig configures embedding-queue processing defaults.
type QueueConfig struct {
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

// LLMConfig configures the optional LLM façade.
type LLMConfig struct {
	Enabled bool          `yaml:"enabled"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        ":memory:",
			Synchronous: "NORMAL",
			CacheSize:   -8000,
			TempStore:   "MEMORY",
		},
		RPC: RPCConfig{
			MaxConcurrent: 10,
			CallTimeout:   30 * time.Second,
		},
		Cache: CacheConfig{
			Memory: MemoryCacheConfig{
				MaxEntries: 1000,
				MaxBytes:   100 * 1024 * 1024,
				TTL:        5 * time.Minute,
				Strategy:   "hybrid",
			},
			BoltTTL:         24 * time.Hour,
			SQLTTL:          7 * 24 * time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Providers: ProvidersConfig{
			IdleTimeout: 30 * time.Minute,
			OpenAI: OpenAIConfig{
				RequestsPerMinute: 60,
				Timeout:           30 * time.Second,
				MaxRetries:        3,
			},
		},
		Queue: QueueConfig{
			BatchSize:  10,
			MaxRetries: 3,
		},
		LLM: LLMConfig{
			Model:   "gpt-4o-mini",
			Timeout: 20 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LOCALRETRIEVE_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOCALRETRIEVE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOCALRETRIEVE_SOCKET"); v != "" {
		cfg.RPC.SocketPath = v
	}
	if v := os.Getenv("LOCALRETRIEVE_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("LOCALRETRIEVE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LOCALRETRIEVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOCALRETRIEVE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RPC.MaxConcurrent = n
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.RPC.MaxConcurrent <= 0 {
		return fmt.Errorf("rpc.max_concurrent must be positive, got %d", c.RPC.MaxConcurrent)
	}
	if c.RPC.CallTimeout <= 0 {
		return fmt.Errorf("rpc.call_timeout must be positive")
	}
	if c.Cache.Memory.MaxEntries <= 0 {
		return fmt.Errorf("cache.memory.max_entries must be positive")
	}
	switch c.Cache.Memory.Strategy {
	case "lru", "lfu", "priority", "hybrid":
	default:
		return fmt.Errorf("cache.memory.strategy must be one of lru, lfu, priority, hybrid; got %q", c.Cache.Memory.Strategy)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	return nil
}
