package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DataDirName is the per-project directory holding the cache, lock and side tables.
const DataDirName = ".task2vec"

// Config holds all configuration for task2vec.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Score     ScoreConfig     `yaml:"score"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CacheConfig holds vector cache configuration.
type CacheConfig struct {
	Path        string        `yaml:"path"`         // Empty means <dir>/.task2vec/embeddings.db
	Strict      bool          `yaml:"strict"`       // Reject duplicate keys instead of last-write-wins
	LockTimeout time.Duration `yaml:"lock_timeout"` // How long to wait for the writer lock
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`    // "openai", "voyage", "jina", "deepseek", "ollama", "compatible", "mock"
	Model             string        `yaml:"model"`       // e.g., "text-embedding-3-large"
	APIKeyEnv         string        `yaml:"api_key_env"` // Environment variable for API key
	BaseURL           string        `yaml:"base_url"`
	Dimension         int           `yaml:"dimension"`
	BatchSize         int           `yaml:"batch_size"`
	CheckpointEvery   int           `yaml:"checkpoint_every"` // Items, not batches
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"max_retries"`
	MaxInputTokens    int           `yaml:"max_input_tokens"` // 0 = no truncation
}

// IndexConfig holds similarity index configuration.
type IndexConfig struct {
	Includes      []string `yaml:"includes"` // Key patterns, e.g. "SPR-*"
	Excludes      []string `yaml:"excludes"` // Key patterns, e.g. "ZOOKEEPER-*"
	MetadataPath  string   `yaml:"metadata_path"`
	MetadataTable string   `yaml:"metadata_table"`
	LabelsPath    string   `yaml:"labels_path"`
	SummaryMaxLen int      `yaml:"summary_max_len"`
}

// ScoreConfig holds outcome scoring configuration.
type ScoreConfig struct {
	Labels        []string      `yaml:"labels"` // Ordered label enumeration
	FallbackLabel string        `yaml:"fallback_label"`
	NeighborCount int           `yaml:"neighbor_count"`
	TopK          int           `yaml:"top_k"`
	Precision     int           `yaml:"precision"` // Decimal places for display
	QueryCache    int           `yaml:"query_cache"`
	QueryCacheTTL time.Duration `yaml:"query_cache_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Empty disables the listener
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Strict:      true,
			LockTimeout: 2 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-large",
			APIKeyEnv:         "OPENAI_API_KEY",
			Dimension:         3072,
			BatchSize:         128,
			CheckpointEvery:   1000,
			BatchTimeout:      2 * time.Minute,
			RequestsPerMinute: 300,
			Burst:             1,
			MaxRetries:        3,
			MaxInputTokens:    8000,
		},
		Index: IndexConfig{
			MetadataTable: "tickets",
			LabelsPath:    filepath.Join(DataDirName, "outcome_signals.json"),
			SummaryMaxLen: 200,
		},
		Score: ScoreConfig{
			Labels:        []string{"Automate", "Assist", "Escalate"},
			FallbackLabel: "Assist",
			NeighborCount: 10,
			TopK:          5,
			Precision:     3,
			QueryCache:    256,
			QueryCacheTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for task2vec.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "task2vec.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, DataDirName, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// CachePath returns the vector cache path, resolving relative paths against dir.
func (c *Config) CachePath(dir string) string {
	if c.Cache.Path == "" {
		return filepath.Join(dir, DataDirName, "embeddings.db")
	}
	return resolve(dir, c.Cache.Path)
}

// LabelsPath returns the outcome signals path, resolving relative paths against dir.
func (c *Config) LabelsPath(dir string) string {
	if c.Index.LabelsPath == "" {
		return ""
	}
	return resolve(dir, c.Index.LabelsPath)
}

// MetadataPath returns the metadata source path, resolving relative paths against dir.
func (c *Config) MetadataPath(dir string) string {
	if c.Index.MetadataPath == "" {
		return ""
	}
	return resolve(dir, c.Index.MetadataPath)
}

// EnsureDataDir ensures the .task2vec directory exists.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(filepath.Join(dir, DataDirName), 0755)
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
