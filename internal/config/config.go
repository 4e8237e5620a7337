// Package config loads and validates the retrieval service configuration.
//
// Configuration is applied in order of increasing precedence:
//  1. Hardcoded defaults
//  2. YAML file (ragd.yaml in the data directory)
//  3. Environment variables (RAGD_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Rerank     RerankConfig     `yaml:"rerank" json:"rerank"`
	Breaker    BreakerConfig    `yaml:"breaker" json:"breaker"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// StorageConfig configures the persistence layer.
type StorageConfig struct {
	// DataDir is the directory holding the SQLite database and lock file.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// SearchConfig configures hybrid search parameters.
//
// Weights are applied exactly as configured; they are not renormalized.
// A strategy with weight 0 is skipped entirely.
type SearchConfig struct {
	// VectorWeight is the weight for semantic similarity.
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`

	// BM25Weight is the weight for lexical matching.
	BM25Weight float64 `yaml:"bm25_weight" json:"bm25_weight"`

	// SimilarityFloor drops vector candidates scoring below this
	// cosine similarity before ranking.
	SimilarityFloor float64 `yaml:"similarity_floor" json:"similarity_floor"`

	// MaxResults is the default result limit for a query.
	MaxResults int `yaml:"max_results" json:"max_results"`

	// ResponseCacheTTL is how long fused search responses are cached.
	ResponseCacheTTL time.Duration `yaml:"response_cache_ttl" json:"response_cache_ttl"`
}

// ChunkingConfig configures document chunking.
type ChunkingConfig struct {
	// ChunkSize is the target chunk size in tokens.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// ChunkOverlap is the token overlap between consecutive chunks.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`

	// MinChunkSize is the threshold below which trailing chunks are
	// merged into their predecessor.
	MinChunkSize int `yaml:"min_chunk_size" json:"min_chunk_size"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Model is the embedding model identifier.
	Model string `yaml:"model" json:"model"`

	// Dimensions is the embedding vector dimensionality.
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// BatchSize is the number of texts per provider request.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// BatchThreshold is the submission size at or above which bulk
	// embedding runs as an asynchronous job.
	BatchThreshold int `yaml:"batch_threshold" json:"batch_threshold"`

	// InterBatchDelay is the pause between consecutive provider
	// requests within a bulk job.
	InterBatchDelay time.Duration `yaml:"inter_batch_delay" json:"inter_batch_delay"`

	// APIKeyEnv names the environment variable carrying the provider
	// API key. The key itself never appears in config files.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

// CacheConfig configures the two-tier embedding cache.
type CacheConfig struct {
	// FastTTL is the fast-tier entry lifetime.
	FastTTL time.Duration `yaml:"fast_ttl" json:"fast_ttl"`

	// FastSize is the maximum number of fast-tier entries.
	FastSize int `yaml:"fast_size" json:"fast_size"`
}

// RerankConfig configures cross-encoder reranking.
type RerankConfig struct {
	// Enabled toggles reranking. When disabled, fused order is final.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// RemoteURL is the remote cross-encoder endpoint.
	RemoteURL string `yaml:"remote_url" json:"remote_url"`

	// APIKeyEnv names the environment variable carrying the remote
	// reranker API key.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`

	// Model is the cross-encoder model identifier.
	Model string `yaml:"model" json:"model"`

	// LocalURL is the local sidecar endpoint tried when the remote
	// reranker is unavailable.
	LocalURL string `yaml:"local_url" json:"local_url"`

	// TopK is how many candidates are sent for reranking.
	TopK int `yaml:"top_k" json:"top_k"`

	// MaxChars truncates each candidate's text before sending.
	MaxChars int `yaml:"max_chars" json:"max_chars"`

	// Timeout is the per-request reranker timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`

	// ResetTimeout is how long the circuit stays open before a trial.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Search: SearchConfig{
			VectorWeight:     0.7,
			BM25Weight:       0.3,
			SimilarityFloor:  0.7,
			MaxResults:       10,
			ResponseCacheTTL: 1 * time.Hour,
		},
		Chunking: ChunkingConfig{
			ChunkSize:    800,
			ChunkOverlap: 100,
			MinChunkSize: 100,
		},
		Embeddings: EmbeddingsConfig{
			Model:           "text-embedding-3-large",
			Dimensions:      3072,
			BatchSize:       10,
			BatchThreshold:  10,
			InterBatchDelay: 100 * time.Millisecond,
			APIKeyEnv:       "OPENAI_API_KEY",
		},
		Cache: CacheConfig{
			FastTTL:  24 * time.Hour,
			FastSize: 10000,
		},
		Rerank: RerankConfig{
			Enabled:   true,
			RemoteURL: "https://api.jina.ai/v1/rerank",
			APIKeyEnv: "JINA_API_KEY",
			Model:     "jina-reranker-v2-base-multilingual",
			LocalURL:  "http://localhost:8787/rerank",
			TopK:      10,
			MaxChars:  600,
			Timeout:   10 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
	}
}

// defaultDataDir returns the default data directory (~/.ragd).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".ragd")
	}
	return filepath.Join(home, ".ragd")
}

// Load loads configuration from the specified directory.
// It applies ragd.yaml if present, then RAGD_* environment overrides,
// and validates the final result.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from ragd.yaml or ragd.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, "ragd.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, "ragd.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	// No config file is fine - use defaults
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Storage.DataDir != "" {
		c.Storage.DataDir = other.Storage.DataDir
	}

	// Search weights: 0 is a meaningful value (skip strategy), so a
	// file that sets one weight must set both.
	if other.Search.VectorWeight != 0 || other.Search.BM25Weight != 0 {
		c.Search.VectorWeight = other.Search.VectorWeight
		c.Search.BM25Weight = other.Search.BM25Weight
	}
	if other.Search.SimilarityFloor != 0 {
		c.Search.SimilarityFloor = other.Search.SimilarityFloor
	}
	if other.Search.MaxResults != 0 {
		c.Search.MaxResults = other.Search.MaxResults
	}
	if other.Search.ResponseCacheTTL != 0 {
		c.Search.ResponseCacheTTL = other.Search.ResponseCacheTTL
	}

	if other.Chunking.ChunkSize != 0 {
		c.Chunking.ChunkSize = other.Chunking.ChunkSize
	}
	if other.Chunking.ChunkOverlap != 0 {
		c.Chunking.ChunkOverlap = other.Chunking.ChunkOverlap
	}
	if other.Chunking.MinChunkSize != 0 {
		c.Chunking.MinChunkSize = other.Chunking.MinChunkSize
	}

	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.BatchThreshold != 0 {
		c.Embeddings.BatchThreshold = other.Embeddings.BatchThreshold
	}
	if other.Embeddings.InterBatchDelay != 0 {
		c.Embeddings.InterBatchDelay = other.Embeddings.InterBatchDelay
	}
	if other.Embeddings.APIKeyEnv != "" {
		c.Embeddings.APIKeyEnv = other.Embeddings.APIKeyEnv
	}

	if other.Cache.FastTTL != 0 {
		c.Cache.FastTTL = other.Cache.FastTTL
	}
	if other.Cache.FastSize != 0 {
		c.Cache.FastSize = other.Cache.FastSize
	}

	// Rerank.Enabled defaults true; a file disabling reranking must set
	// another rerank field for the override to be detectable, so treat
	// any populated rerank section as authoritative for Enabled.
	if other.Rerank.RemoteURL != "" || other.Rerank.LocalURL != "" ||
		other.Rerank.Model != "" || other.Rerank.TopK != 0 {
		c.Rerank.Enabled = other.Rerank.Enabled
	}
	if other.Rerank.RemoteURL != "" {
		c.Rerank.RemoteURL = other.Rerank.RemoteURL
	}
	if other.Rerank.APIKeyEnv != "" {
		c.Rerank.APIKeyEnv = other.Rerank.APIKeyEnv
	}
	if other.Rerank.Model != "" {
		c.Rerank.Model = other.Rerank.Model
	}
	if other.Rerank.LocalURL != "" {
		c.Rerank.LocalURL = other.Rerank.LocalURL
	}
	if other.Rerank.TopK != 0 {
		c.Rerank.TopK = other.Rerank.TopK
	}
	if other.Rerank.MaxChars != 0 {
		c.Rerank.MaxChars = other.Rerank.MaxChars
	}
	if other.Rerank.Timeout != 0 {
		c.Rerank.Timeout = other.Rerank.Timeout
	}

	if other.Breaker.MaxFailures != 0 {
		c.Breaker.MaxFailures = other.Breaker.MaxFailures
	}
	if other.Breaker.ResetTimeout != 0 {
		c.Breaker.ResetTimeout = other.Breaker.ResetTimeout
	}

	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

// applyEnvOverrides applies RAGD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RAGD_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("RAGD_VECTOR_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.Search.VectorWeight = w
		}
	}
	if v := os.Getenv("RAGD_BM25_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.Search.BM25Weight = w
		}
	}
	if v := os.Getenv("RAGD_SIMILARITY_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.Search.SimilarityFloor = f
		}
	}
	if v := os.Getenv("RAGD_EMBEDDING_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("RAGD_EMBEDDING_DIMENSIONS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embeddings.Dimensions = d
		}
	}
	if v := os.Getenv("RAGD_RERANK_ENABLED"); v != "" {
		c.Rerank.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("RAGD_RERANK_URL"); v != "" {
		c.Rerank.RemoteURL = v
	}
	if v := os.Getenv("RAGD_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Search.VectorWeight < 0 || c.Search.VectorWeight > 1 {
		return fmt.Errorf("vector_weight must be between 0 and 1, got %f", c.Search.VectorWeight)
	}
	if c.Search.BM25Weight < 0 || c.Search.BM25Weight > 1 {
		return fmt.Errorf("bm25_weight must be between 0 and 1, got %f", c.Search.BM25Weight)
	}
	if c.Search.VectorWeight == 0 && c.Search.BM25Weight == 0 {
		return fmt.Errorf("at least one of vector_weight and bm25_weight must be positive")
	}
	if c.Search.SimilarityFloor < 0 || c.Search.SimilarityFloor > 1 {
		return fmt.Errorf("similarity_floor must be between 0 and 1, got %f", c.Search.SimilarityFloor)
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("max_results must be positive, got %d", c.Search.MaxResults)
	}

	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk_overlap must be non-negative and smaller than chunk_size, got %d", c.Chunking.ChunkOverlap)
	}

	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}

	if c.Breaker.MaxFailures <= 0 {
		return fmt.Errorf("breaker.max_failures must be positive, got %d", c.Breaker.MaxFailures)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive, got %s", c.Breaker.ResetTimeout)
	}

	validTransports := map[string]bool{"stdio": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'stdio', got %s", c.Server.Transport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// APIKey resolves the embedding provider API key from the environment.
func (c *EmbeddingsConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// APIKey resolves the reranker API key from the environment.
func (c *RerankConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
