// Package config loads the assistant configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
)

// Memory backends.
const (
	BackendChromem  = "chromem"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Embedding models.
const (
	EmbeddingMock = "mock"
	EmbeddingONNX = "onnx"
)

// Token estimators.
const (
	TokenizerChars    = "chars"
	TokenizerTiktoken = "tiktoken"
)

type Config struct {
	Anthropic AnthropicConfig
	Pipeline  PipelineConfig
	Memory    MemoryConfig
	Server    ServerConfig
}

type AnthropicConfig struct {
	APIKey      string  `env:"ANTHROPIC_API_KEY"`
	BaseURL     string  `env:"ANTHROPIC_BASE_URL"`
	Model       string  `env:"NIM_MODEL" envDefault:"claude-sonnet-4-20250514"`
	Temperature float64 `env:"NIM_TEMPERATURE" envDefault:"0.7"`
	MaxTokens   int64   `env:"NIM_MAX_TOKENS" envDefault:"4096"`

	BreakerMaxFailures uint32        `env:"NIM_BREAKER_MAX_FAILURES" envDefault:"3"`
	BreakerTimeout     time.Duration `env:"NIM_BREAKER_TIMEOUT" envDefault:"30s"`
}

type PipelineConfig struct {
	SystemPrompt      string        `env:"NIM_SYSTEM_PROMPT"`
	GenerationTimeout time.Duration `env:"NIM_GENERATION_TIMEOUT" envDefault:"60s"`
	RetrievalTimeout  time.Duration `env:"NIM_RETRIEVAL_TIMEOUT" envDefault:"5s"`
	HistoryWindow     int           `env:"NIM_HISTORY_WINDOW" envDefault:"10"`
	AsyncPersistence  bool          `env:"NIM_ASYNC_PERSISTENCE" envDefault:"false"`
}

type MemoryConfig struct {
	Backend        string `env:"MEMORY_BACKEND" envDefault:"chromem"`
	PersistDir     string `env:"MEMORY_PERSIST_DIR" envDefault:"./data/memory"`
	CollectionName string `env:"MEMORY_COLLECTION_NAME" envDefault:"assistant_memories"`
	PostgresDSN    string `env:"MEMORY_POSTGRES_DSN"`

	EmbeddingModel      string `env:"MEMORY_EMBEDDING_MODEL" envDefault:"mock"`
	EmbeddingDimensions int    `env:"MEMORY_EMBEDDING_DIMENSIONS" envDefault:"384"`
	ONNXModelPath       string `env:"MEMORY_ONNX_MODEL_PATH"`
	ONNXTokenizerPath   string `env:"MEMORY_ONNX_TOKENIZER_PATH"`
	ONNXLibraryPath     string `env:"MEMORY_ONNX_LIBRARY_PATH"`
	EmbeddingCacheSize  int64  `env:"MEMORY_EMBEDDING_CACHE_SIZE" envDefault:"10000"`

	SimilarityThreshold float64 `env:"MEMORY_SIMILARITY_THRESHOLD" envDefault:"0.0"`
	MaxResults          int     `env:"MEMORY_MAX_RESULTS" envDefault:"5"`
	ContextTokenBudget  int     `env:"MEMORY_CONTEXT_TOKEN_BUDGET" envDefault:"1000"`
	MinImportance       float64 `env:"MEMORY_MIN_IMPORTANCE" envDefault:"0"`
	IncludeSummaries    bool    `env:"MEMORY_INCLUDE_SUMMARIES" envDefault:"true"`
	Tokenizer           string  `env:"MEMORY_TOKENIZER" envDefault:"chars"`
}

type ServerConfig struct {
	HTTPAddr  string  `env:"NIM_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr  string  `env:"NIM_GRPC_ADDR" envDefault:":9090"`
	RateLimit float64 `env:"NIM_RATE_LIMIT" envDefault:"10"`
	RateBurst int     `env:"NIM_RATE_BURST" envDefault:"20"`
}

// Load reads an optional .env file, then the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment without touching .env files.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations. All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Anthropic.Temperature >= 0 && c.Anthropic.Temperature <= 1, "NIM_TEMPERATURE must be in [0,1], got %v", c.Anthropic.Temperature)
	check(c.Anthropic.MaxTokens > 0, "NIM_MAX_TOKENS must be positive, got %d", c.Anthropic.MaxTokens)
	check(c.Pipeline.GenerationTimeout > 0, "NIM_GENERATION_TIMEOUT must be positive")
	check(c.Pipeline.RetrievalTimeout > 0, "NIM_RETRIEVAL_TIMEOUT must be positive")
	check(c.Pipeline.HistoryWindow > 0, "NIM_HISTORY_WINDOW must be positive, got %d", c.Pipeline.HistoryWindow)

	m := c.Memory
	check(oneOf(m.Backend, BackendChromem, BackendSQLite, BackendPostgres), "MEMORY_BACKEND must be chromem, sqlite or postgres, got %q", m.Backend)
	check(m.Backend != BackendPostgres || m.PostgresDSN != "", "MEMORY_POSTGRES_DSN is required for the postgres backend")
	check(oneOf(m.EmbeddingModel, EmbeddingMock, EmbeddingONNX), "MEMORY_EMBEDDING_MODEL must be mock or onnx, got %q", m.EmbeddingModel)
	check(m.EmbeddingModel != EmbeddingONNX || (m.ONNXModelPath != "" && m.ONNXTokenizerPath != ""), "MEMORY_ONNX_MODEL_PATH and MEMORY_ONNX_TOKENIZER_PATH are required for onnx embeddings")
	check(m.EmbeddingDimensions > 0, "MEMORY_EMBEDDING_DIMENSIONS must be positive, got %d", m.EmbeddingDimensions)
	check(m.EmbeddingCacheSize >= 0, "MEMORY_EMBEDDING_CACHE_SIZE must not be negative")
	check(m.SimilarityThreshold >= -1 && m.SimilarityThreshold <= 1, "MEMORY_SIMILARITY_THRESHOLD must be in [-1,1], got %v", m.SimilarityThreshold)
	check(m.MaxResults > 0, "MEMORY_MAX_RESULTS must be positive, got %d", m.MaxResults)
	check(m.ContextTokenBudget > 0, "MEMORY_CONTEXT_TOKEN_BUDGET must be positive, got %d", m.ContextTokenBudget)
	check(m.MinImportance >= 0 && m.MinImportance <= 1, "MEMORY_MIN_IMPORTANCE must be in [0,1], got %v", m.MinImportance)
	check(oneOf(m.Tokenizer, TokenizerChars, TokenizerTiktoken), "MEMORY_TOKENIZER must be chars or tiktoken, got %q", m.Tokenizer)

	check(c.Server.RateLimit >= 0, "NIM_RATE_LIMIT must not be negative")
	check(c.Server.RateBurst > 0 || c.Server.RateLimit == 0, "NIM_RATE_BURST must be positive when rate limiting")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: invalid configuration: %w", core.ErrValidation, errors.Join(errs...))
}

// MemoryDefaults converts the retrieval settings for memory.NewManager.
func (c *Config) MemoryDefaults() *memory.Config {
	mc := memory.DefaultConfig()
	mc.MaxResults = c.Memory.MaxResults
	mc.TokenBudget = c.Memory.ContextTokenBudget
	mc.MinImportance = c.Memory.MinImportance
	mc.MinSimilarity = c.Memory.SimilarityThreshold
	mc.IncludeSummaries = c.Memory.IncludeSummaries
	return mc
}

// EngineConfig converts the pipeline settings for engine.WithConfig.
func (c *Config) EngineConfig() *engine.Config {
	ec := engine.DefaultConfig()
	if c.Pipeline.SystemPrompt != "" {
		ec.SystemPrompt = c.Pipeline.SystemPrompt
	}
	ec.Memory = c.MemoryDefaults()
	ec.RetrievalTimeout = c.Pipeline.RetrievalTimeout
	ec.GenerationTimeout = c.Pipeline.GenerationTimeout
	ec.HistoryWindow = c.Pipeline.HistoryWindow
	return ec
}

// GeneratorConfig converts the model settings for engine.NewAnthropicGenerator.
func (c *Config) GeneratorConfig() engine.AnthropicConfig {
	temperature := c.Anthropic.Temperature
	return engine.AnthropicConfig{
		APIKey:      c.Anthropic.APIKey,
		BaseURL:     c.Anthropic.BaseURL,
		Model:       c.Anthropic.Model,
		MaxTokens:   c.Anthropic.MaxTokens,
		Temperature: &temperature,
	}
}

// BreakerConfig converts the circuit breaker settings.
func (c *Config) BreakerConfig() engine.BreakerConfig {
	return engine.BreakerConfig{
		MaxFailures: c.Anthropic.BreakerMaxFailures,
		Timeout:     c.Anthropic.BreakerTimeout,
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
