package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/core"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Anthropic.Model)
	assert.Equal(t, 0.7, cfg.Anthropic.Temperature)
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.GenerationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.RetrievalTimeout)
	assert.Equal(t, 10, cfg.Pipeline.HistoryWindow)
	assert.False(t, cfg.Pipeline.AsyncPersistence)

	assert.Equal(t, config.BackendChromem, cfg.Memory.Backend)
	assert.Equal(t, "./data/memory", cfg.Memory.PersistDir)
	assert.Equal(t, "assistant_memories", cfg.Memory.CollectionName)
	assert.Equal(t, config.EmbeddingMock, cfg.Memory.EmbeddingModel)
	assert.Equal(t, 384, cfg.Memory.EmbeddingDimensions)
	assert.Equal(t, int64(10000), cfg.Memory.EmbeddingCacheSize)
	assert.Equal(t, 5, cfg.Memory.MaxResults)
	assert.Equal(t, 1000, cfg.Memory.ContextTokenBudget)
	assert.True(t, cfg.Memory.IncludeSummaries)
	assert.Equal(t, config.TokenizerChars, cfg.Memory.Tokenizer)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("NIM_TEMPERATURE", "0.2")
	t.Setenv("NIM_RETRIEVAL_TIMEOUT", "250ms")
	t.Setenv("NIM_ASYNC_PERSISTENCE", "true")
	t.Setenv("MEMORY_BACKEND", "sqlite")
	t.Setenv("MEMORY_MAX_RESULTS", "8")
	t.Setenv("MEMORY_CONTEXT_TOKEN_BUDGET", "300")
	t.Setenv("MEMORY_MIN_IMPORTANCE", "0.5")
	t.Setenv("MEMORY_SIMILARITY_THRESHOLD", "0.25")

	cfg, err := config.Parse()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Anthropic.APIKey)
	assert.Equal(t, config.BackendSQLite, cfg.Memory.Backend)

	mc := cfg.MemoryDefaults()
	assert.Equal(t, 8, mc.MaxResults)
	assert.Equal(t, 300, mc.TokenBudget)
	assert.Equal(t, 0.5, mc.MinImportance)
	assert.Equal(t, 0.25, mc.MinSimilarity)

	ec := cfg.EngineConfig()
	assert.Equal(t, 250*time.Millisecond, ec.RetrievalTimeout)
	assert.Equal(t, 300, ec.Memory.TokenBudget)
	assert.True(t, cfg.Pipeline.AsyncPersistence)

	gc := cfg.GeneratorConfig()
	require.NotNil(t, gc.Temperature)
	assert.Equal(t, 0.2, *gc.Temperature)
	assert.Equal(t, "sk-test", gc.APIKey)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"temperature above one", "NIM_TEMPERATURE", "1.5"},
		{"zero max tokens", "NIM_MAX_TOKENS", "0"},
		{"unknown backend", "MEMORY_BACKEND", "redis"},
		{"postgres without dsn", "MEMORY_BACKEND", "postgres"},
		{"onnx without paths", "MEMORY_EMBEDDING_MODEL", "onnx"},
		{"zero budget", "MEMORY_CONTEXT_TOKEN_BUDGET", "0"},
		{"negative results", "MEMORY_MAX_RESULTS", "-1"},
		{"importance out of range", "MEMORY_MIN_IMPORTANCE", "2"},
		{"unknown tokenizer", "MEMORY_TOKENIZER", "words"},
		{"malformed duration", "NIM_GENERATION_TIMEOUT", "soon"},
		{"malformed number", "MEMORY_MAX_RESULTS", "five"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.Parse()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := config.Parse()
	require.NoError(t, err)

	cfg.Memory.MaxResults = 0
	cfg.Memory.Tokenizer = "words"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEMORY_MAX_RESULTS")
	assert.Contains(t, err.Error(), "MEMORY_TOKENIZER")
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("NIM_MODEL=claude-from-dotenv\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	// godotenv sets the variable for the process; make sure it is removed afterwards.
	t.Setenv("NIM_MODEL", "")
	require.NoError(t, os.Unsetenv("NIM_MODEL"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "claude-from-dotenv", cfg.Anthropic.Model)
}
