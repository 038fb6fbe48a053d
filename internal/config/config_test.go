package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, "Xenova/bge-base-en-v1.5", cfg.Embedding.Model)
	assert.Equal(t, 20, cfg.Pipeline.BatchSize)
	assert.Equal(t, 10, cfg.Pipeline.RetryBatchSize)
	assert.Equal(t, 15, cfg.Vision.MaxConcurrent)
	assert.Equal(t, 800, cfg.Vision.RateLimit)
	assert.Equal(t, time.Minute, cfg.Vision.RateWindow)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.BatchPause)
	assert.Equal(t, 30*time.Second, cfg.Embedding.RequestTimeout)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iconindex.yaml")
	yamlDoc := `
embedding:
  provider: ollama
  dimensions: 384
  warm_up: 500ms
pipeline:
  batch_size: 5
  batch_pause: 1s
vision:
  max_concurrent: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	t.Setenv(EnvEmbeddingModel, "nomic-embed-text")
	t.Setenv(EnvDBPath, "/tmp/out.db")
	t.Setenv(EnvOpenAIAPIKey, "sk-test")
	t.Setenv(EnvEmbeddingDimensions, "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderOllama, cfg.Embedding.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 500*time.Millisecond, cfg.Embedding.WarmUp)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 5, cfg.Pipeline.BatchSize)
	assert.Equal(t, time.Second, cfg.Pipeline.BatchPause)
	assert.Equal(t, 4, cfg.Vision.MaxConcurrent)
	assert.Equal(t, "/tmp/out.db", cfg.Database.Path)
	assert.Equal(t, "sk-test", cfg.Vision.APIKey)
	// Unset fields keep their defaults
	assert.Equal(t, 10, cfg.Pipeline.RetryBatchSize)
}

func TestLoadEnvDimensions(t *testing.T) {
	t.Setenv(EnvEmbeddingDimensions, "1024")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Embedding.Dimensions)

	t.Setenv(EnvEmbeddingDimensions, "wide")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadGeminiProvider(t *testing.T) {
	t.Setenv(EnvVisionProvider, "gemini")
	t.Setenv(EnvGeminiAPIKey, "g-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, cfg.Vision.Provider)
	assert.Equal(t, DefaultGeminiModel, cfg.Vision.Model)
	assert.Equal(t, "g-key", cfg.Vision.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero dimensions", mutate: func(c *Config) { c.Embedding.Dimensions = 0 }},
		{name: "unknown embedding provider", mutate: func(c *Config) { c.Embedding.Provider = "magic" }},
		{name: "unknown vision provider", mutate: func(c *Config) { c.Vision.Provider = "magic" }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Vision.MaxConcurrent = 0 }},
		{name: "zero batch size", mutate: func(c *Config) { c.Pipeline.BatchSize = 0 }},
		{name: "negative pause", mutate: func(c *Config) { c.Pipeline.BatchPause = -time.Second }},
		{name: "hot temperature", mutate: func(c *Config) { c.Vision.Temperature = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
