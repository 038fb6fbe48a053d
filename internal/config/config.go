// Package config loads pipeline settings from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables
const (
	EnvEmbeddingDimensions = "EMBEDDING_DIMENSIONS"
	EnvEmbeddingModel      = "EMBEDDING_MODEL"
	EnvEmbeddingProvider   = "ICONINDEX_EMBEDDING_PROVIDER"
	EnvWorkerCommand       = "ICONINDEX_WORKER_COMMAND"
	EnvOllamaHost          = "OLLAMA_HOST"
	EnvVisionProvider      = "ICONINDEX_VISION_PROVIDER"
	EnvVisionModel         = "VISION_MODEL"
	EnvOpenAIAPIKey        = "OPENAI_API_KEY"
	EnvGeminiAPIKey        = "GEMINI_API_KEY"
	EnvDBPath              = "ICONINDEX_DB_PATH"
	EnvOutputDir           = "ICONINDEX_OUTPUT_DIR"
)

// Defaults
const (
	DefaultDimensions      = 768
	DefaultEmbeddingModel  = "Xenova/bge-base-en-v1.5"
	DefaultVisionModel     = "gpt-4o-mini"
	DefaultGeminiModel     = "gemini-1.5-flash"
	DefaultBatchSize       = 20
	DefaultRetryBatchSize  = 10
	DefaultMaxConcurrent   = 15
	DefaultRateLimit       = 800
	DefaultMaxTokens       = 150
	DefaultTemperature     = 0.3
	DefaultMaxImageSize    = 512
	DefaultOllamaHost      = "http://localhost:11434"
	DefaultDBPath          = "icons.db"
	DefaultOutputDir       = "outputs"
	DefaultEmbeddingCache  = 10000
	ProviderWorker         = "worker"
	ProviderOllama         = "ollama"
	ProviderOpenAI         = "openai"
	ProviderGemini         = "gemini"
	defaultRateWindow      = time.Minute
	defaultBatchPause      = 3 * time.Second
	defaultRetryPause      = 2 * time.Second
	defaultWarmUp          = 3 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultWorkerInstallTO = 5 * time.Minute
)

// Config is the complete pipeline configuration
type Config struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vision    VisionConfig    `yaml:"vision"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Database  DatabaseConfig  `yaml:"database"`
	OutputDir string          `yaml:"output_dir"`
}

// EmbeddingConfig configures the embedding backend
type EmbeddingConfig struct {
	Provider       string        `yaml:"provider"`   // worker, ollama, openai
	Model          string        `yaml:"model"`      // Model identifier recorded in run files
	Dimensions     int           `yaml:"dimensions"` // Vector width, one value for every check
	WorkerCommand  []string      `yaml:"worker_command"`
	WarmUp         time.Duration `yaml:"warm_up"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
	OllamaHost     string        `yaml:"ollama_host"`
	CacheSize      int           `yaml:"cache_size"`
	APIKey         string        `yaml:"-"`
}

// VisionConfig configures the description backend
type VisionConfig struct {
	Provider      string        `yaml:"provider"` // openai, gemini
	Model         string        `yaml:"model"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	RateLimit     int           `yaml:"rate_limit"` // Calls allowed per rate window
	RateWindow    time.Duration `yaml:"rate_window"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float32       `yaml:"temperature"`
	MaxImageSize  int           `yaml:"max_image_size"`
	APIKey        string        `yaml:"-"`
}

// PipelineConfig configures batching
type PipelineConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	RetryBatchSize int           `yaml:"retry_batch_size"`
	BatchPause     time.Duration `yaml:"batch_pause"`
	RetryPause     time.Duration `yaml:"retry_pause"`
}

// DatabaseConfig configures the assembled artifact
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:       ProviderWorker,
			Model:          DefaultEmbeddingModel,
			Dimensions:     DefaultDimensions,
			WarmUp:         defaultWarmUp,
			RequestTimeout: defaultRequestTimeout,
			InstallTimeout: defaultWorkerInstallTO,
			OllamaHost:     DefaultOllamaHost,
			CacheSize:      DefaultEmbeddingCache,
		},
		Vision: VisionConfig{
			Provider:      ProviderOpenAI,
			Model:         DefaultVisionModel,
			MaxConcurrent: DefaultMaxConcurrent,
			RateLimit:     DefaultRateLimit,
			RateWindow:    defaultRateWindow,
			MaxTokens:     DefaultMaxTokens,
			Temperature:   DefaultTemperature,
			MaxImageSize:  DefaultMaxImageSize,
		},
		Pipeline: PipelineConfig{
			BatchSize:      DefaultBatchSize,
			RetryBatchSize: DefaultRetryBatchSize,
			BatchPause:     defaultBatchPause,
			RetryPause:     defaultRetryPause,
		},
		Database:  DatabaseConfig{Path: DefaultDBPath},
		OutputDir: DefaultOutputDir,
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvEmbeddingDimensions); v != "" {
		dims, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvEmbeddingDimensions, v, err)
		}
		c.Embedding.Dimensions = dims
	}
	if v := os.Getenv(EnvEmbeddingModel); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv(EnvEmbeddingProvider); v != "" {
		c.Embedding.Provider = strings.ToLower(v)
	}
	if v := os.Getenv(EnvWorkerCommand); v != "" {
		c.Embedding.WorkerCommand = strings.Fields(v)
	}
	if v := os.Getenv(EnvOllamaHost); v != "" {
		c.Embedding.OllamaHost = v
	}
	if v := os.Getenv(EnvVisionProvider); v != "" {
		c.Vision.Provider = strings.ToLower(v)
		if c.Vision.Provider == ProviderGemini && c.Vision.Model == DefaultVisionModel {
			c.Vision.Model = DefaultGeminiModel
		}
	}
	if v := os.Getenv(EnvVisionModel); v != "" {
		c.Vision.Model = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvOutputDir); v != "" {
		c.OutputDir = v
	}

	switch c.Vision.Provider {
	case ProviderGemini:
		c.Vision.APIKey = os.Getenv(EnvGeminiAPIKey)
	default:
		c.Vision.APIKey = os.Getenv(EnvOpenAIAPIKey)
	}
	if c.Embedding.Provider == ProviderOpenAI {
		c.Embedding.APIKey = os.Getenv(EnvOpenAIAPIKey)
	}
	return nil
}

// Validate checks that the configuration has usable values
func (c *Config) Validate() error {
	var errs []error

	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions))
	}
	switch c.Embedding.Provider {
	case ProviderWorker, ProviderOllama, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.RequestTimeout <= 0 {
		errs = append(errs, errors.New("embedding.request_timeout must be positive"))
	}
	if c.Embedding.WarmUp < 0 {
		errs = append(errs, errors.New("embedding.warm_up must not be negative"))
	}

	switch c.Vision.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown vision provider %q", c.Vision.Provider))
	}
	if c.Vision.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("vision.max_concurrent must be positive"))
	}
	if c.Vision.RateLimit <= 0 || c.Vision.RateWindow <= 0 {
		errs = append(errs, errors.New("vision.rate_limit and vision.rate_window must be positive"))
	}
	if c.Vision.MaxImageSize <= 0 {
		errs = append(errs, errors.New("vision.max_image_size must be positive"))
	}
	if c.Vision.Temperature < 0 || c.Vision.Temperature > 2 {
		errs = append(errs, fmt.Errorf("vision.temperature must be between 0 and 2, got %.2f", c.Vision.Temperature))
	}

	if c.Pipeline.BatchSize <= 0 || c.Pipeline.RetryBatchSize <= 0 {
		errs = append(errs, errors.New("pipeline batch sizes must be positive"))
	}
	if c.Pipeline.BatchPause < 0 || c.Pipeline.RetryPause < 0 {
		errs = append(errs, errors.New("pipeline pauses must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config error: %w", errors.Join(errs...))
	}
	return nil
}
