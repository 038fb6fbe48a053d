package embedder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/config"
)

// New creates the embedder selected by cfg. The worker provider starts its
// subprocess before New returns; callers must Close the result.
func New(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		e   Embedder
		err error
	)

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderWorker:
		e, err = newWorker(ctx, cfg, logger)
	case ProviderOllama:
		e = NewOllamaProvider(HTTPOptions{
			BaseURL:   cfg.OllamaHost,
			Model:     httpModel(cfg.Model, DefaultOllamaModel),
			Dimension: cfg.Dimensions,
		})
	case ProviderOpenAI:
		e, err = NewOpenAIProvider(HTTPOptions{
			Model:     httpModel(cfg.Model, DefaultOpenAIModel),
			Dimension: cfg.Dimensions,
			APIKey:    cfg.APIKey,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedder ready",
		zap.String("provider", e.Provider()),
		zap.String("model", e.Model()),
		zap.Int("dimensions", e.Dimension()))

	if cfg.CacheSize > 0 {
		return WithCache(e, cfg.CacheSize), nil
	}
	return e, nil
}

func newWorker(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (*WorkerProvider, error) {
	opts := WorkerOptions{
		Command:        cfg.WorkerCommand,
		Env:            []string{config.EnvEmbeddingModel + "=" + cfg.Model},
		Model:          cfg.Model,
		Dimension:      cfg.Dimensions,
		WarmUp:         cfg.WarmUp,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	}

	if len(opts.Command) == 0 {
		node, err := PrepareNodeWorker(ctx, cfg.InstallTimeout, logger)
		if err != nil {
			return nil, err
		}
		opts.Command = node.Command
		opts.Dir = node.Dir
		opts.TempDir = node.Dir
	}

	return StartWorker(ctx, opts)
}

// httpModel maps the worker's default model to the HTTP provider default,
// since a transformers.js model id means nothing to those APIs
func httpModel(model, fallback string) string {
	if model == "" || model == config.DefaultEmbeddingModel {
		return fallback
	}
	return model
}
