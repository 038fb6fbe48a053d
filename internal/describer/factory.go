package describer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/config"
	"github.com/dshills/iconindex/internal/logging"
)

// New builds a Client for the configured vision provider
func New(ctx context.Context, cfg config.VisionConfig, logger *zap.Logger) (*Client, error) {
	logger = logging.OrNop(logger)
	gen := GenerationOptions{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}

	var backend Backend
	switch cfg.Provider {
	case config.ProviderGemini:
		if gen.Model == "" || gen.Model == config.DefaultVisionModel {
			gen.Model = config.DefaultGeminiModel
		}
		b, err := NewGeminiBackend(ctx, cfg.APIKey, gen)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.ProviderOpenAI, "":
		if gen.Model == "" {
			gen.Model = config.DefaultVisionModel
		}
		b, err := NewOpenAIBackend("", cfg.APIKey, gen)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}

	logger.Info("vision backend ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", backend.Model()),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Int("rate_limit", cfg.RateLimit),
	)

	return NewClient(backend, Options{
		MaxConcurrent: cfg.MaxConcurrent,
		RateLimit:     cfg.RateLimit,
		RateWindow:    cfg.RateWindow,
		Logger:        logger,
	}), nil
}
